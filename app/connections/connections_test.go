package connections

import (
	"context"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2a46m4/kawakaze/app/helpers/helperstest"
	"github.com/2a46m4/kawakaze/app/models/image"
)

func setup(t *testing.T, driver string) {
	t.Helper()
	viper.Reset()
	Reset()
	t.Cleanup(Reset)

	viper.Set("store.driver", driver)
	viper.Set("store.state_dir", t.TempDir())
	viper.Set("volume.driver", "memory")
	viper.Set("zfs.pool", "zroot")
	viper.Set("zfs.root", "kawakaze")
}

func TestFileRecordsSurviveReconnect(t *testing.T) {
	ctx := context.Background()
	setup(t, "file")
	require.NoError(t, EstablishConnections(ctx, helperstest.NewRunner()))

	recs, err := GetRecords(ctx)
	require.NoError(t, err)
	img := image.New("base", "")
	require.NoError(t, recs.InsertImage(ctx, img))

	Reset()
	recs, err = GetRecords(ctx)
	require.NoError(t, err)
	got, err := recs.GetImageByName(ctx, "base")
	require.NoError(t, err)
	assert.Equal(t, img.ID, got.ID)

	alloc, err := GetAllocations(ctx)
	require.NoError(t, err)
	table, err := alloc.Load()
	require.NoError(t, err)
	assert.Empty(t, table)
}

func TestUnknownDrivers(t *testing.T) {
	ctx := context.Background()
	setup(t, "etcd")
	_, err := GetKV(ctx)
	assert.Error(t, err)

	setup(t, "memory")
	viper.Set("volume.driver", "btrfs")
	assert.Error(t, EstablishConnections(ctx, helperstest.NewRunner()))
}

func TestZFSDriverNeedsPool(t *testing.T) {
	ctx := context.Background()
	setup(t, "memory")
	viper.Set("volume.driver", "zfs")
	runner := helperstest.NewRunner().Fail("zpool list", "cannot open 'zroot': no such pool")

	_, err := GetVolumes(ctx, runner)
	require.Error(t, err)
	assert.IsType(t, ConnectionError{}, err)
	assert.Equal(t, "zroot/kawakaze", Paths().Root)
}
