package volume

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2a46m4/kawakaze/app/helpers/helperstest"
)

func seededStore(t *testing.T) (Store, string) {
	t.Helper()
	ctx := context.Background()
	store := NewMemoryStore(t.TempDir())

	require.NoError(t, store.CreateDataset(ctx, "tank/kawakaze/images/base"))
	root, err := store.Mount(ctx, "tank/kawakaze/images/base", "")
	require.NoError(t, err)
	require.NoError(t, ioutil.WriteFile(filepath.Join(root, "marker"), []byte("base"), 0644))

	snap, err := store.Snapshot(ctx, "tank/kawakaze/images/base", "build")
	require.NoError(t, err)
	assert.Equal(t, "tank/kawakaze/images/base@build", snap)
	return store, snap
}

func TestMemoryCloneContract(t *testing.T) {
	ctx := context.Background()
	store, snap := seededStore(t)

	err := store.Clone(ctx, "tank/kawakaze/images/base@missing", "tank/kawakaze/containers/a")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Clone(ctx, snap, "tank/kawakaze/containers/a"))
	err = store.Clone(ctx, snap, "tank/kawakaze/containers/a")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	origin, err := store.GetProperty(ctx, "tank/kawakaze/containers/a", "origin")
	require.NoError(t, err)
	assert.Equal(t, snap, origin)
}

func TestMemoryDestroyWithDependents(t *testing.T) {
	ctx := context.Background()
	store, snap := seededStore(t)
	require.NoError(t, store.Clone(ctx, snap, "tank/kawakaze/images/child"))
	childSnap, err := store.Snapshot(ctx, "tank/kawakaze/images/child", "build")
	require.NoError(t, err)
	require.NoError(t, store.Clone(ctx, childSnap, "tank/kawakaze/images/grandchild"))

	err = store.Destroy(ctx, "tank/kawakaze/images/base", false)
	assert.ErrorIs(t, err, ErrDependentClones)

	exists, err := store.Exists(ctx, "tank/kawakaze/images/base")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.Destroy(ctx, "tank/kawakaze/images/base", true))
	for _, ds := range []string{"tank/kawakaze/images/base", "tank/kawakaze/images/child", "tank/kawakaze/images/grandchild"} {
		exists, err := store.Exists(ctx, ds)
		require.NoError(t, err)
		assert.False(t, exists, ds)
	}

	assert.ErrorIs(t, store.Destroy(ctx, "tank/kawakaze/images/base", false), ErrNotFound)
}

func TestPromoteDetachesFromSource(t *testing.T) {
	ctx := context.Background()
	store, snap := seededStore(t)

	cell := "tank/kawakaze/containers/kawakaze_abc"
	require.NoError(t, store.Clone(ctx, snap, cell))
	require.NoError(t, store.Promote(ctx, cell))

	require.NoError(t, store.Destroy(ctx, "tank/kawakaze/images/base", false))

	exists, err := store.Exists(ctx, cell)
	require.NoError(t, err)
	assert.True(t, exists)

	root, err := store.Mount(ctx, cell, "")
	require.NoError(t, err)
	data, err := ioutil.ReadFile(filepath.Join(root, "marker"))
	require.NoError(t, err)
	assert.Equal(t, "base", string(data))

	require.NoError(t, store.Unmount(ctx, cell))
	require.NoError(t, store.Destroy(ctx, cell, false))
}

func TestMemoryListSnapshotsInCreationOrder(t *testing.T) {
	ctx := context.Background()
	store, _ := seededStore(t)

	_, err := store.Snapshot(ctx, "tank/kawakaze/images/base", "second")
	require.NoError(t, err)

	snaps, err := store.ListSnapshots(ctx, "tank/kawakaze/images/base")
	require.NoError(t, err)
	assert.Equal(t, []string{"tank/kawakaze/images/base@build", "tank/kawakaze/images/base@second"}, snaps)

	_, err = store.Snapshot(ctx, "tank/kawakaze/images/base", "second")
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestMemoryRename(t *testing.T) {
	ctx := context.Background()
	store, _ := seededStore(t)

	require.NoError(t, store.Rename(ctx, "tank/kawakaze/images/base", "tank/kawakaze/images/renamed"))

	exists, err := store.Exists(ctx, "tank/kawakaze/images/renamed@build")
	require.NoError(t, err)
	assert.True(t, exists)

	used, err := store.UsedSpace(ctx, "tank/kawakaze/images/renamed")
	require.NoError(t, err)
	assert.Equal(t, uint64(len("base")), used)
}

func TestParseError(t *testing.T) {
	runner := helperstest.NewRunner().
		Fail("zfs list", "cannot open 'tank/x': dataset does not exist").
		Fail("zfs create", "cannot create 'tank/x': dataset already exists").
		Fail("zfs destroy", "cannot destroy 'tank/x': filesystem has dependent clones").
		Fail("zfs set", "cannot set property for 'tank/x': permission denied").
		Fail("zfs rename", "internal error: out of memory")

	tests := []struct {
		args []string
		want error
	}{
		{[]string{"list", "tank/x"}, ErrNotFound},
		{[]string{"create", "tank/x"}, ErrAlreadyExists},
		{[]string{"destroy", "tank/x"}, ErrDependentClones},
		{[]string{"set", "a=b", "tank/x"}, ErrPermissionDenied},
		{[]string{"rename", "tank/x", "tank/y"}, ErrCommandFailed},
	}

	for _, tt := range tests {
		_, err := runner.Run(context.Background(), "zfs", tt.args...)
		assert.ErrorIs(t, parseError(err, "tank/x"), tt.want, strings.Join(tt.args, " "))
	}
	assert.NoError(t, parseError(nil, "tank/x"))
}

func TestNewZFSStoreUnreachablePool(t *testing.T) {
	runner := helperstest.NewRunner().Fail("zpool list", "cannot open 'tank': no such pool")

	_, err := NewZFSStore(context.Background(), runner, "tank", "tank/kawakaze", "/var/db/kawakaze/mnt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestZFSDestroyForceFallsBackToDependents(t *testing.T) {
	ctx := context.Background()
	runner := helperstest.NewRunner().
		Fail("zfs destroy -r tank/kawakaze/images/base", "cannot destroy: filesystem has dependent clones")

	store, err := NewZFSStore(ctx, runner, "tank", "tank/kawakaze", "/var/db/kawakaze/mnt")
	require.NoError(t, err)

	assert.ErrorIs(t, store.Destroy(ctx, "tank/kawakaze/images/base", false), ErrDependentClones)
	assert.Empty(t, runner.Lines("zfs destroy -R"))

	require.NoError(t, store.Destroy(ctx, "tank/kawakaze/images/base", true))
	assert.Equal(t, []string{"zfs destroy -R tank/kawakaze/images/base"}, runner.Lines("zfs destroy -R"))
}

func TestZFSCloneChecksEndpoints(t *testing.T) {
	ctx := context.Background()
	runner := helperstest.NewRunner().
		Fail("zfs list -H -o name -t all tank/kawakaze/images/base@gone", "dataset does not exist").
		Fail("zfs list -H -o name -t all tank/kawakaze/containers/new", "dataset does not exist")

	store, err := NewZFSStore(ctx, runner, "tank", "tank/kawakaze", "/mnt")
	require.NoError(t, err)

	assert.ErrorIs(t, store.Clone(ctx, "tank/kawakaze/images/base@gone", "tank/kawakaze/containers/new"), ErrNotFound)
	assert.ErrorIs(t, store.Clone(ctx, "tank/kawakaze/images/base@build", "tank/kawakaze/containers/old"), ErrAlreadyExists)

	require.NoError(t, store.Clone(ctx, "tank/kawakaze/images/base@build", "tank/kawakaze/containers/new"))
	assert.Equal(t,
		[]string{"zfs clone -p -o canmount=off tank/kawakaze/images/base@build tank/kawakaze/containers/new"},
		runner.Lines("zfs clone"))
}

func TestZFSPromoteReplacesClone(t *testing.T) {
	ctx := context.Background()
	runner := helperstest.NewRunner().
		Output("zfs get -H -p -o value origin tank/kawakaze/containers/c", "tank/kawakaze/images/base@build\n").
		Output("zfs get -H -p -o value mounted", "no\n")

	store, err := NewZFSStore(ctx, runner, "tank", "tank/kawakaze", "/mnt")
	require.NoError(t, err)

	require.NoError(t, store.Promote(ctx, "tank/kawakaze/containers/c"))

	pipes := runner.Lines("/bin/sh -c zfs send")
	require.Len(t, pipes, 1)
	assert.Contains(t, pipes[0], "| zfs receive -u 'tank/kawakaze/containers/c-promote-")

	renames := runner.Lines("zfs rename")
	require.Len(t, renames, 1)
	assert.True(t, strings.HasSuffix(renames[0], " tank/kawakaze/containers/c"))
	assert.Equal(t, []string{"zfs destroy -r tank/kawakaze/containers/c"}, runner.Lines("zfs destroy -r"))
}

func TestZFSMountDefaultsUnderMountRoot(t *testing.T) {
	ctx := context.Background()
	runner := helperstest.NewRunner().Output("zfs get -H -p -o value mounted", "no\n")

	store, err := NewZFSStore(ctx, runner, "tank", "tank/kawakaze", "/var/db/kawakaze/mnt")
	require.NoError(t, err)

	mp, err := store.Mount(ctx, "tank/kawakaze/containers/c", "")
	require.NoError(t, err)
	assert.Equal(t, "/var/db/kawakaze/mnt/containers/c", mp)
	assert.Equal(t, []string{"zfs mount tank/kawakaze/containers/c"}, runner.Lines("zfs mount"))
}
