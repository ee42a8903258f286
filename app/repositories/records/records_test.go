package records

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2a46m4/kawakaze/app/models/container"
	"github.com/2a46m4/kawakaze/app/models/image"
	"github.com/2a46m4/kawakaze/app/repositories/providers"
)

func stores() map[string]func() Store {
	return map[string]func() Store{
		"memory": NewMemoryStore,
		"kv": func() Store {
			return NewKVStore(providers.NewMemoryProvider())
		},
	}
}

func TestImageRecords(t *testing.T) {
	for name, mk := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk()

			img := image.New("web", "")
			require.NoError(t, s.InsertImage(ctx, img))

			dup := image.New("web", "")
			assert.ErrorIs(t, s.InsertImage(ctx, dup), ErrNameTaken)

			got, err := s.GetImageByName(ctx, "web")
			require.NoError(t, err)
			assert.Equal(t, img.ID, got.ID)
			assert.Equal(t, image.StateBuilding, got.State)

			img.State = image.StateAvailable
			img.Snapshot = "tank/kawakaze/images/" + img.ID + "@build"
			require.NoError(t, s.UpdateImage(ctx, img))

			got, err = s.GetImage(ctx, img.ID)
			require.NoError(t, err)
			assert.Equal(t, image.StateAvailable, got.State)
			assert.Equal(t, img.Snapshot, got.Snapshot)

			// renaming frees the old name
			img.Name = "web~old"
			require.NoError(t, s.UpdateImage(ctx, img))
			require.NoError(t, s.InsertImage(ctx, dup))

			all, err := s.ListImages(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 2)

			require.NoError(t, s.DeleteImage(ctx, img.ID))
			_, err = s.GetImage(ctx, img.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.DeleteImage(ctx, img.ID), ErrNotFound)
		})
	}
}

func TestContainerRecords(t *testing.T) {
	for name, mk := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk()

			img := image.New("base", "")
			require.NoError(t, s.InsertImage(ctx, img))

			orphan := container.New("no-such-image", "orphan")
			assert.ErrorIs(t, s.InsertContainer(ctx, orphan), ErrNotFound)

			c := container.New(img.ID, "web")
			require.NoError(t, s.InsertContainer(ctx, c))

			sameName := container.New(img.ID, "web")
			assert.ErrorIs(t, s.InsertContainer(ctx, sameName), ErrNameTaken)

			sameJail := container.New(img.ID, "other")
			sameJail.JailName = c.JailName
			assert.ErrorIs(t, s.InsertContainer(ctx, sameJail), ErrJailNameTaken)

			assert.ErrorIs(t, s.DeleteImage(ctx, img.ID), ErrImageReferenced)

			now := time.Now().UTC()
			c.State = container.StateRunning
			c.StartedAt = &now
			require.NoError(t, s.UpdateContainer(ctx, c))

			got, err := s.GetContainerByName(ctx, "web")
			require.NoError(t, err)
			assert.Equal(t, container.StateRunning, got.State)
			require.NotNil(t, got.StartedAt)

			list, err := s.ListContainers(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)

			require.NoError(t, s.DeleteContainer(ctx, c.ID))
			assert.ErrorIs(t, s.DeleteContainer(ctx, c.ID), ErrNotFound)
			require.NoError(t, s.InsertContainer(ctx, sameName))
			require.NoError(t, s.DeleteContainer(ctx, sameName.ID))
			require.NoError(t, s.DeleteImage(ctx, img.ID))
		})
	}
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	img := image.New("base", "")
	img.Config.Env["A"] = "1"
	require.NoError(t, s.InsertImage(ctx, img))

	got, err := s.GetImage(ctx, img.ID)
	require.NoError(t, err)
	got.Config.Env["A"] = "changed"

	again, err := s.GetImage(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, "1", again.Config.Env["A"])
}
