package records

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/2a46m4/kawakaze/app/models/container"
	"github.com/2a46m4/kawakaze/app/models/image"
)

type memoryStore struct {
	mu         sync.RWMutex
	images     map[string]*image.Image
	containers map[string]*container.Container
}

func NewMemoryStore() Store {
	return &memoryStore{
		images:     make(map[string]*image.Image),
		containers: make(map[string]*container.Container),
	}
}

func (m *memoryStore) imageNameTaken(name, exceptID string) bool {
	if name == "" {
		return false
	}
	for id, img := range m.images {
		if id != exceptID && img.Name == name {
			return true
		}
	}
	return false
}

func (m *memoryStore) InsertImage(ctx context.Context, img *image.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.images[img.ID]; ok {
		return errors.Wrapf(ErrNameTaken, "image id %s", img.ID)
	}
	if m.imageNameTaken(img.Name, img.ID) {
		return errors.Wrapf(ErrNameTaken, "image %s", img.Name)
	}
	m.images[img.ID] = img.Clone()
	return nil
}

func (m *memoryStore) UpdateImage(ctx context.Context, img *image.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.images[img.ID]; !ok {
		return errors.Wrapf(ErrNotFound, "image %s", img.ID)
	}
	if m.imageNameTaken(img.Name, img.ID) {
		return errors.Wrapf(ErrNameTaken, "image %s", img.Name)
	}
	m.images[img.ID] = img.Clone()
	return nil
}

func (m *memoryStore) GetImage(ctx context.Context, id string) (*image.Image, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	img, ok := m.images[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "image %s", id)
	}
	return img.Clone(), nil
}

func (m *memoryStore) GetImageByName(ctx context.Context, name string) (*image.Image, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, img := range m.images {
		if name != "" && img.Name == name {
			return img.Clone(), nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "image %s", name)
}

func (m *memoryStore) ListImages(ctx context.Context) ([]*image.Image, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*image.Image, 0, len(m.images))
	for _, img := range m.images {
		out = append(out, img.Clone())
	}
	sortImages(out)
	return out, nil
}

func (m *memoryStore) DeleteImage(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.images[id]; !ok {
		return errors.Wrapf(ErrNotFound, "image %s", id)
	}
	for _, c := range m.containers {
		if c.ImageID == id {
			return errors.Wrapf(ErrImageReferenced, "image %s used by %s", id, c.Name)
		}
	}
	delete(m.images, id)
	return nil
}

func (m *memoryStore) checkContainer(c *container.Container) error {
	if _, ok := m.images[c.ImageID]; !ok {
		return errors.Wrapf(ErrNotFound, "image %s", c.ImageID)
	}
	for id, other := range m.containers {
		if id == c.ID {
			continue
		}
		if other.Name == c.Name {
			return errors.Wrapf(ErrNameTaken, "container %s", c.Name)
		}
		if other.JailName == c.JailName {
			return errors.Wrapf(ErrJailNameTaken, "jail %s", c.JailName)
		}
	}
	return nil
}

func (m *memoryStore) InsertContainer(ctx context.Context, c *container.Container) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.containers[c.ID]; ok {
		return errors.Wrapf(ErrNameTaken, "container id %s", c.ID)
	}
	if err := m.checkContainer(c); err != nil {
		return err
	}
	m.containers[c.ID] = c.Clone()
	return nil
}

func (m *memoryStore) UpdateContainer(ctx context.Context, c *container.Container) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.containers[c.ID]; !ok {
		return errors.Wrapf(ErrNotFound, "container %s", c.ID)
	}
	if err := m.checkContainer(c); err != nil {
		return err
	}
	m.containers[c.ID] = c.Clone()
	return nil
}

func (m *memoryStore) GetContainer(ctx context.Context, id string) (*container.Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.containers[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "container %s", id)
	}
	return c.Clone(), nil
}

func (m *memoryStore) GetContainerByName(ctx context.Context, name string) (*container.Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.containers {
		if c.Name == name {
			return c.Clone(), nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "container %s", name)
}

func (m *memoryStore) ListContainers(ctx context.Context) ([]*container.Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*container.Container, 0, len(m.containers))
	for _, c := range m.containers {
		out = append(out, c.Clone())
	}
	sortContainers(out)
	return out, nil
}

func (m *memoryStore) DeleteContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.containers[id]; !ok {
		return errors.Wrapf(ErrNotFound, "container %s", id)
	}
	delete(m.containers, id)
	return nil
}
