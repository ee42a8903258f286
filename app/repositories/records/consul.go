package records

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/Strum355/log"
	"github.com/pkg/errors"

	"github.com/2a46m4/kawakaze/app/models/container"
	"github.com/2a46m4/kawakaze/app/models/image"
	"github.com/2a46m4/kawakaze/app/repositories/providers"
)

const (
	imagesPrefix         = "images/"
	imageNamesPrefix     = "image-names/"
	containersPrefix     = "containers/"
	containerNamesPrefix = "container-names/"
	jailNamesPrefix      = "jail-names/"
)

// kvStore keeps records as JSON documents in a KV namespace. Uniqueness is
// held by index keys claimed with PutIfAbsent, so two daemons sharing the
// namespace cannot hand out the same name.
type kvStore struct {
	kv providers.KVProvider
	mu sync.Mutex
}

// NewKVStore builds the record store on a KV provider, normally a
// providers.ConsulProvider.
func NewKVStore(kv providers.KVProvider) Store {
	return &kvStore{kv: kv}
}

func (s *kvStore) claim(key, id string, taken error, what string) error {
	ok, err := s.kv.PutIfAbsent(key, []byte(id))
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	owner, err := s.kv.Get(key)
	if err != nil {
		return err
	}
	if string(owner) == id {
		return nil
	}
	return errors.Wrap(taken, what)
}

func (s *kvStore) unclaim(key, id string) {
	owner, err := s.kv.Get(key)
	if err == nil && string(owner) == id {
		err = s.kv.Delete(key)
	}
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"key": key,
		}).Error("failed to release name index")
	}
}

func (s *kvStore) put(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.kv.Put(key, data)
}

func (s *kvStore) loadImage(id string) (*image.Image, error) {
	data, err := s.kv.Get(imagesPrefix + id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errors.Wrapf(ErrNotFound, "image %s", id)
	}
	var img image.Image
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, errors.Wrapf(err, "corrupt image record %s", id)
	}
	return &img, nil
}

func (s *kvStore) InsertImage(ctx context.Context, img *image.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.kv.Get(imagesPrefix + img.ID); err != nil {
		return err
	} else if existing != nil {
		return errors.Wrapf(ErrNameTaken, "image id %s", img.ID)
	}

	if img.Name != "" {
		if err := s.claim(imageNamesPrefix+img.Name, img.ID, ErrNameTaken, "image "+img.Name); err != nil {
			return err
		}
	}
	if err := s.put(imagesPrefix+img.ID, img); err != nil {
		if img.Name != "" {
			s.unclaim(imageNamesPrefix+img.Name, img.ID)
		}
		return err
	}
	return nil
}

func (s *kvStore) UpdateImage(ctx context.Context, img *image.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.loadImage(img.ID)
	if err != nil {
		return err
	}

	if img.Name != old.Name && img.Name != "" {
		if err := s.claim(imageNamesPrefix+img.Name, img.ID, ErrNameTaken, "image "+img.Name); err != nil {
			return err
		}
	}
	if err := s.put(imagesPrefix+img.ID, img); err != nil {
		return err
	}
	if img.Name != old.Name && old.Name != "" {
		s.unclaim(imageNamesPrefix+old.Name, img.ID)
	}
	return nil
}

func (s *kvStore) GetImage(ctx context.Context, id string) (*image.Image, error) {
	return s.loadImage(id)
}

func (s *kvStore) GetImageByName(ctx context.Context, name string) (*image.Image, error) {
	id, err := s.kv.Get(imageNamesPrefix + name)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, errors.Wrapf(ErrNotFound, "image %s", name)
	}
	return s.loadImage(string(id))
}

func (s *kvStore) ListImages(ctx context.Context) ([]*image.Image, error) {
	kv, err := s.kv.List(imagesPrefix)
	if err != nil {
		return nil, err
	}

	out := make([]*image.Image, 0, len(kv))
	for _, key := range providers.SortedKeys(kv) {
		var img image.Image
		if err := json.Unmarshal(kv[key], &img); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"key": key,
			}).Error("skipping corrupt image record")
			continue
		}
		out = append(out, &img)
	}
	sortImages(out)
	return out, nil
}

func (s *kvStore) DeleteImage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	img, err := s.loadImage(id)
	if err != nil {
		return err
	}

	containers, err := s.listContainers()
	if err != nil {
		return err
	}
	for _, c := range containers {
		if c.ImageID == id {
			return errors.Wrapf(ErrImageReferenced, "image %s used by %s", id, c.Name)
		}
	}

	if err := s.kv.Delete(imagesPrefix + id); err != nil {
		return err
	}
	if img.Name != "" {
		s.unclaim(imageNamesPrefix+img.Name, id)
	}
	return nil
}

func (s *kvStore) loadContainer(id string) (*container.Container, error) {
	data, err := s.kv.Get(containersPrefix + id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errors.Wrapf(ErrNotFound, "container %s", id)
	}
	var c container.Container
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrapf(err, "corrupt container record %s", id)
	}
	return &c, nil
}

func (s *kvStore) listContainers() ([]*container.Container, error) {
	kv, err := s.kv.List(containersPrefix)
	if err != nil {
		return nil, err
	}

	out := make([]*container.Container, 0, len(kv))
	for _, key := range providers.SortedKeys(kv) {
		var c container.Container
		if err := json.Unmarshal(kv[key], &c); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"key": key,
			}).Error("skipping corrupt container record")
			continue
		}
		out = append(out, &c)
	}
	sortContainers(out)
	return out, nil
}

func (s *kvStore) InsertContainer(ctx context.Context, c *container.Container) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.kv.Get(containersPrefix + c.ID); err != nil {
		return err
	} else if existing != nil {
		return errors.Wrapf(ErrNameTaken, "container id %s", c.ID)
	}
	if _, err := s.loadImage(c.ImageID); err != nil {
		return err
	}

	if err := s.claim(containerNamesPrefix+c.Name, c.ID, ErrNameTaken, "container "+c.Name); err != nil {
		return err
	}
	if err := s.claim(jailNamesPrefix+c.JailName, c.ID, ErrJailNameTaken, "jail "+c.JailName); err != nil {
		s.unclaim(containerNamesPrefix+c.Name, c.ID)
		return err
	}
	if err := s.put(containersPrefix+c.ID, c); err != nil {
		s.unclaim(containerNamesPrefix+c.Name, c.ID)
		s.unclaim(jailNamesPrefix+c.JailName, c.ID)
		return err
	}
	return nil
}

func (s *kvStore) UpdateContainer(ctx context.Context, c *container.Container) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.loadContainer(c.ID)
	if err != nil {
		return err
	}
	if old.Name != c.Name || old.JailName != c.JailName || old.ImageID != c.ImageID {
		return errors.Errorf("container %s: name, jail and image are immutable", c.ID)
	}
	return s.put(containersPrefix+c.ID, c)
}

func (s *kvStore) GetContainer(ctx context.Context, id string) (*container.Container, error) {
	return s.loadContainer(id)
}

func (s *kvStore) GetContainerByName(ctx context.Context, name string) (*container.Container, error) {
	id, err := s.kv.Get(containerNamesPrefix + name)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, errors.Wrapf(ErrNotFound, "container %s", name)
	}
	return s.loadContainer(strings.TrimSpace(string(id)))
}

func (s *kvStore) ListContainers(ctx context.Context) ([]*container.Container, error) {
	return s.listContainers()
}

func (s *kvStore) DeleteContainer(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.loadContainer(id)
	if err != nil {
		return err
	}
	if err := s.kv.Delete(containersPrefix + id); err != nil {
		return err
	}
	s.unclaim(containerNamesPrefix+c.Name, id)
	s.unclaim(jailNamesPrefix+c.JailName, id)
	return nil
}
