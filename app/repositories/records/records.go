package records

import (
	"context"
	"net/http"
	"sort"

	"github.com/2a46m4/kawakaze/app/models/container"
	"github.com/2a46m4/kawakaze/app/models/image"
)

type Error struct {
	StatusCode int
	message    string
}

func newError(message string, status int) Error {
	return Error{status, message}
}

func (e Error) Error() string {
	return e.message
}

func (e Error) Status() int {
	return e.StatusCode
}

var (
	ErrNotFound        error = newError("record not found", http.StatusNotFound)
	ErrNameTaken       error = newError("name already in use", http.StatusConflict)
	ErrJailNameTaken   error = newError("jail name already in use", http.StatusConflict)
	ErrImageReferenced error = newError("image is referenced by containers", http.StatusConflict)
)

// Store persists image and container records. Image names, container names
// and jail names are unique, and a container can only reference an existing
// image. Returned records are copies.
type Store interface {
	InsertImage(ctx context.Context, img *image.Image) error
	UpdateImage(ctx context.Context, img *image.Image) error
	GetImage(ctx context.Context, id string) (*image.Image, error)
	GetImageByName(ctx context.Context, name string) (*image.Image, error)
	ListImages(ctx context.Context) ([]*image.Image, error)
	DeleteImage(ctx context.Context, id string) error

	InsertContainer(ctx context.Context, c *container.Container) error
	UpdateContainer(ctx context.Context, c *container.Container) error
	GetContainer(ctx context.Context, id string) (*container.Container, error)
	GetContainerByName(ctx context.Context, name string) (*container.Container, error)
	ListContainers(ctx context.Context) ([]*container.Container, error)
	DeleteContainer(ctx context.Context, id string) error
}

func sortImages(images []*image.Image) {
	sort.Slice(images, func(i, j int) bool {
		if images[i].CreatedAt.Equal(images[j].CreatedAt) {
			return images[i].ID < images[j].ID
		}
		return images[i].CreatedAt.Before(images[j].CreatedAt)
	})
}

func sortContainers(containers []*container.Container) {
	sort.Slice(containers, func(i, j int) bool {
		if containers[i].CreatedAt.Equal(containers[j].CreatedAt) {
			return containers[i].ID < containers[j].ID
		}
		return containers[i].CreatedAt.Before(containers[j].CreatedAt)
	})
}
