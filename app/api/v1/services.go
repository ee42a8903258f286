package v1

import (
	"context"

	"github.com/2a46m4/kawakaze/app/models/container"
	"github.com/2a46m4/kawakaze/app/models/image"
	"github.com/2a46m4/kawakaze/app/repositories/jail"
	"github.com/2a46m4/kawakaze/app/services"
	"github.com/2a46m4/kawakaze/app/services/build"
	"github.com/2a46m4/kawakaze/app/services/cell"
)

// ImageService is what the image and bootstrap endpoints need.
type ImageService interface {
	ListImages(ctx context.Context) ([]*image.Image, error)
	GetImage(ctx context.Context, ref string) (*image.Image, error)
	ImageHistory(ctx context.Context, ref string) ([]*image.Image, error)
	BuildImage(ctx context.Context, req build.Request) (*build.Job, error)
	BuildStatus(name string, from int) (*services.BuildStatus, error)
	DeleteImage(ctx context.Context, ref string) error
	Bootstrap(ctx context.Context, req services.BootstrapRequest) (*build.Job, error)
	BootstrapStatus(name string, from int) (*services.BuildStatus, error)
}

// ContainerService is what the container endpoints need.
type ContainerService interface {
	ListContainers(ctx context.Context) ([]*container.Container, error)
	GetContainer(ctx context.Context, ref string) (*container.Container, error)
	CreateContainer(ctx context.Context, req cell.CreateRequest) (*container.Container, error)
	StartContainer(ctx context.Context, ref string) (*container.Container, error)
	StopContainer(ctx context.Context, ref string) (*container.Container, error)
	PauseContainer(ctx context.Context, ref string) (*container.Container, error)
	UnpauseContainer(ctx context.Context, ref string) (*container.Container, error)
	RemoveContainer(ctx context.Context, ref string, force bool) error
	Exec(ctx context.Context, ref string, req cell.ExecRequest) (*jail.ExecResult, error)
	Logs(ctx context.Context, ref string, tail int) ([]string, error)
}

// accepted is returned for background jobs.
type accepted struct {
	Name    string `json:"name"`
	ImageID string `json:"image_id"`
	Status  string `json:"status"`
}

func acceptedJob(job *build.Job) accepted {
	return accepted{
		Name:    job.Image.Name,
		ImageID: job.Image.ID,
		Status:  "accepted",
	}
}
