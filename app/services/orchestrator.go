package services

import (
	"context"
	"strings"

	"github.com/Strum355/log"
	"github.com/pkg/errors"

	"github.com/2a46m4/kawakaze/app/helpers"
	"github.com/2a46m4/kawakaze/app/models/container"
	"github.com/2a46m4/kawakaze/app/models/image"
	"github.com/2a46m4/kawakaze/app/repositories/jail"
	"github.com/2a46m4/kawakaze/app/repositories/records"
	"github.com/2a46m4/kawakaze/app/repositories/volume"
	"github.com/2a46m4/kawakaze/app/services/build"
	"github.com/2a46m4/kawakaze/app/services/cell"
	"github.com/2a46m4/kawakaze/app/services/progress"
)

// Orchestrator is what the transport talks to. It ties builds and
// containers together through the image lineage: which image was built from
// which, and how many containers still use each.
type Orchestrator struct {
	records records.Store
	volumes volume.Store
	builds  *build.Engine
	cells   *cell.Manager
	paths   volume.Paths

	lineage *image.Lineage
	locks   *helpers.KeyedMutex
}

func NewOrchestrator(recs records.Store, volumes volume.Store, builds *build.Engine, cells *cell.Manager, paths volume.Paths) *Orchestrator {
	return &Orchestrator{
		records: recs,
		volumes: volumes,
		builds:  builds,
		cells:   cells,
		paths:   paths,
		lineage: image.NewLineage(),
		locks:   helpers.NewKeyedMutex(),
	}
}

func imageKey(id string) string {
	return "image:" + id
}

// Init prepares the dataset hierarchy, rebuilds the lineage from the stored
// records and recovers containers left behind by a previous run.
func (o *Orchestrator) Init(ctx context.Context) error {
	for _, ds := range []string{o.paths.Root, o.paths.Images(), o.paths.Containers()} {
		exists, err := o.volumes.Exists(ctx, ds)
		if err != nil {
			return errors.WithMessage(err, "volume store unreachable")
		}
		if !exists {
			if err := o.volumes.CreateDataset(ctx, ds); err != nil {
				return err
			}
		}
	}

	images, err := o.records.ListImages(ctx)
	if err != nil {
		return err
	}
	for _, img := range images {
		if img.State != image.StateDeleted {
			o.lineage.Add(img.ID, img.ParentID)
		}
	}

	containers, err := o.records.ListContainers(ctx)
	if err != nil {
		return err
	}
	for _, c := range containers {
		o.lineage.Ref(c.ImageID)
	}

	// deleted images outlive their last container only after a crash
	for _, img := range images {
		if img.State == image.StateDeleted && o.lineage.Refs(img.ID) == 0 {
			if err := o.records.DeleteImage(ctx, img.ID); err != nil {
				log.WithError(err).WithFields(log.Fields{
					"image": img.ID,
				}).Error("failed to purge deleted image")
			}
		}
	}

	log.WithFields(log.Fields{
		"images":     len(images),
		"containers": len(containers),
	}).Info("state loaded")

	return o.cells.Recover(ctx)
}

// ListImages returns every image that is not deleted.
func (o *Orchestrator) ListImages(ctx context.Context) ([]*image.Image, error) {
	all, err := o.records.ListImages(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*image.Image, 0, len(all))
	for _, img := range all {
		if img.State != image.StateDeleted {
			out = append(out, img)
		}
	}
	return out, nil
}

// GetImage resolves ref as an id, a name, or a unique id prefix.
func (o *Orchestrator) GetImage(ctx context.Context, ref string) (*image.Image, error) {
	if ref == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "image reference is empty")
	}
	if img, err := o.records.GetImage(ctx, ref); err == nil {
		return img, nil
	} else if !errors.Is(err, records.ErrNotFound) {
		return nil, err
	}
	if img, err := o.records.GetImageByName(ctx, ref); err == nil {
		return img, nil
	} else if !errors.Is(err, records.ErrNotFound) {
		return nil, err
	}

	images, err := o.ListImages(ctx)
	if err != nil {
		return nil, err
	}
	var found *image.Image
	for _, img := range images {
		if !strings.HasPrefix(img.ID, ref) && !strings.HasPrefix(img.ShortID(), ref) {
			continue
		}
		if found != nil {
			return nil, errors.Wrap(ErrAmbiguousImage, ref)
		}
		found = img
	}
	if found == nil {
		return nil, errors.Wrap(ErrImageNotFound, ref)
	}
	return found, nil
}

// ImageHistory returns ref followed by its ancestors up to the root image.
func (o *Orchestrator) ImageHistory(ctx context.Context, ref string) ([]*image.Image, error) {
	img, err := o.GetImage(ctx, ref)
	if err != nil {
		return nil, err
	}
	out := []*image.Image{img}
	for _, id := range o.lineage.Ancestors(img.ID) {
		parent, err := o.records.GetImage(ctx, id)
		if err != nil {
			return nil, errors.WithMessagef(err, "ancestor %s of %s", id, img.ID)
		}
		out = append(out, parent)
	}
	return out, nil
}

// BuildImage returns once the build is accepted. The build itself runs in
// the background and reports through BuildStatus.
func (o *Orchestrator) BuildImage(ctx context.Context, req build.Request) (*build.Job, error) {
	job, err := o.builds.Start(ctx, req)
	if err != nil {
		return nil, err
	}

	// the edge holds the parent while the child is cloned from it
	o.lineage.Add(job.Image.ID, job.Image.ParentID)
	go func() {
		<-job.Done()
		if _, err := job.Wait(context.Background()); err != nil {
			o.lineage.Remove(job.Image.ID)
		}
	}()
	return job, nil
}

// BuildStatus is a snapshot of a build's progress log.
type BuildStatus struct {
	Name   string           `json:"name"`
	Status progress.Status  `json:"status"`
	Done   bool             `json:"done"`
	Events []progress.Event `json:"events"`
}

func (o *Orchestrator) BuildStatus(name string, from int) (*BuildStatus, error) {
	l, ok := o.builds.Progress(name)
	if !ok {
		return nil, errors.Wrap(ErrBuildNotFound, name)
	}
	events, done := l.Since(from)
	status := &BuildStatus{
		Name:   name,
		Status: progress.StatusRunning,
		Done:   done,
		Events: events,
	}
	if last, ok := l.Last(); ok {
		status.Status = last.Status
	}
	return status, nil
}

// DeleteImage removes an image nothing is built from. An image containers
// still use loses its dataset but keeps its record, renamed out of the way,
// until the last of those containers is removed.
func (o *Orchestrator) DeleteImage(ctx context.Context, ref string) error {
	img, err := o.GetImage(ctx, ref)
	if err != nil {
		return err
	}

	unlock := o.locks.Lock(imageKey(img.ID))
	defer unlock()

	// reload under the lock
	img, err = o.records.GetImage(ctx, img.ID)
	if err != nil {
		return err
	}
	if img.State == image.StateBuilding {
		return errors.Wrap(ErrImageBuilding, img.Name)
	}
	if img.State == image.StateDeleted {
		return errors.Wrap(ErrImageNotFound, ref)
	}
	if kids := o.lineage.Children(img.ID); len(kids) > 0 {
		return errors.Wrapf(ErrImageHasDependents, "%s has %d dependents", img.Name, len(kids))
	}

	fields := log.Fields{
		"image": img.ID,
		"name":  img.Name,
	}

	if err := o.volumes.Destroy(ctx, img.Dataset, false); err != nil && !errors.Is(err, volume.ErrNotFound) {
		return err
	}
	o.lineage.Remove(img.ID)

	if refs := o.lineage.Refs(img.ID); refs > 0 {
		img.State = image.StateDeleted
		img.Snapshot = ""
		img.Name = img.Name + "~" + img.ShortID()
		if err := o.records.UpdateImage(ctx, img); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"image":      img.ID,
			"name":       img.Name,
			"containers": refs,
		}).Info("image deleted, record kept for its containers")
		return nil
	}

	if err := o.records.DeleteImage(ctx, img.ID); err != nil {
		return err
	}
	log.WithFields(fields).Info("image deleted")
	return nil
}

func (o *Orchestrator) ListContainers(ctx context.Context) ([]*container.Container, error) {
	return o.records.ListContainers(ctx)
}

// GetContainer resolves ref as an id or a name.
func (o *Orchestrator) GetContainer(ctx context.Context, ref string) (*container.Container, error) {
	c, err := o.records.GetContainer(ctx, ref)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, records.ErrNotFound) {
		return nil, err
	}
	c, err = o.records.GetContainerByName(ctx, ref)
	if errors.Is(err, records.ErrNotFound) {
		return nil, errors.Wrap(cell.ErrNotFound, ref)
	}
	return c, err
}

func (o *Orchestrator) containerID(ctx context.Context, ref string) (string, error) {
	c, err := o.GetContainer(ctx, ref)
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

func (o *Orchestrator) CreateContainer(ctx context.Context, req cell.CreateRequest) (*container.Container, error) {
	img, err := o.GetImage(ctx, req.ImageID)
	if errors.Is(err, ErrImageNotFound) {
		return nil, errors.Wrap(cell.ErrImageNotAvailable, req.ImageID)
	}
	if err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(imageKey(img.ID))
	defer unlock()

	req.ImageID = img.ID
	c, err := o.cells.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	o.lineage.Ref(img.ID)
	return c, nil
}

func (o *Orchestrator) StartContainer(ctx context.Context, ref string) (*container.Container, error) {
	id, err := o.containerID(ctx, ref)
	if err != nil {
		return nil, err
	}
	return o.cells.Start(ctx, id)
}

func (o *Orchestrator) StopContainer(ctx context.Context, ref string) (*container.Container, error) {
	id, err := o.containerID(ctx, ref)
	if err != nil {
		return nil, err
	}
	return o.cells.Stop(ctx, id)
}

func (o *Orchestrator) PauseContainer(ctx context.Context, ref string) (*container.Container, error) {
	id, err := o.containerID(ctx, ref)
	if err != nil {
		return nil, err
	}
	return o.cells.Pause(ctx, id)
}

func (o *Orchestrator) UnpauseContainer(ctx context.Context, ref string) (*container.Container, error) {
	id, err := o.containerID(ctx, ref)
	if err != nil {
		return nil, err
	}
	return o.cells.Unpause(ctx, id)
}

// RemoveContainer removes a container and, when it was the last user of a
// deleted image, the image record with it.
func (o *Orchestrator) RemoveContainer(ctx context.Context, ref string, force bool) error {
	id, err := o.containerID(ctx, ref)
	if err != nil {
		return err
	}
	c, err := o.cells.Remove(ctx, id, force)
	if err != nil {
		return err
	}

	unlock := o.locks.Lock(imageKey(c.ImageID))
	defer unlock()

	if o.lineage.Unref(c.ImageID) > 0 {
		return nil
	}
	img, err := o.records.GetImage(ctx, c.ImageID)
	if err != nil || img.State != image.StateDeleted {
		return nil
	}
	if err := o.records.DeleteImage(ctx, img.ID); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"image": img.ID,
		}).Error("failed to purge deleted image")
		return nil
	}
	log.WithFields(log.Fields{
		"image": img.ID,
	}).Info("purged deleted image after its last container")
	return nil
}

func (o *Orchestrator) Exec(ctx context.Context, ref string, req cell.ExecRequest) (*jail.ExecResult, error) {
	id, err := o.containerID(ctx, ref)
	if err != nil {
		return nil, err
	}
	return o.cells.Exec(ctx, id, req)
}

func (o *Orchestrator) Logs(ctx context.Context, ref string, tail int) ([]string, error) {
	id, err := o.containerID(ctx, ref)
	if err != nil {
		return nil, err
	}
	return o.cells.Logs(ctx, id, tail)
}

type BootstrapRequest struct {
	Name         string `json:"name"`
	Version      string `json:"version,omitempty"`
	Architecture string `json:"architecture,omitempty"`
	Mirror       string `json:"mirror,omitempty"`
}

// Bootstrap builds a base image named req.Name holding a fresh FreeBSD
// userland.
func (o *Orchestrator) Bootstrap(ctx context.Context, req BootstrapRequest) (*build.Job, error) {
	args := []string{req.Version, req.Architecture, req.Mirror}
	for len(args) > 0 && args[len(args)-1] == "" {
		args = args[:len(args)-1]
	}
	for _, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\n") {
			return nil, errors.Wrap(ErrInvalidRequest, "bootstrap version, architecture and mirror are positional")
		}
	}

	line := strings.TrimSpace("BOOTSTRAP " + strings.Join(args, " "))
	return o.BuildImage(ctx, build.Request{
		Name: req.Name,
		File: "FROM scratch\n" + line + "\n",
	})
}

func (o *Orchestrator) BootstrapStatus(name string, from int) (*BuildStatus, error) {
	return o.BuildStatus(name, from)
}

// Shutdown stops container supervisors and waits for builds to unwind.
// Builds stop once the context given to the build engine is cancelled.
func (o *Orchestrator) Shutdown() {
	o.cells.Shutdown()
	o.builds.Wait()
}
