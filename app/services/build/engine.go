// Package build turns instruction files into images on the volume store.
package build

import (
	"context"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Strum355/log"
	"github.com/pkg/errors"

	"github.com/2a46m4/kawakaze/app/helpers"
	"github.com/2a46m4/kawakaze/app/metrics"
	"github.com/2a46m4/kawakaze/app/models/image"
	"github.com/2a46m4/kawakaze/app/repositories/records"
	"github.com/2a46m4/kawakaze/app/repositories/volume"
	"github.com/2a46m4/kawakaze/app/services/bootstrap"
	"github.com/2a46m4/kawakaze/app/services/progress"
)

// SnapshotName is the snapshot every finished image is frozen under.
const SnapshotName = "build"

var imageName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/-]{0,127}$`)

func ValidateName(name string) error {
	if !imageName.MatchString(name) {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return nil
}

type Request struct {
	Name string `json:"name"`
	// Instruction file contents
	File string `json:"instructions"`
	// Directory COPY and ADD read from, relative to the context root
	ContextDir string            `json:"context,omitempty"`
	Args       map[string]string `json:"args,omitempty"`
}

type Config struct {
	Paths volume.Paths
	// Build contexts must live under this directory when set
	ContextRoot string
	Client      *http.Client
}

type Engine struct {
	volumes      volume.Store
	records      records.Store
	runner       helpers.Runner
	bootstrapper bootstrap.Bootstrapper
	cfg          Config

	// background builds run on ctx, not on the request that started them
	ctx context.Context
	wg  sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	logs     *progress.Registry
}

func NewEngine(ctx context.Context, volumes volume.Store, recs records.Store, runner helpers.Runner, b bootstrap.Bootstrapper, cfg Config) *Engine {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Engine{
		volumes:      volumes,
		records:      recs,
		runner:       runner,
		bootstrapper: b,
		cfg:          cfg,
		ctx:          ctx,
		inflight:     make(map[string]struct{}),
		logs:         progress.NewRegistry(),
	}
}

// Job is a build accepted by Start.
type Job struct {
	// Image record as inserted, in the building state
	Image *image.Image
	Log   *progress.Log

	done   chan struct{}
	result *image.Image
	err    error
}

func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the build finishes and returns the available image or
// the error it failed with.
func (j *Job) Wait(ctx context.Context) (*image.Image, error) {
	select {
	case <-j.done:
		return j.result, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) claim(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[name]; ok {
		return false
	}
	e.inflight[name] = struct{}{}
	return true
}

func (e *Engine) release(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, name)
}

// Building reports whether a build of name is in flight.
func (e *Engine) Building(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[name]
	return ok
}

// Progress returns the log of the latest build of name.
func (e *Engine) Progress(name string) (*progress.Log, bool) {
	return e.logs.Get(name)
}

// Wait blocks until every background build has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Start validates req, records the new image and runs the build in the
// background. A second build of a name already in flight fails with
// ErrAlreadyBuilding without waiting.
func (e *Engine) Start(ctx context.Context, req Request) (*Job, error) {
	if err := ValidateName(req.Name); err != nil {
		return nil, err
	}
	insts, err := Parse(req.File, req.Args)
	if err != nil {
		return nil, err
	}
	contextDir, err := e.contextDir(req.ContextDir)
	if err != nil {
		return nil, err
	}

	if !e.claim(req.Name) {
		return nil, errors.Wrap(ErrAlreadyBuilding, req.Name)
	}

	job, err := e.accept(ctx, req.Name, insts)
	if err != nil {
		e.release(req.Name)
		return nil, err
	}

	e.wg.Add(1)
	go e.run(job, contextDir)
	return job, nil
}

// Build runs a build to completion.
func (e *Engine) Build(ctx context.Context, req Request) (*image.Image, error) {
	job, err := e.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return job.Wait(ctx)
}

func (e *Engine) contextDir(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	if e.cfg.ContextRoot == "" {
		if !filepath.IsAbs(dir) {
			return "", errors.Wrapf(ErrInvalidContext, "%s is not absolute", dir)
		}
		return filepath.Clean(dir), nil
	}

	rel := dir
	if filepath.IsAbs(dir) {
		r, err := filepath.Rel(e.cfg.ContextRoot, dir)
		if err != nil {
			return "", errors.Wrap(ErrInvalidContext, err.Error())
		}
		rel = r
	}
	if err := helpers.Contained(rel); err != nil {
		return "", errors.Wrap(ErrInvalidContext, err.Error())
	}
	joined, err := helpers.InRoot(e.cfg.ContextRoot, rel)
	if err != nil {
		return "", errors.Wrap(ErrInvalidContext, err.Error())
	}
	return joined, nil
}

func (e *Engine) accept(ctx context.Context, name string, insts []image.Instruction) (*Job, error) {
	base, err := e.resolveBase(ctx, insts[0].Value)
	if err != nil {
		return nil, err
	}
	if err := e.freeName(ctx, name); err != nil {
		return nil, err
	}

	parentID := ""
	if base != nil {
		parentID = base.ID
	}
	img := image.New(name, parentID)
	img.Dataset = e.cfg.Paths.Image(img.ID)
	img.Instructions = insts
	if base != nil {
		img.Config = base.Config.Clone()
	}

	if err := e.records.InsertImage(ctx, img); err != nil {
		if errors.Is(err, records.ErrNameTaken) {
			return nil, errors.Wrap(ErrNameConflict, name)
		}
		return nil, err
	}

	l := progress.NewLog(name)
	e.logs.Put(l)

	log.WithFields(log.Fields{
		"image":  img.ID,
		"name":   name,
		"parent": parentID,
		"steps":  len(insts),
	}).Info("build accepted")

	return &Job{Image: img.Clone(), Log: l, done: make(chan struct{})}, nil
}

func (e *Engine) resolveBase(ctx context.Context, ref string) (*image.Image, error) {
	if ref == scratch {
		return nil, nil
	}

	base, err := e.records.GetImageByName(ctx, ref)
	if errors.Is(err, records.ErrNotFound) {
		base, err = e.records.GetImage(ctx, ref)
	}
	if errors.Is(err, records.ErrNotFound) || (err == nil && base.State == image.StateDeleted) {
		return nil, errors.Wrap(ErrBaseNotFound, ref)
	}
	if err != nil {
		return nil, err
	}
	if !base.Available() {
		return nil, errors.Wrapf(ErrNotAvailable, "%s is %s", ref, base.State)
	}
	return base, nil
}

// freeName clears name for a new build. Available images keep their name;
// deleted records and leftovers of interrupted builds are purged.
func (e *Engine) freeName(ctx context.Context, name string) error {
	existing, err := e.records.GetImageByName(ctx, name)
	if errors.Is(err, records.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.Available() {
		return errors.Wrap(ErrNameConflict, name)
	}

	if existing.State == image.StateBuilding {
		if err := e.volumes.Destroy(ctx, existing.Dataset, true); err != nil && !errors.Is(err, volume.ErrNotFound) {
			return err
		}
	}
	if err := e.records.DeleteImage(ctx, existing.ID); err != nil {
		if errors.Is(err, records.ErrImageReferenced) {
			return errors.Wrap(ErrNameConflict, name)
		}
		return err
	}

	log.WithFields(log.Fields{
		"image": existing.ID,
		"name":  name,
		"state": existing.State,
	}).Info("purged stale image record")
	return nil
}

func (e *Engine) run(job *Job, contextDir string) {
	defer e.wg.Done()

	started := time.Now()
	img := job.Image.Clone()
	fields := log.Fields{
		"image": img.ID,
		"name":  img.Name,
	}

	err := e.execute(e.ctx, img, contextDir, job.Log)
	if err != nil {
		log.WithError(err).WithFields(fields).Error("build failed")
		e.rollback(img)
		metrics.BuildsTotal.WithLabelValues("failed").Inc()
		job.err = err
		e.release(img.Name)
		job.Log.Fail(err)
		close(job.done)
		return
	}

	metrics.BuildsTotal.WithLabelValues("succeeded").Inc()
	metrics.BuildDuration.Observe(time.Since(started).Seconds())
	fields["snapshot"] = img.Snapshot
	fields["size"] = img.Size
	log.WithFields(fields).Info("build complete")

	job.result = img
	e.release(img.Name)
	job.Log.Complete("built " + img.ShortID())
	close(job.done)
}

func (e *Engine) execute(ctx context.Context, img *image.Image, contextDir string, l *progress.Log) error {
	total := len(img.Instructions)
	from := img.Instructions[0]
	l.Step(1, total, from.Raw)

	var err error
	if img.ParentID == "" {
		err = e.volumes.CreateDataset(ctx, img.Dataset)
	} else {
		var parent *image.Image
		parent, err = e.records.GetImage(ctx, img.ParentID)
		if err == nil {
			err = e.volumes.Clone(ctx, parent.Snapshot, img.Dataset)
		}
	}
	if err != nil {
		return &InstructionError{Index: 0, Instruction: from, Err: err}
	}

	root, err := e.volumes.Mount(ctx, img.Dataset, "")
	if err != nil {
		return &InstructionError{Index: 0, Instruction: from, Err: err}
	}

	st := &state{
		root:       root,
		contextDir: contextDir,
		cfg:        &img.Config,
	}
	for k := 1; k < total; k++ {
		inst := img.Instructions[k]
		if err := ctx.Err(); err != nil {
			return &InstructionError{Index: k, Instruction: inst, Err: err}
		}

		l.Step(k+1, total, inst.Raw)
		log.WithFields(log.Fields{
			"image": img.ID,
			"step":  k + 1,
			"total": total,
		}).Debug(inst.Raw)

		report := func(percent int, description string) {
			l.Step(k+1, total, string(inst.Kind)+": "+description)
		}
		if err := e.apply(ctx, st, inst, report); err != nil {
			return &InstructionError{Index: k, Instruction: inst, Err: err}
		}
	}

	if err := e.volumes.Unmount(ctx, img.Dataset); err != nil {
		return errors.WithMessage(err, "unmounting build dataset")
	}
	snapshot, err := e.volumes.Snapshot(ctx, img.Dataset, SnapshotName)
	if err != nil {
		return errors.WithMessage(err, "snapshotting build dataset")
	}
	size, err := e.volumes.UsedSpace(ctx, img.Dataset)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"image": img.ID,
		}).Error("failed to read image size")
	}

	img.Snapshot = snapshot
	img.Size = size
	img.State = image.StateAvailable
	if err := e.records.UpdateImage(ctx, img); err != nil {
		return errors.WithMessage(err, "recording built image")
	}
	return nil
}

// rollback is best-effort: what cannot be cleaned up is logged and left.
func (e *Engine) rollback(img *image.Image) {
	ctx := context.Background()
	fields := log.Fields{
		"image":   img.ID,
		"dataset": img.Dataset,
	}

	if exists, _ := e.volumes.Exists(ctx, img.Dataset); exists {
		if err := e.volumes.Unmount(ctx, img.Dataset); err != nil {
			log.WithError(err).WithFields(fields).Error("failed to unmount build dataset")
		}
		if err := e.volumes.Destroy(ctx, img.Dataset, true); err != nil {
			log.WithError(err).WithFields(fields).Error("failed to destroy build dataset")
		}
	}

	img.State = image.StateDeleted
	img.Snapshot = ""
	if err := e.records.UpdateImage(ctx, img); err != nil {
		log.WithError(err).WithFields(fields).Error("failed to mark image deleted")
	}
}

// apply runs one instruction using the accumulated config.
func (e *Engine) apply(ctx context.Context, st *state, inst image.Instruction, report bootstrap.Reporter) error {
	cfg := st.cfg

	switch inst.Kind {
	case image.KindBootstrap:
		if e.bootstrapper == nil {
			return errors.New("bootstrapping is not configured")
		}
		opts := bootstrap.Options{}
		if inst.Bootstrap != nil {
			opts.Version = inst.Bootstrap.Version
			opts.Architecture = inst.Bootstrap.Architecture
			opts.Mirror = inst.Bootstrap.Mirror
		}
		return e.bootstrapper.Bootstrap(ctx, st.root, opts, report)

	case image.KindRun:
		return e.runIn(ctx, st, inst.Command(cfg.Shell))

	case image.KindCopy, image.KindAdd:
		return e.copyIn(ctx, st, inst)

	case image.KindWorkDir:
		dir := st.resolve(inst.Value)
		if err := st.mkdir(dir); err != nil {
			return err
		}
		cfg.WorkDir = dir

	case image.KindEnv:
		for _, p := range inst.Pairs {
			cfg.Env[p.Key] = p.Value
		}
		return st.appendProfile(inst.Pairs)

	case image.KindExpose:
		for _, p := range inst.Ports {
			if !hasPort(cfg.ExposedPorts, p) {
				cfg.ExposedPorts = append(cfg.ExposedPorts, p)
			}
		}

	case image.KindUser:
		cfg.User = inst.Value

	case image.KindVolume:
		for _, v := range inst.Args {
			dir := st.resolve(v)
			if err := st.mkdir(dir); err != nil {
				return err
			}
			if !hasString(cfg.Volumes, dir) {
				cfg.Volumes = append(cfg.Volumes, dir)
			}
		}

	case image.KindCmd:
		cfg.Cmd = inst.Command(cfg.Shell)
		st.cmdSet = true

	case image.KindEntrypoint:
		cfg.Entrypoint = inst.Command(cfg.Shell)
		if !st.cmdSet {
			cfg.Cmd = nil
		}

	case image.KindShell:
		cfg.Shell = append([]string(nil), inst.Args...)

	case image.KindLabel:
		for _, p := range inst.Pairs {
			cfg.Labels[p.Key] = p.Value
		}

	case image.KindStopSignal:
		cfg.StopSignal = inst.Value

	case image.KindArg:
		// substituted at parse time

	default:
		return errors.Errorf("unsupported instruction %s", inst.Kind)
	}
	return nil
}

// runIn runs argv chrooted into the build root with exactly the image env.
func (e *Engine) runIn(ctx context.Context, st *state, argv []string) error {
	args := chrootArgs(st.root, st.cfg, argv)
	if _, err := e.runner.Run(ctx, "chroot", args...); err != nil {
		code := -1
		var cmdErr *helpers.CommandError
		if errors.As(err, &cmdErr) {
			code = cmdErr.ExitCode
		}
		return errors.Wrapf(ErrStepFailed, "exit code %d: %s", code, tail(helpers.Stderr(err), 2048))
	}
	return nil
}

func chrootArgs(root string, cfg *image.Config, argv []string) []string {
	var args []string
	if cfg.User != "" && cfg.User != "root" {
		args = append(args, "-u", cfg.User)
	}
	args = append(args, root, "/usr/bin/env", "-i")

	env := cfg.EnvList()
	if _, ok := cfg.Env["PATH"]; !ok {
		args = append(args, defaultPath)
	}
	args = append(args, env...)

	workdir := cfg.WorkDir
	if workdir == "" {
		workdir = "/"
	}
	args = append(args, "/bin/sh", "-c", `cd "$0" && exec "$@"`, workdir)
	return append(args, argv...)
}

const defaultPath = "PATH=/sbin:/bin:/usr/sbin:/usr/bin:/usr/local/sbin:/usr/local/bin"

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func hasPort(ports []image.Port, p image.Port) bool {
	for _, q := range ports {
		if q == p {
			return true
		}
	}
	return false
}

func hasString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
