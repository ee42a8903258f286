// Package cell runs containers: jails on promoted clones of image
// snapshots, with an address on the container bridge and a supervised main
// process.
package cell

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Strum355/log"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/2a46m4/kawakaze/app/helpers"
	"github.com/2a46m4/kawakaze/app/metrics"
	"github.com/2a46m4/kawakaze/app/models/container"
	"github.com/2a46m4/kawakaze/app/models/image"
	"github.com/2a46m4/kawakaze/app/repositories/jail"
	"github.com/2a46m4/kawakaze/app/repositories/network"
	"github.com/2a46m4/kawakaze/app/repositories/records"
	"github.com/2a46m4/kawakaze/app/repositories/volume"
)

// Network is the part of network.Manager containers use.
type Network interface {
	Provision(ctx context.Context, owner string) (*network.Allocation, error)
	EnsurePair(ctx context.Context, a *network.Allocation) (bool, error)
	ConfigureJail(ctx context.Context, jailName string, a *network.Allocation) error
	Release(ctx context.Context, a *network.Allocation) error
	Forward(ctx context.Context, forwards []network.Forward) error
	Unforward(ctx context.Context, owner string) error
}

type Config struct {
	Paths volume.Paths
	// Main process output goes to StateDir/logs/<id>.log
	StateDir    string
	StopTimeout time.Duration
	Restart     RestartConfig
}

type Manager struct {
	volumes volume.Store
	records records.Store
	jails   jail.Host
	net     Network
	cfg     Config

	locks *helpers.KeyedMutex

	mu          sync.Mutex
	supervisors map[string]*supervisor
}

func NewManager(volumes volume.Store, recs records.Store, jails jail.Host, net Network, cfg Config) *Manager {
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &Manager{
		volumes:     volumes,
		records:     recs,
		jails:       jails,
		net:         net,
		cfg:         cfg,
		locks:       helpers.NewKeyedMutex(),
		supervisors: make(map[string]*supervisor),
	}
}

type CreateRequest struct {
	ImageID       string                  `json:"image"`
	Name          string                  `json:"name,omitempty"`
	Ports         []container.PortMapping `json:"ports,omitempty"`
	Mounts        []container.Mount       `json:"mounts,omitempty"`
	RestartPolicy string                  `json:"restart_policy,omitempty"`
}

type ExecRequest struct {
	Argv    []string `json:"argv"`
	Env     []string `json:"env,omitempty"`
	WorkDir string   `json:"workdir,omitempty"`
	User    string   `json:"user,omitempty"`
}

func (m *Manager) logPath(id string) string {
	return filepath.Join(m.cfg.StateDir, "logs", id+".log")
}

func (m *Manager) get(ctx context.Context, id string) (*container.Container, error) {
	c, err := m.records.GetContainer(ctx, id)
	if errors.Is(err, records.ErrNotFound) {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	return c, err
}

func (m *Manager) save(ctx context.Context, c *container.Container, from container.State) error {
	if err := m.records.UpdateContainer(ctx, c); err != nil {
		return errors.WithMessage(err, "failed to persist container state")
	}
	if from != c.State {
		metrics.CellTransitions.WithLabelValues(string(c.State)).Inc()
		log.WithFields(log.Fields{
			"container": c.ID,
			"name":      c.Name,
			"from":      from,
			"to":        c.State,
		}).Info("container state changed")
	}
	return nil
}

func allocationOf(c *container.Container) *network.Allocation {
	if c.Network == nil {
		return nil
	}
	return &network.Allocation{
		Owner:         c.ID,
		IP:            c.Network.IP,
		PrefixLen:     c.Network.PrefixLen,
		Gateway:       c.Network.Gateway,
		Bridge:        c.Network.Bridge,
		HostInterface: c.Network.HostInterface,
		JailInterface: c.Network.JailInterface,
	}
}

func networkOf(a *network.Allocation) *container.Network {
	return &container.Network{
		IP:            a.IP,
		PrefixLen:     a.PrefixLen,
		Gateway:       a.Gateway,
		Bridge:        a.Bridge,
		HostInterface: a.HostInterface,
		JailInterface: a.JailInterface,
	}
}

func forwardsOf(c *container.Container) []network.Forward {
	out := make([]network.Forward, 0, len(c.Ports))
	for _, p := range c.Ports {
		out = append(out, network.Forward{
			HostPort:      p.HostPort,
			Protocol:      string(p.Protocol),
			IP:            c.IP,
			ContainerPort: p.ContainerPort,
			Owner:         c.ID,
		})
	}
	return out
}

// Create records a container of an available image with its own address,
// epair and promoted clone. Nothing is left behind on failure.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*container.Container, error) {
	img, err := m.records.GetImage(ctx, req.ImageID)
	if errors.Is(err, records.ErrNotFound) || (err == nil && !img.Available()) {
		return nil, errors.Wrap(ErrImageNotAvailable, req.ImageID)
	}
	if err != nil {
		return nil, err
	}

	policy, err := container.ParseRestartPolicy(req.RestartPolicy)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidRequest, err.Error())
	}
	ports := append([]container.PortMapping(nil), req.Ports...)
	mounts := append([]container.Mount(nil), req.Mounts...)
	if err := container.Normalize(ports, mounts); err != nil {
		return nil, errors.Wrap(ErrInvalidRequest, err.Error())
	}

	c := container.New(img.ID, req.Name)
	if err := container.ValidateName(c.Name); err != nil {
		return nil, errors.Wrapf(ErrInvalidRequest, "%s: %v", c.Name, err)
	}
	c.RestartPolicy = policy
	c.Ports = ports
	c.Mounts = mounts
	c.Dataset = m.cfg.Paths.Container(c.JailName)

	unlock := m.locks.Lock("name:" + c.Name)
	defer unlock()

	if _, err := m.records.GetContainerByName(ctx, c.Name); err == nil {
		return nil, errors.Wrap(ErrNameConflict, c.Name)
	} else if !errors.Is(err, records.ErrNotFound) {
		return nil, err
	}

	fields := log.Fields{
		"container": c.ID,
		"name":      c.Name,
		"image":     img.ID,
	}

	alloc, err := m.net.Provision(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	c.IP = alloc.IP
	c.Network = networkOf(alloc)

	rollback := func(cause error, cloned bool) error {
		err := cause
		if cloned {
			err = multierr.Append(err, m.volumes.Destroy(context.Background(), c.Dataset, true))
		}
		err = multierr.Append(err, m.net.Release(context.Background(), alloc))
		log.WithError(err).WithFields(fields).Error("container creation rolled back")
		return err
	}

	if err := m.volumes.Clone(ctx, img.Snapshot, c.Dataset); err != nil {
		return nil, rollback(err, false)
	}
	if err := m.volumes.Promote(ctx, c.Dataset); err != nil {
		return nil, rollback(err, true)
	}

	if err := m.records.InsertContainer(ctx, c); err != nil {
		if errors.Is(err, records.ErrNameTaken) {
			err = errors.Wrap(ErrNameConflict, c.Name)
		}
		return nil, rollback(err, true)
	}

	metrics.CellTransitions.WithLabelValues(string(container.StateCreated)).Inc()
	log.WithFields(fields).Info("container created")
	return c.Clone(), nil
}

// Start brings a created or stopped container up. Starting a running
// container does nothing.
func (m *Manager) Start(ctx context.Context, id string) (*container.Container, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	c, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch c.State {
	case container.StateRunning:
		return c, nil
	case container.StateCreated, container.StateStopped:
	default:
		return nil, errors.Wrapf(ErrInvalidState, "cannot start a %s container", c.State)
	}

	if err := m.startLocked(ctx, c); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

func (m *Manager) startLocked(ctx context.Context, c *container.Container) error {
	img, err := m.records.GetImage(ctx, c.ImageID)
	if err != nil {
		return errors.WithMessage(err, "loading container image")
	}

	fields := log.Fields{
		"container": c.ID,
		"jail":      c.JailName,
	}

	var undo []func() error
	fail := func(cause error) error {
		err := cause
		for i := len(undo) - 1; i >= 0; i-- {
			err = multierr.Append(err, undo[i]())
		}
		log.WithError(err).WithFields(fields).Error("container start rolled back")
		return err
	}

	root, err := m.volumes.Mount(ctx, c.Dataset, "")
	if err != nil {
		return err
	}
	undo = append(undo, func() error { return m.volumes.Unmount(context.Background(), c.Dataset) })

	for _, mnt := range c.Mounts {
		target, err := helpers.InRoot(root, mnt.Destination)
		if err != nil {
			return fail(err)
		}
		if err := m.mount(ctx, mnt, target); err != nil {
			return fail(err)
		}
		undo = append(undo, func() error { return m.jails.Unmount(context.Background(), target) })
	}

	alloc := allocationOf(c)
	if alloc == nil {
		return fail(errors.Errorf("container %s has no network allocation", c.ID))
	}
	changed, err := m.net.EnsurePair(ctx, alloc)
	if err != nil {
		return fail(err)
	}
	if changed {
		c.Network = networkOf(alloc)
	}

	spec, err := jail.NewBuilder(c.JailName, root, alloc.JailInterface).Hostname(c.Name).Build()
	if err != nil {
		return fail(err)
	}
	if _, err := m.jails.Create(ctx, spec); err != nil {
		return fail(err)
	}
	undo = append(undo, func() error { return m.jails.Remove(context.Background(), c.JailName) })

	if err := m.net.ConfigureJail(ctx, c.JailName, alloc); err != nil {
		return fail(err)
	}

	if len(c.Ports) > 0 {
		if err := m.net.Forward(ctx, forwardsOf(c)); err != nil {
			return fail(err)
		}
		undo = append(undo, func() error { return m.net.Unforward(context.Background(), c.ID) })
	}

	if argv := img.Config.Argv(); len(argv) > 0 {
		if err := m.supervise(c, img, argv); err != nil {
			return fail(err)
		}
	} else {
		log.WithFields(fields).Info("image has no command, jail runs without a main process")
	}

	from := c.State
	now := time.Now().UTC()
	c.State = container.StateRunning
	c.StartedAt = &now
	c.ExitCode = nil
	if err := m.save(ctx, c, from); err != nil {
		if s := m.takeSupervisor(c.ID); s != nil {
			s.stop(syscall.SIGKILL, m.cfg.StopTimeout)
		}
		c.State = from
		return fail(err)
	}
	return nil
}

// mount attaches one container mount at target. Neither kind touches the
// source's own settings, zfs datasets included.
func (m *Manager) mount(ctx context.Context, mnt container.Mount, target string) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return errors.Wrapf(err, "creating mount point %s", mnt.Destination)
	}
	return m.jails.Mount(ctx, string(mnt.Type), mnt.Source, target, mnt.ReadOnly)
}

func (m *Manager) unmountAll(ctx context.Context, c *container.Container) error {
	root, err := m.volumes.MountPath(ctx, c.Dataset)
	if err != nil {
		return err
	}

	var errs error
	for i := len(c.Mounts) - 1; i >= 0; i-- {
		target, err := helpers.InRoot(root, c.Mounts[i].Destination)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, m.jails.Unmount(ctx, target))
	}
	return multierr.Append(errs, m.volumes.Unmount(ctx, c.Dataset))
}

func (m *Manager) supervise(c *container.Container, img *image.Image, argv []string) error {
	if err := os.MkdirAll(filepath.Dir(m.logPath(c.ID)), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(m.logPath(c.ID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return errors.Wrap(err, "opening container log")
	}

	opts := jail.ExecOptions{
		Argv:    argv,
		Env:     img.Config.EnvList(),
		WorkDir: img.Config.WorkDir,
		User:    img.Config.User,
	}
	jailName := c.JailName
	spawn := func() (jail.Process, error) {
		return m.jails.Spawn(jailName, opts, out)
	}

	s := newSupervisor(c.ID, c.RestartPolicy, m.cfg.Restart, spawn, m.exited)
	s.output = out
	if err := s.start(); err != nil {
		return err
	}

	m.mu.Lock()
	m.supervisors[c.ID] = s
	m.mu.Unlock()
	return nil
}

func (m *Manager) supervisor(id string) *supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.supervisors[id]
}

func (m *Manager) takeSupervisor(id string) *supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.supervisors[id]
	delete(m.supervisors, id)
	return s
}

// exited runs off the supervisor goroutine, since an intentional stop holds
// the container lock while it waits for the supervisor.
func (m *Manager) exited(s *supervisor, code int, restarting bool) {
	go func() {
		unlock := m.locks.Lock(s.id)
		defer unlock()

		if m.supervisor(s.id) != s {
			return
		}
		ctx := context.Background()
		c, err := m.get(ctx, s.id)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"container": s.id,
			}).Error("failed to load container after exit")
			return
		}

		c.ExitCode = &code
		from := c.State
		if !restarting {
			m.takeSupervisor(s.id)
			if err := m.teardown(ctx, c); err != nil {
				log.WithError(err).WithFields(log.Fields{
					"container": c.ID,
				}).Error("failed to clean up after main process exit")
			}
			c.State = container.StateStopped
		}
		if err := m.save(ctx, c, from); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"container": c.ID,
			}).Error("failed to record main process exit")
		}
	}()
}

// teardown removes the jail, its port forwards and its mounts.
func (m *Manager) teardown(ctx context.Context, c *container.Container) error {
	if err := m.jails.Remove(ctx, c.JailName); err != nil {
		return err
	}
	var errs error
	if len(c.Ports) > 0 {
		errs = multierr.Append(errs, m.net.Unforward(ctx, c.ID))
	}
	if err := m.unmountAll(ctx, c); err != nil && !errors.Is(err, volume.ErrNotFound) {
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		log.WithError(errs).WithFields(log.Fields{
			"container": c.ID,
		}).Error("incomplete container teardown")
	}
	return nil
}

// Stop brings a running or paused container down. Stopping a container that
// is not running succeeds without doing anything.
func (m *Manager) Stop(ctx context.Context, id string) (*container.Container, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	c, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch c.State {
	case container.StateCreated, container.StateStopped:
		return c, nil
	case container.StateRunning, container.StatePaused:
	default:
		return nil, errors.Wrapf(ErrInvalidState, "cannot stop a %s container", c.State)
	}

	if err := m.stopLocked(ctx, c); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

func (m *Manager) stopLocked(ctx context.Context, c *container.Container) error {
	if c.State == container.StatePaused {
		if err := m.jails.Kill(ctx, c.JailName, syscall.SIGCONT); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"container": c.ID,
			}).Error("failed to continue paused container before stop")
		}
	}

	if s := m.takeSupervisor(c.ID); s != nil {
		sig := syscall.SIGTERM
		if img, err := m.records.GetImage(ctx, c.ImageID); err == nil {
			if parsed, err := ParseSignal(img.Config.StopSignal); err == nil {
				sig = parsed
			}
		}
		s.stop(sig, m.cfg.StopTimeout)
	}

	if err := m.teardown(ctx, c); err != nil {
		return err
	}

	from := c.State
	c.State = container.StateStopped
	return m.save(ctx, c, from)
}

// Pause freezes every process in a running container.
func (m *Manager) Pause(ctx context.Context, id string) (*container.Container, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	c, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch c.State {
	case container.StatePaused:
		return c, nil
	case container.StateRunning:
	default:
		return nil, errors.Wrapf(ErrInvalidState, "cannot pause a %s container", c.State)
	}

	if s := m.supervisor(c.ID); s != nil {
		s.pause()
	}
	if err := m.jails.Kill(ctx, c.JailName, syscall.SIGSTOP); err != nil {
		if s := m.supervisor(c.ID); s != nil {
			s.unpause()
		}
		return nil, err
	}

	c.State = container.StatePaused
	if err := m.save(ctx, c, container.StateRunning); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// Unpause resumes a paused container.
func (m *Manager) Unpause(ctx context.Context, id string) (*container.Container, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	c, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch c.State {
	case container.StateRunning:
		return c, nil
	case container.StatePaused:
	default:
		return nil, errors.Wrapf(ErrInvalidState, "cannot unpause a %s container", c.State)
	}

	if err := m.jails.Kill(ctx, c.JailName, syscall.SIGCONT); err != nil {
		return nil, err
	}
	if s := m.supervisor(c.ID); s != nil {
		s.unpause()
	}

	c.State = container.StateRunning
	if err := m.save(ctx, c, container.StatePaused); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// Remove deletes a container with its dataset and address. A running
// container is only removed with force, and is stopped first.
func (m *Manager) Remove(ctx context.Context, id string, force bool) (*container.Container, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	c, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch c.State {
	case container.StateRunning, container.StatePaused:
		if !force {
			return nil, errors.Wrap(ErrCellRunning, c.Name)
		}
		if err := m.stopLocked(ctx, c); err != nil {
			return nil, err
		}
	}

	if c.State != container.StateRemoving {
		from := c.State
		c.State = container.StateRemoving
		if err := m.save(ctx, c, from); err != nil {
			return nil, err
		}
	}

	if err := m.cleanup(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// cleanup finishes removing a container in the removing state. It can be
// repeated after a partial failure.
func (m *Manager) cleanup(ctx context.Context, c *container.Container) error {
	fields := log.Fields{
		"container": c.ID,
		"dataset":   c.Dataset,
	}

	if err := m.volumes.Unmount(ctx, c.Dataset); err != nil && !errors.Is(err, volume.ErrNotFound) {
		log.WithError(err).WithFields(fields).Error("failed to unmount container dataset")
	}
	if err := m.volumes.Destroy(ctx, c.Dataset, true); err != nil && !errors.Is(err, volume.ErrNotFound) {
		return err
	}
	if err := m.net.Release(ctx, allocationOf(c)); err != nil {
		return err
	}
	if err := os.Remove(m.logPath(c.ID)); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithFields(fields).Error("failed to remove container log")
	}
	if err := m.records.DeleteContainer(ctx, c.ID); err != nil && !errors.Is(err, records.ErrNotFound) {
		return err
	}

	metrics.CellTransitions.WithLabelValues("removed").Inc()
	log.WithFields(fields).Info("container removed")
	return nil
}

// Exec runs a command inside a running container.
func (m *Manager) Exec(ctx context.Context, id string, req ExecRequest) (*jail.ExecResult, error) {
	if len(req.Argv) == 0 {
		return nil, errors.Wrap(ErrInvalidRequest, "argv is required")
	}

	c, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.State != container.StateRunning {
		return nil, errors.Wrapf(ErrInvalidState, "cannot exec in a %s container", c.State)
	}
	img, err := m.records.GetImage(ctx, c.ImageID)
	if err != nil {
		return nil, err
	}

	opts := jail.ExecOptions{
		Argv:    req.Argv,
		Env:     append(img.Config.EnvList(), req.Env...),
		WorkDir: req.WorkDir,
		User:    req.User,
	}
	if opts.WorkDir == "" {
		opts.WorkDir = img.Config.WorkDir
	}
	if opts.User == "" {
		opts.User = img.Config.User
	}
	return m.jails.Exec(ctx, c.JailName, opts)
}

// Logs returns the main process output of a container, the last tail lines
// when tail is positive.
func (m *Manager) Logs(ctx context.Context, id string, tail int) ([]string, error) {
	if _, err := m.get(ctx, id); err != nil {
		return nil, err
	}

	f, err := os.Open(m.logPath(id))
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lines := []string{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if tail > 0 && len(lines) > tail {
			lines = lines[1:]
		}
	}
	return lines, scanner.Err()
}

// Get returns a container record.
func (m *Manager) Get(ctx context.Context, id string) (*container.Container, error) {
	return m.get(ctx, id)
}

// Recover reconciles records with the host after a daemon restart. Jails do
// not outlive the daemon's host, so running containers are brought down,
// and started again when their policy is always. Interrupted removals are
// finished.
func (m *Manager) Recover(ctx context.Context) error {
	list, err := m.records.ListContainers(ctx)
	if err != nil {
		return err
	}

	var errs error
	for _, c := range list {
		c := c
		unlock := m.locks.Lock(c.ID)

		fields := log.Fields{
			"container": c.ID,
			"state":     c.State,
		}

		switch c.State {
		case container.StateRemoving:
			if err := m.cleanup(ctx, c); err != nil {
				errs = multierr.Append(errs, err)
			}

		case container.StateRunning, container.StatePaused:
			if err := m.teardown(ctx, c); err != nil {
				errs = multierr.Append(errs, err)
				unlock()
				continue
			}
			from := c.State
			c.State = container.StateStopped
			if err := m.save(ctx, c, from); err != nil {
				errs = multierr.Append(errs, err)
				unlock()
				continue
			}
			if c.RestartPolicy == container.RestartAlways {
				log.WithFields(fields).Info("restarting container after daemon restart")
				if err := m.startLocked(ctx, c); err != nil {
					errs = multierr.Append(errs, err)
				}
			}
		}
		unlock()
	}
	return errs
}

// Shutdown stops the supervisors of every running container without
// changing records, so Recover can pick them up again.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sups := make([]*supervisor, 0, len(m.supervisors))
	for id, s := range m.supervisors {
		sups = append(sups, s)
		delete(m.supervisors, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sups {
		wg.Add(1)
		go func(s *supervisor) {
			defer wg.Done()
			s.stop(syscall.SIGTERM, m.cfg.StopTimeout)
		}(s)
	}
	wg.Wait()
}
