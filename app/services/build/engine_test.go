package build

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2a46m4/kawakaze/app/helpers"
	"github.com/2a46m4/kawakaze/app/helpers/helperstest"
	"github.com/2a46m4/kawakaze/app/models/image"
	"github.com/2a46m4/kawakaze/app/repositories/records"
	"github.com/2a46m4/kawakaze/app/repositories/volume"
	"github.com/2a46m4/kawakaze/app/services/bootstrap"
	"github.com/2a46m4/kawakaze/app/services/progress"
)

type fakeBootstrapper struct {
	mu    sync.Mutex
	roots []string
}

func (f *fakeBootstrapper) Bootstrap(ctx context.Context, root string, opts bootstrap.Options, report bootstrap.Reporter) error {
	f.mu.Lock()
	f.roots = append(f.roots, root)
	f.mu.Unlock()

	report(10, "downloading "+opts.Version)
	if err := os.MkdirAll(filepath.Join(root, "bin"), 0755); err != nil {
		return err
	}
	report(100, "done")
	return ioutil.WriteFile(filepath.Join(root, "bin", "freebsd-version"), []byte("#!/bin/sh\n"), 0755)
}

type fixture struct {
	engine  *Engine
	volumes volume.Store
	records records.Store
	runner  *helperstest.Runner
	boot    *fakeBootstrapper
	context string
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		volumes: volume.NewMemoryStore(t.TempDir()),
		records: records.NewMemoryStore(),
		runner:  helperstest.NewRunner(),
		boot:    &fakeBootstrapper{},
		context: t.TempDir(),
	}
	f.engine = NewEngine(context.Background(), f.volumes, f.records, f.runner, f.boot, Config{
		Paths:       volume.Paths{Root: "tank/kawakaze"},
		ContextRoot: f.context,
	})
	return f
}

func (f *fixture) build(t *testing.T, name, file string) (*image.Image, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.engine.Build(ctx, Request{Name: name, File: file, ContextDir: "."})
}

func TestBuildFromScratch(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.context, "site"), 0755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(f.context, "site", "index.html"), []byte("hi"), 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(f.context, "app.conf"), []byte("port=80"), 0644))

	img, err := f.build(t, "web", `FROM scratch
BOOTSTRAP 14.1-RELEASE
RUN echo hi
WORKDIR /srv
COPY site /srv/www
COPY app.conf .
ENV GREETING="hello world"
EXPOSE 80 80/tcp 53/udp
VOLUME /data
USER www
CMD ["serve"]
`)
	require.NoError(t, err)
	assert.Equal(t, image.StateAvailable, img.State)
	assert.Equal(t, img.Dataset+"@build", img.Snapshot)
	assert.True(t, strings.HasPrefix(img.Dataset, "tank/kawakaze/images/"))
	assert.Empty(t, img.ParentID)
	assert.NotZero(t, img.Size)

	stored, err := f.records.GetImageByName(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, image.StateAvailable, stored.State)
	assert.Len(t, stored.Instructions, 11)

	cfg := stored.Config
	assert.Equal(t, "/srv", cfg.WorkDir)
	assert.Equal(t, "www", cfg.User)
	assert.Equal(t, "hello world", cfg.Env["GREETING"])
	assert.Equal(t, []image.Port{{Port: 80, Protocol: "tcp"}, {Port: 53, Protocol: "udp"}}, cfg.ExposedPorts)
	assert.Equal(t, []string{"/data"}, cfg.Volumes)
	assert.Equal(t, []string{"serve"}, cfg.Argv())

	root, err := f.volumes.MountPath(context.Background(), img.Dataset)
	require.NoError(t, err)
	assert.Equal(t, []string{root}, f.boot.roots)

	data, err := ioutil.ReadFile(filepath.Join(root, "srv", "www", "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
	_, err = os.Stat(filepath.Join(root, "srv", "app.conf"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "data"))
	assert.NoError(t, err)

	profile, err := ioutil.ReadFile(filepath.Join(root, "etc", "profile.kawakaze"))
	require.NoError(t, err)
	assert.Equal(t, "export GREETING=\"hello world\"\n", string(profile))

	runs := f.runner.Lines("chroot")
	require.Len(t, runs, 1)
	assert.Equal(t, "chroot "+root+" /usr/bin/env -i "+defaultPath+` /bin/sh -c cd "$0" && exec "$@" / /bin/sh -c echo hi`, runs[0])

	l, ok := f.engine.Progress("web")
	require.True(t, ok)
	events, done := l.Since(0)
	require.True(t, done)
	last := events[len(events)-1]
	assert.Equal(t, progress.StatusComplete, last.Status)

	var sawBootstrap bool
	for _, ev := range events {
		if strings.HasPrefix(ev.Description, "BOOTSTRAP: downloading 14.1-RELEASE") {
			sawBootstrap = true
		}
	}
	assert.True(t, sawBootstrap)
}

func TestBuildFromBase(t *testing.T) {
	f := newFixture(t)

	base, err := f.build(t, "base", "FROM scratch\nENV A=1\nCMD [\"sh\"]\nUSER www")
	require.NoError(t, err)

	child, err := f.build(t, "child", "FROM base\nENV B=2\nENTRYPOINT [\"/bin/app\"]\nRUN id")
	require.NoError(t, err)
	assert.Equal(t, base.ID, child.ParentID)
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, child.Config.Env)
	assert.Equal(t, []string{"/bin/app"}, child.Config.Argv(), "inherited CMD is reset by ENTRYPOINT")

	again, err := f.records.GetImage(context.Background(), base.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1"}, again.Config.Env)

	runs := f.runner.Lines("chroot")
	require.Len(t, runs, 1)
	assert.True(t, strings.HasPrefix(runs[0], "chroot -u www "))

	// by id works as well as by name
	byID, err := f.build(t, "grandchild", "FROM "+child.ID)
	require.NoError(t, err)
	assert.Equal(t, child.ID, byID.ParentID)
}

func TestConcurrentBuildOfSameName(t *testing.T) {
	f := newFixture(t)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	f.runner.On("chroot", func(c helperstest.Call) ([]byte, error) {
		if strings.Contains(c.Line(), "sleep") {
			once.Do(func() { close(entered) })
			<-unblock
		}
		return nil, nil
	})

	ctx := context.Background()
	job, err := f.engine.Start(ctx, Request{Name: "web", File: "FROM scratch\nRUN sleep 1"})
	require.NoError(t, err)
	<-entered

	_, err = f.engine.Start(ctx, Request{Name: "web", File: "FROM scratch\nRUN true"})
	assert.ErrorIs(t, err, ErrAlreadyBuilding)
	assert.True(t, f.engine.Building("web"))

	// other names are not held up
	other, err := f.build(t, "db", "FROM scratch\nRUN true")
	require.NoError(t, err)
	assert.True(t, other.Available())

	close(unblock)
	img, err := job.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, img.Available())
	assert.False(t, f.engine.Building("web"))

	// the name is taken once the image is available
	_, err = f.engine.Start(ctx, Request{Name: "web", File: "FROM scratch"})
	assert.ErrorIs(t, err, ErrNameConflict)
}

func TestConcurrentStartsAdmitOne(t *testing.T) {
	f := newFixture(t)
	unblock := make(chan struct{})
	f.runner.On("chroot", func(helperstest.Call) ([]byte, error) {
		<-unblock
		return nil, nil
	})

	var (
		wg        sync.WaitGroup
		accepted  int32
		rejected  int32
		jobs      = make(chan *Job, 8)
		startGate = make(chan struct{})
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-startGate
			job, err := f.engine.Start(context.Background(), Request{Name: "web", File: "FROM scratch\nRUN true"})
			if err == nil {
				atomic.AddInt32(&accepted, 1)
				jobs <- job
				return
			}
			if assert.ErrorIs(t, err, ErrAlreadyBuilding) {
				atomic.AddInt32(&rejected, 1)
			}
		}()
	}
	close(startGate)
	wg.Wait()
	close(unblock)

	assert.Equal(t, int32(1), accepted)
	assert.Equal(t, int32(7), rejected)
	_, err := (<-jobs).Wait(context.Background())
	assert.NoError(t, err)
}

func TestFailedBuildRollsBack(t *testing.T) {
	f := newFixture(t)
	var calls int32
	f.runner.On("chroot", func(c helperstest.Call) ([]byte, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, &helpers.CommandError{Name: c.Name, Args: c.Args, ExitCode: 2, Stderr: "make: no rule"}
		}
		return nil, nil
	})

	_, err := f.build(t, "web", "FROM scratch\nWORKDIR /src\nRUN make\nCMD [\"app\"]")
	require.Error(t, err)

	var ierr *InstructionError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, 2, ierr.Index)
	assert.Equal(t, image.KindRun, ierr.Instruction.Kind)
	assert.ErrorIs(t, err, ErrStepFailed)
	assert.Contains(t, err.Error(), "exit code 2")
	assert.Contains(t, err.Error(), "make: no rule")

	rec, err := f.records.GetImageByName(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, image.StateDeleted, rec.State)
	assert.Empty(t, rec.Snapshot)

	exists, err := f.volumes.Exists(context.Background(), rec.Dataset)
	require.NoError(t, err)
	assert.False(t, exists)

	l, ok := f.engine.Progress("web")
	require.True(t, ok)
	last, _ := l.Last()
	assert.Equal(t, progress.StatusFailed, last.Status)

	// the deleted record no longer holds the name
	img, err := f.build(t, "web", "FROM scratch\nRUN make")
	require.NoError(t, err)
	assert.NotEqual(t, rec.ID, img.ID)
	_, err = f.records.GetImage(context.Background(), rec.ID)
	assert.ErrorIs(t, err, records.ErrNotFound)
}

func TestBuildRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Start(ctx, Request{Name: "web", File: "FROM nothing"})
	assert.ErrorIs(t, err, ErrBaseNotFound)

	_, err = f.engine.Start(ctx, Request{Name: "web", File: "RUN true"})
	assert.ErrorIs(t, err, ErrParse)

	_, err = f.engine.Start(ctx, Request{Name: "bad name", File: "FROM scratch"})
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = f.engine.Start(ctx, Request{Name: "web", File: "FROM scratch", ContextDir: "../outside"})
	assert.ErrorIs(t, err, ErrInvalidContext)

	building := image.New("half", "")
	require.NoError(t, f.records.InsertImage(ctx, building))
	_, err = f.engine.Start(ctx, Request{Name: "web", File: "FROM half"})
	assert.ErrorIs(t, err, ErrNotAvailable)

	// nothing was claimed by the rejected builds
	assert.False(t, f.engine.Building("web"))
}

func TestCopyStaysInsideRoot(t *testing.T) {
	f := newFixture(t)
	outside := t.TempDir()
	require.NoError(t, ioutil.WriteFile(filepath.Join(f.context, "app.conf"), []byte("port=80"), 0644))

	// RUN leaves links that point at host directories
	f.runner.On("chroot", func(c helperstest.Call) ([]byte, error) {
		root := c.Args[0]
		if err := os.Symlink(outside, filepath.Join(root, "escape")); err != nil {
			return nil, err
		}
		return nil, os.Symlink("../../../..", filepath.Join(root, "up"))
	})

	img, err := f.build(t, "web", `FROM scratch
RUN ln -s
COPY app.conf /escape/app.conf
COPY app.conf /up/etc/app.conf
WORKDIR /escape/srv
VOLUME /escape/data
ENV A=1
`)
	require.NoError(t, err)

	entries, err := ioutil.ReadDir(outside)
	require.NoError(t, err)
	assert.Empty(t, entries)

	root, err := f.volumes.MountPath(context.Background(), img.Dataset)
	require.NoError(t, err)
	for _, p := range []string{
		filepath.Join(root, outside, "app.conf"),
		filepath.Join(root, "etc", "app.conf"),
		filepath.Join(root, outside, "srv"),
		filepath.Join(root, outside, "data"),
		filepath.Join(root, "etc", "profile.kawakaze"),
	} {
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}
}

func TestCopySourceStaysInContext(t *testing.T) {
	f := newFixture(t)

	_, err := f.build(t, "web", "FROM scratch\nCOPY ../../etc/passwd /x")
	var ierr *InstructionError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, 1, ierr.Index)
	assert.Contains(t, err.Error(), "no such file in build context")
}
