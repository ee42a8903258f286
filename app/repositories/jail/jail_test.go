package jail

import (
	"context"
	"fmt"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2a46m4/kawakaze/app/helpers/helperstest"
)

func TestBuilderRequiresInterface(t *testing.T) {
	_, err := NewBuilder("kawakaze_abc", "/var/db/kawakaze/mnt/containers/kawakaze_abc", "").Build()
	assert.ErrorIs(t, err, ErrIncomplete)

	spec, err := NewBuilder("kawakaze_abc", "/mnt/c", "epair0b").Hostname("web").Build()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"-c",
		"name=kawakaze_abc",
		"path=/mnt/c",
		"host.hostname=web",
		"vnet",
		"vnet.interface=epair0b",
		"allow.raw_sockets",
		"devfs_ruleset=4",
		"mount.devfs",
		"securelevel=2",
		"persist",
	}, spec.Args())
}

func TestBindAfterCreationIsRejected(t *testing.T) {
	runner := helperstest.NewRunner()
	h := NewHost(runner)

	spec, err := NewBuilder("kawakaze_abc", "/mnt/c", "epair0b").Build()
	require.NoError(t, err)
	j, err := h.Create(context.Background(), spec)
	require.NoError(t, err)

	assert.ErrorIs(t, j.BindInterface("epair1b"), ErrBindAfterCreation)
	assert.Len(t, runner.Lines("jail -c"), 1)
}

func TestCreateFailureCarriesStderr(t *testing.T) {
	runner := helperstest.NewRunner().Fail("jail -c", "jail: kawakaze_abc: already exists")
	h := NewHost(runner)

	spec, _ := NewBuilder("kawakaze_abc", "/mnt/c", "epair0b").Build()
	_, err := h.Create(context.Background(), spec)
	assert.ErrorIs(t, err, ErrCreateFailed)
	assert.Contains(t, err.Error(), "already exists")
}

func TestRemoveIsNoopWhenNotRunning(t *testing.T) {
	runner := helperstest.NewRunner().Fail("jls -j gone", "jls: jail \"gone\" not found")
	h := NewHost(runner)

	require.NoError(t, h.Remove(context.Background(), "gone"))
	assert.Empty(t, runner.Lines("jail -r"))

	require.NoError(t, h.Remove(context.Background(), "alive"))
	assert.Equal(t, []string{"jail -r alive"}, runner.Lines("jail -r"))
}

func TestExecReportsExitCode(t *testing.T) {
	runner := helperstest.NewRunner().
		Fail("jexec kawakaze_abc /usr/bin/env -i "+DefaultPath+" /bin/sh -c cd \"$0\" && exec \"$@\" / false", "")
	h := NewHost(runner)

	res, err := h.Exec(context.Background(), "kawakaze_abc", ExecOptions{Argv: []string{"false"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)

	res, err = h.Exec(context.Background(), "kawakaze_abc", ExecOptions{Argv: []string{"true"}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	_, err = h.Exec(context.Background(), "kawakaze_abc", ExecOptions{})
	assert.ErrorIs(t, err, ErrExecFailed)
}

func TestJexecArgs(t *testing.T) {
	args := jexecArgs("kawakaze_abc", ExecOptions{
		Argv:    []string{"nginx", "-g", "daemon off;"},
		Env:     []string{"PATH=/usr/local/bin:/bin", "MODE=prod"},
		WorkDir: "/srv",
		User:    "www",
	})
	assert.Equal(t, []string{
		"-U", "www", "kawakaze_abc", "/usr/bin/env", "-i",
		"PATH=/usr/local/bin:/bin", "MODE=prod",
		"/bin/sh", "-c", `cd "$0" && exec "$@"`, "/srv",
		"nginx", "-g", "daemon off;",
	}, args)
}

func TestKillSignalsWholeJail(t *testing.T) {
	runner := helperstest.NewRunner()
	h := NewHost(runner)

	require.NoError(t, h.Kill(context.Background(), "kawakaze_abc", syscall.SIGSTOP))
	want := fmt.Sprintf("jexec kawakaze_abc /bin/kill -%d -1", int(syscall.SIGSTOP))
	assert.Equal(t, []string{want}, runner.Lines("jexec"))
}

func TestMountLeavesSourceAlone(t *testing.T) {
	runner := helperstest.NewRunner().Fail("mount -t nullfs /missing", "mount_nullfs: /missing: No such file or directory")
	h := NewHost(runner)
	ctx := context.Background()
	dir := t.TempDir()

	require.NoError(t, h.Mount(ctx, "zfs", "tank/shared", filepath.Join(dir, "shared"), true))
	require.NoError(t, h.Mount(ctx, "nullfs", "/srv/data", filepath.Join(dir, "data"), false))
	assert.Equal(t, []string{
		"mount -t zfs -o ro tank/shared " + filepath.Join(dir, "shared"),
		"mount -t nullfs /srv/data " + filepath.Join(dir, "data"),
	}, runner.Lines("mount"))
	assert.Empty(t, runner.Lines("zfs"))

	err := h.Mount(ctx, "nullfs", "/missing", filepath.Join(dir, "x"), false)
	assert.ErrorIs(t, err, ErrExecFailed)
	assert.Contains(t, err.Error(), "No such file")
}
