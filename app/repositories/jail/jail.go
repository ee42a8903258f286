package jail

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/Strum355/log"
	"github.com/pkg/errors"

	"github.com/2a46m4/kawakaze/app/helpers"
)

const DefaultPath = "PATH=/sbin:/bin:/usr/sbin:/usr/bin:/usr/local/sbin:/usr/local/bin"

// ExecOptions describes a process to run inside a jail.
type ExecOptions struct {
	Argv    []string
	Env     []string
	WorkDir string
	User    string
}

type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Process is a long running process started inside a jail.
type Process interface {
	Pid() int
	// Wait blocks until the process exits and returns its exit code. A
	// process killed by a signal reports 128 plus the signal number.
	Wait() (int, error)
	Signal(sig syscall.Signal) error
}

// Jail is a created jail.
type Jail struct {
	Name      string
	Interface string
}

// BindInterface always fails: VNET interfaces are handed over by `jail -c`
// and cannot be moved into an existing jail by this manager.
func (j *Jail) BindInterface(iface string) error {
	return errors.Wrapf(ErrBindAfterCreation, "%s on %s", iface, j.Name)
}

type Host interface {
	Create(ctx context.Context, spec Spec) (*Jail, error)
	// Remove tears the jail down, killing whatever still runs in it. Removing
	// a jail that does not exist succeeds.
	Remove(ctx context.Context, name string) error
	Running(ctx context.Context, name string) bool
	Exec(ctx context.Context, name string, opts ExecOptions) (*ExecResult, error)
	Spawn(name string, opts ExecOptions, output io.Writer) (Process, error)
	// Kill signals every process inside the jail.
	Kill(ctx context.Context, name string, sig syscall.Signal) error
	// Mount attaches source at target with mount(8), nothing else about
	// source changes. fstype is "nullfs" or "zfs".
	Mount(ctx context.Context, fstype, source, target string, readOnly bool) error
	Unmount(ctx context.Context, target string) error
}

type host struct {
	runner helpers.Runner
}

func NewHost(runner helpers.Runner) Host {
	return &host{runner: runner}
}

func (h *host) Create(ctx context.Context, spec Spec) (*Jail, error) {
	log.WithFields(log.Fields{
		"jail":      spec.Name,
		"path":      spec.Path,
		"interface": spec.Interface,
	}).Debug("creating jail")

	if _, err := h.runner.Run(ctx, "jail", spec.Args()...); err != nil {
		return nil, errors.Wrapf(ErrCreateFailed, "%s: %s", spec.Name, strings.TrimSpace(helpers.Stderr(err)))
	}
	return &Jail{Name: spec.Name, Interface: spec.Interface}, nil
}

func (h *host) Remove(ctx context.Context, name string) error {
	if !h.Running(ctx, name) {
		return nil
	}
	if _, err := h.runner.Run(ctx, "jail", "-r", name); err != nil {
		return errors.Wrapf(ErrExecFailed, "remove %s: %s", name, strings.TrimSpace(helpers.Stderr(err)))
	}
	return nil
}

func (h *host) Running(ctx context.Context, name string) bool {
	_, err := h.runner.Run(ctx, "jls", "-j", name, "jid")
	return err == nil
}

func (h *host) Exec(ctx context.Context, name string, opts ExecOptions) (*ExecResult, error) {
	if len(opts.Argv) == 0 {
		return nil, errors.Wrap(ErrExecFailed, "empty command")
	}

	out, err := h.runner.Run(ctx, "jexec", jexecArgs(name, opts)...)
	if err == nil {
		return &ExecResult{Stdout: string(out)}, nil
	}

	if cmdErr, ok := err.(*helpers.CommandError); ok && cmdErr.ExitCode >= 0 {
		return &ExecResult{
			ExitCode: cmdErr.ExitCode,
			Stdout:   string(out),
			Stderr:   cmdErr.Stderr,
		}, nil
	}
	return nil, errors.Wrapf(ErrExecFailed, "%s: %s", name, helpers.Stderr(err))
}

func (h *host) Spawn(name string, opts ExecOptions, output io.Writer) (Process, error) {
	if len(opts.Argv) == 0 {
		return nil, errors.Wrap(ErrExecFailed, "no command to run")
	}

	cmd := exec.Command("jexec", jexecArgs(name, opts)...)
	cmd.Stdout = output
	cmd.Stderr = output
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(ErrExecFailed, "start in %s: %v", name, err)
	}
	return &process{cmd: cmd}, nil
}

func (h *host) Kill(ctx context.Context, name string, sig syscall.Signal) error {
	_, err := h.runner.Run(ctx, "jexec", name, "/bin/kill", fmt.Sprintf("-%d", int(sig)), "-1")
	if err != nil {
		return errors.Wrapf(ErrExecFailed, "signal %d in %s: %s", int(sig), name, helpers.Stderr(err))
	}
	return nil
}

func (h *host) Mount(ctx context.Context, fstype, source, target string, readOnly bool) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return errors.Wrap(err, "failed to create mount target")
	}

	args := []string{"-t", fstype}
	if readOnly {
		args = append(args, "-o", "ro")
	}
	args = append(args, source, target)
	if _, err := h.runner.Run(ctx, "mount", args...); err != nil {
		return errors.Wrapf(ErrExecFailed, "mount %s on %s: %s", source, target, helpers.Stderr(err))
	}
	return nil
}

func (h *host) Unmount(ctx context.Context, target string) error {
	if _, err := h.runner.Run(ctx, "umount", "-f", target); err != nil {
		return errors.Wrapf(ErrExecFailed, "unmount %s: %s", target, helpers.Stderr(err))
	}
	return nil
}

// jexecArgs runs argv through env -i so the jail sees exactly opts.Env, with
// the working directory passed as $0 to a tiny sh wrapper.
func jexecArgs(name string, opts ExecOptions) []string {
	var args []string
	if opts.User != "" && opts.User != "root" {
		args = append(args, "-U", opts.User)
	}
	args = append(args, name, "/usr/bin/env", "-i")

	hasPath := false
	for _, e := range opts.Env {
		if strings.HasPrefix(e, "PATH=") {
			hasPath = true
		}
	}
	if !hasPath {
		args = append(args, DefaultPath)
	}
	args = append(args, opts.Env...)

	workdir := opts.WorkDir
	if workdir == "" {
		workdir = "/"
	}
	args = append(args, "/bin/sh", "-c", `cd "$0" && exec "$@"`, workdir)
	return append(args, opts.Argv...)
}

type process struct {
	cmd *exec.Cmd
}

func (p *process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *process) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *process) Signal(sig syscall.Signal) error {
	return p.cmd.Process.Signal(sig)
}
