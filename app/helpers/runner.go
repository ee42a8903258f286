package helpers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/Strum355/log"
)

// Runner executes host commands. zfs, jail, ifconfig, pfctl and friends are
// all driven through one so they can be scripted in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	RunWithInput(ctx context.Context, input io.Reader, name string, args ...string) ([]byte, error)
}

// CommandError is returned by a Runner when a command exits unsuccessfully.
type CommandError struct {
	Name     string
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s: exit status %d: %s", e.Name, strings.Join(e.Args, " "), e.ExitCode, strings.TrimSpace(e.Stderr))
}

// Stderr returns the captured stderr of a failed command, or the error text
// for any other error.
func Stderr(err error) string {
	if err == nil {
		return ""
	}
	if cmdErr, ok := err.(*CommandError); ok {
		return cmdErr.Stderr
	}
	return err.Error()
}

type execRunner struct{}

func NewExecRunner() Runner {
	return execRunner{}
}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return run(ctx, nil, name, args)
}

func (execRunner) RunWithInput(ctx context.Context, input io.Reader, name string, args ...string) ([]byte, error) {
	return run(ctx, input, name, args)
}

func run(ctx context.Context, input io.Reader, name string, args []string) ([]byte, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = input
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.WithFields(log.Fields{
		"cmd":  name,
		"args": strings.Join(args, " "),
	}).Debug("running command")

	if err := cmd.Run(); err != nil {
		cmdErr := &CommandError{
			Name:     name,
			Args:     args,
			ExitCode: -1,
			Stderr:   stderr.String(),
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			cmdErr.ExitCode = exitErr.ExitCode()
		} else {
			cmdErr.Stderr = err.Error()
		}
		return stdout.Bytes(), cmdErr
	}

	return stdout.Bytes(), nil
}

// ShellQuote quotes s for safe interpolation into a /bin/sh command line.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
