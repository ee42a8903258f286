// Package helperstest provides a scripted helpers.Runner for tests.
package helperstest

import (
	"context"
	"io"
	"io/ioutil"
	"strings"
	"sync"

	"github.com/2a46m4/kawakaze/app/helpers"
)

// Call is one recorded invocation.
type Call struct {
	Name  string
	Args  []string
	Input string
}

// Line renders the call as a single command line.
func (c Call) Line() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Handler answers a call. Returning a nil error means success.
type Handler func(call Call) ([]byte, error)

type rule struct {
	prefix  string
	handler Handler
}

// Runner matches each command line against registered prefixes, longest
// registered first wins, and records every call. Unmatched calls succeed
// with empty output.
type Runner struct {
	mu    sync.Mutex
	rules []rule
	calls []Call
}

func NewRunner() *Runner {
	return &Runner{}
}

// On registers a handler for command lines starting with prefix.
func (r *Runner) On(prefix string, h Handler) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{prefix, h})
	return r
}

// Output registers a fixed stdout for prefix.
func (r *Runner) Output(prefix, out string) *Runner {
	return r.On(prefix, func(Call) ([]byte, error) { return []byte(out), nil })
}

// Fail registers a failing exit with stderr for prefix.
func (r *Runner) Fail(prefix, stderr string) *Runner {
	return r.On(prefix, func(c Call) ([]byte, error) {
		return nil, &helpers.CommandError{Name: c.Name, Args: c.Args, ExitCode: 1, Stderr: stderr}
	})
}

func (r *Runner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return r.dispatch(Call{Name: name, Args: args})
}

func (r *Runner) RunWithInput(ctx context.Context, input io.Reader, name string, args ...string) ([]byte, error) {
	var in []byte
	if input != nil {
		in, _ = ioutil.ReadAll(input)
	}
	return r.dispatch(Call{Name: name, Args: args, Input: string(in)})
}

func (r *Runner) dispatch(call Call) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	var (
		match   Handler
		longest = -1
	)
	line := call.Line()
	for _, rl := range r.rules {
		if strings.HasPrefix(line, rl.prefix) && len(rl.prefix) > longest {
			match, longest = rl.handler, len(rl.prefix)
		}
	}
	r.mu.Unlock()

	if match == nil {
		return nil, nil
	}
	return match(call)
}

// Calls returns a copy of all recorded calls.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Lines returns the recorded calls whose command line starts with prefix.
func (r *Runner) Lines(prefix string) []string {
	var out []string
	for _, c := range r.Calls() {
		if line := c.Line(); strings.HasPrefix(line, prefix) {
			out = append(out, line)
		}
	}
	return out
}

// LastInput returns the stdin of the most recent call starting with prefix.
func (r *Runner) LastInput(prefix string) string {
	calls := r.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if strings.HasPrefix(calls[i].Line(), prefix) {
			return calls[i].Input
		}
	}
	return ""
}
