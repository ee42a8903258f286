// Package progress records the steps of a background job so any number of
// observers can read them, from any point, while the job runs and after.
package progress

import (
	"context"
	"sync"
	"time"
)

type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

type Event struct {
	// Index of the event in its log, starting at 0
	Seq         int       `json:"seq"`
	Step        int       `json:"step"`
	Total       int       `json:"total"`
	Description string    `json:"description"`
	Percent     float64   `json:"percent"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	Time        time.Time `json:"time"`
}

// Log is append-only. Writers never block on readers: readers pull events
// out of the log at their own pace.
type Log struct {
	mu     sync.Mutex
	name   string
	events []Event
	done   bool
	notify chan struct{}
	final  chan struct{}
}

func NewLog(name string) *Log {
	return &Log{
		name:   name,
		notify: make(chan struct{}),
		final:  make(chan struct{}),
	}
}

func (l *Log) Name() string {
	return l.name
}

func (l *Log) append(ev Event) {
	if l.done {
		return
	}

	if n := len(l.events); n > 0 {
		last := l.events[n-1]
		if ev.Step < last.Step {
			ev.Step = last.Step
		}
		if ev.Percent < last.Percent {
			ev.Percent = last.Percent
		}
		if ev.Total == 0 {
			ev.Total = last.Total
		}
	}
	ev.Seq = len(l.events)
	ev.Time = time.Now().UTC()
	l.events = append(l.events, ev)

	close(l.notify)
	l.notify = make(chan struct{})
}

// Step records progress on step of total.
func (l *Log) Step(step, total int, description string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	percent := 0.0
	if total > 0 {
		percent = float64(step) / float64(total) * 100
	}
	l.append(Event{
		Step:        step,
		Total:       total,
		Description: description,
		Percent:     percent,
		Status:      StatusRunning,
	})
}

// Complete closes the log successfully.
func (l *Log) Complete(description string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	step := 0
	if n := len(l.events); n > 0 {
		step = l.events[n-1].Total
	}
	l.append(Event{
		Step:        step,
		Description: description,
		Percent:     100,
		Status:      StatusComplete,
	})
	l.finish()
}

// Fail closes the log with err.
func (l *Log) Fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := "failed"
	if err != nil {
		msg = err.Error()
	}
	l.append(Event{
		Description: "failed",
		Status:      StatusFailed,
		Error:       msg,
	})
	l.finish()
}

func (l *Log) finish() {
	if l.done {
		return
	}
	l.done = true
	close(l.final)
}

// Since returns the events starting at index from and whether the log is
// closed.
func (l *Log) Since(from int) ([]Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if from < 0 {
		from = 0
	}
	if from >= len(l.events) {
		return nil, l.done
	}
	out := make([]Event, len(l.events)-from)
	copy(out, l.events[from:])
	return out, l.done
}

// Last returns the most recent event.
func (l *Log) Last() (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.events) == 0 {
		return Event{}, false
	}
	return l.events[len(l.events)-1], true
}

// Done is closed once the log completes or fails.
func (l *Log) Done() <-chan struct{} {
	return l.final
}

// Wait blocks until the log is closed or ctx is done and returns the final
// event.
func (l *Log) Wait(ctx context.Context) (Event, error) {
	select {
	case <-l.final:
		ev, _ := l.Last()
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Subscribe streams events starting at index from. The channel closes after
// the final event or when ctx is done. Resubscribing from the last seen Seq
// plus one resumes without gaps.
func (l *Log) Subscribe(ctx context.Context, from int) <-chan Event {
	out := make(chan Event)

	go func() {
		defer close(out)
		next := from
		for {
			l.mu.Lock()
			notify := l.notify
			l.mu.Unlock()

			events, done := l.Since(next)
			for _, ev := range events {
				select {
				case out <- ev:
					next = ev.Seq + 1
				case <-ctx.Done():
					return
				}
			}
			if done {
				if more, _ := l.Since(next); len(more) == 0 {
					return
				}
				continue
			}
			if len(events) > 0 {
				continue
			}

			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Registry keeps logs by name so finished jobs can still be polled.
type Registry struct {
	mu   sync.RWMutex
	logs map[string]*Log
}

func NewRegistry() *Registry {
	return &Registry{logs: make(map[string]*Log)}
}

func (r *Registry) Put(l *Log) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs[l.Name()] = l
}

func (r *Registry) Get(name string) (*Log, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.logs[name]
	return l, ok
}
