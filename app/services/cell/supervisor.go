package cell

import (
	"io"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Strum355/log"
	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/2a46m4/kawakaze/app/metrics"
	"github.com/2a46m4/kawakaze/app/models/container"
	"github.com/2a46m4/kawakaze/app/repositories/jail"
)

// RestartConfig shapes the delays between restarts of a main process.
type RestartConfig struct {
	Initial time.Duration
	Max     time.Duration
	// A process that stayed up this long restarts after Initial again
	Reset time.Duration
}

func (r RestartConfig) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.Initial
	b.MaxInterval = r.Max
	b.Multiplier = 2
	// no jitter, so delays strictly increase up to the cap
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func shouldRestart(policy container.RestartPolicy, code int) bool {
	switch policy {
	case container.RestartAlways:
		return true
	case container.RestartOnFailure:
		return code != 0
	}
	return false
}

// supervisor watches the main process of one running container and restarts
// it according to the restart policy. exited is called on every exit the
// supervisor did not cause itself and must not block.
type supervisor struct {
	id     string
	policy container.RestartPolicy
	spawn  func() (jail.Process, error)
	exited func(s *supervisor, code int, restarting bool)
	output io.Closer

	restart RestartConfig
	backoff *backoff.ExponentialBackOff

	mu      sync.Mutex
	proc    jail.Process
	started time.Time
	paused  bool
	resumed chan struct{}
	delays  []time.Duration

	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newSupervisor(id string, policy container.RestartPolicy, restart RestartConfig, spawn func() (jail.Process, error), exited func(*supervisor, int, bool)) *supervisor {
	return &supervisor{
		id:       id,
		policy:   policy,
		spawn:    spawn,
		exited:   exited,
		restart:  restart,
		backoff:  restart.backOff(),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// start launches the first process. Spawn errors are returned and nothing
// is left running.
func (s *supervisor) start() error {
	p, err := s.spawn()
	if err != nil {
		if s.output != nil {
			s.output.Close()
		}
		close(s.done)
		return err
	}
	s.setProcess(p)
	go s.run()
	return nil
}

func (s *supervisor) setProcess(p jail.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proc = p
	s.started = time.Now()
}

func (s *supervisor) process() jail.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

func (s *supervisor) uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.started)
}

func (s *supervisor) stopped() bool {
	select {
	case <-s.stopping:
		return true
	default:
		return false
	}
}

// Delays returns the restart delays used so far.
func (s *supervisor) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func (s *supervisor) run() {
	defer close(s.done)
	defer func() {
		if s.output != nil {
			s.output.Close()
		}
	}()

	fields := log.Fields{
		"container": s.id,
		"policy":    s.policy,
	}

	for {
		p := s.process()
		code, err := p.Wait()
		if err != nil {
			log.WithError(err).WithFields(fields).Error("failed waiting on main process")
		}
		if s.stopped() {
			return
		}

		restart := shouldRestart(s.policy, code)
		log.WithFields(log.Fields{
			"container":  s.id,
			"policy":     s.policy,
			"exit_code":  code,
			"restarting": restart,
		}).Info("main process exited")
		s.exited(s, code, restart)
		if !restart {
			return
		}

		if s.uptime() >= s.restart.Reset {
			s.backoff.Reset()
		}
		delay := s.backoff.NextBackOff()
		s.mu.Lock()
		s.delays = append(s.delays, delay)
		s.mu.Unlock()

		select {
		case <-time.After(delay):
		case <-s.stopping:
			return
		}
		if !s.waitResumed() {
			return
		}

		next, err := s.spawn()
		if err != nil {
			log.WithError(err).WithFields(fields).Error("failed to restart main process")
			s.exited(s, -1, false)
			return
		}
		s.setProcess(next)
		metrics.CellRestarts.Inc()

		if s.stopped() {
			next.Signal(syscall.SIGKILL)
		}
	}
}

// waitResumed blocks while paused. It returns false when stopped.
func (s *supervisor) waitResumed() bool {
	for {
		s.mu.Lock()
		paused, resumed := s.paused, s.resumed
		s.mu.Unlock()
		if !paused {
			return !s.stopped()
		}
		select {
		case <-resumed:
		case <-s.stopping:
			return false
		}
	}
}

func (s *supervisor) pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		s.paused = true
		s.resumed = make(chan struct{})
	}
}

func (s *supervisor) unpause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		s.paused = false
		close(s.resumed)
	}
}

// stop stands the supervisor down, then signals the main process and waits
// up to timeout before killing it.
func (s *supervisor) stop(sig syscall.Signal, timeout time.Duration) {
	s.stopOnce.Do(func() { close(s.stopping) })
	s.unpause()

	fields := log.Fields{
		"container": s.id,
		"signal":    sig.String(),
	}

	if p := s.process(); p != nil {
		if err := p.Signal(sig); err != nil {
			log.WithError(err).WithFields(fields).Debug("failed to signal main process")
		}
	}
	select {
	case <-s.done:
		return
	case <-time.After(timeout):
	}

	log.WithFields(fields).Info("main process ignored stop signal, killing")
	if p := s.process(); p != nil {
		p.Signal(syscall.SIGKILL)
	}
	select {
	case <-s.done:
	case <-time.After(timeout):
		log.WithFields(fields).Error("main process did not exit after SIGKILL")
	}
}

var signals = map[string]syscall.Signal{
	"HUP":  syscall.SIGHUP,
	"INT":  syscall.SIGINT,
	"QUIT": syscall.SIGQUIT,
	"KILL": syscall.SIGKILL,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
	"TERM": syscall.SIGTERM,
	"STOP": syscall.SIGSTOP,
	"CONT": syscall.SIGCONT,
}

// ParseSignal accepts names with or without the SIG prefix and numbers.
// An empty name is SIGTERM.
func ParseSignal(name string) (syscall.Signal, error) {
	if name == "" {
		return syscall.SIGTERM, nil
	}
	if n, err := strconv.Atoi(name); err == nil && n > 0 && n < 128 {
		return syscall.Signal(n), nil
	}
	if sig, ok := signals[strings.TrimPrefix(strings.ToUpper(name), "SIG")]; ok {
		return sig, nil
	}
	return 0, errors.Errorf("unknown signal %q", name)
}
