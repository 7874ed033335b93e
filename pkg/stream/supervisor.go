package stream

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/linuxplay/pkg/logging"
)

var (
	// ErrRunning is returned when a session is started twice without a stop
	ErrRunning = errors.New("stream session already running")
	// ErrNotRunning is returned by Replace without a running session
	ErrNotRunning = errors.New("no stream session running")
)

const (
	DefaultGrace       = 1500 * time.Millisecond
	DefaultJoinTimeout = 2 * time.Second
)

// Failure is reported when a worker exits while it should be running
type Failure struct {
	Generation uint64
	Worker     string
	ExitCode   int
	Err        error
}

func (f Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s exited (code=%d): %v", f.Worker, f.ExitCode, f.Err)
	}
	return fmt.Sprintf("%s exited (code=%d)", f.Worker, f.ExitCode)
}

// Worker is one supervised subprocess
type Worker struct {
	Spec Spec

	seq     uint64
	proc    Process
	running atomic.Bool
	done    chan struct{}
	err     error
}

// Running reports whether the worker is expected to be alive
func (w *Worker) Running() bool { return w.running.Load() }

// Done is closed once the process has been reaped
func (w *Worker) Done() <-chan struct{} { return w.done }

type exitEvent struct {
	w   *Worker
	err error
}

// Supervisor runs the set of workers belonging to the current session.
// Exits are observed by one blocking Wait per worker; an exit while the
// worker is still flagged running becomes a single Failure per generation.
type Supervisor struct {
	launcher    Launcher
	grace       time.Duration
	joinTimeout time.Duration

	mu       sync.Mutex
	workers  []*Worker
	gen      uint64
	launches uint64
	onFatal  func(Failure)

	// hooks for metrics. seq numbers every launch so a late exit of a
	// replaced worker can be told apart from its successor's.
	OnWorkerStart func(name string, seq uint64)
	OnWorkerExit  func(name string, seq uint64, unexpected bool)
}

// NewSupervisor returns a supervisor using launcher. Zero durations take
// the defaults.
func NewSupervisor(launcher Launcher, grace, joinTimeout time.Duration) *Supervisor {
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	if joinTimeout <= 0 {
		joinTimeout = DefaultJoinTimeout
	}
	return &Supervisor{launcher: launcher, grace: grace, joinTimeout: joinTimeout}
}

// OnFatal registers the failure callback. It runs on a supervisor goroutine
// and may block; it must not call StartSession synchronously while holding
// locks the supervisor's caller also holds.
func (s *Supervisor) OnFatal(fn func(Failure)) {
	s.mu.Lock()
	s.onFatal = fn
	s.mu.Unlock()
}

// Running reports whether a session is active
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers != nil
}

// Generation returns the id of the most recent StartSession
func (s *Supervisor) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// StartSession launches one worker per spec and returns the generation the
// workers belong to. If any launch fails the ones already started are
// stopped and the error returned.
func (s *Supervisor) StartSession(specs []Spec) (uint64, error) {
	s.mu.Lock()
	if s.workers != nil {
		s.mu.Unlock()
		return 0, ErrRunning
	}
	s.gen++
	gen := s.gen
	onFatal := s.onFatal

	events := make(chan exitEvent, len(specs))
	workers := make([]*Worker, 0, len(specs))
	for _, spec := range specs {
		proc, err := s.launcher.Start(spec)
		if err != nil {
			s.mu.Unlock()
			s.stopWorkers(workers)
			return 0, fmt.Errorf("launch %s: %w", spec.Name, err)
		}
		s.launches++
		w := &Worker{Spec: spec, seq: s.launches, proc: proc, done: make(chan struct{})}
		w.running.Store(true)
		workers = append(workers, w)
		go waitWorker(w, events)
		logging.Logf("[stream] started %s (pid=%d gen=%d)", spec.Name, proc.Pid(), gen)
		if s.OnWorkerStart != nil {
			s.OnWorkerStart(spec.Name, w.seq)
		}
	}
	s.workers = workers
	s.mu.Unlock()

	go s.watch(gen, len(workers), events, onFatal)
	return gen, nil
}

func waitWorker(w *Worker, events chan<- exitEvent) {
	err := w.proc.Wait()
	w.err = err
	close(w.done)
	events <- exitEvent{w: w, err: err}
}

// watch consumes exactly n exit events for generation gen
func (s *Supervisor) watch(gen uint64, n int, events <-chan exitEvent, onFatal func(Failure)) {
	reported := false
	for i := 0; i < n; i++ {
		ev := <-events
		unexpected := ev.w.running.Load()
		if s.OnWorkerExit != nil {
			s.OnWorkerExit(ev.w.Spec.Name, ev.w.seq, unexpected)
		}
		if !unexpected {
			logging.Debugf("[stream] %s stopped (gen=%d)", ev.w.Spec.Name, gen)
			continue
		}
		ev.w.running.Store(false)
		f := Failure{Generation: gen, Worker: ev.w.Spec.Name, ExitCode: ExitCode(ev.err), Err: ev.err}
		logging.Logf("[stream] worker failed: %v (gen=%d)", f, gen)
		if !reported && onFatal != nil {
			reported = true
			onFatal(f)
		}
	}
}

// Replace stops the running worker named spec.Name and launches spec in
// its place, inside the current generation. The other workers are left
// alone. A launch failure drops the worker from the session and is
// returned.
func (s *Supervisor) Replace(spec Spec) error {
	s.mu.Lock()
	old := s.findLocked(spec.Name)
	if old == nil {
		s.mu.Unlock()
		return fmt.Errorf("replace %s: %w", spec.Name, ErrNotRunning)
	}
	old.running.Store(false)
	s.mu.Unlock()

	s.stopWorker(old)

	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, w := range s.workers {
		if w == old {
			idx = i
		}
	}
	if idx < 0 {
		// the session was stopped while old was shutting down
		return fmt.Errorf("replace %s: %w", spec.Name, ErrNotRunning)
	}
	proc, err := s.launcher.Start(spec)
	if err != nil {
		s.workers = append(s.workers[:idx:idx], s.workers[idx+1:]...)
		return fmt.Errorf("launch %s: %w", spec.Name, err)
	}
	s.launches++
	w := &Worker{Spec: spec, seq: s.launches, proc: proc, done: make(chan struct{})}
	w.running.Store(true)
	s.workers[idx] = w

	events := make(chan exitEvent, 1)
	go waitWorker(w, events)
	logging.Logf("[stream] restarted %s (pid=%d gen=%d)", spec.Name, proc.Pid(), s.gen)
	if s.OnWorkerStart != nil {
		s.OnWorkerStart(spec.Name, w.seq)
	}
	go s.watch(s.gen, 1, events, s.onFatal)
	return nil
}

func (s *Supervisor) findLocked(name string) *Worker {
	for _, w := range s.workers {
		if w.Spec.Name == name {
			return w
		}
	}
	return nil
}

// StopSession stops every worker of the current session. It is idempotent:
// the worker list is detached under the lock so concurrent or repeated
// calls signal each process at most once.
func (s *Supervisor) StopSession() {
	s.mu.Lock()
	workers := s.workers
	s.workers = nil
	s.mu.Unlock()
	s.stopWorkers(workers)
}

func (s *Supervisor) stopWorkers(workers []*Worker) {
	if len(workers) == 0 {
		return
	}
	for _, w := range workers {
		w.running.Store(false)
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			s.stopWorker(w)
		}(w)
	}

	joined := make(chan struct{})
	go func() {
		wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(s.joinTimeout):
		logging.Logf("[stream] stop did not complete within %v, abandoning %d workers", s.joinTimeout, len(workers))
	}
}

func (s *Supervisor) stopWorker(w *Worker) {
	select {
	case <-w.done:
		return
	default:
	}
	if err := w.proc.Signal(syscall.SIGTERM); err != nil {
		logging.Debugf("[stream] SIGTERM %s: %v", w.Spec.Name, err)
	}
	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-w.done:
		return
	case <-timer.C:
	}
	logging.Logf("[stream] %s ignored SIGTERM for %v, killing", w.Spec.Name, s.grace)
	if err := w.proc.Kill(); err != nil {
		logging.Debugf("[stream] kill %s: %v", w.Spec.Name, err)
	}
	<-w.done
}
