package offload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyRunning is returned by Start while a worker is alive.
	ErrAlreadyRunning = errors.New("worker already running")
	// ErrExecutableNotFound means the worker executable is missing; the
	// supervisor will not try to start it again.
	ErrExecutableNotFound = errors.New("worker executable not found")
)

// State is the lifecycle state of the supervised worker.
type State int

const (
	StateUnstarted State = iota
	StateRunning
	StateExiting
	StateTerminated
	StateRestartPending
	StateTerminalFailure
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateRunning:
		return "running"
	case StateExiting:
		return "exiting"
	case StateTerminated:
		return "terminated"
	case StateRestartPending:
		return "restart-pending"
	case StateTerminalFailure:
		return "terminal-failure"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SupervisorConfig holds configuration for creating a Supervisor
type SupervisorConfig struct {
	Launcher Launcher

	Runtime     string
	RuntimeArgs []string
	WorkerArgs  []string
	// Env is added to the supervisor's own environment for every spawn.
	Env []string

	// StopGracePeriod is how long Stop waits after SIGTERM before killing
	// the worker. Zero means never kill.
	StopGracePeriod time.Duration
	// RestartDelay postpones respawning after an unexpected exit. Zero
	// restarts immediately.
	RestartDelay time.Duration

	Log     *zap.SugaredLogger
	Metrics *Metrics

	// OnSpawn is called after every successful spawn. restart is true when
	// the supervisor respawned a worker that exited on its own. spawnID is
	// also passed to the worker in its environment.
	OnSpawn func(spawnID string, p Process, restart bool)
	// OnTerminal is called once when the worker can no longer be run.
	OnTerminal func(err error)
}

type workerRun struct {
	proc   Process
	output []*logWriter
	exited chan struct{}
}

// Supervisor owns the worker process lifecycle: it spawns the worker,
// watches it exit and decides whether to restart it.
type Supervisor struct {
	cfg SupervisorConfig
	log *zap.SugaredLogger

	mu            sync.Mutex
	state         State
	path          string
	current       *workerRun
	stopped       bool
	fatal         bool
	terminalFired bool
}

// NewSupervisor creates a Supervisor with the given config
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Launcher == nil {
		cfg.Launcher = ExecLauncher{}
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	return &Supervisor{
		cfg: cfg,
		log: cfg.Log,
	}
}

// Start spawns the worker at path.
func (s *Supervisor) Start(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving worker path %s: %w", path, err)
	}

	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if s.fatal {
		s.mu.Unlock()
		return ErrExecutableNotFound
	}
	s.path = abs
	s.stopped = false
	after, err := s.spawnLocked(false)
	s.mu.Unlock()

	after()
	return err
}

// spawnLocked launches the worker. The returned func must be called once
// the lock is released.
func (s *Supervisor) spawnLocked(restart bool) (func(), error) {
	spawnID := uuid.NewString()
	spec := s.launchSpec(spawnID)
	proc, err := s.cfg.Launcher.Launch(spec)
	if err != nil {
		s.current = nil
		s.state = StateTerminalFailure
		if isExecutableNotFound(err, spec.Executable()) {
			s.fatal = true
			err = fmt.Errorf("%w: %v", ErrExecutableNotFound, err)
		} else {
			err = fmt.Errorf("spawning worker %s: %w", s.path, err)
		}
		s.log.Errorw("failed to spawn worker", "path", s.path, "error", err)
		return s.terminalLocked(err), err
	}

	r := &workerRun{proc: proc, exited: make(chan struct{})}
	for _, w := range []io.Writer{spec.Stdout, spec.Stderr} {
		if lw, ok := w.(*logWriter); ok {
			r.output = append(r.output, lw)
		}
	}
	s.current = r
	s.state = StateRunning
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordSpawn(restart)
	}
	s.log.Infow("worker started", "path", s.path, "pid", proc.Pid(), "spawn_id", spawnID, "restart", restart)

	go s.watch(r)

	onSpawn := s.cfg.OnSpawn
	return func() {
		if onSpawn != nil {
			onSpawn(spawnID, proc, restart)
		}
	}, nil
}

func (s *Supervisor) launchSpec(spawnID string) LaunchSpec {
	env := append(os.Environ(), s.cfg.Env...)
	env = append(env,
		EnvWorkerMode+"=1",
		EnvSpawnID+"="+spawnID,
		EnvSupervisor+"="+strconv.Itoa(os.Getpid()),
	)
	return LaunchSpec{
		Path:        s.path,
		Runtime:     s.cfg.Runtime,
		RuntimeArgs: s.cfg.RuntimeArgs,
		Args:        s.cfg.WorkerArgs,
		Dir:         filepath.Dir(s.path),
		Env:         env,
		Stdout:      newLogWriter(s.log.Named("stdout")),
		Stderr:      newLogWriter(s.log.Named("stderr")),
	}
}

func (s *Supervisor) terminalLocked(err error) func() {
	if s.terminalFired || s.cfg.OnTerminal == nil {
		return func() {}
	}
	s.terminalFired = true
	cb := s.cfg.OnTerminal
	return func() { cb(err) }
}

func (s *Supervisor) watch(r *workerRun) {
	code, err := r.proc.Wait()
	if err != nil {
		s.log.Warnw("waiting for worker failed", "pid", r.proc.Pid(), "error", err)
	}
	for _, w := range r.output {
		w.Flush()
	}
	close(r.exited)
	s.handleExit(r, code)
}

func (s *Supervisor) handleExit(r *workerRun, code int) {
	s.mu.Lock()
	if s.current != nil && s.current != r {
		// a newer worker was started after this one was stopped
		s.mu.Unlock()
		return
	}
	s.current = nil

	if s.stopped {
		s.state = StateTerminated
		s.mu.Unlock()
		s.log.Infow("worker stopped", "pid", r.proc.Pid(), "code", code)
		return
	}

	switch {
	case code == OrphanExitCode:
		s.log.Warnw("worker exited as orphan, restarting", "pid", r.proc.Pid())
	case s.fatal:
		s.state = StateTerminalFailure
		after := s.terminalLocked(ErrExecutableNotFound)
		s.mu.Unlock()
		after()
		return
	default:
		s.log.Warnw("worker exited, restarting", "pid", r.proc.Pid(), "code", code)
	}

	s.state = StateRestartPending
	if s.cfg.RestartDelay > 0 {
		time.AfterFunc(s.cfg.RestartDelay, s.restartAfterDelay)
		s.mu.Unlock()
		return
	}
	after, _ := s.spawnLocked(true)
	s.mu.Unlock()
	after()
}

func (s *Supervisor) restartAfterDelay() {
	s.mu.Lock()
	if s.stopped || s.state != StateRestartPending {
		s.mu.Unlock()
		return
	}
	after, _ := s.spawnLocked(true)
	s.mu.Unlock()
	after()
}

// Stop terminates the worker and disables restarts. It is safe to call
// repeatedly and with no worker running. The returned channel is closed
// once the stopped worker has exited.
func (s *Supervisor) Stop() <-chan struct{} {
	s.mu.Lock()
	s.stopped = true
	r := s.current
	s.current = nil
	if r == nil {
		if s.state == StateRestartPending || s.state == StateRunning {
			s.state = StateTerminated
		}
		s.mu.Unlock()
		done := make(chan struct{})
		close(done)
		return done
	}
	s.state = StateExiting
	s.mu.Unlock()

	if err := r.proc.Signal(syscall.SIGTERM); err != nil {
		s.log.Warnw("failed to signal worker", "pid", r.proc.Pid(), "error", err)
	}

	if grace := s.cfg.StopGracePeriod; grace > 0 {
		go func() {
			select {
			case <-r.exited:
			case <-time.After(grace):
				s.log.Warnw("worker ignored SIGTERM, killing", "pid", r.proc.Pid())
				if err := r.proc.Kill(); err != nil {
					s.log.Warnw("failed to kill worker", "pid", r.proc.Pid(), "error", err)
				}
			}
		}()
	}
	return r.exited
}

// State returns the current lifecycle state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running reports whether a live worker handle is held.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Pid returns the pid of the live worker, or 0.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return 0
	}
	return s.current.proc.Pid()
}

// Path returns the worker entry point given to Start.
func (s *Supervisor) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// maxLogLine caps how much unterminated output is buffered before it is
// logged as a line of its own.
const maxLogLine = 64 * 1024

// logWriter forwards a worker's output to the supervisor's logger line by line.
type logWriter struct {
	mu  sync.Mutex
	log *zap.SugaredLogger
	buf []byte
}

func newLogWriter(log *zap.SugaredLogger) *logWriter {
	return &logWriter{log: log}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) >= maxLogLine {
		w.emit(w.buf[:maxLogLine])
		w.buf = w.buf[maxLogLine:]
	}
	if len(w.buf) == 0 {
		w.buf = nil
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emit(w.buf)
	w.buf = nil
}

func (w *logWriter) emit(line []byte) {
	if s := string(bytes.TrimRight(line, "\r")); s != "" {
		w.log.Info(s)
	}
}
