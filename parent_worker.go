package offload

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ParentWorker is the host side of a connection: it supervises one worker
// process and exchanges calls with it.
type ParentWorker struct {
	cfg ParentWorkerConfig
	log *zap.SugaredLogger

	codec    Codec
	engine   *Engine
	sup      *Supervisor
	metrics  *Metrics
	registry *WorkerRegistry

	terminal chan error
	outbox   chan packedEnvelope
	done     chan struct{}

	mu        sync.Mutex
	link      *socketLink
	spawnID   string
	helloID   string
	ready     chan struct{}
	restarts  int
	closed    bool
	closeOnce sync.Once
}

// ParentWorkerConfig holds configuration for creating a ParentWorker
type ParentWorkerConfig struct {
	// Name identifies the worker in the registry.
	Name string

	Host  string
	Port  int
	Codec string

	Runtime     string
	RuntimeArgs []string
	WorkerArgs  []string

	StopGracePeriod time.Duration
	RestartDelay    time.Duration
	ReadyTimeout    time.Duration

	// Handlers are the functions the worker may call on the host.
	Handlers []Registration

	Launcher      Launcher
	Registry      *WorkerRegistry
	Log           *zap.SugaredLogger
	EnableMetrics bool

	OnPendingChanged func(pending []string)
	// OnTerminal is called once if the worker can no longer be started.
	// The error is also delivered on TerminalErrors.
	OnTerminal func(err error)
}

// ParentWorkerConfigFrom fills a ParentWorkerConfig from loaded configuration
func ParentWorkerConfigFrom(c *Config) ParentWorkerConfig {
	return ParentWorkerConfig{
		Host:            c.Host,
		Port:            c.Port,
		Codec:           c.Codec,
		Runtime:         c.Runtime,
		RuntimeArgs:     c.RuntimeArgs,
		StopGracePeriod: c.StopGracePeriod,
		RestartDelay:    c.RestartDelay,
		ReadyTimeout:    c.ReadyTimeout,
	}
}

// NewParentWorker creates a new ParentWorker with the given config
func NewParentWorker(config ParentWorkerConfig) (*ParentWorker, error) {
	if config.Name == "" {
		config.Name = "worker"
	}
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = 5 * time.Second
	}
	if config.Log == nil {
		config.Log = zap.NewNop().Sugar()
	}

	codec, err := NewCodec(config.Codec)
	if err != nil {
		return nil, err
	}
	if config.Port == 0 {
		port, err := findFreePort(config.Host)
		if err != nil {
			return nil, err
		}
		config.Port = port
	}

	pw := &ParentWorker{
		cfg:      config,
		log:      config.Log,
		codec:    codec,
		registry: config.Registry,
		terminal: make(chan error, 1),
		outbox:   make(chan packedEnvelope, 64),
		done:     make(chan struct{}),
	}
	if config.EnableMetrics {
		pw.metrics = NewMetrics(0)
	}

	opts := []EngineOption{
		WithLogger(pw.log.Named("engine")),
		WithCodec(codec),
	}
	if pw.metrics != nil {
		opts = append(opts, WithMetrics(pw.metrics))
	}
	if config.OnPendingChanged != nil {
		opts = append(opts, OnPendingChanged(config.OnPendingChanged))
	}
	pw.engine = NewEngine(pw, opts...)
	pw.engine.RegisterAll(config.Handlers)

	pw.sup = NewSupervisor(SupervisorConfig{
		Launcher:    config.Launcher,
		Runtime:     config.Runtime,
		RuntimeArgs: config.RuntimeArgs,
		WorkerArgs:  config.WorkerArgs,
		Env: []string{
			EnvHost + "=" + config.Host,
			EnvPort + "=" + strconv.Itoa(config.Port),
			EnvCodec + "=" + codec.Name(),
		},
		StopGracePeriod: config.StopGracePeriod,
		RestartDelay:    config.RestartDelay,
		Log:             pw.log.Named("supervisor"),
		Metrics:         pw.metrics,
		OnSpawn:         pw.onSpawn,
		OnTerminal:      pw.onTerminal,
	})

	return pw, nil
}

// Start binds the link and spawns the worker at path. It waits up to
// ReadyTimeout for the worker to connect; a slow worker is not an error.
func (pw *ParentWorker) Start(path string) error {
	pw.mu.Lock()
	if pw.closed {
		pw.mu.Unlock()
		return errors.New("parent worker is closed")
	}
	if pw.link == nil {
		endpoint := "tcp://" + net.JoinHostPort(pw.cfg.Host, strconv.Itoa(pw.cfg.Port))
		link, err := listenLink(endpoint, pw.codec, pw.log.Named("link"))
		if err != nil {
			pw.mu.Unlock()
			return err
		}
		pw.link = link
		go link.serve(pw.engine.Dispatch, pw.onHello)
		go pw.writeLoop()
	}
	pw.mu.Unlock()

	if err := pw.sup.Start(path); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	if err := pw.waitReady(pw.cfg.ReadyTimeout); err != nil {
		pw.log.Warnw("worker has not connected yet", "path", path, "error", err)
	}
	return nil
}

func (pw *ParentWorker) onSpawn(spawnID string, p Process, restart bool) {
	pw.mu.Lock()
	if restart {
		pw.restarts++
	}
	pw.spawnID = spawnID
	pw.ready = make(chan struct{})
	if pw.helloID == spawnID {
		close(pw.ready)
	}
	restarts := pw.restarts
	pw.mu.Unlock()

	if pw.registry != nil {
		err := pw.registry.Put(pw.cfg.Name, WorkerInfo{
			Path:          pw.sup.Path(),
			PID:           p.Pid(),
			SupervisorPID: os.Getpid(),
			Port:          pw.cfg.Port,
			Codec:         pw.codec.Name(),
			StartTime:     time.Now(),
			Restarts:      restarts,
		})
		if err != nil {
			pw.log.Warnw("failed to update worker registry", "error", err)
		}
	}
}

func (pw *ParentWorker) onHello(spawnID string) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	pw.helloID = spawnID
	if spawnID == pw.spawnID && pw.ready != nil {
		select {
		case <-pw.ready:
		default:
			close(pw.ready)
		}
	}
	pw.log.Debugw("worker connected", "spawn_id", spawnID)
}

func (pw *ParentWorker) onTerminal(err error) {
	select {
	case pw.terminal <- err:
	default:
	}
	if pw.cfg.OnTerminal != nil {
		pw.cfg.OnTerminal(err)
	}
}

// waitReady blocks until the current worker has connected.
func (pw *ParentWorker) waitReady(timeout time.Duration) error {
	pw.mu.Lock()
	ready := pw.ready
	pw.mu.Unlock()
	if ready == nil {
		return ErrNoPeer
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-pw.done:
		return errLinkClosed
	case <-timer.C:
		return fmt.Errorf("worker did not connect within %s", timeout)
	}
}

// writeLoop sends queued envelopes once the current worker is connected,
// so Call never waits for a worker that is still starting.
func (pw *ParentWorker) writeLoop() {
	for {
		select {
		case <-pw.done:
			return
		case p := <-pw.outbox:
			if err := pw.waitReady(pw.cfg.ReadyTimeout); err != nil {
				pw.log.Warnw("dropping envelope, worker not connected", "message", p.message, "id", p.id, "error", err)
				continue
			}
			if err := pw.link.sendPacked(p); err != nil {
				pw.log.Errorw("failed to send envelope", "message", p.message, "id", p.id, "error", err)
			}
		}
	}
}

// Send encodes env and queues it for the worker. Encoding errors are
// returned here so the engine can reject the call or reply with the
// error. It implements Binding.
func (pw *ParentWorker) Send(env *Envelope) error {
	select {
	case <-pw.done:
		return errLinkClosed
	default:
	}
	data, err := Pack(pw.codec, env)
	if err != nil {
		return err
	}
	select {
	case pw.outbox <- packedEnvelope{message: env.Message, id: env.ID, data: data}:
		return nil
	case <-pw.done:
		return errLinkClosed
	}
}

// Connected reports whether a live worker process is held. It implements Binding.
func (pw *ParentWorker) Connected() bool {
	return pw.sup.Running()
}

// Call calls a function on the worker
func (pw *ParentWorker) Call(name string, payload any) *Future {
	return pw.engine.Call(name, payload)
}

// Register exposes a host function to the worker
func (pw *ParentWorker) Register(name string, h Handler) {
	pw.engine.Register(name, h)
}

// Engine returns the correlation engine for typed stubs and handlers
func (pw *ParentWorker) Engine() *Engine {
	return pw.engine
}

// Stop terminates the worker without restarting it. The link stays open
// so Start can be called again.
func (pw *ParentWorker) Stop() <-chan struct{} {
	done := pw.sup.Stop()
	if pw.registry != nil {
		if err := pw.registry.Remove(pw.cfg.Name); err != nil {
			pw.log.Warnw("failed to update worker registry", "error", err)
		}
	}
	return done
}

// Close stops the worker, waits for it to exit and releases the link
func (pw *ParentWorker) Close() error {
	var err error
	pw.closeOnce.Do(func() {
		exited := pw.Stop()
		wait := pw.cfg.StopGracePeriod + time.Second
		select {
		case <-exited:
		case <-time.After(wait):
			pw.log.Warnw("worker still running after stop", "waited", wait)
		}

		pw.mu.Lock()
		pw.closed = true
		link := pw.link
		pw.mu.Unlock()

		close(pw.done)
		if link != nil {
			err = link.Close()
		}
	})
	return err
}

// State returns the worker lifecycle state
func (pw *ParentWorker) State() State {
	return pw.sup.State()
}

// Pid returns the live worker's pid, or 0
func (pw *ParentWorker) Pid() int {
	return pw.sup.Pid()
}

// Port returns the link port
func (pw *ParentWorker) Port() int {
	return pw.cfg.Port
}

// Metrics returns the metrics collector, or nil when disabled
func (pw *ParentWorker) Metrics() *Metrics {
	return pw.metrics
}

// TerminalErrors delivers the error that made the worker unrunnable
func (pw *ParentWorker) TerminalErrors() <-chan error {
	return pw.terminal
}
