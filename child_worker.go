package offload

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ChildWorker is the worker side of a connection. It dials the supervisor
// that launched it, serves the registered functions and may call back into
// the host. It exits with OrphanExitCode once the supervisor is gone.
type ChildWorker struct {
	cfg *Config
	log *zap.SugaredLogger

	codec  Codec
	engine *Engine
	alive  func() bool
	// exit terminates the process when the supervisor is lost.
	exit func(code int)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	link     *socketLink
	running  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// NewChildWorker creates a worker from configuration read from the
// environment the supervisor set up.
func NewChildWorker(cfg *Config, log *zap.SugaredLogger, regs ...Registration) (*ChildWorker, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &ChildWorker{
		cfg:    cfg,
		log:    log,
		codec:  codec,
		alive:  supervisorAlive(cfg.SupervisorPID),
		exit:   os.Exit,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.engine = NewEngine(w,
		WithLogger(log.Named("engine")),
		WithCodec(codec),
		WithHandlerContext(ctx),
	)
	w.engine.RegisterAll(regs)
	return w, nil
}

// Start connects to the supervisor and begins serving calls
func (w *ChildWorker) Start() error {
	if err := w.cfg.ValidateForWorker(); err != nil {
		return err
	}
	if w.running.Load() {
		return ErrAlreadyRunning
	}

	endpoint := "tcp://" + net.JoinHostPort(w.cfg.Host, strconv.Itoa(w.cfg.Port))
	link, err := dialLink(endpoint, w.codec, w.log.Named("link"))
	if err != nil {
		return fmt.Errorf("link setup failed: %w", err)
	}

	w.mu.Lock()
	w.link = link
	w.mu.Unlock()
	w.running.Store(true)

	go link.serve(w.engine.Dispatch, nil)

	if err := w.hello(link); err != nil {
		w.Stop()
		return err
	}

	monitor := &LivenessMonitor{
		Interval:  w.cfg.LivenessInterval,
		Connected: w.Connected,
		Exit:      w.exit,
		Log:       w.log.Named("liveness"),
	}
	go monitor.Run(w.ctx)

	w.log.Infow("worker connected", "endpoint", endpoint, "spawn_id", w.cfg.SpawnID, "functions", w.engine.Responders())
	return nil
}

// hello announces this spawn to the supervisor, retrying while the
// connection is still being established.
func (w *ChildWorker) hello(link *socketLink) error {
	var err error
	for attempt := 0; attempt < 50; attempt++ {
		if err = link.sendHello(w.cfg.SpawnID); err == nil {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("failed to announce worker: %w", err)
}

// Send delivers env to the supervisor. It implements Binding.
func (w *ChildWorker) Send(env *Envelope) error {
	w.mu.Lock()
	link := w.link
	w.mu.Unlock()
	if link == nil {
		return ErrNoPeer
	}
	return link.sendEnvelope(env)
}

// Connected reports whether the link is open and the supervisor is still
// alive. It implements Binding.
func (w *ChildWorker) Connected() bool {
	w.mu.Lock()
	link := w.link
	w.mu.Unlock()
	return link != nil && !link.Closed() && w.alive()
}

// Call calls a function registered on the host
func (w *ChildWorker) Call(name string, payload any) *Future {
	return w.engine.Call(name, payload)
}

// Register exposes a worker function to the host
func (w *ChildWorker) Register(name string, h Handler) {
	w.engine.Register(name, h)
}

// Engine returns the correlation engine for typed stubs and handlers
func (w *ChildWorker) Engine() *Engine {
	return w.engine
}

// Stop closes the link and cancels running handlers
func (w *ChildWorker) Stop() {
	w.stopOnce.Do(func() {
		w.running.Store(false)
		w.cancel()

		w.mu.Lock()
		link := w.link
		w.mu.Unlock()
		if link != nil {
			if err := link.Close(); err != nil {
				w.log.Debugw("closing link", "error", err)
			}
		}
		close(w.done)
	})
}

// Run starts the worker and blocks until it is stopped or receives
// SIGINT or SIGTERM.
func (w *ChildWorker) Run() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := w.Start(); err != nil {
		return err
	}

	select {
	case sig := <-sigChan:
		w.log.Infow("received signal, shutting down", "signal", sig.String())
	case <-w.done:
	}
	w.Stop()
	_ = w.log.Sync()
	return nil
}

// IsRunning returns whether the worker is running
func (w *ChildWorker) IsRunning() bool {
	return w.running.Load()
}

// Done returns a channel that closes when the worker stops
func (w *ChildWorker) Done() <-chan struct{} {
	return w.done
}
