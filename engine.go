package offload

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNoPeer is returned by calls issued while the other endpoint is not connected.
var ErrNoPeer = errors.New("no active peer")

// Binding is how an engine reaches the other side of its connection. The
// supervisor binds to its live worker; the worker binds to its parent.
type Binding interface {
	Send(env *Envelope) error
	Connected() bool
}

// Handler serves one named remote function. A returned error, or a panic,
// becomes a *RemoteError on the caller's side.
type Handler func(ctx context.Context, payload any) (any, error)

// Registration pairs a function name with its handler.
type Registration struct {
	Name    string
	Handler Handler
}

type callKey struct {
	message string
	id      string
}

type pendingCall struct {
	future  *Future
	started time.Time
}

// Engine correlates calls and replies for one connection. Both endpoints
// run the same engine; only the Binding differs.
type Engine struct {
	binding Binding
	codec   Codec
	log     *zap.SugaredLogger
	metrics *Metrics
	calls   *CallLog
	newID   func() string
	baseCtx context.Context

	mu         sync.Mutex
	pending    map[callKey]*pendingCall
	responders map[string]Handler
}

// EngineOption configures an Engine.
type EngineOption func(e *Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *zap.SugaredLogger) EngineOption {
	return func(e *Engine) {
		e.log = l
	}
}

// WithCodec sets the codec used to convert typed payloads.
func WithCodec(c Codec) EngineOption {
	return func(e *Engine) {
		e.codec = c
	}
}

// WithMetrics records call and handler outcomes into m.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// OnPendingChanged is invoked with the pending-call log after every change.
func OnPendingChanged(f func(pending []string)) EngineOption {
	return func(e *Engine) {
		e.calls = NewCallLog(f)
	}
}

// WithIDGenerator replaces the correlation id source.
func WithIDGenerator(f func() string) EngineOption {
	return func(e *Engine) {
		e.newID = f
	}
}

// WithHandlerContext sets the context handlers run under.
func WithHandlerContext(ctx context.Context) EngineOption {
	return func(e *Engine) {
		e.baseCtx = ctx
	}
}

// NewEngine creates an engine that talks through b.
func NewEngine(b Binding, opts ...EngineOption) *Engine {
	e := &Engine{
		binding:    b,
		codec:      msgpackCodec{},
		log:        zap.NewNop().Sugar(),
		calls:      NewCallLog(nil),
		newID:      uuid.NewString,
		baseCtx:    context.Background(),
		pending:    make(map[callKey]*pendingCall),
		responders: make(map[string]Handler),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Codec returns the codec used for typed payload conversion.
func (e *Engine) Codec() Codec {
	return e.codec
}

// Call invokes name on the other endpoint. It never blocks: the returned
// future settles when the matching reply is dispatched, or never.
func (e *Engine) Call(name string, payload any) *Future {
	if !e.binding.Connected() {
		e.log.Warnw("no peer connected, call not sent", "message", name)
		return rejectedFuture(fmt.Errorf("%w to receive message: %s", ErrNoPeer, name))
	}

	id := e.newID()
	key := callKey{message: name, id: id}
	f := newFuture()

	e.mu.Lock()
	e.pending[key] = &pendingCall{future: f, started: time.Now()}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.StartRequest()
	}
	e.calls.Push(name)

	if err := e.binding.Send(NewRequest(name, id, payload)); err != nil {
		e.mu.Lock()
		call := e.pending[key]
		delete(e.pending, key)
		e.mu.Unlock()
		e.calls.Remove(name)
		if e.metrics != nil && call != nil {
			e.metrics.EndRequest(call.started, false)
		}
		f.reject(fmt.Errorf("sending %s: %w", name, err))
	}
	return f
}

// Register binds name to h. The last registration for a name wins.
func (e *Engine) Register(name string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.responders[name]; exists {
		e.log.Debugw("replacing responder", "message", name)
	}
	e.responders[name] = h
}

// RegisterAll registers every entry of regs in order.
func (e *Engine) RegisterAll(regs []Registration) {
	for _, r := range regs {
		e.Register(r.Name, r.Handler)
	}
}

// Responders returns the registered function names.
func (e *Engine) Responders() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.responders))
	for name := range e.responders {
		names = append(names, name)
	}
	return names
}

// PendingCalls returns the number of calls awaiting a reply.
func (e *Engine) PendingCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// CallLog returns the pending-call log.
func (e *Engine) CallLog() *CallLog {
	return e.calls
}

// Dispatch routes one incoming envelope. It returns without waiting for
// handlers to finish.
func (e *Engine) Dispatch(env *Envelope) {
	if env.Request {
		e.processRequest(env)
	} else {
		e.processReply(env)
	}
}

func (e *Engine) processRequest(env *Envelope) {
	if err := env.Validate(); err != nil {
		e.log.Warnw("dropping invalid request", "error", err)
		return
	}

	e.mu.Lock()
	h, ok := e.responders[env.Message]
	e.mu.Unlock()
	if !ok {
		e.log.Warnw("no responder registered, dropping request", "message", env.Message, "id", env.ID)
		return
	}

	go e.respond(env, h)
}

func (e *Engine) respond(req *Envelope, h Handler) {
	result, rerr := e.invoke(req, h)

	var reply *Envelope
	if rerr != nil {
		reply = NewErrorReply(req.Message, req.ID, rerr)
	} else {
		reply = NewReply(req.Message, req.ID, result)
	}
	err := e.binding.Send(reply)
	if err != nil && rerr == nil {
		// the result could not be encoded or sent; the caller still gets a reply
		e.log.Warnw("reply not sent, replying with the error", "message", req.Message, "id", req.ID, "error", err)
		rerr = toRemoteError(req.Message, fmt.Errorf("sending reply: %w", err))
		err = e.binding.Send(NewErrorReply(req.Message, req.ID, rerr))
	}
	if e.metrics != nil {
		e.metrics.RecordHandled(rerr == nil)
	}
	if err != nil {
		e.log.Errorw("failed to send reply", "message", req.Message, "id", req.ID, "error", err)
	}
}

// invoke runs h and converts any failure, including a panic, to a RemoteError.
func (e *Engine) invoke(req *Envelope, h Handler) (result any, rerr *RemoteError) {
	defer func() {
		if p := recover(); p != nil {
			var msg string
			if err, ok := p.(error); ok {
				msg = err.Error()
			} else {
				msg = fmt.Sprint(p)
			}
			e.log.Errorw("responder panicked", "message", req.Message, "panic", msg)
			result = nil
			rerr = &RemoteError{
				Method:  req.Message,
				Message: msg,
				Stack:   string(debug.Stack()),
				Details: map[string]any{},
			}
		}
	}()

	out, err := h(e.baseCtx, req.Data)
	if err != nil {
		return nil, toRemoteError(req.Message, err)
	}
	return out, nil
}

func (e *Engine) processReply(env *Envelope) {
	e.calls.Pop()

	if env.Message == "" || env.ID == "" {
		e.log.Warnw("invalid reply from peer", "message", env.Message, "id", env.ID)
		return
	}

	key := callKey{message: env.Message, id: env.ID}
	e.mu.Lock()
	call, ok := e.pending[key]
	if ok {
		delete(e.pending, key)
	}
	e.mu.Unlock()

	if !ok {
		e.log.Warnw("no pending call for reply", "message", env.Message, "id", env.ID)
		return
	}

	if env.Error != nil {
		call.future.reject(env.Error)
	} else {
		call.future.resolve(env.Data)
	}
	if e.metrics != nil {
		e.metrics.EndRequest(call.started, env.Error == nil)
	}
}

// Stub returns a function that calls name on the other endpoint and
// decodes the reply into Resp. It waits until the reply arrives or ctx
// is done.
func Stub[Req, Resp any](e *Engine, name string) func(ctx context.Context, req Req) (Resp, error) {
	return func(ctx context.Context, req Req) (Resp, error) {
		var resp Resp
		v, err := e.Call(name, req).Await(ctx)
		if err != nil {
			return resp, err
		}
		if err := Convert(e.codec, v, &resp); err != nil {
			return resp, fmt.Errorf("%s reply: %w", name, err)
		}
		return resp, nil
	}
}

// Handle registers a typed handler for name.
func Handle[Req, Resp any](e *Engine, name string, fn func(ctx context.Context, req Req) (Resp, error)) {
	e.Register(name, func(ctx context.Context, payload any) (any, error) {
		var req Req
		if err := Convert(e.codec, payload, &req); err != nil {
			return nil, fmt.Errorf("%s payload: %w", name, err)
		}
		return fn(ctx, req)
	})
}
