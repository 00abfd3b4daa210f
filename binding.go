package offload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	zmq "github.com/go-zeromq/zmq4"
	"go.uber.org/zap"
)

// Frame kinds. Every link message is [kind, body].
const (
	frameEnvelope = "env"
	frameHello    = "hello"
)

var errLinkClosed = errors.New("link closed")

// socketLink carries envelopes between host and worker over a ZeroMQ
// DEALER socket. The host listens, the worker dials.
type socketLink struct {
	sock   zmq.Socket
	codec  Codec
	log    *zap.SugaredLogger
	cancel context.CancelFunc

	sendMu sync.Mutex
	closed atomic.Bool
}

func newSocketLink(codec Codec, log *zap.SugaredLogger) *socketLink {
	ctx, cancel := context.WithCancel(context.Background())
	return &socketLink{
		sock:   zmq.NewDealer(ctx),
		codec:  codec,
		log:    log,
		cancel: cancel,
	}
}

// listenLink binds a link on endpoint (host side).
func listenLink(endpoint string, codec Codec, log *zap.SugaredLogger) (*socketLink, error) {
	l := newSocketLink(codec, log)
	if err := l.sock.Listen(endpoint); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to bind to %s: %w", endpoint, err)
	}
	return l, nil
}

// dialLink connects a link to endpoint (worker side).
func dialLink(endpoint string, codec Codec, log *zap.SugaredLogger) (*socketLink, error) {
	l := newSocketLink(codec, log)
	if err := l.sock.Dial(endpoint); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	return l, nil
}

func (l *socketLink) send(kind string, body []byte) error {
	if l.closed.Load() {
		return errLinkClosed
	}
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	return l.sock.Send(zmq.NewMsgFrom([]byte(kind), body))
}

func (l *socketLink) sendEnvelope(env *Envelope) error {
	data, err := Pack(l.codec, env)
	if err != nil {
		return err
	}
	return l.sendPacked(packedEnvelope{message: env.Message, id: env.ID, data: data})
}

// packedEnvelope is an envelope already encoded with the link's codec.
type packedEnvelope struct {
	message string
	id      string
	data    []byte
}

func (l *socketLink) sendPacked(p packedEnvelope) error {
	if err := l.send(frameEnvelope, p.data); err != nil {
		return fmt.Errorf("failed to send %s/%s: %w", p.message, p.id, err)
	}
	return nil
}

func (l *socketLink) sendHello(spawnID string) error {
	return l.send(frameHello, []byte(spawnID))
}

// serve reads messages until the link is closed. onHello may be nil.
func (l *socketLink) serve(onEnvelope func(*Envelope), onHello func(spawnID string)) {
	for {
		msg, err := l.sock.Recv()
		if err != nil {
			if l.closed.Load() {
				return
			}
			l.log.Debugw("receive failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		frames := msg.Frames
		if len(frames) < 2 {
			l.log.Warnw("dropping malformed message", "frames", len(frames))
			continue
		}

		switch string(frames[0]) {
		case frameEnvelope:
			env, err := Unpack(l.codec, frames[1])
			if err != nil {
				l.log.Warnw("failed to unpack envelope", "error", err)
				continue
			}
			onEnvelope(env)
		case frameHello:
			if onHello != nil {
				onHello(string(frames[1]))
			}
		default:
			l.log.Warnw("dropping message of unknown kind", "kind", string(frames[0]))
		}
	}
}

// Close shuts the socket; serve returns afterwards.
func (l *socketLink) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	err := l.sock.Close()
	l.cancel()
	return err
}

// Closed reports whether Close has been called.
func (l *socketLink) Closed() bool {
	return l.closed.Load()
}
