package offload

import (
	"errors"
	"fmt"
	"math"
)

// OrphanExitCode is the exit code a worker uses when it terminates itself
// after losing its supervisor. The supervisor always restarts on it.
const OrphanExitCode = 100

// Envelope is one wire message: either a call or the reply to one.
type Envelope struct {
	Message string       `msgpack:"message" cbor:"message"`
	ID      string       `msgpack:"id" cbor:"id"`
	Data    any          `msgpack:"data,omitempty" cbor:"data,omitempty"`
	Error   *RemoteError `msgpack:"error,omitempty" cbor:"error,omitempty"`
	Request bool         `msgpack:"request" cbor:"request"`
}

// NewRequest creates a call envelope
func NewRequest(message, id string, data any) *Envelope {
	return &Envelope{
		Message: message,
		ID:      id,
		Data:    data,
		Request: true,
	}
}

// NewReply creates a successful reply envelope
func NewReply(message, id string, data any) *Envelope {
	return &Envelope{
		Message: message,
		ID:      id,
		Data:    data,
	}
}

// NewErrorReply creates a failed reply envelope
func NewErrorReply(message, id string, rerr *RemoteError) *Envelope {
	return &Envelope{
		Message: message,
		ID:      id,
		Error:   rerr,
	}
}

var (
	errMissingMessage = errors.New("envelope has no message name")
	errMissingID      = errors.New("envelope has no id")
)

// Validate checks the envelope invariants: a request never carries an
// error and a reply carries data or error, never both.
func (e *Envelope) Validate() error {
	if e.Message == "" {
		return errMissingMessage
	}
	if e.ID == "" {
		return errMissingID
	}
	if e.Request && e.Error != nil {
		return fmt.Errorf("request %s/%s carries an error", e.Message, e.ID)
	}
	if !e.Request && e.Error != nil && e.Data != nil {
		return fmt.Errorf("reply %s/%s carries both data and error", e.Message, e.ID)
	}
	return nil
}

// RemoteError is the structured failure a handler produced on the other
// side of the connection.
type RemoteError struct {
	Method  string `msgpack:"method" cbor:"method"`
	Message string `msgpack:"message" cbor:"message"`
	Stack   string `msgpack:"stack" cbor:"stack"`
	Details any    `msgpack:"details" cbor:"details"`
}

func (e *RemoteError) Error() string {
	if e.Method == "" {
		return e.Message
	}
	return e.Method + ": " + e.Message
}

// stackTracer is implemented by errors that can report where they were created.
type stackTracer interface {
	StackTrace() string
}

// detailer is implemented by errors that carry extra structured context.
type detailer interface {
	Details() any
}

// toRemoteError converts a handler error into the wire failure shape.
func toRemoteError(method string, err error) *RemoteError {
	var rerr *RemoteError
	if errors.As(err, &rerr) {
		out := *rerr
		if out.Method == "" {
			out.Method = method
		}
		if out.Details == nil {
			out.Details = map[string]any{}
		}
		return &out
	}

	out := &RemoteError{
		Method:  method,
		Message: err.Error(),
		Details: map[string]any{},
	}
	var st stackTracer
	if errors.As(err, &st) {
		out.Stack = st.StackTrace()
	}
	var d detailer
	if errors.As(err, &d) {
		if details := d.Details(); details != nil {
			out.Details = details
		}
	}
	return out
}

// sanitizeValue clamps float values that do not survive every codec
// (NaN, ±Inf) to 0, recursing into maps and slices.
func sanitizeValue(val any) any {
	switch v := val.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return float64(0)
		}
	case float32:
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return float32(0)
		}
	case map[string]any:
		for k, vv := range v {
			v[k] = sanitizeValue(vv)
		}
	case []any:
		for i, vv := range v {
			v[i] = sanitizeValue(vv)
		}
	}
	return val
}
