package offload

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	CodecMsgpack = "msgpack"
	CodecCBOR    = "cbor"

	maxMessageSize = 10 * 1024 * 1024 // 10MB
)

// Codec turns envelopes and payloads into bytes and back. Both endpoints
// of a connection must use the same codec.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// NewCodec returns the codec registered under name.
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", CodecMsgpack:
		return msgpackCodec{}, nil
	case CodecCBOR:
		return newCBORCodec()
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return CodecMsgpack }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() (cborCodec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return cborCodec{}, fmt.Errorf("cbor encoder: %w", err)
	}
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return cborCodec{}, fmt.Errorf("cbor decoder: %w", err)
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (cborCodec) Name() string { return CodecCBOR }

func (c cborCodec) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c cborCodec) Unmarshal(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}

// ErrMessageTooLarge is returned when an encoded envelope exceeds the
// size a peer will accept.
var ErrMessageTooLarge = errors.New("message too large")

// Pack serializes an envelope with the given codec. Envelopes the peer
// would refuse to unpack are rejected here instead.
func Pack(c Codec, env *Envelope) ([]byte, error) {
	data, err := c.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", env.Message, env.ID, err)
	}
	if len(data) > maxMessageSize {
		return nil, fmt.Errorf("encode %s/%s: %w: %d bytes, limit %d", env.Message, env.ID, ErrMessageTooLarge, len(data), maxMessageSize)
	}
	return data, nil
}

// Unpack deserializes an envelope with safety validations
func Unpack(c Codec, data []byte) (*Envelope, error) {
	if len(data) > maxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(data), maxMessageSize)
	}

	var env Envelope
	if err := c.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}
	env.Data = sanitizeValue(env.Data)
	if env.Error != nil {
		env.Error.Details = sanitizeValue(env.Error.Details)
	}
	return &env, nil
}

// Convert copies a decoded payload into a typed destination by round
// tripping it through the codec. Payloads arrive as generic maps and
// slices, so this is how typed handlers and stubs see their own structs.
func Convert(c Codec, src any, dst any) error {
	if src == nil {
		return nil
	}
	if p, ok := dst.(*any); ok {
		*p = src
		return nil
	}
	data, err := c.Marshal(src)
	if err != nil {
		return fmt.Errorf("re-encode payload: %w", err)
	}
	if err := c.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode payload into %T: %w", dst, err)
	}
	return nil
}
