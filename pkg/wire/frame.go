// Package wire frames the two payload kinds carried over a room connection. Every websocket binary message holds
// exactly one frame: a single kind byte followed by the payload bytes, which are forwarded unmodified.
package wire

import (
	"errors"
	"fmt"
)

type Kind byte

const (
	KindSync     Kind = 0
	KindPresence Kind = 1
)

var ErrMalformed = errors.New("malformed frame")

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindPresence:
		return "presence"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

func Encode(kind Kind, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(kind)
	copy(out[1:], payload)
	return out
}

// Decode splits a frame. The returned payload aliases raw.
func Decode(raw []byte) (Kind, []byte, error) {
	if len(raw) == 0 {
		return 0, nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}
	kind := Kind(raw[0])
	switch kind {
	case KindSync, KindPresence:
	default:
		return 0, nil, fmt.Errorf("%w: unknown kind %d", ErrMalformed, raw[0])
	}
	if len(raw) == 1 {
		return 0, nil, fmt.Errorf("%w: empty %s payload", ErrMalformed, kind)
	}
	return kind, raw[1:], nil
}
