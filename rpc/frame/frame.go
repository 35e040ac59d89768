// Package frame is the length-prefixed JSON framing used by rpc.Server and
// rpc.Client on top of a stream transport (a yamux stream, a net.Conn, or
// any io.ReadWriteCloser). It is a thin, RPC-scoped re-export of
// framing/jsonframe so the rpc package's wire format can evolve
// independently of the generic framer.
package frame

import (
	"io"

	"github.com/floegence/flowersec-sub002/framing/jsonframe"
)

// ErrFrameTooLarge is returned when an incoming frame exceeds its size guard.
var ErrFrameTooLarge = jsonframe.ErrFrameTooLarge

// DefaultMaxJSONFrameBytes is the default per-frame size guard.
const DefaultMaxJSONFrameBytes = jsonframe.DefaultMaxJSONFrameBytes

// WriteJSONFrame writes a length-prefixed JSON message to w.
func WriteJSONFrame(w io.Writer, v any) error {
	return jsonframe.WriteJSONFrame(w, v)
}

// ReadJSONFrame reads a length-prefixed JSON payload, rejecting frames over maxLen.
func ReadJSONFrame(r io.Reader, maxLen int) ([]byte, error) {
	return jsonframe.ReadJSONFrame(r, maxLen)
}
