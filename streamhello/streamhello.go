// Package streamhello is the one-frame greeting exchanged at the start of
// each multiplexed yamux stream so the accepting side knows what kind of
// stream it just received (the RPC control stream vs. a typed data stream)
// without relying on stream open order.
package streamhello

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/floegence/flowersec-sub002/rpc/frame"
)

var ErrBadStreamHello = errors.New("bad stream hello")

// StreamHello is the first frame written on a freshly opened stream.
type StreamHello struct {
	Kind string `json:"kind"`
	V    int    `json:"v"`
}

// WriteStreamHello sends a simple protocol greeting with the stream kind.
func WriteStreamHello(w io.Writer, kind string) error {
	return frame.WriteJSONFrame(w, StreamHello{Kind: kind, V: 1})
}

// ReadStreamHello reads and validates the stream greeting.
func ReadStreamHello(r io.Reader, maxLen int) (StreamHello, error) {
	b, err := frame.ReadJSONFrame(r, maxLen)
	if err != nil {
		return StreamHello{}, err
	}
	var h StreamHello
	if err := json.Unmarshal(b, &h); err != nil {
		return StreamHello{}, ErrBadStreamHello
	}
	if h.V != 1 || h.Kind == "" {
		return StreamHello{}, ErrBadStreamHello
	}
	return h, nil
}
