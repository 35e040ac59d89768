// Package hello reads the stream-kind greeting exchanged at RPC stream
// open time. It is the RPC package's own copy of the check, independent of
// the general-purpose streamhello package, so the rpc tree has no outward
// dependency beyond framing/jsonframe.
package hello

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/floegence/flowersec-sub002/rpc/frame"
)

var ErrBadStreamHello = errors.New("bad stream hello")

// StreamHello is the first frame written on a freshly opened RPC stream.
type StreamHello struct {
	Kind string `json:"kind"`
	V    int    `json:"v"`
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
