// Package yamux wraps github.com/hashicorp/yamux behind a package boundary,
// the same way realtime/ws wraps gorilla/websocket: callers depend on this
// package's two constructors, not on the vendored session type directly.
package yamux

import (
	"net"

	hyamux "github.com/hashicorp/yamux"
)

func configOrDefault(cfg *hyamux.Config) *hyamux.Config {
	if cfg != nil {
		return cfg
	}
	return hyamux.DefaultConfig()
}

// NewClient opens the client side of a multiplexed session over conn, the byte
// stream produced by a ready SecureChannel. A nil cfg falls back to yamux's
// own defaults.
func NewClient(conn net.Conn, cfg *hyamux.Config) (*hyamux.Session, error) {
	return hyamux.Client(conn, configOrDefault(cfg))
}

// NewServer opens the server side of a multiplexed session over conn.
func NewServer(conn net.Conn, cfg *hyamux.Config) (*hyamux.Session, error) {
	return hyamux.Server(conn, configOrDefault(cfg))
}
