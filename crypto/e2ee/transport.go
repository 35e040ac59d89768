package e2ee

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type BinaryTransport interface {
	// ReadBinary reads the next binary frame, honoring the context deadline and cancellation.
	ReadBinary(ctx context.Context) ([]byte, error)
	// WriteBinary writes a binary frame, honoring the context deadline and cancellation.
	WriteBinary(ctx context.Context, b []byte) error
	// Close closes the underlying transport.
	Close() error
}

// WebSocketMessageConn is a message-oriented websocket connection that supports context-aware reads/writes.
//
// It matches realtime/ws.Conn and is used to avoid leaking the underlying gorilla/websocket connection
// into higher-level code.
type WebSocketMessageConn interface {
	ReadMessage(ctx context.Context) (messageType int, b []byte, err error)
	WriteMessage(ctx context.Context, messageType int, b []byte) error
	Close() error
}

// WebSocketMessageTransport adapts a context-aware websocket message connection to BinaryTransport.
//
// It accepts only binary messages. Text messages are treated as protocol errors.
type WebSocketMessageTransport struct {
	c WebSocketMessageConn
}

// NewWebSocketMessageTransport wraps a websocket message connection for binary frames only.
func NewWebSocketMessageTransport(c WebSocketMessageConn) *WebSocketMessageTransport {
	return &WebSocketMessageTransport{c: c}
}

// ReadBinary blocks until a binary message is received or the context is done.
func (t *WebSocketMessageTransport) ReadBinary(ctx context.Context) ([]byte, error) {
	for {
		mt, b, err := t.c.ReadMessage(ctx)
		if err != nil {
			return nil, err
		}
		switch mt {
		case websocket.BinaryMessage:
			return b, nil
		case websocket.TextMessage:
			return nil, errors.New("unexpected ws text message")
		default:
			continue
		}
	}
}

// WriteBinary writes a binary message and respects context deadlines.
func (t *WebSocketMessageTransport) WriteBinary(ctx context.Context, b []byte) error {
	return t.c.WriteMessage(ctx, websocket.BinaryMessage, b)
}

// Close closes the underlying websocket connection.
func (t *WebSocketMessageTransport) Close() error {
	return t.c.Close()
}

// WebSocketBinaryTransport adapts a gorilla/websocket Conn to BinaryTransport.
type WebSocketBinaryTransport struct {
	c *websocket.Conn // Underlying websocket connection.
}

// NewWebSocketBinaryTransport wraps a websocket connection for binary frames only.
func NewWebSocketBinaryTransport(c *websocket.Conn) *WebSocketBinaryTransport {
	return &WebSocketBinaryTransport{c: c}
}

// armConnDeadline sets deadline from ctx (or clears it when ctx has none) via
// setDeadline, and, when ctx carries a cancellation signal, arranges for
// setDeadline(now) to fire on cancellation. gorilla/websocket's blocking
// Read/WriteMessage calls only respect socket deadlines, never ctx.Done()
// directly, so this is how WebSocketBinaryTransport makes both cancellable.
// The returned stop func must be deferred.
func armConnDeadline(ctx context.Context, setDeadline func(time.Time) error) (deadline time.Time, hasDeadline bool, stop func()) {
	deadline, hasDeadline = ctx.Deadline()
	if hasDeadline {
		_ = setDeadline(deadline)
	} else {
		_ = setDeadline(time.Time{})
	}
	if ctx.Done() == nil {
		return deadline, hasDeadline, func() {}
	}
	var active atomic.Bool
	active.Store(true)
	cancelStop := context.AfterFunc(ctx, func() {
		if active.Load() {
			_ = setDeadline(time.Now())
		}
	})
	return deadline, hasDeadline, func() {
		active.Store(false)
		cancelStop()
	}
}

// asContextErr maps a net.Error timeout back to the context that likely
// caused it, since the socket-level I/O timeout armed by armConnDeadline can
// fire a hair before the context's own timer does.
func asContextErr(err error, ctx context.Context, deadline time.Time, hasDeadline bool) error {
	ne, ok := err.(net.Error)
	if !ok || !ne.Timeout() {
		return err
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if hasDeadline && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return err
}

// ReadBinary blocks until a binary frame is received or the context is done.
func (t *WebSocketBinaryTransport) ReadBinary(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline, hasDeadline, stop := armConnDeadline(ctx, t.c.SetReadDeadline)
	defer stop()

	for {
		mt, b, err := t.c.ReadMessage()
		if err != nil {
			return nil, asContextErr(err, ctx, deadline, hasDeadline)
		}
		switch mt {
		case websocket.BinaryMessage:
			return b, nil
		case websocket.TextMessage:
			return nil, errors.New("unexpected ws text message")
		default:
			continue
		}
	}
}

// WriteBinary writes a binary frame and respects context deadlines.
func (t *WebSocketBinaryTransport) WriteBinary(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, hasDeadline, stop := armConnDeadline(ctx, t.c.SetWriteDeadline)
	defer stop()

	if err := t.c.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return asContextErr(err, ctx, deadline, hasDeadline)
	}
	return nil
}

// Close closes the underlying websocket connection.
func (t *WebSocketBinaryTransport) Close() error {
	return t.c.Close()
}
