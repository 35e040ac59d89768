package ws

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type Conn struct {
	c *websocket.Conn // Underlying gorilla/websocket connection.
}

// UpgraderOptions exposes a small set of websocket upgrader controls.
type UpgraderOptions struct {
	ReadBufferSize  int                        // Read buffer size for upgrader.
	WriteBufferSize int                        // Write buffer size for upgrader.
	CheckOrigin     func(r *http.Request) bool // Optional origin check.
}

// Upgrade upgrades an HTTP request to a websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request, opts UpgraderOptions) (*Conn, error) {
	up := websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     opts.CheckOrigin,
	}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{c: c}, nil
}

// DialOptions provides optional headers for websocket dialing.
type DialOptions struct {
	Header http.Header // Optional headers for the handshake request.
	Dialer *websocket.Dialer
}

// Dial opens a websocket connection with deadline-aware handshake.
func Dial(ctx context.Context, urlStr string, opts DialOptions) (*Conn, *http.Response, error) {
	var d websocket.Dialer
	if opts.Dialer != nil {
		d = *opts.Dialer
	} else {
		d = websocket.Dialer{}
	}
	if deadline, ok := ctx.Deadline(); ok {
		// Prefer the tighter of dialer.HandshakeTimeout and the context deadline when both are set.
		dl := time.Until(deadline)
		if d.HandshakeTimeout == 0 || d.HandshakeTimeout > dl {
			d.HandshakeTimeout = dl
		}
	}
	c, resp, err := d.DialContext(ctx, urlStr, opts.Header)
	if err != nil {
		return nil, resp, err
	}
	return &Conn{c: c}, resp, nil
}

// SetReadLimit forwards the read limit to the underlying websocket.
func (c *Conn) SetReadLimit(n int64) {
	c.c.SetReadLimit(n)
}

// armDeadline arms setDeadline from ctx's deadline (or clears it when ctx has
// none) and, if ctx carries a cancellation signal, schedules setDeadline(now)
// to fire on cancellation so a blocked read/write wakes up promptly instead of
// waiting out the full deadline. gorilla/websocket only reacts to socket
// deadlines, never to ctx.Done() directly, so this is the hook point for
// making both Read and Write cancellation-aware. The returned func must be
// deferred to stop the watch once the call returns.
func armDeadline(ctx context.Context, setDeadline func(time.Time) error) (deadline time.Time, hasDeadline bool, stop func()) {
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

// resolveTimeout maps a net.Error timeout back to the context that likely
// caused it: ctx.Err() if already set, else context.DeadlineExceeded once the
// deadline we armed has actually passed. Read/Write both need this because
// the socket-level I/O timeout can fire a hair before the context timer does.
func resolveTimeout(err error, ctx context.Context, deadline time.Time, hasDeadline bool) error {
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

// ReadMessage reads a websocket frame and respects the context deadline and cancellation.
func (c *Conn) ReadMessage(ctx context.Context) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	deadline, hasDeadline, stop := armDeadline(ctx, c.c.SetReadDeadline)
	defer stop()

	mt, b, err := c.c.ReadMessage()
	if err != nil {
		return 0, nil, resolveTimeout(err, ctx, deadline, hasDeadline)
	}
	return mt, b, nil
}

// WriteMessage writes a websocket frame and respects the context deadline and cancellation.
func (c *Conn) WriteMessage(ctx context.Context, messageType int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, hasDeadline, stop := armDeadline(ctx, c.c.SetWriteDeadline)
	defer stop()

	if err := c.c.WriteMessage(messageType, data); err != nil {
		return resolveTimeout(err, ctx, deadline, hasDeadline)
	}
	return nil
}

// Close closes the websocket connection.
func (c *Conn) Close() error {
	return c.c.Close()
}

// CloseWithStatus sends a close control frame before closing.
func (c *Conn) CloseWithStatus(code int, text string) error {
	_ = c.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(2*time.Second))
	return c.c.Close()
}

// Underlying exposes the raw gorilla/websocket connection.
func (c *Conn) Underlying() *websocket.Conn {
	return c.c
}
