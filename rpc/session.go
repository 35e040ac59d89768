package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"github.com/floegence/flowersec-sub002/framing/jsonframe"
	"github.com/floegence/flowersec-sub002/observability"
	"github.com/floegence/flowersec-sub002/rpc/frame"
)

// ErrRequestIDExhausted indicates the client ran out of request IDs.
var ErrRequestIDExhausted = errors.New("rpc request id space exhausted")

// Handler processes an RPC request and returns payload or an RPC error.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, *RpcError)

// Router dispatches RPC requests by type ID.
type Router struct {
	mu       sync.RWMutex
	handlers map[uint32]Handler
}

// NewRouter constructs an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[uint32]Handler)}
}

// Register binds a handler to a type ID, replacing any existing one.
func (r *Router) Register(typeID uint32, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typeID] = h
}

func (r *Router) handle(ctx context.Context, typeID uint32, payload json.RawMessage) (json.RawMessage, *RpcError) {
	r.mu.RLock()
	h := r.handlers[typeID]
	r.mu.RUnlock()
	if h == nil {
		msg := "handler not found"
		return nil, &RpcError{Code: 404, Message: &msg}
	}
	return invokeHandler(ctx, h, payload)
}

// invokeHandler shields the serve loop from handler panics: a panicking
// handler yields an internal-error response instead of unwinding the stream.
func invokeHandler(ctx context.Context, h Handler, payload json.RawMessage) (resp json.RawMessage, rpcErr *RpcError) {
	defer func() {
		if r := recover(); r != nil {
			msg := "internal error"
			resp = nil
			rpcErr = &RpcError{Code: 500, Message: &msg}
		}
	}()
	return h(ctx, payload)
}

// Server reads RPC envelopes from one stream and dispatches them through a
// Router. A handler panic or error never terminates Serve; only a transport
// or decode failure does.
type Server struct {
	rwc     io.ReadWriteCloser
	router  *Router
	maxLen  int
	writeMu sync.Mutex
	obs     observability.RPCObserver
}

// NewServer creates a server over a read/write stream.
func NewServer(rwc io.ReadWriteCloser, router *Router) *Server {
	return &Server{rwc: rwc, router: router, maxLen: jsonframe.DefaultMaxJSONFrameBytes, obs: observability.NoopRPCObserver}
}

// SetMaxFrameBytes caps incoming JSON frames. Non-positive values reset to
// the default rather than disabling the guard.
func (s *Server) SetMaxFrameBytes(n int) {
	if n <= 0 {
		n = jsonframe.DefaultMaxJSONFrameBytes
	}
	s.maxLen = n
}

// SetObserver replaces the RPC observer; nil resets to no-op.
func (s *Server) SetObserver(obs observability.RPCObserver) {
	if obs == nil {
		obs = observability.NoopRPCObserver
	}
	s.obs = obs
}

// Notify sends a one-way notification to the peer.
func (s *Server) Notify(typeID uint32, payload json.RawMessage) error {
	env := RpcEnvelope{TypeId: typeID, Payload: payload}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return frame.WriteJSONFrame(s.rwc, env)
}

// Serve runs the request loop until ctx ends or the stream fails.
//
// When ctx ends, the stream is closed so that a blocked read returns and
// Serve reports ctx.Err().
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.rwc.Close() })
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		b, err := frame.ReadJSONFrame(s.rwc, s.maxLen)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			s.obs.ServerFrameError(observability.RPCFrameRead)
			return err
		}
		var env RpcEnvelope
		if err := json.Unmarshal(b, &env); err != nil {
			s.obs.ServerFrameError(observability.RPCFrameRead)
			return err
		}
		if env.ResponseTo != 0 {
			// Stray response on the server side of the stream; ignore it.
			continue
		}
		if env.RequestId == 0 {
			_, rpcErr := s.router.handle(ctx, env.TypeId, env.Payload)
			s.obs.ServerRequest(rpcResultFromError(rpcErr))
			continue
		}
		respPayload, rpcErr := s.router.handle(ctx, env.TypeId, env.Payload)
		s.obs.ServerRequest(rpcResultFromError(rpcErr))
		resp := RpcEnvelope{
			TypeId:     env.TypeId,
			ResponseTo: env.RequestId,
			Payload:    respPayload,
			Error:      rpcErr,
		}
		s.writeMu.Lock()
		writeErr := frame.WriteJSONFrame(s.rwc, resp)
		s.writeMu.Unlock()
		if writeErr != nil {
			s.obs.ServerFrameError(observability.RPCFrameWrite)
		}
	}
}

// Client issues RPC calls and receives notifications over one stream.
type Client struct {
	rwc    io.ReadWriteCloser
	maxLen int

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan RpcEnvelope
	notify  map[uint32]map[*notifyHandler]struct{}
	closed  bool
	lastErr error
	obs     observability.RPCObserver
}

// NewClient creates an RPC client and starts its background read loop.
func NewClient(rwc io.ReadWriteCloser) *Client {
	c := &Client{
		rwc:     rwc,
		maxLen:  jsonframe.DefaultMaxJSONFrameBytes,
		nextID:  1,
		pending: make(map[uint64]chan RpcEnvelope),
		notify:  make(map[uint32]map[*notifyHandler]struct{}),
		obs:     observability.NoopRPCObserver,
	}
	go c.readLoop()
	return c
}

// SetMaxFrameBytes caps incoming JSON frames. Non-positive values reset to
// the default rather than disabling the guard.
func (c *Client) SetMaxFrameBytes(n int) {
	if n <= 0 {
		n = jsonframe.DefaultMaxJSONFrameBytes
	}
	c.maxLen = n
}

// SetObserver replaces the RPC observer; nil resets to no-op.
func (c *Client) SetObserver(obs observability.RPCObserver) {
	if obs == nil {
		obs = observability.NoopRPCObserver
	}
	c.obs = obs
}

type notifyHandler struct {
	fn func(payload json.RawMessage)
}

// OnNotify registers a handler for incoming notifications of typeID. The
// returned func removes it.
func (c *Client) OnNotify(typeID uint32, h func(payload json.RawMessage)) (unsubscribe func()) {
	nh := &notifyHandler{fn: h}
	c.mu.Lock()
	m := c.notify[typeID]
	if m == nil {
		m = make(map[*notifyHandler]struct{})
		c.notify[typeID] = m
	}
	m[nh] = struct{}{}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		if mm := c.notify[typeID]; mm != nil {
			delete(mm, nh)
			if len(mm) == 0 {
				delete(c.notify, typeID)
			}
		}
		c.mu.Unlock()
	}
}

// Notify sends a one-way notification to the peer.
func (c *Client) Notify(typeID uint32, payload json.RawMessage) error {
	env := RpcEnvelope{TypeId: typeID, Payload: payload}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return frame.WriteJSONFrame(c.rwc, env)
}

// Call sends an RPC request and waits for its response or ctx cancellation.
//
// A request ID is reserved for the lifetime of the call and released when
// Call returns, including on cancellation; a response that arrives after
// cancellation is simply dropped.
func (c *Client) Call(ctx context.Context, typeID uint32, payload json.RawMessage) (json.RawMessage, *RpcError, error) {
	start := time.Now()
	record := func(result observability.RPCResult) {
		c.obs.ClientCall(result, time.Since(start))
	}
	reqID, ch, err := c.reserve()
	if err != nil {
		record(observability.RPCResultTransportError)
		return nil, nil, err
	}
	defer c.release(reqID)

	env := RpcEnvelope{TypeId: typeID, RequestId: reqID, Payload: payload}
	c.writeMu.Lock()
	err = frame.WriteJSONFrame(c.rwc, env)
	c.writeMu.Unlock()
	if err != nil {
		record(observability.RPCResultTransportError)
		return nil, nil, err
	}
	select {
	case <-ctx.Done():
		record(observability.RPCResultCanceled)
		return nil, nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			record(observability.RPCResultTransportError)
			return nil, nil, c.closedErr()
		}
		record(rpcResultFromError(resp.Error))
		return resp.Payload, resp.Error, nil
	}
}

// reserve allocates the next request ID. Request IDs never wrap: a client
// that exhausts the uint64 space gets ErrRequestIDExhausted rather than a
// silent collision with a still-pending ID.
func (c *Client) reserve() (uint64, chan RpcEnvelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		if c.lastErr != nil {
			return 0, nil, c.lastErr
		}
		return 0, nil, io.ErrClosedPipe
	}
	if c.nextID == math.MaxUint64 {
		return 0, nil, ErrRequestIDExhausted
	}
	id := c.nextID
	c.nextID++
	ch := make(chan RpcEnvelope, 1)
	c.pending[id] = ch
	return id, ch, nil
}

func (c *Client) release(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	for {
		b, err := frame.ReadJSONFrame(c.rwc, c.maxLen)
		if err != nil {
			c.obs.ClientFrameError(observability.RPCFrameRead)
			c.closeAll(err)
			return
		}
		var env RpcEnvelope
		if err := json.Unmarshal(b, &env); err != nil {
			continue
		}
		if env.ResponseTo == 0 {
			if env.RequestId == 0 {
				c.obs.ClientNotify()
				c.mu.Lock()
				m := c.notify[env.TypeId]
				handlers := make([]*notifyHandler, 0, len(m))
				for h := range m {
					handlers = append(handlers, h)
				}
				c.mu.Unlock()
				for _, h := range handlers {
					c.dispatchNotify(h, env.Payload)
				}
			}
			continue
		}
		c.mu.Lock()
		ch := c.pending[env.ResponseTo]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- env:
			default:
			}
		}
	}
}

// dispatchNotify shields readLoop from a panicking notification handler: the
// panic is recorded through the observer and the notification is dropped,
// since readLoop runs on its own goroutine and an unrecovered panic there
// would take down the whole process.
func (c *Client) dispatchNotify(h *notifyHandler, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.obs.ClientNotifyPanic()
		}
	}()
	h.fn(payload)
}

func (c *Client) closeAll(err error) {
	c.mu.Lock()
	c.closed = true
	if c.lastErr == nil {
		c.lastErr = err
	}
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
}

// Close shuts down the underlying stream and unblocks any pending calls.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.rwc.Close()
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastErr != nil {
		return c.lastErr
	}
	return io.ErrClosedPipe
}

func rpcResultFromError(err *RpcError) observability.RPCResult {
	if err == nil {
		return observability.RPCResultOK
	}
	if err.Code == 404 {
		return observability.RPCResultHandlerNotFound
	}
	return observability.RPCResultRPCError
}
