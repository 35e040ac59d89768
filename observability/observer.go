package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

type AttachResult string

const (
	AttachResultOK   AttachResult = "ok"
	AttachResultFail AttachResult = "fail"
)

type AttachReason string

const (
	AttachReasonOK                  AttachReason = "ok"
	AttachReasonUpgradeError        AttachReason = "upgrade_error"
	AttachReasonTooManyConnections  AttachReason = "too_many_connections"
	AttachReasonTooManyChannels     AttachReason = "too_many_channels"
	AttachReasonExpectedAttach      AttachReason = "expected_attach"
	AttachReasonInvalidAttach       AttachReason = "invalid_attach"
	AttachReasonInvalidToken        AttachReason = "invalid_token"
	AttachReasonChannelMismatch     AttachReason = "channel_mismatch"
	AttachReasonRoleMismatch        AttachReason = "role_mismatch"
	AttachReasonInitExpMismatch     AttachReason = "init_exp_mismatch"
	AttachReasonIdleTimeoutMismatch AttachReason = "idle_timeout_mismatch"
	AttachReasonTokenReplay         AttachReason = "token_replay"
	AttachReasonReplaceRateLimited  AttachReason = "replace_rate_limited"
	AttachReasonAttachFailed        AttachReason = "attach_failed"
)

type ReplaceResult string

const (
	ReplaceResultOK          ReplaceResult = "ok"
	ReplaceResultRateLimited ReplaceResult = "rate_limited"
)

type CloseReason string

const (
	CloseReasonPeerClosed      CloseReason = "peer_closed"
	CloseReasonNonBinaryFrame  CloseReason = "non_binary_frame"
	CloseReasonRecordTooLarge  CloseReason = "record_too_large"
	CloseReasonUnknownChannel  CloseReason = "unknown_channel"
	CloseReasonMissingSrc      CloseReason = "missing_src"
	CloseReasonPendingOverflow CloseReason = "pending_overflow"
	CloseReasonWriteError      CloseReason = "write_error"
	CloseReasonInitExpired     CloseReason = "init_expired"
	CloseReasonIdleTimeout     CloseReason = "idle_timeout"
)

type RPCResult string

const (
	RPCResultOK              RPCResult = "ok"
	RPCResultRPCError        RPCResult = "rpc_error"
	RPCResultHandlerNotFound RPCResult = "handler_not_found"
	RPCResultTransportError  RPCResult = "transport_error"
	RPCResultCanceled        RPCResult = "canceled"
)

type RPCFrameDirection string

const (
	RPCFrameRead  RPCFrameDirection = "read"
	RPCFrameWrite RPCFrameDirection = "write"
)

// TunnelObserver receives tunnel-level metric events.
type TunnelObserver interface {
	ConnCount(n int64)
	ChannelCount(n int)
	Attach(result AttachResult, reason AttachReason)
	Replace(result ReplaceResult)
	Close(reason CloseReason)
	PairLatency(d time.Duration)
	Encrypted()
}

// RPCObserver receives RPC-level metric events.
type RPCObserver interface {
	ServerRequest(result RPCResult)
	ServerFrameError(direction RPCFrameDirection)
	ClientFrameError(direction RPCFrameDirection)
	ClientCall(result RPCResult, d time.Duration)
	ClientNotify()
	ClientNotifyPanic()
}

type noopTunnelObserver struct{}

func (noopTunnelObserver) ConnCount(int64)                   {}
func (noopTunnelObserver) ChannelCount(int)                  {}
func (noopTunnelObserver) Attach(AttachResult, AttachReason) {}
func (noopTunnelObserver) Replace(ReplaceResult)             {}
func (noopTunnelObserver) Close(CloseReason)                 {}
func (noopTunnelObserver) PairLatency(time.Duration)         {}
func (noopTunnelObserver) Encrypted()                        {}

type noopRPCObserver struct{}

func (noopRPCObserver) ServerRequest(RPCResult)             {}
func (noopRPCObserver) ServerFrameError(RPCFrameDirection)  {}
func (noopRPCObserver) ClientFrameError(RPCFrameDirection)  {}
func (noopRPCObserver) ClientCall(RPCResult, time.Duration) {}
func (noopRPCObserver) ClientNotify()                       {}
func (noopRPCObserver) ClientNotifyPanic()                  {}

// NoopTunnelObserver is a zero-cost observer used when metrics are disabled.
var NoopTunnelObserver TunnelObserver = noopTunnelObserver{}

// NoopRPCObserver is a zero-cost observer used when metrics are disabled.
var NoopRPCObserver RPCObserver = noopRPCObserver{}

// atomicBox lazily seeds an atomic.Value with a zero value on first touch, so
// a caller that never calls Set still gets a usable Load. Both observer
// wrappers below embed one instead of duplicating the once+atomic.Value pair.
type atomicBox struct {
	once sync.Once
	zero func() any
	v    atomic.Value
}

func (b *atomicBox) store(val any) {
	b.once.Do(func() { b.v.Store(b.zero()) })
	b.v.Store(val)
}

func (b *atomicBox) load() any {
	b.once.Do(func() { b.v.Store(b.zero()) })
	return b.v.Load()
}

// AtomicTunnelObserver swaps its delegate at runtime.
type AtomicTunnelObserver struct {
	box atomicBox
}

type tunnelObserverHolder struct {
	obs TunnelObserver
}

// NewAtomicTunnelObserver returns an initialized atomic observer.
func NewAtomicTunnelObserver() *AtomicTunnelObserver {
	a := &AtomicTunnelObserver{}
	a.box.zero = func() any { return &tunnelObserverHolder{obs: NoopTunnelObserver} }
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicTunnelObserver) Set(obs TunnelObserver) {
	if obs == nil {
		obs = NoopTunnelObserver
	}
	if a.box.zero == nil {
		a.box.zero = func() any { return &tunnelObserverHolder{obs: NoopTunnelObserver} }
	}
	a.box.store(&tunnelObserverHolder{obs: obs})
}

func (a *AtomicTunnelObserver) load() TunnelObserver {
	if a.box.zero == nil {
		a.box.zero = func() any { return &tunnelObserverHolder{obs: NoopTunnelObserver} }
	}
	return a.box.load().(*tunnelObserverHolder).obs
}

func (a *AtomicTunnelObserver) ConnCount(n int64)  { a.load().ConnCount(n) }
func (a *AtomicTunnelObserver) ChannelCount(n int) { a.load().ChannelCount(n) }
func (a *AtomicTunnelObserver) Attach(result AttachResult, reason AttachReason) {
	a.load().Attach(result, reason)
}
func (a *AtomicTunnelObserver) Replace(result ReplaceResult) { a.load().Replace(result) }
func (a *AtomicTunnelObserver) Close(reason CloseReason)     { a.load().Close(reason) }
func (a *AtomicTunnelObserver) PairLatency(d time.Duration)  { a.load().PairLatency(d) }
func (a *AtomicTunnelObserver) Encrypted()                   { a.load().Encrypted() }

// AtomicRPCObserver swaps its delegate at runtime.
type AtomicRPCObserver struct {
	box atomicBox
}

type rpcObserverHolder struct {
	obs RPCObserver
}

// NewAtomicRPCObserver returns an initialized atomic observer.
func NewAtomicRPCObserver() *AtomicRPCObserver {
	a := &AtomicRPCObserver{}
	a.box.zero = func() any { return &rpcObserverHolder{obs: NoopRPCObserver} }
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicRPCObserver) Set(obs RPCObserver) {
	if obs == nil {
		obs = NoopRPCObserver
	}
	if a.box.zero == nil {
		a.box.zero = func() any { return &rpcObserverHolder{obs: NoopRPCObserver} }
	}
	a.box.store(&rpcObserverHolder{obs: obs})
}

func (a *AtomicRPCObserver) load() RPCObserver {
	if a.box.zero == nil {
		a.box.zero = func() any { return &rpcObserverHolder{obs: NoopRPCObserver} }
	}
	return a.box.load().(*rpcObserverHolder).obs
}

func (a *AtomicRPCObserver) ServerRequest(result RPCResult) { a.load().ServerRequest(result) }
func (a *AtomicRPCObserver) ServerFrameError(direction RPCFrameDirection) {
	a.load().ServerFrameError(direction)
}
func (a *AtomicRPCObserver) ClientFrameError(direction RPCFrameDirection) {
	a.load().ClientFrameError(direction)
}
func (a *AtomicRPCObserver) ClientCall(result RPCResult, d time.Duration) {
	a.load().ClientCall(result, d)
}
func (a *AtomicRPCObserver) ClientNotify()      { a.load().ClientNotify() }
func (a *AtomicRPCObserver) ClientNotifyPanic() { a.load().ClientNotifyPanic() }
