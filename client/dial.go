package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/floegence/flowersec-sub002/controlplane/grant"
	"github.com/floegence/flowersec-sub002/crypto/e2ee"
	"github.com/floegence/flowersec-sub002/fserrors"
	"github.com/floegence/flowersec-sub002/internal/base64url"
	"github.com/floegence/flowersec-sub002/internal/contextutil"
	"github.com/floegence/flowersec-sub002/internal/defaults"
	"github.com/floegence/flowersec-sub002/internal/endpointid"
	"github.com/floegence/flowersec-sub002/internal/wsutil"
	mux "github.com/floegence/flowersec-sub002/mux/yamux"
	"github.com/floegence/flowersec-sub002/realtime/ws"
	"github.com/floegence/flowersec-sub002/rpc"
	"github.com/floegence/flowersec-sub002/streamhello"
	"github.com/floegence/flowersec-sub002/tunnel/protocol"
	"github.com/gorilla/websocket"
	hyamux "github.com/hashicorp/yamux"
)

// ConnectTunnel attaches to a tunnel as role=client and returns an RPC-ready session.
func ConnectTunnel(ctx context.Context, grant *grant.ChannelInitGrant, opts ...ConnectOption) (Client, error) {
	if grant == nil {
		return nil, wrapErr(fserrors.PathTunnel, fserrors.StageValidate, fserrors.CodeMissingGrant, ErrMissingGrant)
	}
	if grant.Role != protocol.RoleClient {
		return nil, wrapErr(fserrors.PathTunnel, fserrors.StageValidate, fserrors.CodeRoleMismatch, ErrExpectedRoleClient)
	}
	if grant.TunnelUrl == "" {
		return nil, wrapErr(fserrors.PathTunnel, fserrors.StageValidate, fserrors.CodeMissingTunnelURL, ErrMissingTunnelURL)
	}
	if grant.ChannelId == "" {
		return nil, wrapErr(fserrors.PathTunnel, fserrors.StageValidate, fserrors.CodeMissingChannelID, ErrMissingChannelID)
	}
	if grant.Token == "" {
		return nil, wrapErr(fserrors.PathTunnel, fserrors.StageValidate, fserrors.CodeMissingToken, ErrMissingToken)
	}
	if grant.ChannelInitExpireAtUnixS <= 0 {
		return nil, wrapErr(fserrors.PathTunnel, fserrors.StageValidate, fserrors.CodeMissingInitExp, ErrMissingInitExp)
	}
	cfg, err := applyConnectOptions(opts)
	if err != nil {
		return nil, wrapErr(fserrors.PathTunnel, fserrors.StageValidate, fserrors.CodeInvalidOption, err)
	}
	origin, err := resolveOrigin(fserrors.PathTunnel, cfg)
	if err != nil {
		return nil, err
	}
	keepalive := cfg.keepaliveInterval
	if !cfg.keepaliveSet {
		keepalive = defaults.KeepaliveInterval(grant.IdleTimeoutSeconds)
	}
	psk, err := decodePSK(fserrors.PathTunnel, grant.E2eePskB64u)
	if err != nil {
		return nil, err
	}
	suite, err := validateSuite(fserrors.PathTunnel, grant.DefaultSuite)
	if err != nil {
		return nil, err
	}

	endpointInstanceID := cfg.endpointInstanceID
	if endpointInstanceID == "" {
		endpointInstanceID, err = endpointid.Random(24)
		if err != nil {
			return nil, wrapErr(fserrors.PathTunnel, fserrors.StageValidate, fserrors.CodeRandomFailed, err)
		}
	} else if err := endpointid.Validate(endpointInstanceID); err != nil {
		return nil, wrapErr(fserrors.PathTunnel, fserrors.StageValidate, fserrors.CodeInvalidEndpointInstanceID, ErrInvalidEndpointInstanceID)
	}
	handshakeTimeout := cfg.handshakeTimeout

	connectCtx, connectCancel := contextutil.WithTimeout(ctx, cfg.connectTimeout)
	defer connectCancel()

	c, err := dialWithOrigin(connectCtx, fserrors.PathTunnel, grant.TunnelUrl, cfg, origin)
	if err != nil {
		return nil, err
	}
	attach := protocol.Attach{
		V:                  1,
		ChannelId:          grant.ChannelId,
		Role:               protocol.RoleClient,
		Token:              grant.Token,
		EndpointInstanceId: endpointInstanceID,
	}
	attachJSON, _ := json.Marshal(attach)
	if err := c.WriteMessage(connectCtx, websocket.TextMessage, attachJSON); err != nil {
		_ = c.Close()
		code := classifyTunnelAttachWriteCode(err)
		return nil, wrapErr(fserrors.PathTunnel, fserrors.StageAttach, code, err)
	}

	out, err := dialAfterAttach(ctx, c, fserrors.PathTunnel, endpointInstanceID, dialE2EEOptions{
		psk:               psk,
		suite:             suite,
		channelID:         grant.ChannelId,
		clientFeatures:    cfg.clientFeatures,
		maxHandshakeBytes: cfg.maxHandshakePayload,
		maxRecordBytes:    cfg.maxRecordBytes,
		maxBufferedBytes:  cfg.maxBufferedBytes,
		handshakeTimeout:  handshakeTimeout,
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if keepalive > 0 {
		out.startKeepalive(keepalive)
	}
	return out, nil
}

// ConnectDirect connects to a direct websocket endpoint and returns an RPC-ready session.
func ConnectDirect(ctx context.Context, info *grant.DirectConnectInfo, opts ...ConnectOption) (Client, error) {
	if info == nil {
		return nil, wrapErr(fserrors.PathDirect, fserrors.StageValidate, fserrors.CodeMissingConnectInfo, ErrMissingConnectInfo)
	}
	if info.WsUrl == "" {
		return nil, wrapErr(fserrors.PathDirect, fserrors.StageValidate, fserrors.CodeMissingWSURL, ErrMissingWSURL)
	}
	if info.ChannelId == "" {
		return nil, wrapErr(fserrors.PathDirect, fserrors.StageValidate, fserrors.CodeMissingChannelID, ErrMissingChannelID)
	}
	if info.ChannelInitExpireAtUnixS <= 0 {
		return nil, wrapErr(fserrors.PathDirect, fserrors.StageValidate, fserrors.CodeMissingInitExp, ErrMissingInitExp)
	}
	cfg, err := applyConnectOptions(opts)
	if err != nil {
		return nil, wrapErr(fserrors.PathDirect, fserrors.StageValidate, fserrors.CodeInvalidOption, err)
	}
	origin, err := resolveOrigin(fserrors.PathDirect, cfg)
	if err != nil {
		return nil, err
	}
	keepalive := time.Duration(0)
	if cfg.keepaliveSet {
		keepalive = cfg.keepaliveInterval
	}
	if cfg.endpointInstanceID != "" {
		return nil, wrapErr(fserrors.PathDirect, fserrors.StageValidate, fserrors.CodeInvalidOption, ErrEndpointInstanceIDNotAllowed)
	}
	psk, err := decodePSK(fserrors.PathDirect, info.E2eePskB64u)
	if err != nil {
		return nil, err
	}
	suite, err := validateSuite(fserrors.PathDirect, info.DefaultSuite)
	if err != nil {
		return nil, err
	}

	handshakeTimeout := cfg.handshakeTimeout

	connectCtx, connectCancel := contextutil.WithTimeout(ctx, cfg.connectTimeout)
	defer connectCancel()

	c, err := dialWithOrigin(connectCtx, fserrors.PathDirect, info.WsUrl, cfg, origin)
	if err != nil {
		return nil, err
	}

	out, err := dialAfterAttach(ctx, c, fserrors.PathDirect, "", dialE2EEOptions{
		psk:               psk,
		suite:             suite,
		channelID:         info.ChannelId,
		clientFeatures:    cfg.clientFeatures,
		maxHandshakeBytes: cfg.maxHandshakePayload,
		maxRecordBytes:    cfg.maxRecordBytes,
		maxBufferedBytes:  cfg.maxBufferedBytes,
		handshakeTimeout:  handshakeTimeout,
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if keepalive > 0 {
		out.startKeepalive(keepalive)
	}
	return out, nil
}

// resolveOrigin picks the Origin header value from explicit config, falling
// back to whatever the caller already set on the header map directly.
func resolveOrigin(path fserrors.Path, cfg connectOptions) (string, error) {
	origin := strings.TrimSpace(cfg.origin)
	if origin == "" {
		origin = strings.TrimSpace(cfg.header.Get("Origin"))
	}
	if origin == "" {
		return "", wrapErr(path, fserrors.StageValidate, fserrors.CodeMissingOrigin, ErrMissingOrigin)
	}
	return origin, nil
}

// decodePSK validates the base64url-encoded pre-shared key carried in a grant
// or direct-connect document: it must decode to exactly 32 bytes.
func decodePSK(path fserrors.Path, pskB64u string) ([]byte, error) {
	psk, err := base64url.Decode(pskB64u)
	if err != nil || len(psk) != 32 {
		if err == nil {
			err = ErrInvalidPSK
		}
		return nil, wrapErr(path, fserrors.StageValidate, fserrors.CodeInvalidPSK, err)
	}
	return psk, nil
}

// validateSuite rejects any suite this client doesn't implement.
func validateSuite(path fserrors.Path, suite e2ee.Suite) (e2ee.Suite, error) {
	switch suite {
	case e2ee.SuiteX25519HKDFAES256GCM, e2ee.SuiteP256HKDFAES256GCM:
		return suite, nil
	default:
		return 0, wrapErr(path, fserrors.StageValidate, fserrors.CodeInvalidSuite, ErrInvalidSuite)
	}
}

// dialWithOrigin opens the websocket with the resolved Origin header and caps
// the read limit before any untrusted bytes are read off the wire.
func dialWithOrigin(ctx context.Context, path fserrors.Path, url string, cfg connectOptions, origin string) (*ws.Conn, error) {
	h := cloneHeader(cfg.header)
	h.Set("Origin", origin)
	c, _, err := ws.Dial(ctx, url, ws.DialOptions{Header: h, Dialer: cfg.dialer})
	if err != nil {
		return nil, wrapErr(path, fserrors.StageConnect, fserrors.ClassifyConnectCode(err), err)
	}
	// Guard against a single oversized websocket message causing an OOM before size checks run.
	c.SetReadLimit(wsutil.ReadLimit(cfg.maxHandshakePayload, cfg.maxRecordBytes))
	return c, nil
}

func classifyTunnelAttachWriteCode(err error) fserrors.Code {
	if code, ok := fserrors.ClassifyTunnelAttachCloseCode(err); ok {
		return code
	}
	return fserrors.ClassifyAttachCode(err)
}

type dialE2EEOptions struct {
	psk            []byte
	suite          e2ee.Suite
	channelID      string
	clientFeatures uint32

	maxHandshakeBytes int
	maxRecordBytes    int
	maxBufferedBytes  int

	handshakeTimeout time.Duration
}

func dialAfterAttach(ctx context.Context, c *ws.Conn, path fserrors.Path, endpointInstanceID string, opts dialE2EEOptions) (*session, error) {
	handshakeCtx, handshakeCancel := contextutil.WithTimeout(ctx, opts.handshakeTimeout)
	defer handshakeCancel()

	bt := e2ee.NewWebSocketMessageTransport(c)
	secure, err := e2ee.ClientHandshake(handshakeCtx, bt, e2ee.ClientHandshakeOptions{
		PSK:                 opts.psk,
		Suite:               opts.suite,
		ChannelID:           opts.channelID,
		ClientFeatures:      opts.clientFeatures,
		MaxHandshakePayload: opts.maxHandshakeBytes,
		MaxRecordBytes:      opts.maxRecordBytes,
		MaxBufferedBytes:    opts.maxBufferedBytes,
	})
	if err != nil {
		// Tunnel attach rejections are communicated via websocket close status + reason tokens.
		// Surface them as attach-layer failures instead of a generic handshake error.
		if path == fserrors.PathTunnel {
			if code, ok := fserrors.ClassifyTunnelAttachCloseCode(err); ok {
				return nil, wrapErr(path, fserrors.StageAttach, code, err)
			}
		}
		return nil, wrapErr(path, fserrors.StageHandshake, fserrors.ClassifyHandshakeCode(err), err)
	}

	ycfg := hyamux.DefaultConfig()
	ycfg.EnableKeepAlive = false
	ycfg.LogOutput = io.Discard
	sess, err := mux.NewClient(secure, ycfg)
	if err != nil {
		_ = secure.Close()
		return nil, wrapErr(path, fserrors.StageYamux, fserrors.CodeMuxFailed, err)
	}

	rpcStream, err := sess.OpenStream()
	if err != nil {
		_ = sess.Close()
		_ = secure.Close()
		return nil, wrapErr(path, fserrors.StageYamux, fserrors.CodeOpenStreamFailed, err)
	}
	if err := streamhello.WriteStreamHello(rpcStream, "rpc"); err != nil {
		_ = rpcStream.Close()
		_ = sess.Close()
		_ = secure.Close()
		return nil, wrapErr(path, fserrors.StageRPC, fserrors.CodeStreamHelloFailed, err)
	}
	rpcClient := rpc.NewClient(rpcStream)

	out := &session{
		path:               path,
		endpointInstanceID: endpointInstanceID,
		secure:             secure,
		mux:                sess,
		rpc:                rpcClient,
	}
	return out, nil
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	out := make(http.Header, len(h))
	for k, vv := range h {
		cp := make([]string, len(vv))
		copy(cp, vv)
		out[k] = cp
	}
	return out
}
