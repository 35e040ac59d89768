package fserrors

import "strings"

// Path identifies the top-level connect path.
type Path string

const (
	PathAuto   Path = "auto"
	PathTunnel Path = "tunnel"
	PathDirect Path = "direct"
)

// Stage identifies which step of the protocol stack failed.
type Stage string

const (
	StageValidate  Stage = "validate"
	StageConnect   Stage = "connect"
	StageAttach    Stage = "attach"
	StageHandshake Stage = "handshake"
	StageSecure    Stage = "secure"
	StageYamux     Stage = "yamux"
	StageRPC       Stage = "rpc"
	StageClose     Stage = "close"
)

// Code is a stable, programmatic error identifier for user-facing operations.
type Code string

const (
	CodeTimeout                   Code = "timeout"
	CodeCanceled                  Code = "canceled"
	CodeInvalidInput              Code = "invalid_input"
	CodeMissingGrant              Code = "missing_grant"
	CodeMissingConnectInfo        Code = "missing_connect_info"
	CodeRoleMismatch              Code = "role_mismatch"
	CodeMissingTunnelURL          Code = "missing_tunnel_url"
	CodeMissingWSURL              Code = "missing_ws_url"
	CodeMissingOrigin             Code = "missing_origin"
	CodeMissingConn               Code = "missing_conn"
	CodeMissingChannelID          Code = "missing_channel_id"
	CodeMissingToken              Code = "missing_token"
	CodeMissingInitExp            Code = "missing_init_exp"
	CodeTimestampAfterInitExp     Code = "timestamp_after_init_exp"
	CodeTimestampOutOfSkew        Code = "timestamp_out_of_skew"
	CodeAuthTagMismatch           Code = "auth_tag_mismatch"
	CodeInvalidVersion            Code = "invalid_version"
	CodeInvalidSuite              Code = "invalid_suite"
	CodeInvalidPSK                Code = "invalid_psk"
	CodeInvalidEndpointInstanceID Code = "invalid_endpoint_instance_id"
	CodeInvalidOption             Code = "invalid_option"
	CodeResolveFailed             Code = "resolve_failed"
	CodeRandomFailed              Code = "random_failed"
	CodeUpgradeFailed             Code = "upgrade_failed"
	CodeNotConnected              Code = "not_connected"
	CodeMissingHandler            Code = "missing_handler"
	CodeMissingStreamKind         Code = "missing_stream_kind"
	CodeDialFailed                Code = "dial_failed"
	CodeAttachFailed              Code = "attach_failed"
	CodeHandshakeFailed           Code = "handshake_failed"
	CodePingFailed                Code = "ping_failed"
	CodeMuxFailed                 Code = "mux_failed"
	CodeAcceptStreamFailed        Code = "accept_stream_failed"
	CodeOpenStreamFailed          Code = "open_stream_failed"
	CodeStreamHelloFailed         Code = "stream_hello_failed"
	CodeRPCFailed                 Code = "rpc_failed"

	// Tunnel attach-rejection codes, decoded from a websocket close reason
	// token sent by the tunnel server before the E2EE handshake begins.
	CodeTooManyConnections  Code = "too_many_connections"
	CodeTooManyChannels     Code = "too_many_channels"
	CodeExpectedAttach      Code = "expected_attach"
	CodeInvalidAttach       Code = "invalid_attach"
	CodeInvalidToken        Code = "invalid_token"
	CodeChannelMismatch     Code = "channel_mismatch"
	CodeInitExpMismatch     Code = "init_exp_mismatch"
	CodeIdleTimeoutMismatch Code = "idle_timeout_mismatch"
	CodeTokenReplay         Code = "token_replay"
	CodeReplaceRateLimited  Code = "replace_rate_limited"
)

// Error is a structured, programmatically identifiable error for user-facing
// operations. Path, Stage and Code are the external contract: callers match on
// their string values (e.g. in logs or a CLI's --json output), so the values
// assigned in the const blocks above must never change once shipped, even
// when the Go identifier naming around them is reworked.
type Error struct {
	Path  Path
	Stage Stage
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(string(e.Path))
	b.WriteByte(' ')
	b.WriteString(string(e.Stage))
	b.WriteString(" (")
	b.WriteString(string(e.Code))
	b.WriteByte(')')
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target carries the same Code, letting callers write
// errors.Is(err, fserrors.Wrap("", "", fserrors.CodeTimeout, nil)) instead of
// a type assertion followed by a field comparison.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return e.Code == t.Code
}

// Wrap builds a structured Error for a failure at the given path and stage.
// err may be nil when the failure has no underlying cause beyond the code
// itself (e.g. a validation rejection).
func Wrap(path Path, stage Stage, code Code, err error) error {
	return &Error{Path: path, Stage: stage, Code: code, Err: err}
}
