// Package grant defines the control-plane documents endpoints use to
// connect: the channel-init grant handed to each side of a tunnel
// connection, and the direct-connect info used when bypassing the tunnel
// entirely. Both are plain JSON documents with no generated-code
// dependency; endpoints and the control-plane issuer share this package
// as their only coupling.
package grant

import (
	"github.com/floegence/flowersec-sub002/crypto/e2ee"
	"github.com/floegence/flowersec-sub002/tunnel/protocol"
)

// ChannelInitGrant is issued once per role per channel by the control
// plane and carried out-of-band to the client and server processes.
type ChannelInitGrant struct {
	TunnelUrl                string          `json:"tunnel_url"`
	ChannelId                string          `json:"channel_id"`
	ChannelInitExpireAtUnixS int64           `json:"channel_init_expire_at_unix_s"`
	IdleTimeoutSeconds       int32           `json:"idle_timeout_seconds"`
	Role                     protocol.Role   `json:"role"`
	Token                    string          `json:"token"`
	E2eePskB64u              string          `json:"e2ee_psk_b64u"`
	AllowedSuites            []e2ee.Suite    `json:"allowed_suites"`
	DefaultSuite             e2ee.Suite      `json:"default_suite"`
}

// DirectConnectInfo is the document used to connect directly to a server
// endpoint's WebSocket listener, bypassing the tunnel relay.
type DirectConnectInfo struct {
	WsUrl                    string     `json:"ws_url"`
	ChannelId                string     `json:"channel_id"`
	ChannelInitExpireAtUnixS int64      `json:"channel_init_expire_at_unix_s"`
	E2eePskB64u              string     `json:"e2ee_psk_b64u"`
	DefaultSuite             e2ee.Suite `json:"default_suite"`
}
