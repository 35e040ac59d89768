package e2ee

import "encoding/json"

// handshakeRole distinguishes the two handshake participants on the wire.
// It mirrors tunnel/protocol.Role but lives here undecorated so crypto/e2ee
// has no dependency on the tunnel package.
type handshakeRole uint8

const (
	handshakeRoleClient handshakeRole = 1
	handshakeRoleServer handshakeRole = 2
)

// e2eeInit is the client's FSEH Init payload.
type e2eeInit struct {
	ChannelId        string        `json:"channel_id"`
	Role             handshakeRole `json:"role"`
	Version          uint8         `json:"version"`
	Suite            Suite         `json:"suite"`
	ClientEphPubB64u string        `json:"client_eph_pub_b64u"`
	NonceCB64u       string        `json:"nonce_c_b64u"`
	ClientFeatures   uint32        `json:"client_features"`
}

// e2eeResp is the server's FSEH Resp payload.
type e2eeResp struct {
	HandshakeId      string `json:"handshake_id"`
	ServerEphPubB64u string `json:"server_eph_pub_b64u"`
	NonceSB64u       string `json:"nonce_s_b64u"`
	ServerFeatures   uint32 `json:"server_features"`
}

// e2eeAck is the client's FSEH Ack payload, carrying the PSK-bound
// confirmation tag.
type e2eeAck struct {
	HandshakeId    string `json:"handshake_id"`
	TimestampUnixS uint64 `json:"timestamp_unix_s"`
	AuthTagB64u    string `json:"auth_tag_b64u"`
}

// InitFields is the subset of the client Init payload that callers outside
// this package need in order to resolve per-channel secrets before the
// handshake proceeds (see endpoint.AcceptDirectWSResolved).
type InitFields struct {
	ChannelID      string
	Role           uint8
	Version        uint8
	Suite          Suite
	ClientFeatures uint32
}

// ParseInitPayload decodes a raw FSEH Init JSON payload without exposing the
// unexported e2eeInit wire type outside this package.
func ParseInitPayload(payload []byte) (InitFields, error) {
	var m e2eeInit
	if err := json.Unmarshal(payload, &m); err != nil {
		return InitFields{}, err
	}
	return InitFields{
		ChannelID:      m.ChannelId,
		Role:           uint8(m.Role),
		Version:        m.Version,
		Suite:          m.Suite,
		ClientFeatures: m.ClientFeatures,
	}, nil
}
