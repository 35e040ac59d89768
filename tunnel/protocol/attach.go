package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/floegence/flowersec-sub002/internal/base64url"
)

// AttachVersion is the JSON attach envelope version.
const AttachVersion = 1

// Attach is the plaintext JSON message an endpoint sends as the first frame
// on its websocket to enter a tunnel channel with a specific role. It is the
// entire vocabulary the tunnel server understands before a channel is paired.
type Attach struct {
	V                  int    `json:"v"`
	ChannelId          string `json:"channel_id"`
	Role               Role   `json:"role"`
	Token              string `json:"token"`
	EndpointInstanceId string `json:"endpoint_instance_id"`
}

// AttachConstraints caps attach payload sizes to prevent abuse.
type AttachConstraints struct {
	MaxAttachBytes int // Maximum total attach JSON bytes.
	MaxChannelID   int // Maximum channel_id length.
	MaxToken       int // Maximum token length.
}

// DefaultAttachConstraints returns safe defaults for attach validation.
func DefaultAttachConstraints() AttachConstraints {
	return AttachConstraints{
		MaxAttachBytes: 8 * 1024,
		MaxChannelID:   256,
		MaxToken:       2048,
	}
}

var (
	ErrAttachTooLarge         = errors.New("attach too large")
	ErrAttachInvalidJSON      = errors.New("attach invalid json")
	ErrAttachInvalidVersion   = errors.New("attach invalid version")
	ErrAttachMissingChannelID = errors.New("attach missing channel_id")
	ErrAttachInvalidChannelID = errors.New("attach invalid channel_id")
	ErrAttachInvalidRole      = errors.New("attach invalid role")
	ErrAttachMissingToken     = errors.New("attach missing token")
	ErrAttachInvalidToken     = errors.New("attach invalid token")
	ErrAttachMissingEID       = errors.New("attach missing endpoint_instance_id")
	ErrAttachInvalidEID       = errors.New("attach invalid endpoint_instance_id")
)

// ParseAttach validates and parses an attach JSON message using DefaultAttachConstraints.
func ParseAttach(b []byte) (*Attach, error) {
	return ParseAttachWithConstraints(b, DefaultAttachConstraints())
}

// ParseAttachWithConstraints validates and parses the attach JSON message.
//
// Zero-valued fields in c are filled from DefaultAttachConstraints to ensure a safe default.
func ParseAttachWithConstraints(b []byte, c AttachConstraints) (*Attach, error) {
	def := DefaultAttachConstraints()
	if c.MaxAttachBytes == 0 {
		c.MaxAttachBytes = def.MaxAttachBytes
	}
	if c.MaxChannelID == 0 {
		c.MaxChannelID = def.MaxChannelID
	}
	if c.MaxToken == 0 {
		c.MaxToken = def.MaxToken
	}
	if c.MaxAttachBytes > 0 && len(b) > c.MaxAttachBytes {
		return nil, ErrAttachTooLarge
	}
	var a Attach
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, ErrAttachInvalidJSON
	}
	if a.V != AttachVersion {
		return nil, ErrAttachInvalidVersion
	}
	if strings.TrimSpace(a.ChannelId) == "" {
		return nil, ErrAttachMissingChannelID
	}
	if c.MaxChannelID > 0 && len(a.ChannelId) > c.MaxChannelID {
		return nil, fmt.Errorf("channel_id too long: %w", ErrAttachInvalidChannelID)
	}
	if !a.Role.Valid() {
		return nil, ErrAttachInvalidRole
	}
	if strings.TrimSpace(a.Token) == "" {
		return nil, ErrAttachMissingToken
	}
	if c.MaxToken > 0 && len(a.Token) > c.MaxToken {
		return nil, ErrAttachInvalidToken
	}
	if strings.TrimSpace(a.EndpointInstanceId) == "" {
		return nil, ErrAttachMissingEID
	}
	eidBytes, err := base64url.Decode(a.EndpointInstanceId)
	if err != nil {
		return nil, ErrAttachInvalidEID
	}
	if len(eidBytes) < 16 || len(eidBytes) > 32 {
		return nil, ErrAttachInvalidEID
	}
	return &a, nil
}
