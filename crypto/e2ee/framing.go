package e2ee

import (
	"errors"

	"github.com/floegence/flowersec-sub002/internal/bin"
)

var (
	// ErrInvalidMagic indicates the frame does not start with a known magic.
	ErrInvalidMagic = errors.New("invalid frame magic")
	// ErrInvalidLength indicates the length field and frame size disagree.
	ErrInvalidLength = errors.New("invalid frame length")
	// ErrInvalidVersion indicates the frame carries an unknown protocol version.
	ErrInvalidVersion = errors.New("invalid protocol version")
	// ErrPayloadTooLarge indicates a handshake payload exceeds the configured cap.
	ErrPayloadTooLarge = errors.New("handshake payload too large")
)

const (
	// recordHeaderLen is magic(4) + version(1) + flags(1) + seq(8) + cipher_len(4).
	recordHeaderLen = 18
	// recordAADLen covers magic through seq; the length field is excluded from
	// the AAD so that it can be computed before the ciphertext size is known.
	recordAADLen = 14
	// handshakeHeaderLen is magic(4) + version(1) + type(1) + payload_len(4).
	handshakeHeaderLen = 10
	// gcmTagLen is the AES-GCM authentication tag size appended to every ciphertext.
	gcmTagLen = 16
)

// EncodeHandshakeFrame wraps a handshake JSON payload in the FSEH framing.
func EncodeHandshakeFrame(handshakeType uint8, payload []byte) []byte {
	out := make([]byte, handshakeHeaderLen+len(payload))
	copy(out[:4], []byte(HandshakeMagic))
	out[4] = ProtocolVersion
	out[5] = handshakeType
	bin.PutU32BE(out[6:10], uint32(len(payload)))
	copy(out[handshakeHeaderLen:], payload)
	return out
}

// DecodeHandshakeFrame validates the FSEH framing and returns the handshake
// type and payload. maxPayload bounds the payload size; the declared length
// must match the frame exactly.
func DecodeHandshakeFrame(frame []byte, maxPayload int) (handshakeType uint8, payload []byte, err error) {
	if len(frame) < handshakeHeaderLen {
		return 0, nil, ErrInvalidLength
	}
	if string(frame[:4]) != HandshakeMagic {
		return 0, nil, ErrInvalidMagic
	}
	if frame[4] != ProtocolVersion {
		return 0, nil, ErrInvalidVersion
	}
	handshakeType = frame[5]
	switch handshakeType {
	case HandshakeTypeInit, HandshakeTypeResp, HandshakeTypeAck:
	default:
		return 0, nil, errors.New("unknown handshake type")
	}
	n := int(bin.U32BE(frame[6:10]))
	if n < 0 || handshakeHeaderLen+n != len(frame) {
		return 0, nil, ErrInvalidLength
	}
	if maxPayload > 0 && n > maxPayload {
		return 0, nil, ErrPayloadTooLarge
	}
	return handshakeType, frame[handshakeHeaderLen:], nil
}

// LooksLikeRecordFrame reports whether b is shaped like a complete FSEC
// record frame within maxRecordBytes. It inspects only the header, so the
// tunnel can classify traffic without holding keys.
func LooksLikeRecordFrame(b []byte, maxRecordBytes int) bool {
	if len(b) < recordHeaderLen+gcmTagLen {
		return false
	}
	if maxRecordBytes > 0 && len(b) > maxRecordBytes {
		return false
	}
	if string(b[:4]) != RecordMagic {
		return false
	}
	if b[4] != ProtocolVersion {
		return false
	}
	n := int(bin.U32BE(b[14:18]))
	return n >= gcmTagLen && recordHeaderLen+n == len(b)
}

// LooksLikeHandshakeFrame reports whether b is shaped like a complete FSEH
// handshake frame within maxFrameBytes.
func LooksLikeHandshakeFrame(b []byte, maxFrameBytes int) bool {
	if len(b) < handshakeHeaderLen {
		return false
	}
	if maxFrameBytes > 0 && len(b) > maxFrameBytes {
		return false
	}
	if string(b[:4]) != HandshakeMagic {
		return false
	}
	if b[4] != ProtocolVersion {
		return false
	}
	switch b[5] {
	case HandshakeTypeInit, HandshakeTypeResp, HandshakeTypeAck:
	default:
		return false
	}
	n := int(bin.U32BE(b[6:10]))
	return n >= 0 && handshakeHeaderLen+n == len(b)
}
