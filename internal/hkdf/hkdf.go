// Package hkdf wraps golang.org/x/crypto/hkdf with the two-step
// extract-then-expand shape the E2EE key schedule needs: the PRK is
// derived once per handshake and then expanded into several
// independently-labeled outputs (keys, nonce prefixes, rekey base).
package hkdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ExtractSHA256 derives a pseudorandom key from salt and input keying material.
func ExtractSHA256(salt, ikm []byte) []byte {
	return hkdf.Extract(sha256.New, ikm, salt)
}

// ExpandSHA256 expands prk into length bytes of output keying material labeled by info.
func ExpandSHA256(prk, info []byte, length int) ([]byte, error) {
	r := hkdf.Expand(sha256.New, prk, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
