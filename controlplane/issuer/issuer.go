// Package issuer is the control-plane component that mints signed attach
// tokens. The tunnel server (tunnel/server) imports it only for the
// TunnelKeysetFile and TunnelKey types it decodes the keys file into; local
// tooling (cmd/flowersec-channelinit, cmd/flowersec-issuer-keygen) links
// against it to stand up a self-contained dev control plane.
package issuer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"

	"github.com/floegence/flowersec-sub002/controlplane/token"
	"github.com/floegence/flowersec-sub002/internal/base64url"
)

// Keyset holds the currently active Ed25519 signing key for an issuer.
type Keyset struct {
	mu   sync.RWMutex
	kid  string
	priv ed25519.PrivateKey
}

// New wraps an existing Ed25519 private key as the active signing key.
func New(kid string, priv ed25519.PrivateKey) (*Keyset, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid ed25519 private key")
	}
	return &Keyset{kid: kid, priv: priv}, nil
}

// NewRandom generates a fresh random Ed25519 signing key under kid.
func NewRandom(kid string) (*Keyset, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return New(kid, priv)
}

// CurrentKID returns the active signing key ID.
func (k *Keyset) CurrentKID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.kid
}

// PublicKeys returns a snapshot of {kid: pubkey} for the active key.
func (k *Keyset) PublicKeys() map[string]ed25519.PublicKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub := k.priv.Public().(ed25519.PublicKey)
	return map[string]ed25519.PublicKey{k.kid: pub}
}

// SignToken signs payload with the active key, overwriting payload.Kid.
func (k *Keyset) SignToken(payload token.Payload) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	payload.Kid = k.kid
	return token.Sign(k.priv, payload)
}

// Rotate swaps in a new signing key and key ID.
func (k *Keyset) Rotate(newKid string, newPriv ed25519.PrivateKey) error {
	if len(newPriv) != ed25519.PrivateKeySize {
		return errors.New("invalid ed25519 private key")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.kid = newKid
	k.priv = newPriv
	return nil
}

// TunnelKeysetFile is the JSON document a tunnel server loads to verify
// tokens signed by this issuer. It carries public keys only.
type TunnelKeysetFile struct {
	Keys []TunnelKey `json:"keys"`
}

// TunnelKey is one exported public signing key.
type TunnelKey struct {
	KID       string `json:"kid"`
	PubKeyB64 string `json:"pubkey_b64u"`
}

// ExportTunnelKeyset serializes the current public key(s) for distribution
// to tunnel servers.
func (k *Keyset) ExportTunnelKeyset() ([]byte, error) {
	keys := make([]TunnelKey, 0, 1)
	for kid, pub := range k.PublicKeys() {
		keys = append(keys, TunnelKey{
			KID:       kid,
			PubKeyB64: base64url.Encode(pub),
		})
	}
	return json.MarshalIndent(TunnelKeysetFile{Keys: keys}, "", "  ")
}
