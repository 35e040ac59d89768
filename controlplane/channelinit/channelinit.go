// Package channelinit is the control-plane service that mints paired
// client/server channel-init grants: a shared PSK and a signed attach
// token per role, bound to one channel_id. It is a dev/test control
// plane — the tunnel server and endpoints never import it directly, they
// only consume the grant/token/tunnel-keyset documents it produces.
package channelinit

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/floegence/flowersec-sub002/controlplane/grant"
	"github.com/floegence/flowersec-sub002/controlplane/issuer"
	"github.com/floegence/flowersec-sub002/controlplane/token"
	"github.com/floegence/flowersec-sub002/crypto/e2ee"
	"github.com/floegence/flowersec-sub002/internal/base64url"
	"github.com/floegence/flowersec-sub002/internal/timeutil"
	"github.com/floegence/flowersec-sub002/tunnel/protocol"
)

const (
	// ChannelInitWindowSeconds bounds how long a grant remains valid.
	ChannelInitWindowSeconds = 120
	// DefaultIdleTimeoutSeconds advertises the tunnel idle timeout to endpoints.
	//
	// This value is embedded into signed tokens and enforced by the tunnel.
	DefaultIdleTimeoutSeconds = 60
	// DefaultTokenExpSeconds is used when TokenExpSeconds is unset.
	DefaultTokenExpSeconds = 60
)

var ErrChannelInitExpired = errors.New("channel init expired")

// Params define channel-init issuance settings and defaults.
type Params struct {
	TunnelURL      string // WebSocket URL for tunnel server.
	TunnelAudience string // Expected audience for issued tokens.
	IssuerID       string // Issuer identifier embedded in tokens.

	TokenExpSeconds    int64         // Token lifetime in seconds (0 uses default; capped by init exp).
	IdleTimeoutSeconds int32         // Tunnel idle timeout enforced per channel (seconds) (0 uses default).
	ClockSkew          time.Duration // Allowed clock skew for validation hints.

	AllowedSuites []e2ee.Suite // E2EE suites permitted for the channel.
	DefaultSuite  e2ee.Suite   // Default E2EE suite for the channel.
}

// Service issues channel-init grants and tokens for clients/servers.
type Service struct {
	Issuer *issuer.Keyset   // Signing keyset for tunnel tokens.
	Params Params           // Defaults and limits for channel-init grants.
	Now    func() time.Time // Optional time source override.
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// NewChannelInit creates paired client/server grants with shared PSK and tokens.
func (s *Service) NewChannelInit(channelID string) (client *grant.ChannelInitGrant, server *grant.ChannelInitGrant, err error) {
	if s.Issuer == nil {
		return nil, nil, errors.New("missing issuer")
	}
	if s.Params.TunnelURL == "" {
		return nil, nil, errors.New("missing tunnel url")
	}
	if s.Params.TunnelAudience == "" {
		return nil, nil, errors.New("missing tunnel audience")
	}
	if s.Params.IssuerID == "" {
		return nil, nil, errors.New("missing issuer id")
	}
	if channelID == "" {
		return nil, nil, errors.New("missing channel_id")
	}
	psk, err := randomBytes(32)
	if err != nil {
		return nil, nil, err
	}
	pskB64u := base64url.Encode(psk)

	now := s.now()
	initExp := now.Add(ChannelInitWindowSeconds * time.Second).Unix()
	tokenExpSeconds := s.Params.TokenExpSeconds
	if tokenExpSeconds < 0 {
		return nil, nil, errors.New("token_exp_seconds must be >= 0")
	}
	if tokenExpSeconds == 0 {
		tokenExpSeconds = DefaultTokenExpSeconds
	}
	idleTimeoutSeconds := s.Params.IdleTimeoutSeconds
	if idleTimeoutSeconds < 0 {
		return nil, nil, errors.New("idle_timeout_seconds must be >= 0")
	}
	if idleTimeoutSeconds == 0 {
		idleTimeoutSeconds = DefaultIdleTimeoutSeconds
	}

	allowedSuites := s.Params.AllowedSuites
	if len(allowedSuites) == 0 {
		allowedSuites = []e2ee.Suite{e2ee.SuiteX25519HKDFAES256GCM}
	}
	allowedSuites = normalizeSuites(allowedSuites)
	if len(allowedSuites) == 0 {
		return nil, nil, errors.New("no allowed suites")
	}
	defaultSuite := s.Params.DefaultSuite
	if defaultSuite == 0 {
		// If the caller does not specify a default, prefer the first allowed suite.
		defaultSuite = allowedSuites[0]
	}
	if !containsSuite(allowedSuites, defaultSuite) {
		return nil, nil, errors.New("default suite not allowed")
	}

	clientToken, err := s.signRoleToken(channelID, uint8(protocol.RoleClient), initExp, idleTimeoutSeconds, tokenExpSeconds, now)
	if err != nil {
		return nil, nil, err
	}
	serverToken, err := s.signRoleToken(channelID, uint8(protocol.RoleServer), initExp, idleTimeoutSeconds, tokenExpSeconds, now)
	if err != nil {
		return nil, nil, err
	}

	client = &grant.ChannelInitGrant{
		TunnelUrl:                s.Params.TunnelURL,
		ChannelId:                channelID,
		ChannelInitExpireAtUnixS: initExp,
		IdleTimeoutSeconds:       idleTimeoutSeconds,
		Role:                     protocol.RoleClient,
		Token:                    clientToken,
		E2eePskB64u:              pskB64u,
		AllowedSuites:            allowedSuites,
		DefaultSuite:             defaultSuite,
	}
	server = &grant.ChannelInitGrant{
		TunnelUrl:                s.Params.TunnelURL,
		ChannelId:                channelID,
		ChannelInitExpireAtUnixS: initExp,
		IdleTimeoutSeconds:       idleTimeoutSeconds,
		Role:                     protocol.RoleServer,
		Token:                    serverToken,
		E2eePskB64u:              pskB64u,
		AllowedSuites:            allowedSuites,
		DefaultSuite:             defaultSuite,
	}
	return client, server, nil
}

// ReissueToken refreshes the signed token while keeping the same grant fields.
func (s *Service) ReissueToken(g *grant.ChannelInitGrant) (*grant.ChannelInitGrant, error) {
	if s.Issuer == nil {
		return nil, errors.New("missing issuer")
	}
	if s.Params.TunnelAudience == "" {
		return nil, errors.New("missing tunnel audience")
	}
	if s.Params.IssuerID == "" {
		return nil, errors.New("missing issuer id")
	}
	if g == nil {
		return nil, errors.New("missing grant")
	}
	if g.IdleTimeoutSeconds <= 0 {
		return nil, errors.New("missing idle_timeout_seconds")
	}
	now := s.now()
	skew := s.Params.ClockSkew
	if skew < 0 {
		skew = 0
	}
	skew = timeutil.NormalizeSkew(skew)
	if now.Unix() > timeutil.AddSkewUnix(g.ChannelInitExpireAtUnixS, skew) {
		return nil, ErrChannelInitExpired
	}
	tokenExpSeconds := s.Params.TokenExpSeconds
	if tokenExpSeconds < 0 {
		return nil, errors.New("token_exp_seconds must be >= 0")
	}
	if tokenExpSeconds == 0 {
		tokenExpSeconds = DefaultTokenExpSeconds
	}
	newToken, err := s.signRoleToken(g.ChannelId, uint8(g.Role), g.ChannelInitExpireAtUnixS, g.IdleTimeoutSeconds, tokenExpSeconds, now)
	if err != nil {
		return nil, err
	}
	out := *g
	out.Token = newToken
	return &out, nil
}

func (s *Service) signRoleToken(channelID string, role uint8, initExp int64, idleTimeoutSeconds int32, tokenExpSeconds int64, now time.Time) (string, error) {
	tokenID, err := randomB64u(24)
	if err != nil {
		return "", err
	}
	iat := now.Unix()
	exp := iat
	if tokenExpSeconds > 0 {
		// Avoid time.Duration overflow when tokenExpSeconds is very large.
		if iat > math.MaxInt64-tokenExpSeconds {
			exp = math.MaxInt64
		} else {
			exp = iat + tokenExpSeconds
		}
	}
	if exp > initExp {
		exp = initExp
	}
	return s.Issuer.SignToken(token.Payload{
		Aud:                s.Params.TunnelAudience,
		Iss:                s.Params.IssuerID,
		ChannelID:          channelID,
		Role:               role,
		TokenID:            tokenID,
		InitExp:            initExp,
		IdleTimeoutSeconds: idleTimeoutSeconds,
		Iat:                iat,
		Exp:                exp,
	})
}

func randomB64u(n int) (string, error) {
	b, err := randomBytes(n)
	if err != nil {
		return "", err
	}
	return base64url.Encode(b), nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// MarshalGrantJSON encodes the grant for transport to the client.
func MarshalGrantJSON(g *grant.ChannelInitGrant) ([]byte, error) {
	return json.Marshal(g)
}

func normalizeSuites(in []e2ee.Suite) []e2ee.Suite {
	if len(in) == 0 {
		return nil
	}
	out := make([]e2ee.Suite, 0, len(in))
	seen := make(map[e2ee.Suite]struct{}, len(in))
	for _, s := range in {
		if s == 0 {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func containsSuite(list []e2ee.Suite, want e2ee.Suite) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
