package client

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/floegence/flowersec-sub002/controlplane/grant"
	"github.com/floegence/flowersec-sub002/crypto/e2ee"
	"github.com/floegence/flowersec-sub002/tunnel/protocol"
)

func TestConnectTunnel_RejectsInvalidEndpointInstanceID(t *testing.T) {
	psk := make([]byte, 32)
	for i := range psk {
		psk[i] = 1
	}
	g := &grant.ChannelInitGrant{
		TunnelUrl:                "ws://example.invalid",
		ChannelId:                "ch_1",
		Role:                     protocol.RoleClient,
		Token:                    "tok",
		E2eePskB64u:              base64.RawURLEncoding.EncodeToString(psk),
		ChannelInitExpireAtUnixS: 1,
		DefaultSuite:             1,
		AllowedSuites:            []e2ee.Suite{e2ee.SuiteX25519HKDFAES256GCM},
		IdleTimeoutSeconds:       60,
	}
	_, err := ConnectTunnel(context.Background(), g, WithOrigin("http://example.com"), WithEndpointInstanceID("!!!"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrInvalidEndpointInstanceID) {
		t.Fatalf("expected ErrInvalidEndpointInstanceID, got %v", err)
	}
	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("expected *client.Error, got %T", err)
	}
	if fe.Path != PathTunnel || fe.Stage != StageValidate || fe.Code != CodeInvalidEndpointInstanceID {
		t.Fatalf("unexpected error: %+v", fe)
	}
}

func TestConnectTunnel_RejectsInvalidPSKLength(t *testing.T) {
	psk := make([]byte, 16)
	for i := range psk {
		psk[i] = 1
	}
	g := &grant.ChannelInitGrant{
		TunnelUrl:                "ws://example.invalid",
		ChannelId:                "ch_1",
		Role:                     protocol.RoleClient,
		Token:                    "tok",
		E2eePskB64u:              base64.RawURLEncoding.EncodeToString(psk),
		ChannelInitExpireAtUnixS: 1,
		DefaultSuite:             1,
		AllowedSuites:            []e2ee.Suite{e2ee.SuiteX25519HKDFAES256GCM},
		IdleTimeoutSeconds:       60,
	}
	_, err := ConnectTunnel(context.Background(), g, WithOrigin("http://example.com"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrInvalidPSK) {
		t.Fatalf("expected ErrInvalidPSK, got %v", err)
	}
	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("expected *client.Error, got %T", err)
	}
	if fe.Path != PathTunnel || fe.Stage != StageValidate || fe.Code != CodeInvalidPSK {
		t.Fatalf("unexpected error: %+v", fe)
	}
}

func TestConnectDirect_RejectsInvalidSuite(t *testing.T) {
	psk := make([]byte, 32)
	for i := range psk {
		psk[i] = 1
	}
	info := &grant.DirectConnectInfo{
		WsUrl:                    "ws://example.invalid",
		ChannelId:                "ch_1",
		E2eePskB64u:              base64.RawURLEncoding.EncodeToString(psk),
		ChannelInitExpireAtUnixS: 1,
		DefaultSuite:             999,
	}
	_, err := ConnectDirect(context.Background(), info, WithOrigin("http://example.com"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrInvalidSuite) {
		t.Fatalf("expected ErrInvalidSuite, got %v", err)
	}
	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("expected *client.Error, got %T", err)
	}
	if fe.Path != PathDirect || fe.Stage != StageValidate || fe.Code != CodeInvalidSuite {
		t.Fatalf("unexpected error: %+v", fe)
	}
}
