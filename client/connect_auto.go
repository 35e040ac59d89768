package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/floegence/flowersec-sub002/controlplane/grant"
	"github.com/floegence/flowersec-sub002/fserrors"
	"github.com/floegence/flowersec-sub002/protocolio"
)

// Connect auto-detects tunnel vs direct connect inputs and returns an RPC-ready client session.
//
// Supported input types:
//   - *grant.ChannelInitGrant (tunnel grant, role=client)
//   - *grant.DirectConnectInfo (direct connect info)
//   - io.Reader / []byte / string containing JSON (wrapper {"grant_client":{...}} or DirectConnectInfo)
func Connect(ctx context.Context, input any, opts ...ConnectOption) (Client, error) {
	switch v := input.(type) {
	case *grant.ChannelInitGrant:
		return ConnectTunnel(ctx, v, opts...)
	case grant.ChannelInitGrant:
		cp := v
		return ConnectTunnel(ctx, &cp, opts...)
	case *grant.DirectConnectInfo:
		return ConnectDirect(ctx, v, opts...)
	case grant.DirectConnectInfo:
		cp := v
		return ConnectDirect(ctx, &cp, opts...)
	case io.Reader:
		if v == nil {
			return nil, wrapErr(fserrors.PathAuto, fserrors.StageValidate, fserrors.CodeInvalidInput, ErrInvalidInput)
		}
		b, err := readAllLimit(v, protocolio.DefaultMaxJSONBytes)
		if err != nil {
			return nil, wrapErr(fserrors.PathAuto, fserrors.StageValidate, fserrors.CodeInvalidInput, err)
		}
		return connectJSONBytes(ctx, b, opts...)
	case []byte:
		return connectJSONBytes(ctx, v, opts...)
	case string:
		return connectJSONBytes(ctx, []byte(v), opts...)
	default:
		return nil, wrapErr(fserrors.PathAuto, fserrors.StageValidate, fserrors.CodeInvalidInput, ErrInvalidInput)
	}
}

func connectJSONBytes(ctx context.Context, b []byte, opts ...ConnectOption) (Client, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, wrapErr(fserrors.PathAuto, fserrors.StageValidate, fserrors.CodeInvalidInput, ErrInvalidInput)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, wrapErr(fserrors.PathAuto, fserrors.StageValidate, fserrors.CodeInvalidInput, err)
	}

	if _, ok := obj["ws_url"]; ok {
		var info grant.DirectConnectInfo
		if err := json.Unmarshal(b, &info); err != nil {
			return nil, wrapErr(fserrors.PathDirect, fserrors.StageValidate, fserrors.CodeInvalidInput, err)
		}
		return ConnectDirect(ctx, &info, opts...)
	}

	_, hasGrantClient := obj["grant_client"]
	_, hasGrantServer := obj["grant_server"]
	_, hasTunnelURL := obj["tunnel_url"]
	_, hasToken := obj["token"]
	_, hasRole := obj["role"]
	if !hasGrantClient && !hasTunnelURL && !hasToken && !hasRole {
		if hasGrantServer {
			raw := bytes.TrimSpace(obj["grant_server"])
			if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
				return nil, wrapErr(fserrors.PathTunnel, fserrors.StageValidate, fserrors.CodeMissingGrant, ErrMissingGrant)
			}
			var g grant.ChannelInitGrant
			if err := json.Unmarshal(raw, &g); err != nil {
				return nil, wrapErr(fserrors.PathTunnel, fserrors.StageValidate, fserrors.CodeInvalidInput, err)
			}
			return ConnectTunnel(ctx, &g, opts...)
		}
		return nil, wrapErr(fserrors.PathAuto, fserrors.StageValidate, fserrors.CodeInvalidInput, ErrInvalidInput)
	}

	var g grant.ChannelInitGrant
	if hasGrantClient {
		raw := bytes.TrimSpace(obj["grant_client"])
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			return nil, wrapErr(fserrors.PathTunnel, fserrors.StageValidate, fserrors.CodeMissingGrant, ErrMissingGrant)
		}
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, wrapErr(fserrors.PathTunnel, fserrors.StageValidate, fserrors.CodeInvalidInput, err)
		}
	} else {
		if err := json.Unmarshal(b, &g); err != nil {
			return nil, wrapErr(fserrors.PathTunnel, fserrors.StageValidate, fserrors.CodeInvalidInput, err)
		}
	}
	return ConnectTunnel(ctx, &g, opts...)
}

func readAllLimit(r io.Reader, maxBytes int64) ([]byte, error) {
	lr := &io.LimitedReader{R: r, N: maxBytes + 1}
	b, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > maxBytes {
		return nil, protocolio.ErrInputTooLarge
	}
	return b, nil
}
