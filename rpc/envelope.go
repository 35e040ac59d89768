// Package rpc implements the request/response/notification layer carried
// inside a multiplexed yamux stream between two endpoints. It has no
// dependency on any generated IDL shape: the wire envelope is a plain
// (type_id, request_id, response_to, payload, error) tuple, and callers
// route on type_id however they choose.
package rpc

import "encoding/json"

// RpcError is the wire representation of a handler-rejected or internal
// error returned in a response envelope.
type RpcError struct {
	Code    uint32  `json:"code"`
	Message *string `json:"message,omitempty"`
}

// RpcEnvelope is the single framed message exchanged in both directions.
//
// Request: RequestId != 0, ResponseTo == 0.
// Response: ResponseTo != 0 (RequestId is unused and left zero).
// Notification: RequestId == 0 and ResponseTo == 0.
type RpcEnvelope struct {
	TypeId     uint32          `json:"type_id"`
	RequestId  uint64          `json:"request_id"`
	ResponseTo uint64          `json:"response_to"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      *RpcError       `json:"error,omitempty"`
}
