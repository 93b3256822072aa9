// Copyright (c) IQRF Tech s.r.o.
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/json"
	"fmt"
)

// Type discriminates the Envelope variants sent to downstream clients.
type Type string

// Envelope variant tags. The string values are part of the wire protocol
// and must stay stable.
const (
	TypeProxyAuthSuccess           Type = "proxy_auth_success"
	TypeProxyMessageInvalid        Type = "proxy_message_invalid"
	TypeProxySessionRefreshSuccess Type = "proxy_session_refresh_success"
	TypeUpstreamAuthFailed         Type = "upstream_auth_failed"
	TypeUpstreamDisconnected       Type = "upstream_disconnected"
	TypeUpstreamReconnecting       Type = "upstream_reconnecting"
	TypeUpstreamRequestFailed      Type = "upstream_request_failed"
	TypeUpstreamRequestInvalid     Type = "upstream_request_invalid"
	TypeUpstreamResponse           Type = "upstream_response"
)

// Envelope is the tagged wire message sent from the relay to a downstream
// client. Presence and shape of Data are fully determined by Type; variants
// without a payload omit the data key entirely.
type Envelope struct {
	Type      Type  `json:"type"`
	Timestamp int64 `json:"timestamp"`
	Data      any   `json:"data,omitempty"`
}

// AuthSuccessData is the payload of proxy_auth_success.
type AuthSuccessData struct {
	SessionID int64 `json:"sessionId"`
}

// MessageInvalidData is the payload of proxy_message_invalid. Message carries
// the raw offending text, Error a human-readable reason.
type MessageInvalidData struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// AuthFailedData is the payload of upstream_auth_failed. The code is opaque,
// forwarded from whatever credential authority issued it.
type AuthFailedData struct {
	Code int `json:"code"`
}

// ReconnectingData is the payload of upstream_reconnecting. Delay is in
// seconds so clients can show live countdowns.
type ReconnectingData struct {
	Attempt int     `json:"attempt"`
	Delay   float64 `json:"delay"`
}

// RequestFailedData is the payload of upstream_request_failed.
type RequestFailedData struct {
	MType string `json:"mType"`
	MsgID string `json:"msgId"`
}

// NewProxyAuthSuccess reports a successful downstream authentication.
func NewProxyAuthSuccess(sessionID, timestamp int64) Envelope {
	return Envelope{
		Type:      TypeProxyAuthSuccess,
		Timestamp: timestamp,
		Data:      AuthSuccessData{SessionID: sessionID},
	}
}

// NewProxyMessageInvalid reports a downstream frame that failed validation.
func NewProxyMessageInvalid(raw, reason string, timestamp int64) Envelope {
	return Envelope{
		Type:      TypeProxyMessageInvalid,
		Timestamp: timestamp,
		Data:      MessageInvalidData{Message: raw, Error: reason},
	}
}

// NewProxySessionRefreshSuccess reports a successful session refresh.
func NewProxySessionRefreshSuccess(timestamp int64) Envelope {
	return Envelope{
		Type:      TypeProxySessionRefreshSuccess,
		Timestamp: timestamp,
	}
}

// NewUpstreamAuthFailed reports a rejected credential exchange or an expired
// session.
func NewUpstreamAuthFailed(code int, timestamp int64) Envelope {
	return Envelope{
		Type:      TypeUpstreamAuthFailed,
		Timestamp: timestamp,
		Data:      AuthFailedData{Code: code},
	}
}

// NewUpstreamDisconnected reports loss of the upstream link.
func NewUpstreamDisconnected(timestamp int64) Envelope {
	return Envelope{
		Type:      TypeUpstreamDisconnected,
		Timestamp: timestamp,
	}
}

// NewUpstreamReconnecting reports an upstream reconnection attempt about to
// wait the given delay.
func NewUpstreamReconnecting(attempt int, delay float64, timestamp int64) Envelope {
	return Envelope{
		Type:      TypeUpstreamReconnecting,
		Timestamp: timestamp,
		Data:      ReconnectingData{Attempt: attempt, Delay: delay},
	}
}

// NewUpstreamRequestFailed reports a request that could not be forwarded or
// timed out waiting for its response.
func NewUpstreamRequestFailed(mType, msgID string, timestamp int64) Envelope {
	return Envelope{
		Type:      TypeUpstreamRequestFailed,
		Timestamp: timestamp,
		Data:      RequestFailedData{MType: mType, MsgID: msgID},
	}
}

// NewUpstreamRequestInvalid reports a structurally valid frame that cannot be
// turned into an upstream request. The payload is the raw offending text.
func NewUpstreamRequestInvalid(raw string, timestamp int64) Envelope {
	return Envelope{
		Type:      TypeUpstreamRequestInvalid,
		Timestamp: timestamp,
		Data:      raw,
	}
}

// NewUpstreamResponse wraps an upstream payload for delivery downstream. The
// payload is opaque to the relay and passed through undecoded.
func NewUpstreamResponse(payload json.RawMessage, timestamp int64) Envelope {
	return Envelope{
		Type:      TypeUpstreamResponse,
		Timestamp: timestamp,
		Data:      payload,
	}
}

// Serialize renders the envelope as UTF-8 JSON with deterministic field
// order: type, timestamp, then data when present.
func Serialize(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Parse decodes an envelope produced by Serialize, restoring the
// variant-specific payload type so the result re-serializes byte-for-byte
// identically. Unknown variants and payload shapes that do not match the
// variant are rejected.
func Parse(raw []byte) (Envelope, error) {
	var probe struct {
		Type      Type            `json:"type"`
		Timestamp int64           `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}

	e := Envelope{Type: probe.Type, Timestamp: probe.Timestamp}
	switch probe.Type {
	case TypeProxySessionRefreshSuccess, TypeUpstreamDisconnected:
		if len(probe.Data) > 0 {
			return Envelope{}, fmt.Errorf("unexpected data for %q", probe.Type)
		}
		return e, nil
	case TypeProxyAuthSuccess:
		return decodeData[AuthSuccessData](e, probe.Data)
	case TypeProxyMessageInvalid:
		return decodeData[MessageInvalidData](e, probe.Data)
	case TypeUpstreamAuthFailed:
		return decodeData[AuthFailedData](e, probe.Data)
	case TypeUpstreamReconnecting:
		return decodeData[ReconnectingData](e, probe.Data)
	case TypeUpstreamRequestFailed:
		return decodeData[RequestFailedData](e, probe.Data)
	case TypeUpstreamRequestInvalid:
		return decodeData[string](e, probe.Data)
	case TypeUpstreamResponse:
		if len(probe.Data) == 0 {
			return Envelope{}, fmt.Errorf("missing data for %q", probe.Type)
		}
		e.Data = probe.Data
		return e, nil
	default:
		return Envelope{}, fmt.Errorf("unknown envelope type %q", probe.Type)
	}
}

func decodeData[T any](e Envelope, raw json.RawMessage) (Envelope, error) {
	if len(raw) == 0 {
		return Envelope{}, fmt.Errorf("missing data for %q", e.Type)
	}
	var data T
	if err := json.Unmarshal(raw, &data); err != nil {
		return Envelope{}, fmt.Errorf("malformed data for %q: %w", e.Type, err)
	}
	e.Data = data
	return e, nil
}
