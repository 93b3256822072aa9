// Copyright (c) IQRF Tech s.r.o.
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/json"
	"fmt"
)

// Reserved mType values handled by the relay itself rather than forwarded to
// the gateway daemon.
const (
	MTypeAuthenticate   = "proxy_authenticate"
	MTypeSessionRefresh = "proxy_session_refresh"
)

// ClientRequest is one decoded downstream frame. Frames share the gateway
// daemon request shape; Data is kept opaque apart from the correlation id.
type ClientRequest struct {
	MType string          `json:"mType"`
	Data  json.RawMessage `json:"data,omitempty"`

	// Timeout optionally overrides the relay's default response timeout for
	// this request, in milliseconds. It is stripped before forwarding.
	Timeout float64 `json:"timeout,omitempty"`
}

// InvalidFrameError describes a downstream frame that failed validation. Raw
// carries the offending text so it can be echoed back to the client.
type InvalidFrameError struct {
	Raw    string
	Reason string
}

// Error implements the error interface.
func (e *InvalidFrameError) Error() string {
	return e.Reason
}

// ParseClientFrame validates one inbound downstream frame. It fails closed:
// any input that is not a JSON object carrying an mType yields an
// InvalidFrameError, never a silent drop.
func ParseClientFrame(raw []byte) (ClientRequest, error) {
	var req ClientRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return ClientRequest{}, &InvalidFrameError{
			Raw:    string(raw),
			Reason: fmt.Sprintf("malformed JSON: %v", err),
		}
	}
	if req.MType == "" {
		return ClientRequest{}, &InvalidFrameError{
			Raw:    string(raw),
			Reason: "missing mType",
		}
	}
	return req, nil
}

// MsgID returns the correlation id nested under data, if present.
func (r ClientRequest) MsgID() (string, bool) {
	if len(r.Data) == 0 {
		return "", false
	}
	var d struct {
		MsgID string `json:"msgId"`
	}
	if err := json.Unmarshal(r.Data, &d); err != nil || d.MsgID == "" {
		return "", false
	}
	return d.MsgID, true
}

// WithMsgID returns a copy of the request whose data carries the given
// correlation id. It fails if data is present but not a JSON object.
func (r ClientRequest) WithMsgID(msgID string) (ClientRequest, error) {
	fields := make(map[string]json.RawMessage)
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &fields); err != nil {
			return r, fmt.Errorf("request data is not an object: %w", err)
		}
	}
	id, err := json.Marshal(msgID)
	if err != nil {
		return r, err
	}
	fields["msgId"] = id
	data, err := json.Marshal(fields)
	if err != nil {
		return r, err
	}
	r.Data = data
	return r, nil
}

// Token extracts the credential from a proxy_authenticate frame.
func (r ClientRequest) Token() (string, bool) {
	if len(r.Data) == 0 {
		return "", false
	}
	var d struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(r.Data, &d); err != nil || d.Token == "" {
		return "", false
	}
	return d.Token, true
}

// Encode renders the frame forwarded to the gateway daemon. Relay-local
// fields are stripped; only mType and data go upstream.
func (r ClientRequest) Encode() ([]byte, error) {
	return json.Marshal(struct {
		MType string          `json:"mType"`
		Data  json.RawMessage `json:"data,omitempty"`
	}{
		MType: r.MType,
		Data:  r.Data,
	})
}
