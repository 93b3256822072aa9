// Copyright (c) IQRF Tech s.r.o.
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/json"
	"testing"
)

const ts = int64(1767261600)

func TestSerializeVariants(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want string
	}{
		{
			name: "proxy_auth_success",
			env:  NewProxyAuthSuccess(2203, ts),
			want: `{"type":"proxy_auth_success","timestamp":1767261600,"data":{"sessionId":2203}}`,
		},
		{
			name: "proxy_message_invalid",
			env:  NewProxyMessageInvalid("not json", "malformed JSON: invalid character 'o'", ts),
			want: `{"type":"proxy_message_invalid","timestamp":1767261600,"data":{"message":"not json","error":"malformed JSON: invalid character 'o'"}}`,
		},
		{
			name: "proxy_session_refresh_success",
			env:  NewProxySessionRefreshSuccess(ts),
			want: `{"type":"proxy_session_refresh_success","timestamp":1767261600}`,
		},
		{
			name: "upstream_auth_failed",
			env:  NewUpstreamAuthFailed(403, ts),
			want: `{"type":"upstream_auth_failed","timestamp":1767261600,"data":{"code":403}}`,
		},
		{
			name: "upstream_disconnected",
			env:  NewUpstreamDisconnected(ts),
			want: `{"type":"upstream_disconnected","timestamp":1767261600}`,
		},
		{
			name: "upstream_reconnecting",
			env:  NewUpstreamReconnecting(3, 2.5, ts),
			want: `{"type":"upstream_reconnecting","timestamp":1767261600,"data":{"attempt":3,"delay":2.5}}`,
		},
		{
			name: "upstream_request_failed",
			env:  NewUpstreamRequestFailed("iqrfEmbedLedr_Set", "abc", ts),
			want: `{"type":"upstream_request_failed","timestamp":1767261600,"data":{"mType":"iqrfEmbedLedr_Set","msgId":"abc"}}`,
		},
		{
			name: "upstream_request_invalid",
			env:  NewUpstreamRequestInvalid("garbage request", ts),
			want: `{"type":"upstream_request_invalid","timestamp":1767261600,"data":"garbage request"}`,
		},
		{
			name: "upstream_response",
			env:  NewUpstreamResponse(json.RawMessage(`{"mType":"mngDaemon_Version","data":{"msgId":"abc","rsp":{"version":"v2.6.0"}}}`), ts),
			want: `{"type":"upstream_response","timestamp":1767261600,"data":{"mType":"mngDaemon_Version","data":{"msgId":"abc","rsp":{"version":"v2.6.0"}}}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Serialize(tt.env)
			if err != nil {
				t.Fatalf("Serialize() returned error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Serialize() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRoundTripStability(t *testing.T) {
	envelopes := []Envelope{
		NewProxyAuthSuccess(42, ts),
		NewProxyMessageInvalid("x", "missing mType", ts),
		NewProxySessionRefreshSuccess(ts),
		NewUpstreamAuthFailed(1001, ts),
		NewUpstreamDisconnected(ts),
		NewUpstreamReconnecting(1, 1, ts),
		NewUpstreamRequestFailed("mngDaemon_Exit", "m-1", ts),
		NewUpstreamRequestInvalid("bad", ts),
		NewUpstreamResponse(json.RawMessage(`{"mType":"x","data":{"msgId":"m-1"}}`), ts),
	}

	for _, env := range envelopes {
		t.Run(string(env.Type), func(t *testing.T) {
			first, err := Serialize(env)
			if err != nil {
				t.Fatalf("Serialize() returned error: %v", err)
			}
			parsed, err := Parse(first)
			if err != nil {
				t.Fatalf("Parse() returned error: %v", err)
			}
			second, err := Serialize(parsed)
			if err != nil {
				t.Fatalf("Serialize() after Parse() returned error: %v", err)
			}
			if string(first) != string(second) {
				t.Errorf("round trip not stable:\n first: %s\nsecond: %s", first, second)
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "not JSON",
			raw:  "nope",
		},
		{
			name: "unknown type",
			raw:  `{"type":"proxy_unknown","timestamp":1767261600}`,
		},
		{
			name: "data on data-less variant",
			raw:  `{"type":"upstream_disconnected","timestamp":1767261600,"data":{"x":1}}`,
		},
		{
			name: "missing data",
			raw:  `{"type":"proxy_auth_success","timestamp":1767261600}`,
		},
		{
			name: "wrong data shape",
			raw:  `{"type":"upstream_auth_failed","timestamp":1767261600,"data":{"code":"nan"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.raw)); err == nil {
				t.Errorf("Parse(%s) succeeded, want error", tt.raw)
			}
		})
	}
}
