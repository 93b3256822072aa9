// Copyright (c) IQRF Tech s.r.o.
// SPDX-License-Identifier: Apache-2.0

// Package message defines the wire protocol between the relay and its downstream clients.
//
// # Envelope
//
// Every event the relay sends to a browser client is wrapped in an Envelope:
// a closed tagged union with a stable string discriminator, an integer epoch
// timestamp and a variant-specific payload. The payload key is omitted
// entirely for variants that carry none. Field order is fixed (type,
// timestamp, data) because frontend test suites assert literal JSON strings.
//
// The catalog of variants:
//
//	proxy_auth_success             { sessionId }
//	proxy_message_invalid          { message, error }
//	proxy_session_refresh_success  (no data)
//	upstream_auth_failed           { code }
//	upstream_disconnected          (no data)
//	upstream_reconnecting          { attempt, delay }
//	upstream_request_failed        { mType, msgId }
//	upstream_request_invalid       raw string
//	upstream_response              pass-through upstream JSON
//
// Envelopes never read the system clock themselves; the caller supplies the
// timestamp so construction is deterministic under test.
//
// # Client frames
//
// Inbound frames from downstream clients share the gateway daemon request
// shape {mType, data: {msgId, ...}}. Two reserved mType values are handled
// by the relay itself (authentication and session refresh); everything else
// is forwarded upstream. Parsing fails closed: any frame that is not valid
// JSON or lacks an mType is reported back to the offending client, never
// silently dropped.
package message
