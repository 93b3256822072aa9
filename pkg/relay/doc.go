// Copyright (c) IQRF Tech s.r.o.
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the session relay between browser WebSocket
// clients and the gateway daemon JSON API.
//
// # Architecture Overview
//
// The Relay is the single owner of all shared state: the session table, the
// correlation table pairing forwarded requests with their eventual upstream
// responses, and the daemon operating mode. Connection handlers and the
// upstream link feed events into it; all mutation happens under its mutex
// and network I/O happens outside it. There are no ambient singletons; one
// Relay is constructed per process and handed to the server.
//
// # Request flow
//
//	downstream connect  -> session created (unauthenticated)
//	proxy_authenticate  -> credential validated -> proxy_auth_success
//	request {mType,data} -> expiry + service-mode + rate-limit preconditions
//	                     -> correlation entry recorded -> sent upstream
//	upstream response   -> matched by msgId -> upstream_response to the
//	                       owning session only, never broadcast
//	no match            -> unsolicited event, fanned out to every
//	                       authenticated session
//
// Responses are delivered in upstream arrival order per session; no
// reordering is attempted.
//
// # Timeouts
//
// Every forwarded request records a cancellable timer next to its
// correlation entry. The timer firing and the response arriving are two
// competing completions: whichever removes the entry first wins, the loser
// finds nothing. A fired timer synthesizes upstream_request_failed for the
// originating session; a response arriving after that is treated as
// unsolicited.
//
// # Service mode
//
// The daemon reports its operating mode in mngDaemon_Mode responses. While
// it reports service mode, only a fixed allow-list of management request
// types is forwarded; everything else is rejected locally without touching
// the upstream link.
package relay
