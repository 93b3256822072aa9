// Copyright (c) IQRF Tech s.r.o.
// SPDX-License-Identifier: Apache-2.0

// Package upstream maintains the single WebSocket connection to the gateway
// daemon JSON API.
//
// The link owns exactly one physical connection at a time, shared by every
// downstream session. On an unexpected close it reconnects with exponential
// backoff, indefinitely: the daemon is routinely restarted during OS and
// firmware upgrades, and the relay must ride through that without forcing
// browser tabs to reconnect. Each attempt is announced to the event handler
// before the delay is waited out so clients can render live countdowns.
//
// Sends fail fast while the link is down; nothing is queued. Surfacing the
// failure to the originating session is the dispatcher's job.
package upstream
