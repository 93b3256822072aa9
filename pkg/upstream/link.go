// Copyright (c) IQRF Tech s.r.o.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/iqrf/iqrf-gateway-ws-relay/pkg/errors"
)

// State of the upstream link.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// EventHandler receives link lifecycle and traffic events. All methods are
// invoked from the link's run goroutine, one at a time.
type EventHandler interface {
	// Connected is called after a successful handshake.
	Connected(ctx context.Context)

	// Disconnected is called when an established connection is lost.
	Disconnected(ctx context.Context)

	// Reconnecting is called before each reconnection delay, with the
	// attempt counter and the delay about to be waited.
	Reconnecting(ctx context.Context, attempt int, delay time.Duration)

	// Message is called for every frame received from the daemon.
	Message(ctx context.Context, payload []byte)
}

// Config holds configuration for the upstream link.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	Logger           *slog.Logger
}

// Link owns the WebSocket connection to the gateway daemon. At most one
// physical connection is open at a time.
type Link struct {
	cfg     Config
	handler EventHandler
	logger  *slog.Logger

	state   atomic.Int32
	attempt atomic.Int32

	mu   sync.Mutex // guards conn and serializes writes to it
	conn *websocket.Conn
}

// New creates an upstream link. Run must be called before the link can carry
// traffic.
func New(cfg Config, handler EventHandler) *Link {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.BackoffMin == 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = time.Minute
	}

	return &Link{
		cfg:     cfg,
		handler: handler,
		logger:  cfg.Logger,
	}
}

// State returns the current link state.
func (l *Link) State() State {
	return State(l.state.Load())
}

// ReconnectAttempt returns the current reconnection attempt counter. It is 0
// while the link is connected.
func (l *Link) ReconnectAttempt() int {
	return int(l.attempt.Load())
}

// Send writes one frame to the daemon. It fails immediately when the link is
// not connected; frames are never queued.
func (l *Link) Send(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.State() != Connected || l.conn == nil {
		return errors.ErrNotConnected
	}
	return l.conn.WriteMessage(websocket.TextMessage, payload)
}

// Run connects to the daemon and keeps the connection alive until the
// context is cancelled. Reconnection attempts are strictly sequential and
// never give up; the attempt counter resets to 0 on every successful
// handshake.
func (l *Link) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min: l.cfg.BackoffMin,
		Max: l.cfg.BackoffMax,
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: l.cfg.HandshakeTimeout,
	}

	failed := false
	for {
		if ctx.Err() != nil {
			return nil
		}

		if failed {
			delay := b.Duration()
			attempt := int(b.Attempt())
			l.attempt.Store(int32(attempt))
			l.handler.Reconnecting(ctx, attempt, delay)
			l.logger.Info("upstream reconnecting",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}

		l.state.Store(int32(Connecting))
		conn, _, err := dialer.DialContext(ctx, l.cfg.URL, nil)
		if err != nil {
			l.state.Store(int32(Disconnected))
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("upstream dial failed",
				slog.String("url", l.cfg.URL),
				slog.String("error", err.Error()))
			failed = true
			continue
		}

		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()
		l.state.Store(int32(Connected))
		b.Reset()
		l.attempt.Store(0)
		l.logger.Info("upstream connected", slog.String("url", l.cfg.URL))
		l.handler.Connected(ctx)

		err = l.readLoop(ctx, conn)

		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		l.state.Store(int32(Disconnected))

		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("upstream connection lost", slog.String("error", err.Error()))
		l.handler.Disconnected(ctx)
		failed = true
	}
}

// readLoop delivers inbound frames until the connection breaks or the
// context is cancelled.
func (l *Link) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		l.handler.Message(ctx, payload)
	}
}
