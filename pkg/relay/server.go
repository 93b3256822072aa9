// Copyright (c) IQRF Tech s.r.o.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	gwerrors "github.com/iqrf/iqrf-gateway-ws-relay/pkg/errors"
)

// enqueue outcomes.
const (
	enqueued int = iota
	queueFull
	clientGone
)

// client is one downstream WebSocket connection and its outbound queue.
type client struct {
	sessionID  int64
	remoteAddr string
	conn       *websocket.Conn

	mu     sync.Mutex // guards closed and enqueue-vs-close ordering
	closed bool
	out    chan []byte
	done   chan struct{}
}

// enqueue queues one frame for the write loop. The queue channel is never
// closed; a client that has been torn down reports clientGone instead, so a
// dispatcher goroutine racing the teardown can never panic on the send.
func (c *client) enqueue(b []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return clientGone
	}
	select {
	case c.out <- b:
		return enqueued
	default:
		return queueFull
	}
}

// close marks the client torn down and stops the write loop. Idempotent.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// writeLoop drains the outbound queue onto the socket. It exits when the
// client is closed by unregister or when a write fails, which also surfaces
// on the read side and tears the connection down.
func (c *client) writeLoop() {
	for {
		select {
		case b := <-c.out:
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Make this configurable
		return true
	},
}

var _ http.Handler = (*Relay)(nil)

// ServeHTTP implements http.Handler. It upgrades the connection, creates the
// session and pumps inbound frames until the client disconnects.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("failed to upgrade client connection",
			slog.String("remote", req.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	c := &client{
		remoteAddr: req.RemoteAddr,
		conn:       conn,
		out:        make(chan []byte, r.cfg.SendBuffer),
		done:       make(chan struct{}),
	}
	r.register(c)
	defer r.unregister(c)
	go c.writeLoop()

	r.logger.Debug("downstream connected",
		slog.Int64("session", c.sessionID),
		slog.String("remote", c.remoteAddr))

	ctx := req.Context()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Warn("downstream read failed",
					slog.String("error", gwerrors.New("read", c.sessionID, c.remoteAddr, err).Error()))
			}
			break
		}
		r.handleFrame(ctx, c, payload)
	}

	r.logger.Debug("downstream disconnected",
		slog.Int64("session", c.sessionID),
		slog.String("remote", c.remoteAddr))
}

// ServerConfig holds configuration for the downstream WebSocket server.
type ServerConfig struct {
	Host            string
	Port            string
	Path            string
	TLSConfig       *tls.Config
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Server exposes the relay to downstream clients over WebSocket.
type Server struct {
	server *http.Server
	logger *slog.Logger
	cfg    ServerConfig
}

// NewServer creates a downstream WebSocket server serving the relay at the
// configured path.
func NewServer(cfg ServerConfig, r *Relay) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, r)

	address := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:      address,
		Handler:   mux,
		TLSConfig: cfg.TLSConfig,
	}

	return &Server{
		server: server,
		logger: cfg.Logger,
		cfg:    cfg,
	}, nil
}

// Listen starts the WebSocket server and blocks until the context is
// cancelled.
func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("WebSocket server started",
		slog.String("address", s.server.Addr),
		slog.String("path", s.cfg.Path))

	errCh := make(chan error, 1)
	go func() {
		if s.server.TLSConfig != nil {
			errCh <- s.server.ListenAndServeTLS("", "")
		} else {
			errCh <- s.server.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, closing WebSocket server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error during shutdown", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("WebSocket server shutdown complete")
		return nil

	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
