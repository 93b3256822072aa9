// Copyright (c) IQRF Tech s.r.o.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iqrf/iqrf-gateway-ws-relay/pkg/errors"
)

type reconnectEvent struct {
	attempt int
	delay   time.Duration
}

// recorder is an EventHandler exposing events as channels.
type recorder struct {
	connected    chan struct{}
	disconnected chan struct{}
	reconnecting chan reconnectEvent
	messages     chan []byte
}

func newRecorder() *recorder {
	return &recorder{
		connected:    make(chan struct{}, 16),
		disconnected: make(chan struct{}, 16),
		reconnecting: make(chan reconnectEvent, 16),
		messages:     make(chan []byte, 16),
	}
}

func (r *recorder) Connected(ctx context.Context)    { r.connected <- struct{}{} }
func (r *recorder) Disconnected(ctx context.Context) { r.disconnected <- struct{}{} }

func (r *recorder) Reconnecting(ctx context.Context, attempt int, delay time.Duration) {
	r.reconnecting <- reconnectEvent{attempt: attempt, delay: delay}
}

func (r *recorder) Message(ctx context.Context, payload []byte) {
	r.messages <- append([]byte(nil), payload...)
}

// wsServer accepts WebSocket connections and hands them to the test.
type wsServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	ws := &wsServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.conns <- conn
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

func (ws *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ws.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted in time")
		return nil
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitEvent[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s event in time", what)
		var zero T
		return zero
	}
}

func TestLinkTraffic(t *testing.T) {
	ws := newWSServer(t)
	rec := newRecorder()
	link := New(Config{
		URL:        ws.url(),
		BackoffMin: 10 * time.Millisecond,
		BackoffMax: 40 * time.Millisecond,
		Logger:     discardLogger(),
	}, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- link.Run(ctx) }()

	waitEvent(t, rec.connected, "connected")
	serverConn := ws.accept(t)
	if link.State() != Connected {
		t.Fatalf("State() = %v, want Connected", link.State())
	}
	if link.ReconnectAttempt() != 0 {
		t.Errorf("ReconnectAttempt() = %d, want 0", link.ReconnectAttempt())
	}

	// Daemon to relay.
	if err := serverConn.WriteMessage(websocket.TextMessage, []byte(`{"mType":"x"}`)); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
	msg := waitEvent(t, rec.messages, "message")
	if string(msg) != `{"mType":"x"}` {
		t.Errorf("message = %s, want the frame the daemon sent", msg)
	}

	// Relay to daemon.
	if err := link.Send([]byte(`{"mType":"y"}`)); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := serverConn.ReadMessage()
	if err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	if string(payload) != `{"mType":"y"}` {
		t.Errorf("server received %s, want the frame the relay sent", payload)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() returned error on cancellation: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}

	if err := link.Send([]byte("late")); err != errors.ErrNotConnected {
		t.Errorf("Send() after shutdown = %v, want ErrNotConnected", err)
	}
}

func TestLinkRideThroughRestart(t *testing.T) {
	ws := newWSServer(t)
	rec := newRecorder()
	link := New(Config{
		URL:        ws.url(),
		BackoffMin: 10 * time.Millisecond,
		BackoffMax: 40 * time.Millisecond,
		Logger:     discardLogger(),
	}, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	waitEvent(t, rec.connected, "connected")
	serverConn := ws.accept(t)

	// Simulate a daemon restart: drop the accepted connection.
	serverConn.Close()
	waitEvent(t, rec.disconnected, "disconnected")

	ev := waitEvent(t, rec.reconnecting, "reconnecting")
	if ev.attempt != 1 {
		t.Errorf("first reconnect attempt = %d, want 1", ev.attempt)
	}

	waitEvent(t, rec.connected, "connected")
	ws.accept(t)
	if link.ReconnectAttempt() != 0 {
		t.Errorf("ReconnectAttempt() = %d after recovery, want 0", link.ReconnectAttempt())
	}
	if link.State() != Connected {
		t.Errorf("State() = %v after recovery, want Connected", link.State())
	}
}

func TestLinkBackoffProgression(t *testing.T) {
	// Dial a server that no longer exists so every attempt fails.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	rec := newRecorder()
	link := New(Config{
		URL:        url,
		BackoffMin: 5 * time.Millisecond,
		BackoffMax: 100 * time.Millisecond,
		Logger:     discardLogger(),
	}, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	var events []reconnectEvent
	for i := 0; i < 4; i++ {
		events = append(events, waitEvent(t, rec.reconnecting, "reconnecting"))
	}
	cancel()

	for i, ev := range events {
		if ev.attempt != i+1 {
			t.Errorf("attempt %d counter = %d, want strictly increasing from 1", i, ev.attempt)
		}
		if i > 0 && ev.delay < events[i-1].delay {
			t.Errorf("delay shrank from %v to %v without a successful connect",
				events[i-1].delay, ev.delay)
		}
	}
	if events[0].delay != 5*time.Millisecond {
		t.Errorf("first delay = %v, want the configured minimum", events[0].delay)
	}
	if link.ReconnectAttempt() < 1 {
		t.Errorf("ReconnectAttempt() = %d during outage, want >= 1", link.ReconnectAttempt())
	}
}

func TestStateString(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{Disconnected, "disconnected"},
		{Connecting, "connecting"},
		{Connected, "connected"},
		{State(99), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}
