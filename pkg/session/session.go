// Copyright (c) IQRF Tech s.r.o.
// SPDX-License-Identifier: Apache-2.0

// Package session tracks per-downstream-connection authentication state.
//
// A session is created unauthenticated when a client connects, becomes
// authenticated on a valid credential exchange, can be refreshed any number
// of times, and is destroyed on disconnect. Expiry is a precondition check
// on every inbound request rather than a background sweep, so an expired
// session can never race an in-flight request.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iqrf/iqrf-gateway-ws-relay/pkg/errors"
)

// Clock supplies the current time. It is injected, never read ambiently, so
// expiry checks and envelope timestamps are testable.
type Clock func() time.Time

// SystemClock reads the system time.
func SystemClock() time.Time {
	return time.Now()
}

// Rejection codes issued by the relay itself. Codes from the external
// credential authority are forwarded opaquely and may take any value.
const (
	// CodeUnauthenticated rejects a request on a session that never
	// completed a credential exchange.
	CodeUnauthenticated = 401

	// CodeExpired rejects a request on a session whose expiry has passed.
	CodeExpired = 440
)

// RejectedError reports a credential or refresh rejection together with its
// opaque code.
type RejectedError struct {
	Code int
}

// Error implements the error interface.
func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected (code %d)", e.Code)
}

// Authenticator validates downstream credentials. It is implemented by the
// external credential authority; the relay only consumes the verdict.
// Rejections carry a *RejectedError so the code can be surfaced downstream.
type Authenticator interface {
	// Validate checks a credential supplied over the downstream socket.
	Validate(ctx context.Context, token string) error

	// Refresh re-validates an existing session before its expiry is extended.
	Refresh(ctx context.Context, sessionID int64) error
}

type state struct {
	authenticated bool
	expiresAt     time.Time
}

// Store tracks the session of every live downstream connection. Session ids
// are assigned at connect time and never reused while the connection lives.
type Store struct {
	mu       sync.Mutex
	clock    Clock
	ttl      time.Duration
	nextID   int64
	sessions map[int64]*state
}

// NewStore creates a session store. Authenticated sessions expire ttl after
// authentication or their latest refresh.
func NewStore(ttl time.Duration, clock Clock) *Store {
	if clock == nil {
		clock = SystemClock
	}
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	return &Store{
		clock:    clock,
		ttl:      ttl,
		sessions: make(map[int64]*state),
	}
}

// Create registers a new unauthenticated session and returns its id.
func (s *Store) Create() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.sessions[s.nextID] = &state{}
	return s.nextID
}

// Authenticate marks the session authenticated and starts its expiry clock.
func (s *Store) Authenticate(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[id]
	if !ok {
		return errors.ErrSessionNotFound
	}
	st.authenticated = true
	st.expiresAt = s.clock().Add(s.ttl)
	return nil
}

// Check verifies that the session may issue requests. It returns nil for an
// authenticated, unexpired session and a *RejectedError otherwise. A session
// whose expiry has passed is demoted to unauthenticated as a side effect.
func (s *Store) Check(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[id]
	if !ok || !st.authenticated {
		return &RejectedError{Code: CodeUnauthenticated}
	}
	if s.clock().After(st.expiresAt) {
		st.authenticated = false
		return &RejectedError{Code: CodeExpired}
	}
	return nil
}

// Active reports whether the session is authenticated and unexpired.
func (s *Store) Active(id int64) bool {
	return s.Check(id) == nil
}

// Refresh extends the expiry of an active session.
func (s *Store) Refresh(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[id]
	if !ok || !st.authenticated {
		return &RejectedError{Code: CodeUnauthenticated}
	}
	now := s.clock()
	if now.After(st.expiresAt) {
		st.authenticated = false
		return &RejectedError{Code: CodeExpired}
	}
	st.expiresAt = now.Add(s.ttl)
	return nil
}

// Close destroys a session. Safe to call for unknown ids.
func (s *Store) Close(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
