// Copyright (c) IQRF Tech s.r.o.
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the gateway relay.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected indicates the upstream link is not connected.
	ErrNotConnected = errors.New("upstream not connected")

	// ErrSessionNotFound indicates an unknown session identifier.
	ErrSessionNotFound = errors.New("session not found")
)

// RelayError wraps an error with the connection context it occurred on.
type RelayError struct {
	Op         string // Operation that failed
	SessionID  int64  // Downstream session identifier, 0 if none
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	if e.SessionID != 0 {
		return fmt.Sprintf("%s [%d] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *RelayError) Unwrap() error {
	return e.Err
}

// New creates a new RelayError.
func New(op string, sessionID int64, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &RelayError{
		Op:         op,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}
