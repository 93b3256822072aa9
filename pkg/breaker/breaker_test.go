// Copyright (c) IQRF Tech s.r.o.
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"errors"
	"testing"
	"time"
)

var errSend = errors.New("write: broken pipe")

func fail() error { return errSend }
func ok() error   { return nil }

func TestOpensAfterMaxFailures(t *testing.T) {
	b := New(Config{MaxFailures: 3, ResetTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		if err := b.Call(fail); !errors.Is(err, errSend) {
			t.Fatalf("Call() = %v, want the underlying error", err)
		}
		if b.State() != StateClosed {
			t.Fatalf("opened after %d failures, want 3", i+1)
		}
	}

	if err := b.Call(fail); !errors.Is(err, errSend) {
		t.Fatalf("Call() = %v, want the underlying error", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("State() = %v after max failures, want open", b.State())
	}

	// Open circuit rejects without invoking fn.
	invoked := false
	err := b.Call(func() error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Call() while open = %v, want ErrOpen", err)
	}
	if invoked {
		t.Error("fn invoked while the circuit is open")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(Config{MaxFailures: 2, ResetTimeout: time.Minute})

	b.Call(fail)
	b.Call(ok)
	b.Call(fail)

	if b.State() != StateClosed {
		t.Errorf("State() = %v, want closed; a success must reset the streak", b.State())
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	b := New(Config{MaxFailures: 1, ResetTimeout: 20 * time.Millisecond, SuccessThreshold: 2})

	b.Call(fail)
	if b.State() != StateOpen {
		t.Fatalf("State() = %v, want open", b.State())
	}

	time.Sleep(30 * time.Millisecond)

	// First probe transitions to half-open.
	if err := b.Call(ok); err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("State() = %v after one probe success, want half_open", b.State())
	}
	if err := b.Call(ok); err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("State() = %v after threshold successes, want closed", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{MaxFailures: 1, ResetTimeout: 20 * time.Millisecond, SuccessThreshold: 2})

	b.Call(fail)
	time.Sleep(30 * time.Millisecond)

	b.Call(fail)
	if b.State() != StateOpen {
		t.Errorf("State() = %v after half-open failure, want open again", b.State())
	}
}

func TestOnStateChange(t *testing.T) {
	b := New(Config{MaxFailures: 1, ResetTimeout: time.Minute})
	changes := make(chan [2]State, 4)
	b.OnStateChange(func(from, to State) {
		changes <- [2]State{from, to}
	})

	b.Call(fail)

	select {
	case ch := <-changes:
		if ch[0] != StateClosed || ch[1] != StateOpen {
			t.Errorf("state change %v -> %v, want closed -> open", ch[0], ch[1])
		}
	case <-time.After(time.Second):
		t.Error("state change callback not invoked")
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateHalfOpen: "half_open",
		StateOpen:     "open",
		State(42):     "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
