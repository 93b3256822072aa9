// Copyright (c) IQRF Tech s.r.o.
// SPDX-License-Identifier: Apache-2.0

package gwrelay

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
)

func TestConfigDefaults(t *testing.T) {
	cfg, err := NewConfig(env.Options{Environment: map[string]string{}})
	if err != nil {
		t.Fatalf("NewConfig() returned error: %v", err)
	}

	if cfg.Port != "8081" {
		t.Errorf("Port = %q, want 8081", cfg.Port)
	}
	if cfg.WSPath != "/ws" {
		t.Errorf("WSPath = %q, want /ws", cfg.WSPath)
	}
	if cfg.UpstreamURL != "ws://localhost:1338" {
		t.Errorf("UpstreamURL = %q, want ws://localhost:1338", cfg.UpstreamURL)
	}
	if cfg.BackoffMin != time.Second || cfg.BackoffMax != time.Minute {
		t.Errorf("backoff = %v..%v, want 1s..60s", cfg.BackoffMin, cfg.BackoffMax)
	}
	if cfg.SessionTTL != 15*time.Minute {
		t.Errorf("SessionTTL = %v, want 15m", cfg.SessionTTL)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %v, want 30s", cfg.RequestTimeout)
	}
	if len(cfg.AuthTokens) != 0 {
		t.Errorf("AuthTokens = %v, want empty", cfg.AuthTokens)
	}
}

func TestConfigFromEnvironment(t *testing.T) {
	cfg, err := NewConfig(env.Options{Environment: map[string]string{
		"RELAY_UPSTREAM_URL":    "ws://gw.local:1338/daemon",
		"RELAY_SESSION_TTL":     "1h",
		"RELAY_AUTH_TOKENS":     "alpha,beta",
		"RELAY_REQUEST_TIMEOUT": "5s",
	}, Prefix: "RELAY_"})
	if err != nil {
		t.Fatalf("NewConfig() returned error: %v", err)
	}

	if cfg.UpstreamURL != "ws://gw.local:1338/daemon" {
		t.Errorf("UpstreamURL = %q", cfg.UpstreamURL)
	}
	if cfg.SessionTTL != time.Hour {
		t.Errorf("SessionTTL = %v, want 1h", cfg.SessionTTL)
	}
	if len(cfg.AuthTokens) != 2 || cfg.AuthTokens[0] != "alpha" || cfg.AuthTokens[1] != "beta" {
		t.Errorf("AuthTokens = %v, want [alpha beta]", cfg.AuthTokens)
	}
	if cfg.RequestTimeout != 5*time.Second {
		t.Errorf("RequestTimeout = %v, want 5s", cfg.RequestTimeout)
	}
}
