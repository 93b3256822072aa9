// Copyright (c) IQRF Tech s.r.o.
// SPDX-License-Identifier: Apache-2.0

// Package gwrelay provides the WebSocket session relay for IQRF gateways:
// a stateful proxy between browser clients and the gateway daemon JSON API.
package gwrelay

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the relay daemon configuration, loaded from the environment.
type Config struct {
	// Downstream WebSocket server
	Host   string `env:"HOST"    envDefault:""`
	Port   string `env:"PORT"    envDefault:"8081"`
	WSPath string `env:"WS_PATH" envDefault:"/ws"`

	// Upstream gateway daemon
	UpstreamURL      string        `env:"UPSTREAM_URL"      envDefault:"ws://localhost:1338"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"15s"`
	BackoffMin       time.Duration `env:"BACKOFF_MIN"       envDefault:"1s"`
	BackoffMax       time.Duration `env:"BACKOFF_MAX"       envDefault:"60s"`

	// Sessions and requests
	SessionTTL     time.Duration `env:"SESSION_TTL"     envDefault:"15m"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	SendBuffer     int           `env:"SEND_BUFFER"     envDefault:"64"`
	AuthTokens     []string      `env:"AUTH_TOKENS"     envSeparator:","`

	// Rate Limiting
	RateLimitCapacity int64 `env:"RATE_LIMIT_CAPACITY" envDefault:"100"`
	RateLimitRefill   int64 `env:"RATE_LIMIT_REFILL"   envDefault:"10"`

	// Circuit Breaker
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`

	// Timeouts
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// NewConfig loads the configuration from the environment.
func NewConfig(opts env.Options) (Config, error) {
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
