// Copyright (c) IQRF Tech s.r.o.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	gwrelay "github.com/iqrf/iqrf-gateway-ws-relay"
	"github.com/iqrf/iqrf-gateway-ws-relay/examples/simple"
	"github.com/iqrf/iqrf-gateway-ws-relay/pkg/breaker"
	"github.com/iqrf/iqrf-gateway-ws-relay/pkg/health"
	"github.com/iqrf/iqrf-gateway-ws-relay/pkg/metrics"
	"github.com/iqrf/iqrf-gateway-ws-relay/pkg/ratelimit"
	"github.com/iqrf/iqrf-gateway-ws-relay/pkg/relay"
	"github.com/iqrf/iqrf-gateway-ws-relay/pkg/session"
	"github.com/iqrf/iqrf-gateway-ws-relay/pkg/upstream"
)

const envPrefix = "RELAY_"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	// The .env file is optional.
	_ = godotenv.Load()

	cfg, err := gwrelay.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting gateway WebSocket relay",
		slog.String("upstream", cfg.UpstreamURL),
		slog.String("address", fmt.Sprintf("%s:%s%s", cfg.Host, cfg.Port, cfg.WSPath)))

	m := metrics.New("gwrelay")

	store := session.NewStore(cfg.SessionTTL, session.SystemClock)
	auth := simple.New(cfg.AuthTokens, logger)
	limiter := ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill)

	brk := breaker.New(breaker.Config{
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: cfg.BreakerResetTimeout,
	})
	brk.OnStateChange(func(from, to breaker.State) {
		logger.Warn("circuit breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	})

	r, err := relay.New(relay.Config{
		RequestTimeout: cfg.RequestTimeout,
		SendBuffer:     cfg.SendBuffer,
		Logger:         logger,
		Clock:          session.SystemClock,
		Sessions:       store,
		Auth:           auth,
		Limiter:        limiter,
		Breaker:        brk,
		Metrics:        m,
		OnRequestTimeout: func(sessionID int64, mType, msgID string) {
			logger.Warn("request timed out",
				slog.Int64("session", sessionID),
				slog.String("mType", mType),
				slog.String("msgId", msgID))
		},
	})
	if err != nil {
		logger.Error("failed to create relay", slog.String("error", err.Error()))
		os.Exit(1)
	}

	link := upstream.New(upstream.Config{
		URL:              cfg.UpstreamURL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		BackoffMin:       cfg.BackoffMin,
		BackoffMax:       cfg.BackoffMax,
		Logger:           logger,
	}, r)
	r.AttachUpstream(link)

	srv, err := relay.NewServer(relay.ServerConfig{
		Host:            cfg.Host,
		Port:            cfg.Port,
		Path:            cfg.WSPath,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	}, r)
	if err != nil {
		logger.Error("failed to create WebSocket server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	checker := health.NewChecker(10 * time.Second)
	checker.Register("upstream_link", func(ctx context.Context) error {
		if state := link.State(); state != upstream.Connected {
			return fmt.Errorf("upstream link %s (attempt %d)", state, link.ReconnectAttempt())
		}
		return nil
	})
	checker.Register("goroutines", func(ctx context.Context) error {
		if count := runtime.NumGoroutine(); count > 50000 {
			return fmt.Errorf("too many goroutines: %d", count)
		}
		return nil
	})

	g.Go(func() error {
		return link.Run(ctx)
	})
	g.Go(func() error {
		return srv.Listen(ctx)
	})
	g.Go(func() error {
		return serveHTTP(ctx, "metrics", fmt.Sprintf(":%d", cfg.MetricsPort), metricsMux(), logger)
	})
	g.Go(func() error {
		return serveHTTP(ctx, "health", fmt.Sprintf(":%d", cfg.HealthPort), healthMux(checker), logger)
	})
	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("relay terminated with error: %s", err))
	} else {
		logger.Info("relay stopped")
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func healthMux(checker *health.Checker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())
	return mux
}

// serveHTTP runs an auxiliary HTTP server until the context is cancelled.
func serveHTTP(ctx context.Context, name, addr string, mux *http.ServeMux, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("starting "+name+" server", slog.String("address", addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
