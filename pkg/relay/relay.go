// Copyright (c) IQRF Tech s.r.o.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iqrf/iqrf-gateway-ws-relay/pkg/breaker"
	"github.com/iqrf/iqrf-gateway-ws-relay/pkg/message"
	"github.com/iqrf/iqrf-gateway-ws-relay/pkg/metrics"
	"github.com/iqrf/iqrf-gateway-ws-relay/pkg/ratelimit"
	"github.com/iqrf/iqrf-gateway-ws-relay/pkg/session"
	"github.com/iqrf/iqrf-gateway-ws-relay/pkg/upstream"
)

// mTypeDaemonMode is the daemon request reporting the operating mode.
const mTypeDaemonMode = "mngDaemon_Mode"

// modeService is the restricted operating mode.
const modeService = "service"

// serviceModeAllowed lists the mType values always permitted while the
// daemon reports service mode: daemon lifecycle and scheduler management.
var serviceModeAllowed = map[string]struct{}{
	"mngDaemon_Exit":          {},
	"mngDaemon_Mode":          {},
	"mngDaemon_Version":       {},
	"mngDaemon_Upload":        {},
	"cfgDaemon_Component":     {},
	"mngScheduler_AddTask":    {},
	"mngScheduler_GetTask":    {},
	"mngScheduler_List":       {},
	"mngScheduler_RemoveAll":  {},
	"mngScheduler_RemoveTask": {},
}

// Upstream is the send surface of the upstream link, as seen by the relay.
type Upstream interface {
	Send(payload []byte) error
	State() upstream.State
}

// Config holds configuration and collaborators for the relay.
type Config struct {
	// RequestTimeout bounds the wait for an upstream response when a request
	// does not carry its own timeout.
	RequestTimeout time.Duration

	// SendBuffer is the per-client outbound queue length.
	SendBuffer int

	// OnRequestTimeout, when set, is invoked after a request timeout has
	// been surfaced to the originating session.
	OnRequestTimeout func(sessionID int64, mType, msgID string)

	Logger   *slog.Logger
	Clock    session.Clock
	Sessions *session.Store
	Auth     session.Authenticator
	Limiter  *ratelimit.Limiter
	Breaker  *breaker.Breaker
	Metrics  *metrics.Metrics
}

type pendingRequest struct {
	sessionID int64
	mType     string
	timer     *time.Timer
}

// Relay routes downstream requests to the upstream link and upstream
// responses back to the correct downstream session.
type Relay struct {
	cfg    Config
	logger *slog.Logger
	clock  session.Clock
	up     Upstream

	mu      sync.Mutex
	clients map[int64]*client
	pending map[string]*pendingRequest
	mode    string
}

// New creates a relay. AttachUpstream must be called before requests can be
// forwarded.
func New(cfg Config) (*Relay, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = session.SystemClock
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}

	return &Relay{
		cfg:     cfg,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		clients: make(map[int64]*client),
		pending: make(map[string]*pendingRequest),
	}, nil
}

// AttachUpstream wires the upstream link. Separate from New because the link
// needs the relay as its event handler.
func (r *Relay) AttachUpstream(up Upstream) {
	r.up = up
}

// Mode returns the last operating mode reported by the daemon, or the empty
// string while unknown.
func (r *Relay) Mode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// PendingRequests returns the number of in-flight correlation entries.
func (r *Relay) PendingRequests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Relay) now() int64 {
	return r.clock().Unix()
}

// Connected implements upstream.EventHandler.
func (r *Relay) Connected(ctx context.Context) {
	if m := r.cfg.Metrics; m != nil {
		m.UpstreamState.Set(float64(upstream.Connected))
	}
}

// Disconnected implements upstream.EventHandler. All authenticated sessions
// are told the upstream link is gone.
func (r *Relay) Disconnected(ctx context.Context) {
	if m := r.cfg.Metrics; m != nil {
		m.UpstreamState.Set(float64(upstream.Disconnected))
	}
	r.broadcast(message.NewUpstreamDisconnected(r.now()))
}

// Reconnecting implements upstream.EventHandler. Emitted before the delay is
// waited so clients can show a live countdown.
func (r *Relay) Reconnecting(ctx context.Context, attempt int, delay time.Duration) {
	if m := r.cfg.Metrics; m != nil {
		m.UpstreamState.Set(float64(upstream.Connecting))
		m.UpstreamReconnects.Inc()
	}
	r.broadcast(message.NewUpstreamReconnecting(attempt, delay.Seconds(), r.now()))
}

// Message implements upstream.EventHandler. A payload carrying a known
// correlation id goes to the owning session exclusively; anything else is an
// unsolicited event fanned out to every authenticated session.
func (r *Relay) Message(ctx context.Context, payload []byte) {
	var probe struct {
		MType string `json:"mType"`
		Data  struct {
			MsgID string          `json:"msgId"`
			Rsp   json.RawMessage `json:"rsp"`
		} `json:"data"`
	}
	// Best effort: undecodable payloads are still fanned out verbatim.
	_ = json.Unmarshal(payload, &probe)

	if probe.MType == mTypeDaemonMode {
		r.updateMode(probe.Data.Rsp)
	}

	env := message.NewUpstreamResponse(json.RawMessage(payload), r.now())

	if probe.Data.MsgID != "" {
		r.mu.Lock()
		p, ok := r.pending[probe.Data.MsgID]
		if ok {
			delete(r.pending, probe.Data.MsgID)
			p.timer.Stop()
			c := r.clients[p.sessionID]
			r.mu.Unlock()
			if c != nil {
				r.send(c, env)
				if m := r.cfg.Metrics; m != nil {
					m.ResponsesDelivered.Inc()
				}
			}
			return
		}
		r.mu.Unlock()
	}

	r.broadcast(env)
	if m := r.cfg.Metrics; m != nil {
		m.Broadcasts.Inc()
	}
}

// updateMode records the operating mode carried by a mngDaemon_Mode response.
func (r *Relay) updateMode(rsp json.RawMessage) {
	var d struct {
		OperMode string `json:"operMode"`
	}
	if err := json.Unmarshal(rsp, &d); err != nil || d.OperMode == "" {
		return
	}
	r.mu.Lock()
	r.mode = d.OperMode
	r.mu.Unlock()
	r.logger.Info("daemon operating mode changed", slog.String("mode", d.OperMode))
}

// handleFrame processes one inbound downstream frame.
func (r *Relay) handleFrame(ctx context.Context, c *client, raw []byte) {
	if m := r.cfg.Metrics; m != nil {
		m.FramesReceived.Inc()
	}

	req, err := message.ParseClientFrame(raw)
	if err != nil {
		var ife *message.InvalidFrameError
		if errors.As(err, &ife) {
			r.send(c, message.NewProxyMessageInvalid(ife.Raw, ife.Reason, r.now()))
		}
		if m := r.cfg.Metrics; m != nil {
			m.InvalidFrames.Inc()
		}
		return
	}

	switch req.MType {
	case message.MTypeAuthenticate:
		r.authenticate(ctx, c, req, raw)
	case message.MTypeSessionRefresh:
		r.refresh(ctx, c)
	default:
		r.forward(c, req, raw)
	}
}

// authenticate runs the credential exchange for a session.
func (r *Relay) authenticate(ctx context.Context, c *client, req message.ClientRequest, raw []byte) {
	if m := r.cfg.Metrics; m != nil {
		m.AuthAttempts.Inc()
	}

	token, ok := req.Token()
	if !ok {
		r.send(c, message.NewProxyMessageInvalid(string(raw), "missing token", r.now()))
		return
	}

	if err := r.cfg.Auth.Validate(ctx, token); err != nil {
		code := rejectionCode(err)
		r.logger.Warn("authentication rejected",
			slog.Int64("session", c.sessionID),
			slog.Int("code", code))
		if m := r.cfg.Metrics; m != nil {
			m.AuthFailures.WithLabelValues("credentials").Inc()
		}
		r.send(c, message.NewUpstreamAuthFailed(code, r.now()))
		return
	}

	if err := r.cfg.Sessions.Authenticate(c.sessionID); err != nil {
		// Session closed between frame receipt and now; the client is gone.
		return
	}
	r.logger.Debug("session authenticated", slog.Int64("session", c.sessionID))
	r.send(c, message.NewProxyAuthSuccess(c.sessionID, r.now()))
}

// refresh extends the expiry of an active session.
func (r *Relay) refresh(ctx context.Context, c *client) {
	if err := r.cfg.Sessions.Check(c.sessionID); err != nil {
		r.send(c, message.NewUpstreamAuthFailed(rejectionCode(err), r.now()))
		return
	}
	if err := r.cfg.Auth.Refresh(ctx, c.sessionID); err != nil {
		if m := r.cfg.Metrics; m != nil {
			m.AuthFailures.WithLabelValues("refresh").Inc()
		}
		r.send(c, message.NewUpstreamAuthFailed(rejectionCode(err), r.now()))
		return
	}
	if err := r.cfg.Sessions.Refresh(c.sessionID); err != nil {
		r.send(c, message.NewUpstreamAuthFailed(rejectionCode(err), r.now()))
		return
	}
	r.send(c, message.NewProxySessionRefreshSuccess(r.now()))
}

// forward routes a downstream request to the upstream link, recording a
// correlation entry so the response finds its way back.
func (r *Relay) forward(c *client, req message.ClientRequest, raw []byte) {
	// Expiry is checked on every request, not swept in the background.
	if err := r.cfg.Sessions.Check(c.sessionID); err != nil {
		r.send(c, message.NewUpstreamAuthFailed(rejectionCode(err), r.now()))
		return
	}

	msgID, ok := req.MsgID()
	if !ok {
		msgID = uuid.New().String()
		var err error
		req, err = req.WithMsgID(msgID)
		if err != nil {
			r.send(c, message.NewUpstreamRequestInvalid(string(raw), r.now()))
			return
		}
	}

	if r.restricted(req.MType) {
		r.logger.Warn("request rejected in service mode",
			slog.Int64("session", c.sessionID),
			slog.String("mType", req.MType))
		r.requestFailed(c, req.MType, msgID, "service_mode")
		return
	}

	if r.cfg.Limiter != nil && !r.cfg.Limiter.Allow(c.sessionID) {
		r.requestFailed(c, req.MType, msgID, "rate_limited")
		return
	}

	payload, err := req.Encode()
	if err != nil {
		r.send(c, message.NewUpstreamRequestInvalid(string(raw), r.now()))
		return
	}

	timeout := r.cfg.RequestTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout * float64(time.Millisecond))
	}

	// Record the entry before sending so a fast response cannot lose the race.
	p := &pendingRequest{sessionID: c.sessionID, mType: req.MType}
	r.mu.Lock()
	if old, ok := r.pending[msgID]; ok {
		// Reused correlation id; the superseded request can no longer be answered.
		old.timer.Stop()
	}
	r.pending[msgID] = p
	p.timer = time.AfterFunc(timeout, func() { r.expire(msgID, p) })
	r.mu.Unlock()

	err = r.sendUpstream(payload)
	if err != nil {
		r.mu.Lock()
		if cur, ok := r.pending[msgID]; ok && cur == p {
			delete(r.pending, msgID)
			p.timer.Stop()
		}
		r.mu.Unlock()
		r.logger.Warn("upstream send failed",
			slog.Int64("session", c.sessionID),
			slog.String("mType", req.MType),
			slog.String("error", err.Error()))
		r.requestFailed(c, req.MType, msgID, "send_error")
		return
	}

	if m := r.cfg.Metrics; m != nil {
		m.RequestsForwarded.Inc()
	}
}

// sendUpstream pushes one frame through the circuit breaker when configured.
func (r *Relay) sendUpstream(payload []byte) error {
	if r.up == nil {
		return fmt.Errorf("no upstream attached")
	}
	if r.cfg.Breaker != nil {
		return r.cfg.Breaker.Call(func() error {
			return r.up.Send(payload)
		})
	}
	return r.up.Send(payload)
}

// restricted reports whether the mType is blocked by the current operating mode.
func (r *Relay) restricted(mType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mode != modeService {
		return false
	}
	_, allowed := serviceModeAllowed[mType]
	return !allowed
}

// expire fires when a request timer goes off. The response may have won the
// race already, or the entry may have been superseded by a reused msgId; in
// either case this is a no-op.
func (r *Relay) expire(msgID string, p *pendingRequest) {
	r.mu.Lock()
	if cur, ok := r.pending[msgID]; !ok || cur != p {
		r.mu.Unlock()
		return
	}
	delete(r.pending, msgID)
	c := r.clients[p.sessionID]
	r.mu.Unlock()

	if c != nil {
		r.requestFailed(c, p.mType, msgID, "timeout")
	}
	if r.cfg.OnRequestTimeout != nil {
		r.cfg.OnRequestTimeout(p.sessionID, p.mType, msgID)
	}
}

// requestFailed surfaces a local or upstream request failure to the
// originating session only.
func (r *Relay) requestFailed(c *client, mType, msgID, reason string) {
	if m := r.cfg.Metrics; m != nil {
		m.RequestFailures.WithLabelValues(reason).Inc()
	}
	r.send(c, message.NewUpstreamRequestFailed(mType, msgID, r.now()))
}

// send queues one envelope on a client's outbound channel. A full queue
// drops the envelope rather than blocking the dispatcher on a slow client.
func (r *Relay) send(c *client, env message.Envelope) {
	b, err := message.Serialize(env)
	if err != nil {
		r.logger.Error("envelope serialization failed", slog.String("error", err.Error()))
		return
	}
	switch c.enqueue(b) {
	case enqueued:
		if m := r.cfg.Metrics; m != nil {
			m.EnvelopesSent.WithLabelValues(string(env.Type)).Inc()
		}
	case queueFull:
		r.logger.Warn("dropping envelope for slow client",
			slog.Int64("session", c.sessionID),
			slog.String("type", string(env.Type)))
		if m := r.cfg.Metrics; m != nil {
			m.EnvelopesDropped.Inc()
		}
	case clientGone:
		// Teardown won the race; the session has nowhere to deliver to.
	}
}

// broadcast delivers an envelope to all, and only, currently-authenticated
// sessions.
func (r *Relay) broadcast(env message.Envelope) {
	r.mu.Lock()
	targets := make([]*client, 0, len(r.clients))
	for id, c := range r.clients {
		if r.cfg.Sessions.Active(id) {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	for _, c := range targets {
		r.send(c, env)
	}
}

// register creates the session for a fresh downstream connection.
func (r *Relay) register(c *client) {
	c.sessionID = r.cfg.Sessions.Create()
	r.mu.Lock()
	r.clients[c.sessionID] = c
	r.mu.Unlock()

	if m := r.cfg.Metrics; m != nil {
		m.SessionsActive.Inc()
		m.SessionsTotal.Inc()
	}
}

// unregister tears a session down: the client is removed, its correlation
// entries are purged without emitting further envelopes to it, and its rate
// limiter bucket is dropped.
func (r *Relay) unregister(c *client) {
	r.mu.Lock()
	delete(r.clients, c.sessionID)
	for msgID, p := range r.pending {
		if p.sessionID == c.sessionID {
			p.timer.Stop()
			delete(r.pending, msgID)
		}
	}
	r.mu.Unlock()

	r.cfg.Sessions.Close(c.sessionID)
	if r.cfg.Limiter != nil {
		r.cfg.Limiter.Remove(c.sessionID)
	}
	c.close()

	if m := r.cfg.Metrics; m != nil {
		m.SessionsActive.Dec()
	}
}

// rejectionCode extracts the opaque code from an authority or store
// rejection, defaulting to unauthenticated.
func rejectionCode(err error) int {
	var rej *session.RejectedError
	if errors.As(err, &rej) {
		return rej.Code
	}
	return session.CodeUnauthenticated
}
