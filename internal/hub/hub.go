package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/onebox-labs/onebox/internal/auth"
	"github.com/onebox-labs/onebox/internal/bus"
	"github.com/onebox-labs/onebox/internal/models"
	"github.com/onebox-labs/onebox/internal/ratelimit"
)

// SupervisorControl is the slice of the supervisor the hub drives: agents
// start when a user connects and stop when their last session goes away.
type SupervisorControl interface {
	EnsureForUser(ctx context.Context, userID string) error
	StopAll(userID string)
}

// Options are the hub tunables. Zero values take the documented defaults.
type Options struct {
	Heartbeat    time.Duration
	WriteTimeout time.Duration
	QueueSize    int
}

func (o Options) withDefaults() Options {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	return o
}

// Hub owns every live WebSocket session, one per user: it authenticates
// upgrades, fans out events from the bus, heartbeats each connection and
// drives agent lifecycle on connect and disconnect.
type Hub struct {
	verifier auth.TokenVerifier
	sup      SupervisorControl
	bus      *bus.Bus
	limiter  *ratelimit.Limiter
	opts     Options

	registry registry
}

func New(verifier auth.TokenVerifier, sup SupervisorControl, b *bus.Bus, limiter *ratelimit.Limiter, opts Options) *Hub {
	return &Hub{
		verifier: verifier,
		sup:      sup,
		bus:      b,
		limiter:  limiter,
		opts:     opts.withDefaults(),
		registry: newRegistry(),
	}
}

// closeFlushTimeout bounds how long teardown waits for session writers to
// flush their queued frames before the sockets are closed.
const closeFlushTimeout = 2 * time.Second

// Run pumps bus events into sessions until ctx is canceled. On
// cancellation, events already queued on the subscription (the final
// stopped statuses of a shutdown among them) are still delivered before
// the sessions are closed. Blocks.
func (h *Hub) Run(ctx context.Context) {
	sub := h.bus.Subscribe(bus.TopicNewMessage, bus.TopicStatus)
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			h.drain(sub)
			h.closeAll()
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			h.dispatch(ev)
		}
	}
}

func (h *Hub) dispatch(ev any) {
	switch e := ev.(type) {
	case models.NewMessageEvent:
		h.send(e.UserID, newEmailFrame(e))
	case models.StatusEvent:
		h.send(e.UserID, syncStatusFrame(e))
	}
}

// drain forwards every event already buffered on the subscription without
// waiting for more.
func (h *Hub) drain(sub *bus.Subscription) {
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			h.dispatch(ev)
		default:
			return
		}
	}
}

// send delivers a frame to the user's session, if any. A queue overflow
// that cannot be coalesced marks the session unhealthy and closes it.
func (h *Hub) send(userID string, f Frame) {
	s, ok := h.registry.get(userID)
	if !ok {
		return
	}
	if err := s.enqueue(f); err != nil {
		slog.Warn("session outbound queue overflow, closing", "userId", userID, "sessionId", s.id)
		h.drop(s, websocket.StatusInternalError, "backpressure")
	}
}

// BroadcastAll enqueues the frame on every live session, swallowing
// per-session errors.
func (h *Hub) BroadcastAll(f Frame) {
	for _, s := range h.registry.snapshot() {
		if err := s.enqueue(f); err != nil {
			h.drop(s, websocket.StatusInternalError, "backpressure")
		}
	}
}

// TestMessage sends an administrative test frame to one user.
func (h *Hub) TestMessage(userID string, payload any) {
	h.send(userID, Frame{Type: frameTestMessage, Data: payload})
}

// Broadcast wraps an administrative payload in a broadcast frame for
// every session.
func (h *Hub) Broadcast(payload any) {
	h.BroadcastAll(Frame{Type: frameBroadcast, Data: payload})
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	return len(h.registry.snapshot())
}

// ServeWS upgrades an authenticated request into a session and blocks
// reading inbound frames until the session dies.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow("ip:"+clientIP(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	token := r.URL.Query().Get("token")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}

	userID, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	// A client stuck in a reconnect loop burns one bucket per user id no
	// matter how many addresses it connects from.
	if h.limiter != nil && !h.limiter.Allow("user:"+userID) {
		_ = conn.Close(websocket.StatusPolicyViolation, "reconnecting too fast")
		return
	}

	s := newSession(userID, conn, h.opts.QueueSize)
	slog.Info("session opened", "userId", userID, "sessionId", s.id)

	// Queue the connection frame before the session becomes reachable so
	// it is always the first frame the client sees.
	_ = s.enqueue(Frame{Type: frameConnection, Data: connectionData{
		UserID: userID,
		At:     time.Now().UTC(),
	}})

	// Register before closing any predecessor so its close callback sees
	// a live successor and leaves the user's agents running.
	if prev, replaced := h.registry.put(userID, s); replaced {
		prev.close(websocket.StatusNormalClosure, "replaced")
	}

	go s.writeLoop(h.opts.WriteTimeout, func(err error) {
		h.drop(s, websocket.StatusNormalClosure, "write failed")
	})
	go h.heartbeat(s)

	// Agents start in the background; the handshake never blocks on IMAP.
	go func() {
		if err := h.sup.EnsureForUser(context.Background(), userID); err != nil {
			slog.Error("ensure agents failed", "userId", userID, "error", err)
		}
	}()

	h.readLoop(s)
}

func (h *Hub) readLoop(s *session) {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			h.drop(s, websocket.StatusNormalClosure, "")
			return
		}

		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}

		switch in.Type {
		case "ping":
			_ = s.enqueue(Frame{Type: framePong, Data: pongData{At: time.Now().UTC()}})
		case "subscribe":
			// Advisory in this revision; all events are delivered.
			s.setTopics(in.Topics)
		default:
		}
	}
}

// heartbeat pings the session on every tick. A peer that does not answer
// within a tick is terminated.
func (h *Hub) heartbeat(s *session) {
	ticker := time.NewTicker(h.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, h.opts.Heartbeat)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				h.drop(s, websocket.StatusNormalClosure, "heartbeat failed")
				return
			}
			s.mu.Lock()
			s.lastPong = time.Now()
			s.mu.Unlock()
		}
	}
}

// drop removes the session and closes it. If the session was still the
// user's registered one (it was not replaced), the user has no live
// session left and their agents are stopped.
func (h *Hub) drop(s *session, code websocket.StatusCode, reason string) {
	wasCurrent := h.registry.remove(s)
	s.close(code, reason)

	if wasCurrent {
		go h.sup.StopAll(s.userID)
	}
}

func (h *Hub) closeAll() {
	deadline := time.Now().Add(closeFlushTimeout)
	for _, s := range h.registry.snapshot() {
		h.registry.remove(s)
		s.awaitDrained(deadline)
		s.close(websocket.StatusNormalClosure, "server shutting down")
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
