// Package session owns the two socket endpoints: the global notification
// socket and the per-conversation chat socket. It upgrades, authenticates,
// registers the connection, and pumps frames between the peer and the
// dispatcher; message semantics live in dispatch, fanout in hub.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"

	"veil/internal/auth"
	"veil/internal/dispatch"
	"veil/internal/hub"
	"veil/internal/metrics"
	"veil/internal/model"
	"veil/internal/registry"
	"veil/internal/store"
	"veil/internal/wire"
)

const (
	endpointEvents = "events"
	endpointChat   = "chat"

	defaultSendQueueSize = 64
	minSendQueueSize     = 16

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 16 * time.Minute
	closeGrace          = 1 * time.Second

	defaultHeartbeatEvery   = 25 * time.Second
	defaultHeartbeatTimeout = 10 * time.Second
	maxPingFailures         = 3

	defaultMaxFrameBytes = 64 << 10

	defaultRateEvents = 120
	defaultRateWindow = 10 * time.Second
)

// Config tunes connection behavior; zero values fall back to defaults.
type Config struct {
	SendQueueSize int
	WriteTimeout  time.Duration
	ReadIdle      time.Duration

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	MaxFrameBytes int64

	RateEvents int
	RateWindow time.Duration

	// OriginPatterns feed websocket.Accept's cross-origin allowlist.
	// Empty means same-host only.
	OriginPatterns []string

	// DevInsecure disables origin verification entirely. Dev-only knob.
	DevInsecure bool
}

// Normalize fills unset fields with defaults.
func (c Config) Normalize() Config {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadIdle <= 0 {
		c.ReadIdle = defaultReadIdle
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = defaultHeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = defaultMaxFrameBytes
	}
	if c.RateEvents <= 0 {
		c.RateEvents = defaultRateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = defaultRateWindow
	}
	return c
}

// Gateway is the WebSocket entrypoint for both endpoints.
type Gateway struct {
	log        *slog.Logger
	verifier   *auth.Verifier
	st         store.Store
	hub        *hub.Hub
	reg        *registry.Registry
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics

	cfg Config
}

// New wires a Gateway. metrics may be nil.
func New(log *slog.Logger, verifier *auth.Verifier, st store.Store, h *hub.Hub, reg *registry.Registry, d *dispatch.Dispatcher, m *metrics.Metrics, cfg Config) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		log:        log,
		verifier:   verifier,
		st:         st,
		hub:        h,
		reg:        reg,
		dispatcher: d,
		metrics:    m,
		cfg:        cfg.Normalize(),
	}
}

// HandleEvents serves the global notification socket. The server pushes
// delivery frames; inbound frames on this endpoint are ignored.
func (g *Gateway) HandleEvents(w http.ResponseWriter, r *http.Request) {
	principal, err := g.verifier.FromRequest(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "endpoint", endpointEvents, "remote", r.RemoteAddr)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	g.serve(w, r, principal, hub.EventsTopic, endpointEvents, nil)
}

// HandleChat serves one conversation's socket. The caller must be a
// participant; every inbound frame runs through the dispatcher in order.
func (g *Gateway) HandleChat(w http.ResponseWriter, r *http.Request) {
	principal, err := g.verifier.FromRequest(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "endpoint", endpointChat, "remote", r.RemoteAddr)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	hex := strings.TrimSpace(r.PathValue("hex"))
	conv, err := g.st.Conversations.FindConversationByHex(r.Context(), hex)
	if err != nil {
		if store.IsNotFound(err) {
			http.Error(w, "Conversation not found", http.StatusNotFound)
			return
		}
		g.log.Error("ws.conversation.fetch.fail", "conversation", hex, "err", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if !conv.IsParticipant(principal.Hex) {
		g.log.Info("ws.reject.participant", "conversation", hex, "user", principal.Hex)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	g.serve(w, r, principal, hub.ChatTopic(conv.Hex), endpointChat, &conv)
}

// serve runs one upgraded session: writer and heartbeat goroutines plus the
// read loop. conv is nil on the notification endpoint.
func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, principal auth.Principal, topic, endpoint string, conv *model.Conversation) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     g.cfg.OriginPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "endpoint", endpoint, "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(g.cfg.MaxFrameBytes)

	sessionID := ulid.Make().String()
	client := hub.NewClient(principal.Hex, sessionID, g.cfg.SendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send; membership
	// removal happens before client.Close so broadcasters never panic.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Unsubscribe(topic, client)
			g.reg.Remove(principal.Hex, client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			g.countConn(endpoint, -1)
		})
	}

	g.reg.Add(principal.Hex, client)
	g.hub.Subscribe(topic, client)
	g.countConn(endpoint, +1)

	g.log.Info("ws.open",
		"endpoint", endpoint, "session_id", sessionID, "user", principal.Hex, "topic", topic)

	if conv != nil {
		g.hub.Publish(topic, wire.SystemJoinFrame(time.Now().UTC()))
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case f := <-client.Send:
				if err := writeFrame(ctx, conn, f, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail",
						"session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		expiry := expiryTimer(principal.ExpiresAt)
		defer expiry.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-expiry.C:
				g.log.Info("ws.close.token_expired", "session_id", sessionID, "user", principal.Hex)
				shutdown(websocket.StatusCode(wire.CloseUnauthenticated), "token expired")
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	budget := newFrameBudget(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdle)
		frame, err := readFrame(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				client.TrySend(wire.ErrorFrame("", "", "invalid JSON"))
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !budget.spend(time.Now().UTC()) {
			client.TrySend(wire.ErrorFrame("", frame.Kind, "too many frames"))
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := frame.Validate(); err != nil {
			if errors.Is(err, wire.ErrUnknownKind) {
				g.log.Info("ws.frame.drop", "session_id", sessionID, "kind", frame.Kind)
				continue readLoop
			}
			client.TrySend(wire.ErrorFrame("", frame.Kind, err.Error()))
			continue readLoop
		}

		if conv == nil {
			// Notification socket is push-only.
			g.log.Debug("ws.frame.ignore", "session_id", sessionID, "kind", frame.Kind)
			continue readLoop
		}

		g.dispatcher.Dispatch(ctx, client, *conv, frame)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}

	g.log.Info("ws.close", "endpoint", endpoint, "session_id", sessionID, "user", principal.Hex)
}

func (g *Gateway) countConn(endpoint string, delta float64) {
	if g.metrics != nil {
		g.metrics.Connections.WithLabelValues(endpoint).Add(delta)
	}
}

// expiryTimer arms a timer for the token's remaining lifetime.
// A zero expiry yields a timer that never fires.
func expiryTimer(expiresAt time.Time) *time.Timer {
	if expiresAt.IsZero() {
		t := time.NewTimer(time.Hour)
		t.Stop()
		return t
	}
	d := time.Until(expiresAt)
	if d < 0 {
		d = 0
	}
	return time.NewTimer(d)
}

// ---- frame IO ----

func readFrame(ctx context.Context, conn *websocket.Conn) (wire.Frame, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return wire.Frame{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return wire.Frame{}, errors.New("unsupported message type")
	}
	var f wire.Frame
	if err := f.Decode(data); err != nil {
		return wire.Frame{}, err
	}
	return f, nil
}

func writeFrame(parent context.Context, conn *websocket.Conn, f wire.Frame, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := f.Encode()
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// Decode errors surface as JSON messages, not close statuses.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}
