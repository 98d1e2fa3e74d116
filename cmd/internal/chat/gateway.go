package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "agroconnect/shared/contracts/chat/v1"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

const (
	wsSubprotocolV1 = "agroconnect.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Client-facing error messages. Storage failures stay generic: internal
// detail is logged server-side only, never leaked to the client.
const (
	msgTargetNotNumeric = "target id must be numeric"
	msgUnknownRole      = "unknown target role"
	msgNotJoined        = "join a conversation first"
	msgEmptyContent     = "message content required"
	msgResolveFailed    = "unable to open conversation"
	msgSendFailed       = "unable to send message"
	msgHistoryFailed    = "unable to load conversation history"
)

// Gateway is the WebSocket entrypoint for AgroConnect chat.
//
// It authenticates the handshake, binds one identity per connection, and runs
// the per-connection session state machine: join a conversation room, send
// messages into it, fan persisted messages out to room members.
type Gateway struct {
	log      *slog.Logger
	hub      *Hub
	registry *Registry
	store    Store
	auth     Authenticator
	metrics  *Collector

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration

	storeTimeout time.Duration
	historyLimit int
}

// NewGateway constructs a gateway with secure defaults.
// When hub/store are nil, it falls back to in-memory implementations for dev.
func NewGateway(log *slog.Logger, hub *Hub, registry *Registry, store Store, auth Authenticator, metrics *Collector) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if registry == nil {
		registry = NewRegistry(log)
	}
	if store == nil {
		store = NewInMemoryStore()
	}
	if auth == nil {
		auth = QueryAuthenticator{}
	}

	g := &Gateway{log: log, hub: hub, registry: registry, store: store, auth: auth, metrics: metrics}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBool("AGRO_WS_DEV_INSECURE", false)

	g.originRequired = envBool("AGRO_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSV("AGRO_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatterns(g.allowedOrigins)

	g.writeTimeout = envDuration("AGRO_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDuration("AGRO_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envInt("AGRO_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDuration("AGRO_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDuration("AGRO_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envInt("AGRO_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDuration("AGRO_WS_RATE_WINDOW", rateLimitWindow)

	g.storeTimeout = envDuration("AGRO_WS_STORE_TIMEOUT", storeCallTimeout)
	g.historyLimit = envInt("AGRO_WS_HISTORY_LIMIT", DefaultHistoryLimit)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates and upgrades an HTTP request to a WebSocket session
// and runs the chat session loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Identity must bind at handshake; a connection without valid claims
	// never reaches the session loop.
	identity, err := g.auth.Authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}

	client := NewClient(sessionID, identity, g.sendQueueSize)
	g.registry.Register(identity, client)
	g.metrics.ConnectionOpened()

	g.log.Info("ws.session.bound", "session_id", sessionID, "identity", identity.Key())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		joined    *Room
	)

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: client.Send remains open and membership removal happens before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if joined != nil {
				joined.Leave(sessionID)
				joined = nil
			}

			g.registry.Unregister(identity, client)
			g.metrics.ConnectionClosed()

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	limiter := rate.NewLimiter(rate.Limit(float64(g.rateEvents)/g.rateWindow.Seconds()), g.rateEvents)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
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
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !limiter.Allow() {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeJoinConversation:
			room, ok := g.onJoin(ctx, client, env)
			if !ok {
				// chatError already emitted; session keeps its prior room.
				continue readLoop
			}

			// Room membership is exclusive: leave the old room before switching.
			if joined != nil && joined.ConversationID != room.ConversationID {
				joined.Leave(sessionID)
			}
			joined = room

		case v1.TypeSendMessage:
			if joined == nil {
				g.trySendError(ctx, client, "not_joined", msgNotJoined)
				continue readLoop
			}
			g.onSend(ctx, client, joined, env, now)

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

// onJoin resolves the conversation with the target identity, joins its room,
// and pushes recent history to the requesting connection only.
// It reports ok=false after emitting a chatError, leaving membership as-is.
func (g *Gateway) onJoin(ctx context.Context, client *Client, env v1.Envelope) (*Room, bool) {
	var p v1.JoinConversationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, "bad_payload", "invalid join payload")
		return nil, false
	}

	target, err := ParseIdentity(string(p.TargetID), p.TargetType)
	if err != nil {
		if ValidRole(strings.ToLower(strings.TrimSpace(p.TargetType))) {
			g.trySendError(ctx, client, "invalid_target", msgTargetNotNumeric)
		} else {
			g.trySendError(ctx, client, "invalid_target", msgUnknownRole)
		}
		return nil, false
	}

	conv, err := g.resolveConversation(ctx, client.Identity, target)
	if err != nil {
		g.log.Error("ws.join.resolve.fail", "session_id", client.SessionID, "target", target.Key(), "err", err)
		g.trySendError(ctx, client, "resolve_failed", msgResolveFailed)
		return nil, false
	}

	room := g.hub.GetOrCreateRoom(conv.ID)
	room.Join(client)

	history, err := g.recentHistory(ctx, conv.ID)
	if err != nil {
		g.log.Error("ws.join.history.fail", "session_id", client.SessionID, "conversation_id", conv.ID, "err", err)
		g.trySendError(ctx, client, "history_failed", msgHistoryFailed)
		return room, true
	}

	// Storage returns newest-first; clients display oldest-first.
	msgs := make([]v1.MessagePayload, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		msgs = append(msgs, messagePayload(history[i], nil))
	}

	payload, _ := json.Marshal(v1.ConversationHistoryPayload{
		ConversationID: conv.ID,
		Messages:       msgs,
	})
	// History goes to the requesting connection only, never the room.
	if !g.enqueue(ctx, client, g.newEnvelope(v1.TypeConversationHistory, payload)) {
		g.log.Info("ws.join.history.backpressure", "session_id", client.SessionID, "conversation_id", conv.ID)
	}

	return room, true
}

// onSend persists the message under the session's bound identity and fans it
// out to every connection in the room, the sender included.
func (g *Gateway) onSend(ctx context.Context, client *Client, room *Room, env v1.Envelope, now time.Time) {
	var p v1.SendMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, "bad_payload", "invalid send payload")
		return
	}

	content := strings.TrimSpace(p.Content)
	if content == "" {
		g.trySendError(ctx, client, "empty_content", msgEmptyContent)
		return
	}
	if len([]rune(content)) > maxMessageChars {
		g.trySendError(ctx, client, "too_long", fmt.Sprintf("message too long: max=%d chars", maxMessageChars))
		return
	}

	msg, err := g.appendMessage(ctx, room.ConversationID, client.Identity, content, now)
	if err != nil {
		g.log.Error("ws.send.append.fail", "session_id", client.SessionID, "conversation_id", room.ConversationID, "err", err)
		g.trySendError(ctx, client, "persist_failed", msgSendFailed)
		return
	}

	// The client's correlation id rides along unchanged so the sender can
	// reconcile its optimistic entry against this echo.
	payload, _ := json.Marshal(messagePayload(msg, p.TempID))
	dropped := room.Broadcast(g.newEnvelope(v1.TypeReceiveMessage, payload))
	g.metrics.MessageBroadcast(dropped)
}

// ---- storage wrappers ----

// Storage calls carry a bounded timeout so a hung backend degrades into a
// chatError instead of a dangling session.

func (g *Gateway) resolveConversation(parent context.Context, current, target Identity) (Conversation, error) {
	ctx, cancel := context.WithTimeout(parent, g.storeTimeout)
	defer cancel()

	start := time.Now()
	conv, err := g.store.Resolve(ctx, current, target)
	g.metrics.StoreCall(time.Since(start))
	return conv, err
}

func (g *Gateway) recentHistory(parent context.Context, conversationID int64) ([]Message, error) {
	ctx, cancel := context.WithTimeout(parent, g.storeTimeout)
	defer cancel()

	start := time.Now()
	msgs, err := g.store.RecentHistory(ctx, conversationID, g.historyLimit)
	g.metrics.StoreCall(time.Since(start))
	return msgs, err
}

func (g *Gateway) appendMessage(parent context.Context, conversationID int64, sender Identity, content string, now time.Time) (Message, error) {
	ctx, cancel := context.WithTimeout(parent, g.storeTimeout)
	defer cancel()

	start := time.Now()
	msg, err := g.store.Append(ctx, conversationID, sender, content, now)
	g.metrics.StoreCall(time.Since(start))
	return msg, err
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, reason, msg string) {
	g.metrics.ChatError(reason)
	p, _ := json.Marshal(v1.ChatErrorPayload{Message: msg})
	_ = g.enqueue(ctx, client, g.newEnvelope(v1.TypeChatError, p))
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func messagePayload(m Message, tempID json.RawMessage) v1.MessagePayload {
	return v1.MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.Sender.ID,
		SenderType:     m.Sender.Role,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		TempID:         tempID,
	}
}

func (g *Gateway) newEnvelope(typ string, payload json.RawMessage) v1.Envelope {
	now := time.Now().UTC()
	id, err := NewEnvelopeID(now)
	if err != nil {
		g.log.Error("ws.envelope_id.fail", "err", err)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      now,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
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

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatterns(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSV(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
