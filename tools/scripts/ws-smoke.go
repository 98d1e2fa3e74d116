// Package main provides a CI-friendly WebSocket smoke test for the
// AgroConnect chat server.
//
// It validates:
//   - handshake + subprotocol selection (dev identity auth)
//   - join_conversation -> conversationHistory for both participants
//   - sendMessage -> receiveMessage fanout to both room members
//   - tempId echo on the sender's broadcast copy
//   - rejoin history containing the persisted message, oldest-first
//   - chatError on a non-numeric target id
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "agroconnect/shared/contracts/chat/v1"
)

const (
	defaultSubprotocol = "agroconnect.chat.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name string
	id   int64
	role string
	conn *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userID  = flag.Int64("user", 101, "First participant id (role user)")
		prodID  = flag.Int64("producer", 202, "Second participant id (role producer)")
		text    = flag.String("text", "hello agroconnect 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *userID, "user", *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *prodID, "producer", *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%d(user) B=%d(producer) origin=%q\n", a.id, b.id, *origin)
	}

	convA := mustJoin(root, a, b.id, b.role, *timeout)
	convB := mustJoin(root, b, a.id, a.role, *timeout)
	if convA != convB {
		fatalf("conversation not symmetric: A=%d B=%d", convA, convB)
	}

	tempID := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	mustSend(root, a, tempID, *text, *timeout)

	msgA := mustAssertReceive(root, a, convA, a.id, a.role, *text, *timeout)
	msgB := mustAssertReceive(root, b, convA, a.id, a.role, *text, *timeout)
	if msgA.ID != msgB.ID {
		fatalf("fanout message id mismatch: A=%d B=%d", msgA.ID, msgB.ID)
	}
	if got := rawString(msgA.TempID); got != tempID {
		fatalf("sender tempId not echoed: got=%q want=%q", got, tempID)
	}

	mustRejoinHistoryContains(root, a, b.id, b.role, convA, msgA.ID, *text, *timeout)

	mustChatError(root, a, "abc", "producer", "numeric", *timeout)

	fmt.Printf("OK: conv_id=%d msg_id=%d A=%d B=%d\n", convA, msgA.ID, a.id, b.id)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, id int64, role string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u, err := url.Parse(wsURL)
	if err != nil {
		fatalf("parse url (%s): %v", name, err)
	}
	q := u.Query()
	q.Set("testId", fmt.Sprintf("%d", id))
	q.Set("testType", role)
	u.RawQuery = q.Encode()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		id:    id,
		role:  role,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, targetID int64, targetType string, stepTimeout time.Duration) int64 {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeJoinConversation,
		ID:   fmt.Sprintf("%s-join", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.JoinConversationPayload{
			TargetID:   v1.FlexID(fmt.Sprintf("%d", targetID)),
			TargetType: targetType,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	hist := c.mustReadUntilType(parent, v1.TypeConversationHistory, stepTimeout, nil)

	var p v1.ConversationHistoryPayload
	if err := json.Unmarshal(hist.Payload, &p); err != nil {
		fatalf("unmarshal conversationHistory payload (%s): %v", c.name, err)
	}
	if p.ConversationID <= 0 {
		fatalf("conversationHistory missing conversationId (%s)", c.name)
	}
	return p.ConversationID
}

func mustSend(parent context.Context, c *smokeClient, tempID, text string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeSendMessage,
		ID:   fmt.Sprintf("%s-send", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.SendMessagePayload{
			Content: text,
			TempID:  mustJSON(tempID),
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustAssertReceive(parent context.Context, c *smokeClient, convID, senderID int64, senderType, text string, stepTimeout time.Duration) v1.MessagePayload {
	env := c.mustReadUntilType(parent, v1.TypeReceiveMessage, stepTimeout, nil)

	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal receiveMessage payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("receiveMessage conv mismatch (%s): got=%d want=%d", c.name, p.ConversationID, convID)
	}
	if p.SenderID != senderID || p.SenderType != senderType {
		fatalf("receiveMessage sender mismatch (%s): got=%d/%s want=%d/%s", c.name, p.SenderID, p.SenderType, senderID, senderType)
	}
	if p.Content != text {
		fatalf("receiveMessage content mismatch (%s): got=%q want=%q", c.name, p.Content, text)
	}
	if p.ID <= 0 {
		fatalf("receiveMessage missing message id (%s)", c.name)
	}
	if p.CreatedAt.IsZero() {
		fatalf("receiveMessage created_at missing/zero (%s)", c.name)
	}
	return p
}

func mustRejoinHistoryContains(parent context.Context, c *smokeClient, targetID int64, targetType string, convID, msgID int64, text string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeJoinConversation,
		ID:   fmt.Sprintf("%s-rejoin", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.JoinConversationPayload{
			TargetID:   v1.FlexID(fmt.Sprintf("%d", targetID)),
			TargetType: targetType,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	hist := c.mustReadUntilType(parent, v1.TypeConversationHistory, stepTimeout, nil)

	var p v1.ConversationHistoryPayload
	if err := json.Unmarshal(hist.Payload, &p); err != nil {
		fatalf("unmarshal rejoin history payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("rejoin conv mismatch (%s): got=%d want=%d", c.name, p.ConversationID, convID)
	}

	found := false
	var lastTS time.Time
	for _, m := range p.Messages {
		if m.CreatedAt.Before(lastTS) {
			fatalf("rejoin history not oldest-first (%s)", c.name)
		}
		lastTS = m.CreatedAt
		if m.ID == msgID && m.Content == text {
			found = true
		}
	}
	if !found {
		fatalf("rejoin history missing expected message (%s)", c.name)
	}
}

func mustChatError(parent context.Context, c *smokeClient, targetID, targetType, wantSubstring string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeJoinConversation,
		ID:   fmt.Sprintf("%s-bad-join", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.JoinConversationPayload{
			TargetID:   v1.FlexID(targetID),
			TargetType: targetType,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	errEnv := c.mustReadUntilType(parent, v1.TypeChatError, stepTimeout, nil)

	var p v1.ChatErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &p); err != nil {
		fatalf("unmarshal chatError payload (%s): %v", c.name, err)
	}
	if !strings.Contains(p.Message, wantSubstring) {
		fatalf("chatError message mismatch (%s): got=%q want substring %q", c.name, p.Message, wantSubstring)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeChatError && wantType != v1.TypeChatError {
				var ep v1.ChatErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server chatError (%s): %q", c.name, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
