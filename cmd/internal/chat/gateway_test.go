package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	v1 "agroconnect/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const testStepTimeout = 5 * time.Second

func newTestGateway(t *testing.T) (*Gateway, *InMemoryStore) {
	t.Helper()

	t.Setenv("AGRO_WS_ORIGIN_REQUIRED", "false")

	store := NewInMemoryStore()
	log := testLogger()
	g := NewGateway(log, NewHub(log), NewRegistry(log), store, QueryAuthenticator{}, nil)
	return g, store
}

func startWSTestServer(t *testing.T, g *Gateway) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(g.HandleWS))
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, baseURL string, id int64, role string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testStepTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/ws?testId=%d&testType=%s", baseURL, id, role)
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func sendEnv(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	p, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: "t1", TS: time.Now().UTC(), Payload: p}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testStepTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readType(t *testing.T, conn *websocket.Conn, typ string) v1.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testStepTimeout)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read waiting for %s: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
}

func assertNoEnvelope(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	if _, data, err := conn.Read(ctx); err == nil {
		t.Fatalf("unexpected envelope: %s", data)
	}
}

func joinConversation(t *testing.T, conn *websocket.Conn, targetID, targetType string) v1.ConversationHistoryPayload {
	t.Helper()

	sendEnv(t, conn, v1.TypeJoinConversation, v1.JoinConversationPayload{
		TargetID:   v1.FlexID(targetID),
		TargetType: targetType,
	})
	env := readType(t, conn, v1.TypeConversationHistory)

	var hist v1.ConversationHistoryPayload
	if err := json.Unmarshal(env.Payload, &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	return hist
}

func TestGatewayFirstContactAndEcho(t *testing.T) {
	g, _ := newTestGateway(t)
	ts := startWSTestServer(t, g)

	a := dialWS(t, ts.URL, 101, "user")

	hist := joinConversation(t, a, "202", "producer")
	if len(hist.Messages) != 0 {
		t.Fatalf("first contact history not empty: %d messages", len(hist.Messages))
	}
	if hist.ConversationID == 0 {
		t.Fatalf("missing conversation id")
	}

	sendEnv(t, a, v1.TypeSendMessage, v1.SendMessagePayload{
		Content: "hello",
		TempID:  json.RawMessage(`"tmp-1"`),
	})

	env := readType(t, a, v1.TypeReceiveMessage)
	var msg v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}

	if msg.Content != "hello" || msg.SenderID != 101 || msg.SenderType != "user" {
		t.Fatalf("echo mismatch: %+v", msg)
	}
	if msg.ConversationID != hist.ConversationID {
		t.Fatalf("conversation id mismatch: %d vs %d", msg.ConversationID, hist.ConversationID)
	}
	if string(msg.TempID) != `"tmp-1"` {
		t.Fatalf("tempId not echoed unchanged: %s", msg.TempID)
	}
}

func TestGatewaySymmetricJoinSeesHistory(t *testing.T) {
	g, _ := newTestGateway(t)
	ts := startWSTestServer(t, g)

	a := dialWS(t, ts.URL, 101, "user")
	histA := joinConversation(t, a, "202", "producer")

	sendEnv(t, a, v1.TypeSendMessage, v1.SendMessagePayload{Content: "hello"})
	readType(t, a, v1.TypeReceiveMessage)

	// The producer joins from the other side of the pair.
	b := dialWS(t, ts.URL, 202, "producer")
	histB := joinConversation(t, b, "101", "user")

	if histB.ConversationID != histA.ConversationID {
		t.Fatalf("pair resolved to different conversations: %d vs %d", histB.ConversationID, histA.ConversationID)
	}
	if len(histB.Messages) != 1 || histB.Messages[0].Content != "hello" {
		t.Fatalf("prior message missing from history: %+v", histB.Messages)
	}

	// Both room members receive subsequent broadcasts, sender included.
	sendEnv(t, b, v1.TypeSendMessage, v1.SendMessagePayload{Content: "hi back"})
	for _, conn := range []*websocket.Conn{a, b} {
		env := readType(t, conn, v1.TypeReceiveMessage)
		var msg v1.MessagePayload
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Content != "hi back" || msg.SenderID != 202 || msg.SenderType != "producer" {
			t.Fatalf("broadcast mismatch: %+v", msg)
		}
	}
}

func TestGatewayHistoryOldestFirst(t *testing.T) {
	g, store := newTestGateway(t)
	ts := startWSTestServer(t, g)

	a := Identity{ID: 101, Role: RoleUser}
	b := Identity{ID: 202, Role: RoleProducer}
	conv, err := store.Resolve(context.Background(), a, b)
	if err != nil {
		t.Fatalf("seed resolve: %v", err)
	}
	base := time.Date(2026, 8, 10, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, err := store.Append(context.Background(), conv.ID, a, fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("seed append: %v", err)
		}
	}

	conn := dialWS(t, ts.URL, 101, "user")
	hist := joinConversation(t, conn, "202", "producer")

	if len(hist.Messages) != 3 {
		t.Fatalf("len=%d want 3", len(hist.Messages))
	}
	for i, want := range []string{"m0", "m1", "m2"} {
		if hist.Messages[i].Content != want {
			t.Fatalf("history[%d]=%q want %q (oldest-first)", i, hist.Messages[i].Content, want)
		}
	}
}

func TestGatewayInvalidTargetID(t *testing.T) {
	g, store := newTestGateway(t)
	ts := startWSTestServer(t, g)

	conn := dialWS(t, ts.URL, 101, "user")

	sendEnv(t, conn, v1.TypeJoinConversation, v1.JoinConversationPayload{
		TargetID:   "abc",
		TargetType: "producer",
	})

	env := readType(t, conn, v1.TypeChatError)
	var p v1.ChatErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Message != msgTargetNotNumeric {
		t.Fatalf("message=%q want %q", p.Message, msgTargetNotNumeric)
	}

	// No conversation may have been created, and the connection stays usable.
	if _, err := store.RecentHistory(context.Background(), 1, 10); err == nil {
		t.Fatalf("conversation created for invalid target")
	}
	hist := joinConversation(t, conn, "202", "producer")
	if hist.ConversationID == 0 {
		t.Fatalf("connection unusable after validation error")
	}
}

func TestGatewaySendWithoutRoom(t *testing.T) {
	g, _ := newTestGateway(t)
	ts := startWSTestServer(t, g)

	conn := dialWS(t, ts.URL, 101, "user")

	sendEnv(t, conn, v1.TypeSendMessage, v1.SendMessagePayload{Content: "orphan"})
	env := readType(t, conn, v1.TypeChatError)

	var p v1.ChatErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Message != msgNotJoined {
		t.Fatalf("message=%q want %q", p.Message, msgNotJoined)
	}

	// The rejected send must not have persisted anything.
	hist := joinConversation(t, conn, "202", "producer")
	if len(hist.Messages) != 0 {
		t.Fatalf("orphan send persisted: %+v", hist.Messages)
	}
}

func TestGatewayEmptyContentRejected(t *testing.T) {
	g, _ := newTestGateway(t)
	ts := startWSTestServer(t, g)

	conn := dialWS(t, ts.URL, 101, "user")
	joinConversation(t, conn, "202", "producer")

	sendEnv(t, conn, v1.TypeSendMessage, v1.SendMessagePayload{Content: "   "})
	env := readType(t, conn, v1.TypeChatError)

	var p v1.ChatErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Message != msgEmptyContent {
		t.Fatalf("message=%q want %q", p.Message, msgEmptyContent)
	}
}

func TestGatewayRoomExclusivity(t *testing.T) {
	g, _ := newTestGateway(t)
	ts := startWSTestServer(t, g)

	a := dialWS(t, ts.URL, 101, "user")
	b := dialWS(t, ts.URL, 202, "producer")

	joinConversation(t, a, "202", "producer")
	joinConversation(t, b, "101", "user")

	// A switches to a conversation with a transporter; membership is exclusive.
	joinConversation(t, a, "303", "transporter")

	sendEnv(t, b, v1.TypeSendMessage, v1.SendMessagePayload{Content: "gone?"})
	readType(t, b, v1.TypeReceiveMessage)

	// A left the old room and must receive no further broadcasts for it.
	assertNoEnvelope(t, a, 500*time.Millisecond)
}

func TestGatewayHandshakeRejections(t *testing.T) {
	g, _ := newTestGateway(t)
	ts := startWSTestServer(t, g)

	cases := []struct {
		name  string
		query string
	}{
		{name: "missing claims", query: ""},
		{name: "missing role", query: "?testId=101"},
		{name: "non numeric id", query: "?testId=abc&testType=user"},
		{name: "unknown role", query: "?testId=101&testType=admin"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), testStepTimeout)
			defer cancel()

			conn, resp, err := websocket.Dial(ctx, ts.URL+"/ws"+tc.query, &websocket.DialOptions{
				Subprotocols: []string{wsSubprotocolV1},
			})
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			if err == nil {
				_ = conn.Close(websocket.StatusNormalClosure, "bye")
				t.Fatalf("handshake accepted without valid identity claims")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				status := 0
				if resp != nil {
					status = resp.StatusCode
				}
				t.Fatalf("expected 401, got status=%d err=%v", status, err)
			}
		})
	}
}

func TestGatewayRegistryLifecycle(t *testing.T) {
	t.Setenv("AGRO_WS_ORIGIN_REQUIRED", "false")

	log := testLogger()
	registry := NewRegistry(log)
	g := NewGateway(log, NewHub(log), registry, NewInMemoryStore(), QueryAuthenticator{}, nil)
	ts := startWSTestServer(t, g)

	conn := dialWS(t, ts.URL, 101, "user")
	joinConversation(t, conn, "202", "producer")

	if _, ok := registry.Lookup(Identity{ID: 101, Role: RoleUser}); !ok {
		t.Fatalf("identity not registered after handshake")
	}

	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(testStepTimeout)
	for {
		if _, ok := registry.Lookup(Identity{ID: 101, Role: RoleUser}); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("identity still registered after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
