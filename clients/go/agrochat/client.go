package agrochat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	v1 "agroconnect/shared/contracts/chat/v1"
)

// Subprotocol is the WebSocket subprotocol this client speaks.
const Subprotocol = "agroconnect.chat.v1"

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("agrochat: client closed")

// Options configures a Dial.
type Options struct {
	// Token is the signed identity token. Leave empty for dev servers
	// that accept TestID/TestType.
	Token string

	// TestID and TestType bind a dev identity when Token is empty.
	TestID   int64
	TestType string

	// OnError receives chatError payloads. Optional.
	OnError func(v1.ChatErrorPayload)
}

// Client is a connected chat participant. Incoming broadcasts and history
// are folded into the Timeline by the read loop.
type Client struct {
	conn     *websocket.Conn
	timeline *Timeline
	identity struct {
		id   int64
		role string
	}
	onError func(v1.ChatErrorPayload)

	mu     sync.Mutex
	closed bool

	done     chan struct{}
	doneOnce sync.Once
	readErr  error
}

// Dial connects to a chat server at baseURL (ws:// or wss://) and starts
// the read loop.
func Dial(ctx context.Context, baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("agrochat: parse url: %w", err)
	}
	q := u.Query()
	if opts.Token != "" {
		q.Set("token", opts.Token)
	} else {
		q.Set("testId", strconv.FormatInt(opts.TestID, 10))
		q.Set("testType", opts.TestType)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("agrochat: dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		timeline: NewTimeline(),
		onError:  opts.OnError,
		done:     make(chan struct{}),
	}
	c.identity.id = opts.TestID
	c.identity.role = opts.TestType

	go c.readLoop()
	return c, nil
}

// Timeline exposes the reconciled message timeline.
func (c *Client) Timeline() *Timeline {
	return c.timeline
}

// Join requests the conversation with the target participant. The server
// responds with a conversationHistory envelope which resets the timeline.
func (c *Client) Join(ctx context.Context, targetID int64, targetType string) error {
	return c.send(ctx, v1.TypeJoinConversation, v1.JoinConversationPayload{
		TargetID:   v1.FlexID(strconv.FormatInt(targetID, 10)),
		TargetType: targetType,
	})
}

// Send transmits a message into the joined conversation. It appends an
// optimistic timeline entry keyed by a fresh tempId and returns that id.
func (c *Client) Send(ctx context.Context, content string) (string, error) {
	tempID := uuid.NewString()
	raw, err := json.Marshal(tempID)
	if err != nil {
		return "", err
	}

	if err := c.send(ctx, v1.TypeSendMessage, v1.SendMessagePayload{
		Content: content,
		TempID:  raw,
	}); err != nil {
		return "", err
	}

	c.timeline.AppendLocal(tempID, content, c.identity.id, c.identity.role)
	return tempID, nil
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the read loop exited, nil for a clean close.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

func (c *Client) send(ctx context.Context, eventType string, payload any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := v1.Envelope{
		V:       v1.Version,
		Type:    eventType,
		TS:      time.Now().UTC(),
		Payload: raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) readLoop() {
	defer c.doneOnce.Do(func() { close(c.done) })

	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				c.readErr = err
			}
			return
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env v1.Envelope) {
	switch env.Type {
	case v1.TypeConversationHistory:
		var h v1.ConversationHistoryPayload
		if err := json.Unmarshal(env.Payload, &h); err == nil {
			c.timeline.Reset(h)
		}
	case v1.TypeReceiveMessage:
		var m v1.MessagePayload
		if err := json.Unmarshal(env.Payload, &m); err == nil {
			c.timeline.ApplyBroadcast(m)
		}
	case v1.TypeChatError:
		if c.onError == nil {
			return
		}
		var p v1.ChatErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			c.onError(p)
		}
	}
}
