package chat

import (
	"encoding/json"
	"testing"

	v1 "agroconnect/shared/contracts/chat/v1"
)

func testEnvelope(t *testing.T, content string) v1.Envelope {
	t.Helper()
	p, err := json.Marshal(v1.ChatErrorPayload{Message: content})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return v1.Envelope{V: v1.Version, Type: v1.TypeReceiveMessage, ID: "e1", Payload: p}
}

func TestRoomBroadcastIncludesSender(t *testing.T) {
	t.Parallel()

	room := NewRoom(testLogger(), 1)
	sender := NewClient("sess-a", Identity{ID: 101, Role: RoleUser}, 8)
	other := NewClient("sess-b", Identity{ID: 202, Role: RoleProducer}, 8)

	room.Join(sender)
	room.Join(other)

	env := testEnvelope(t, "hello")
	if dropped := room.Broadcast(env); dropped != 0 {
		t.Fatalf("dropped=%d want 0", dropped)
	}

	for _, c := range []*Client{sender, other} {
		select {
		case got := <-c.Send:
			if got.ID != env.ID {
				t.Fatalf("session %s received wrong envelope", c.SessionID)
			}
		default:
			t.Fatalf("session %s received nothing", c.SessionID)
		}
	}
}

func TestRoomLeaveStopsDelivery(t *testing.T) {
	t.Parallel()

	roomX := NewRoom(testLogger(), 1)
	roomY := NewRoom(testLogger(), 2)
	c := NewClient("sess-a", Identity{ID: 101, Role: RoleUser}, 8)

	// Exclusive membership: joining Y means leaving X first.
	roomX.Join(c)
	roomX.Leave(c.SessionID)
	roomY.Join(c)

	roomX.Broadcast(testEnvelope(t, "for X"))
	select {
	case <-c.Send:
		t.Fatalf("received broadcast for a room that was left")
	default:
	}

	roomY.Broadcast(testEnvelope(t, "for Y"))
	select {
	case <-c.Send:
	default:
		t.Fatalf("missed broadcast for current room")
	}

	if roomX.Len() != 0 || roomY.Len() != 1 {
		t.Fatalf("membership counts: x=%d y=%d", roomX.Len(), roomY.Len())
	}
}

func TestRoomLeaveDoesNotCloseClient(t *testing.T) {
	t.Parallel()

	room := NewRoom(testLogger(), 1)
	c := NewClient("sess-a", Identity{ID: 101, Role: RoleUser}, 8)
	room.Join(c)
	room.Leave(c.SessionID)

	select {
	case <-c.Done():
		t.Fatalf("leaving a room must not shut the connection down")
	default:
	}
}

func TestRoomBroadcastDropsUnderBackpressure(t *testing.T) {
	t.Parallel()

	room := NewRoom(testLogger(), 1)
	slow := NewClient("sess-slow", Identity{ID: 1, Role: RoleUser}, 32)
	room.Join(slow)

	env := testEnvelope(t, "x")
	for i := 0; i < cap(slow.Send); i++ {
		slow.Send <- env
	}

	if dropped := room.Broadcast(env); dropped != 1 {
		t.Fatalf("dropped=%d want 1", dropped)
	}
}

func TestRoomBroadcastSkipsClosedClients(t *testing.T) {
	t.Parallel()

	room := NewRoom(testLogger(), 1)
	gone := NewClient("sess-gone", Identity{ID: 1, Role: RoleUser}, 8)
	room.Join(gone)
	gone.Close()

	// Must not panic and must not count as a drop.
	if dropped := room.Broadcast(testEnvelope(t, "x")); dropped != 0 {
		t.Fatalf("dropped=%d want 0", dropped)
	}
}
