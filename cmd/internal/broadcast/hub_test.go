package broadcast

import (
	"encoding/json"
	"testing"
	"time"

	v1 "crier/shared/contracts/broadcast/v1"
)

func TestHub_Broadcast_ReachesAllClients(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())

	a := NewClient("sa", 8)
	b := NewClient("sb", 8)
	hub.Register(a)
	hub.Register(b)

	msg := Message{
		Seq:         3,
		ServerMsgID: "m3",
		DisplayName: "alice",
		Text:        "hi",
		ServerTS:    time.Now().UTC(),
	}
	hub.Broadcast(msg)

	for _, c := range []*Client{a, b} {
		select {
		case out := <-c.Send:
			if out.Seq != 3 {
				t.Fatalf("client %s: outbound seq=%d want=3", c.SessionID, out.Seq)
			}
			if out.Env.Type != v1.TypeMessageNew {
				t.Fatalf("client %s: type=%q want=%q", c.SessionID, out.Env.Type, v1.TypeMessageNew)
			}

			var p v1.MessageNewPayload
			if err := json.Unmarshal(out.Env.Payload, &p); err != nil {
				t.Fatalf("client %s: unmarshal payload: %v", c.SessionID, err)
			}
			if p.Seq != 3 || p.Text != "hi" || p.DisplayName != "alice" {
				t.Fatalf("client %s: payload=%+v", c.SessionID, p)
			}
		default:
			t.Fatalf("client %s: no delivery", c.SessionID)
		}
	}
}

func TestHub_Unregister_StopsDelivery(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())

	c := NewClient("sa", 8)
	hub.Register(c)
	if hub.Len() != 1 {
		t.Fatalf("len=%d want=1", hub.Len())
	}

	hub.Unregister("sa")
	if hub.Len() != 0 {
		t.Fatalf("len=%d want=0", hub.Len())
	}

	select {
	case <-c.Done():
	default:
		t.Fatalf("unregister should close the client")
	}

	hub.Broadcast(Message{Seq: 1, Text: "late"})
	select {
	case out := <-c.Send:
		t.Fatalf("unexpected delivery after unregister: seq=%d", out.Seq)
	default:
	}
}

func TestHub_Broadcast_DoesNotBlockOnFullClient(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())

	slow := NewClient("slow", 32)
	hub.Register(slow)

	// Fill the queue, then broadcast more than fits; Broadcast must return.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 64; i++ {
			hub.Broadcast(Message{Seq: int64(i + 1), Text: "x"})
		}
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Broadcast blocked on a full client queue")
	}
}
