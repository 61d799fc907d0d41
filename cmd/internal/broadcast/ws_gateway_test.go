package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	v1 "crier/shared/contracts/broadcast/v1"

	"github.com/coder/websocket"
)

type gatewayFixture struct {
	store *MemoryStore
	url   string
}

// newGatewayFixture wires a full in-process pipeline: memory log, local bus,
// hub fed by the bus subscription, write path, recovery, gateway.
func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	log := testLogger()
	store := NewMemoryStore()
	bus := NewLocalBus(log)
	hub := NewHub(log)

	svc, err := NewService(log, store, bus)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	rec := NewRecovery(log, store, 2)

	g := NewWSGateway(log, hub, svc, rec)
	g.originRequired = false

	if _, err := bus.Subscribe(hub.Broadcast); err != nil {
		t.Fatalf("bus subscribe: %v", err)
	}

	ts := httptest.NewServer(http.HandlerFunc(g.HandleWS))
	t.Cleanup(func() {
		ts.Close()
		_ = bus.Close()
	})

	return &gatewayFixture{
		store: store,
		url:   "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

type testConn struct {
	t    *testing.T
	conn *websocket.Conn
}

// dial connects, completes the hello handshake, and consumes the replay
// (when resumed=false) so the caller starts at the live boundary.
func (f *gatewayFixture) dial(ctx context.Context, t *testing.T, hello v1.HelloPayload) (*testConn, []v1.MessageNewPayload) {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, f.url, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })

	tc := &testConn{t: t, conn: conn}

	tc.write(ctx, v1.TypeHello, hello)

	ack := tc.read(ctx)
	if ack.Type != v1.TypeHelloAck {
		t.Fatalf("first frame type=%q want=%q", ack.Type, v1.TypeHelloAck)
	}
	var ackPayload v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &ackPayload); err != nil {
		t.Fatalf("unmarshal hello_ack: %v", err)
	}
	if ackPayload.SessionID == "" {
		t.Fatalf("hello_ack missing session_id")
	}

	if hello.Resumed {
		return tc, nil
	}

	var replayed []v1.MessageNewPayload
	for {
		env := tc.read(ctx)
		if env.Type != v1.TypeHistoryBatch {
			t.Fatalf("expected history_batch during replay, got %q", env.Type)
		}
		var p v1.HistoryBatchPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("unmarshal history_batch: %v", err)
		}
		replayed = append(replayed, p.Messages...)
		if p.Complete {
			break
		}
	}
	return tc, replayed
}

func (c *testConn) write(ctx context.Context, typ string, payload any) {
	c.t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		c.t.Fatalf("marshal %s payload: %v", typ, err)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: NewRandomHex(6), TS: time.Now().UTC(), Payload: raw}
	b, err := json.Marshal(env)
	if err != nil {
		c.t.Fatalf("marshal %s envelope: %v", typ, err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		c.t.Fatalf("write %s: %v", typ, err)
	}
}

func (c *testConn) read(ctx context.Context) v1.Envelope {
	c.t.Helper()

	_, data, err := c.conn.Read(ctx)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

// readUntil reads frames until one of the wanted type arrives, failing on
// anything unexpected other than skippable types.
func (c *testConn) readUntil(ctx context.Context, want string) v1.Envelope {
	c.t.Helper()

	for {
		env := c.read(ctx)
		if env.Type == want {
			return env
		}
		// Live broadcasts may interleave with acks; only those may be skipped.
		if env.Type == v1.TypeMessageNew || env.Type == v1.TypeMessageAck {
			continue
		}
		c.t.Fatalf("unexpected frame type=%q while waiting for %q", env.Type, want)
	}
}

func TestWSGateway_Scenario_Submit_Retry_FreshReplay(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newGatewayFixture(t)

	// Log empty: client A connects fresh and sees an empty replay.
	a, replayed := f.dial(ctx, t, v1.HelloPayload{})
	if len(replayed) != 0 {
		t.Fatalf("fresh connect on empty log replayed %d messages", len(replayed))
	}

	// A submits ("hi", token t1) -> Accepted(seq=1), plus its own broadcast
	// through the bus. Ack and broadcast order is not fixed.
	a.write(ctx, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: "t1", Text: "hi"})

	var (
		ack      v1.MessageAckPayload
		bcast    v1.MessageNewPayload
		gotAck   bool
		gotBcast bool
	)
	for !gotAck || !gotBcast {
		env := a.read(ctx)
		switch env.Type {
		case v1.TypeMessageAck:
			if err := json.Unmarshal(env.Payload, &ack); err != nil {
				t.Fatalf("unmarshal ack: %v", err)
			}
			gotAck = true
		case v1.TypeMessageNew:
			if err := json.Unmarshal(env.Payload, &bcast); err != nil {
				t.Fatalf("unmarshal message_new: %v", err)
			}
			gotBcast = true
		default:
			t.Fatalf("unexpected frame type=%q", env.Type)
		}
	}
	if ack.Seq != 1 || ack.ClientMsgID != "t1" || ack.Duplicate {
		t.Fatalf("ack=%+v want seq=1 token=t1 duplicate=false", ack)
	}
	if bcast.Seq != 1 || bcast.Text != "hi" || bcast.DisplayName != AnonymousName {
		t.Fatalf("broadcast=%+v want seq=1 text=hi name=%s", bcast, AnonymousName)
	}

	// A retries the same token: Accepted(seq=1) again, flagged duplicate.
	a.write(ctx, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: "t1", Text: "hi"})

	retryEnv := a.readUntil(ctx, v1.TypeMessageAck)
	var retry v1.MessageAckPayload
	if err := json.Unmarshal(retryEnv.Payload, &retry); err != nil {
		t.Fatalf("unmarshal retry ack: %v", err)
	}
	if retry.Seq != 1 || !retry.Duplicate {
		t.Fatalf("retry ack=%+v want seq=1 duplicate=true", retry)
	}

	// Client B connects fresh with no watermark: batch replay of exactly seq 1.
	_, bReplayed := f.dial(ctx, t, v1.HelloPayload{})
	if len(bReplayed) != 1 {
		t.Fatalf("B replayed %d messages want 1 (no duplicate broadcast of the retry)", len(bReplayed))
	}
	if bReplayed[0].Seq != 1 || bReplayed[0].Text != "hi" || bReplayed[0].DisplayName != AnonymousName {
		t.Fatalf("B replay=%+v", bReplayed[0])
	}
}

func TestWSGateway_Reconnect_ReplaysOnlyMissed_ThenLive(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newGatewayFixture(t)

	// Seed the log with 3 messages the client partially saw.
	for i := 0; i < 3; i++ {
		if _, err := f.store.Append(ctx, AppendInput{
			ClientMsgID: fmt.Sprintf("seed-%d", i),
			Text:        fmt.Sprintf("m%d", i),
		}); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	// Reconnect with watermark 1: replay is exactly seq 2..3, in order.
	c, replayed := f.dial(ctx, t, v1.HelloPayload{LastSeq: 1})
	if len(replayed) != 2 {
		t.Fatalf("replayed %d messages want 2", len(replayed))
	}
	if replayed[0].Seq != 2 || replayed[1].Seq != 3 {
		t.Fatalf("replayed seqs [%d,%d] want [2,3]", replayed[0].Seq, replayed[1].Seq)
	}

	// Another client submits; the reconnected client gets it live, no gap.
	other, _ := f.dial(ctx, t, v1.HelloPayload{LastSeq: 3})
	other.write(ctx, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: "t-live", Text: "live"})

	liveEnv := c.readUntil(ctx, v1.TypeMessageNew)
	var live v1.MessageNewPayload
	if err := json.Unmarshal(liveEnv.Payload, &live); err != nil {
		t.Fatalf("unmarshal live: %v", err)
	}
	if live.Seq != 4 || live.Text != "live" {
		t.Fatalf("live=%+v want seq=4 text=live", live)
	}
}

func TestWSGateway_Resumed_NoReplay(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newGatewayFixture(t)

	for i := 0; i < 3; i++ {
		if _, err := f.store.Append(ctx, AppendInput{
			ClientMsgID: fmt.Sprintf("seed-%d", i),
			Text:        fmt.Sprintf("m%d", i),
		}); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	// Transport-resumed connection: zero replayed messages.
	c, _ := f.dial(ctx, t, v1.HelloPayload{LastSeq: 3, Resumed: true})

	// Trigger a live message; the very next server frame must be it,
	// not a history batch.
	other, _ := f.dial(ctx, t, v1.HelloPayload{LastSeq: 3})
	other.write(ctx, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: "t-live", Text: "live"})

	env := c.read(ctx)
	if env.Type != v1.TypeMessageNew {
		t.Fatalf("resumed connection got %q before live traffic", env.Type)
	}
	var live v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &live); err != nil {
		t.Fatalf("unmarshal live: %v", err)
	}
	if live.Seq != 4 {
		t.Fatalf("live seq=%d want=4", live.Seq)
	}
}

func TestWSGateway_NameSet_AppliesToSubsequentMessages(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newGatewayFixture(t)

	c, _ := f.dial(ctx, t, v1.HelloPayload{})

	c.write(ctx, v1.TypeNameSet, v1.NameSetPayload{DisplayName: "alice"})
	c.write(ctx, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: "t1", Text: "hi"})

	env := c.readUntil(ctx, v1.TypeMessageNew)
	var bcast v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &bcast); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if bcast.DisplayName != "alice" {
		t.Fatalf("display name=%q want=alice", bcast.DisplayName)
	}
}

func TestWSGateway_HelloDisplayName_UsedWithoutNameSet(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newGatewayFixture(t)

	c, _ := f.dial(ctx, t, v1.HelloPayload{DisplayName: "bob"})
	c.write(ctx, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: "t1", Text: "hi"})

	env := c.readUntil(ctx, v1.TypeMessageNew)
	var bcast v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &bcast); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if bcast.DisplayName != "bob" {
		t.Fatalf("display name=%q want=bob", bcast.DisplayName)
	}
}

func TestWSGateway_FirstFrameMustBeHello(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newGatewayFixture(t)

	conn, _, err := websocket.Dial(ctx, f.url, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	tc := &testConn{t: t, conn: conn}
	tc.write(ctx, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: "t1", Text: "hi"})

	// The server closes the connection with a policy violation.
	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatalf("expected close after non-hello first frame")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusPolicyViolation {
		t.Fatalf("close status=%v want=%v", status, websocket.StatusPolicyViolation)
	}
}

func TestWSGateway_EmptySubmit_ErrorNoAck(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newGatewayFixture(t)

	c, _ := f.dial(ctx, t, v1.HelloPayload{})
	c.write(ctx, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: "t1", Text: "   "})

	env := c.read(ctx)
	if env.Type != v1.TypeError {
		t.Fatalf("type=%q want=%q", env.Type, v1.TypeError)
	}
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if p.Code != v1.ErrCodeSubmitFailed {
		t.Fatalf("code=%q want=%q", p.Code, v1.ErrCodeSubmitFailed)
	}
}
