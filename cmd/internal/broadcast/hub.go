package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	v1 "crier/shared/contracts/broadcast/v1"
)

// Hub owns this worker's connected clients and fans live messages out to
// them. There is one logical room: every accepted message goes to every
// client. Cross-worker fanout happens upstream on the Bus; the Hub only sees
// what this worker's subscription delivers.
//
// Concurrency guarantees:
// - Register/Unregister are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		clients: make(map[string]*Client),
	}
}

// Register adds a client to the hub. From this point on the client observes
// every live broadcast; its writer filters replay overlap by sequence.
func (h *Hub) Register(client *Client) {
	if h == nil || client == nil || client.SessionID == "" {
		return
	}

	h.mu.Lock()
	h.clients[client.SessionID] = client
	h.mu.Unlock()

	metricConnections.Inc()
	h.log.Info("hub.client.register", "session_id", client.SessionID)
}

// Unregister removes a client and signals its shutdown.
func (h *Hub) Unregister(sessionID string) {
	if h == nil || sessionID == "" {
		return
	}

	var cl *Client

	h.mu.Lock()
	cl = h.clients[sessionID]
	delete(h.clients, sessionID)
	h.mu.Unlock()

	// Signal client shutdown after removing from membership.
	// This ordering avoids race windows where a broadcaster still holds a
	// pointer while the client goroutines are being torn down.
	if cl != nil {
		cl.Close()
		metricConnections.Dec()
	}

	h.log.Info("hub.client.unregister", "session_id", sessionID)
}

// Len returns the number of connected clients on this worker.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast fans a stored message out to all local clients as a message_new
// envelope. Non-blocking: a full queue or a shutting-down client is dropped;
// that client recovers the message from the log on its next reconnect.
func (h *Hub) Broadcast(msg Message) {
	if h == nil {
		return
	}

	payload, err := json.Marshal(v1.MessageNewPayload{
		Seq:         msg.Seq,
		ServerMsgID: msg.ServerMsgID,
		DisplayName: msg.DisplayName,
		Text:        msg.Text,
		ServerTS:    msg.ServerTS,
	})
	if err != nil {
		h.log.Error("hub.broadcast.marshal", "seq", msg.Seq, "err", err)
		return
	}

	now := time.Now().UTC()
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessageNew,
		ID:      NewEnvelopeID(now),
		TS:      now,
		Payload: payload,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, cl := range h.clients {
		if !cl.TryDeliver(Outbound{Env: env, Seq: msg.Seq}) {
			metricBroadcastDrops.Inc()
			h.log.Warn("hub.broadcast.drop", "session_id", cl.SessionID, "seq", msg.Seq)
		}
	}
}
