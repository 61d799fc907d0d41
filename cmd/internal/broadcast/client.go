package broadcast

import (
	"strings"
	"sync"

	v1 "crier/shared/contracts/broadcast/v1"
)

// Outbound is one queued server-to-client envelope. Seq is non-zero only for
// live message_new broadcasts; the connection writer uses it to suppress
// duplicates across the replay/live boundary. Control envelopes carry Seq 0
// and are never filtered.
type Outbound struct {
	Env v1.Envelope
	Seq int64
}

// Client represents one connected websocket session.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
// - DisplayName is owned by the connection's read loop; TryDeliver never reads it.
type Client struct {
	SessionID string
	Send      chan Outbound

	// floor is the replay watermark: the connection writer drops any live
	// broadcast with seq <= floor. Written once by the gateway after recovery,
	// before the writer goroutine starts; the goroutine launch orders the
	// write ahead of every read.
	floor int64

	mu   sync.Mutex
	name string

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan Outbound, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// SetFloor records the highest replayed sequence. Must be called before the
// connection writer starts.
func (c *Client) SetFloor(seq int64) {
	c.floor = seq
}

// Floor returns the replay watermark set during recovery.
func (c *Client) Floor() int64 {
	return c.floor
}

// SetDisplayName updates the session display name. Empty or blank input is
// ignored; names are truncated to the protocol limit.
func (c *Client) SetDisplayName(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	if r := []rune(name); len(r) > maxDisplayNameChars {
		name = string(r[:maxDisplayNameChars])
	}

	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
}

// DisplayName returns the session display name, or AnonymousName when unset.
func (c *Client) DisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.name == "" {
		return AnonymousName
	}
	return c.name
}

// TryDeliver enqueues an outbound envelope without blocking.
// It returns false when the client is shutting down or its queue is full.
func (c *Client) TryDeliver(out Outbound) bool {
	if c == nil {
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- out:
		return true
	default:
		return false
	}
}
