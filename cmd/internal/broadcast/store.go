package broadcast

import (
	"context"
	"time"
)

// Message is the canonical persisted message representation.
// Messages are immutable once written and retained indefinitely.
type Message struct {
	Seq         int64
	ServerMsgID string
	ClientMsgID string
	DisplayName string
	Text        string
	ServerTS    time.Time
}

// MessageLog is the durable, append-only broadcast log shared by all workers.
//
// Requirements:
//   - Sequence numbers are strictly increasing and gapless in insertion order,
//     assigned atomically with the insert.
//   - Idempotency per client_msg_id across the whole log: a repeated token
//     yields the originally stored message, never a second entry.
//   - ReadAfter returns only committed messages, ordered by seq ASC.
type MessageLog interface {
	Append(ctx context.Context, in AppendInput) (AppendResult, error)
	ReadAfter(ctx context.Context, afterSeq int64, limit int) (ReadAfterResult, error)
	Close() error
}

// AppendInput describes a message append request.
type AppendInput struct {
	ClientMsgID string
	DisplayName string
	Text        string
	Now         time.Time
}

// AppendResult is the append operation result. Duplicated reports that the
// token was seen before; Stored is then the original message and no new
// sequence was assigned.
type AppendResult struct {
	Stored     Message
	Duplicated bool
}

// ReadAfterResult contains one page of the log strictly after the requested
// sequence. HasMore reports that another page exists.
type ReadAfterResult struct {
	Messages []Message
	HasMore  bool
}
