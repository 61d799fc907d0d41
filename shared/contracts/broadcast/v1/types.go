// Package v1 defines the Crier Broadcast Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server). It carries the
	// client's replay watermark and the transport-resume flag.
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeNameSet sets the session display name (client -> server).
	TypeNameSet = "name_set"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> client). A retried
	// token is acknowledged with the original sequence number.
	TypeMessageAck = "message_ack"
	// TypeMessageNew broadcasts a newly accepted message (server -> all clients).
	TypeMessageNew = "message_new"

	// TypeHistoryBatch replays a window of missed messages in ascending
	// sequence order (server -> client, during connection recovery).
	TypeHistoryBatch = "history_batch"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Error codes used in ErrorPayload.Code.
const (
	ErrCodeBadEnvelope        = "bad_envelope"
	ErrCodeBadJSON            = "bad_json"
	ErrCodeHelloRequired      = "hello_required"
	ErrCodeSubmitFailed       = "submit_failed"
	ErrCodeHistoryUnavailable = "history_unavailable"
	ErrCodeRateLimited        = "rate_limited"
	ErrCodeUnsupported        = "unsupported"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeNameSet,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeHistoryBatch,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
//
// LastSeq is the highest sequence number the client has already rendered; it
// is the exclusive lower bound for replay. Resumed is set when the transport
// layer proved connection continuity, in which case no replay happens.
type HelloPayload struct {
	DisplayName string `json:"display_name,omitempty"`
	LastSeq     int64  `json:"last_seq,omitempty"`
	Resumed     bool   `json:"resumed,omitempty"`
}

// HelloAckPayload carries the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// NameSetPayload updates the session display name. It has no effect on
// messages already stored.
type NameSetPayload struct {
	DisplayName string `json:"display_name"`
}

// MessageSendPayload requests appending a message to the broadcast log.
// ClientMsgID is the idempotency token: retries of the same logical message
// must reuse it.
type MessageSendPayload struct {
	ClientMsgID string `json:"client_msg_id"`
	Text        string `json:"text"`
}

// MessageAckPayload acknowledges a send request. Duplicate is true when the
// token was seen before; Seq is then the originally assigned sequence.
type MessageAckPayload struct {
	ClientMsgID string `json:"client_msg_id"`
	ServerMsgID string `json:"server_msg_id"`
	Seq         int64  `json:"seq"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

// MessageNewPayload broadcasts a newly accepted message.
type MessageNewPayload struct {
	Seq         int64     `json:"seq"`
	ServerMsgID string    `json:"server_msg_id"`
	DisplayName string    `json:"display_name"`
	Text        string    `json:"text"`
	ServerTS    time.Time `json:"server_ts"`
}

// HistoryBatchPayload replays missed messages in ascending sequence order.
// Complete marks the final batch of the replay.
type HistoryBatchPayload struct {
	Messages []MessageNewPayload `json:"messages"`
	Complete bool                `json:"complete"`
}

// ErrorPayload reports a scoped, non-fatal error to the client.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
