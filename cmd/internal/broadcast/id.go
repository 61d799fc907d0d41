package broadcast

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewSessionID returns a ULID used as websocket session id.
// ULIDs are lexicographically sortable, which keeps session logs scannable.
func NewSessionID(now time.Time) string {
	return newULID(now)
}

// NewServerMsgID returns a ULID used as server_msg_id.
// This keeps IDs uniform across the system.
func NewServerMsgID(now time.Time) string {
	return newULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id in server-sent frames.
func NewEnvelopeID(now time.Time) string {
	return newULID(now)
}

func newULID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to a
		// random hex id so callers never see an empty identifier.
		return NewRandomHex(13)
	}
	return id.String()
}

// NewRandomHex returns a cryptographically secure random hex string of length 2*nBytes.
// If nBytes <= 0, it defaults to 16 bytes (32 hex chars).
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		// In the extremely rare case rand fails, return an empty string.
		// Callers should treat empty as an error-like condition in logs/tests.
		return ""
	}

	return hex.EncodeToString(b)
}
