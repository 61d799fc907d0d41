package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	v1 "crier/shared/contracts/broadcast/v1"
)

// Recovery replays the log entries a reconnecting client missed.
//
// Replay/live boundary discipline: the gateway registers the client in the
// Hub BEFORE Replay takes its first read, so no message can fall between the
// historical read and the live subscription (no gap). Live broadcasts that
// were already committed when the read ran are duplicates; the connection
// writer suppresses them by dropping seq <= the returned floor. Duplicates
// are therefore filtered rather than tolerated, and gaps are impossible.
type Recovery struct {
	log      *slog.Logger
	store    MessageLog
	pageSize int
}

// NewRecovery constructs a recovery engine reading pages of pageSize.
func NewRecovery(log *slog.Logger, store MessageLog, pageSize int) *Recovery {
	if log == nil {
		log = slog.Default()
	}
	if pageSize <= 0 {
		pageSize = defaultReadLimit
	}
	return &Recovery{log: log, store: store, pageSize: pageSize}
}

// Replay sends every stored message with seq > lastSeq to the connection via
// send, as ordered history_batch envelopes, and returns the replay floor (the
// highest sequence the client now has).
//
// A transport-resumed connection is exempt: the transport already delivered
// everything, so replaying would duplicate. The floor is then the client's
// own watermark.
//
// A negative or absent watermark means "replay everything".
func (r *Recovery) Replay(ctx context.Context, sessionID string, lastSeq int64, resumed bool, send func(v1.Envelope) error) (int64, error) {
	if lastSeq < 0 {
		lastSeq = 0
	}
	if resumed {
		r.log.Debug("recovery.skip.resumed", "session_id", sessionID, "last_seq", lastSeq)
		return lastSeq, nil
	}

	floor := lastSeq
	cursor := lastSeq
	replayed := 0

	for {
		page, err := r.store.ReadAfter(ctx, cursor, r.pageSize)
		if err != nil {
			return floor, fmt.Errorf("read after %d: %w", cursor, err)
		}

		if len(page.Messages) == 0 && !page.HasMore {
			// Still send one empty, complete batch so the client knows the
			// replay finished and live traffic follows.
			if replayed == 0 {
				if err := send(historyBatchEnvelope(nil, true)); err != nil {
					return floor, err
				}
			}
			break
		}

		msgs := make([]v1.MessageNewPayload, 0, len(page.Messages))
		for _, m := range page.Messages {
			msgs = append(msgs, v1.MessageNewPayload{
				Seq:         m.Seq,
				ServerMsgID: m.ServerMsgID,
				DisplayName: m.DisplayName,
				Text:        m.Text,
				ServerTS:    m.ServerTS,
			})
			cursor = m.Seq
			if m.Seq > floor {
				floor = m.Seq
			}
		}
		replayed += len(msgs)

		if err := send(historyBatchEnvelope(msgs, !page.HasMore)); err != nil {
			return floor, err
		}
		if !page.HasMore {
			break
		}
	}

	if replayed > 0 {
		metricReplayed.Add(float64(replayed))
	}
	r.log.Info("recovery.replay", "session_id", sessionID, "last_seq", lastSeq, "replayed", replayed, "floor", floor)
	return floor, nil
}

func historyBatchEnvelope(msgs []v1.MessageNewPayload, complete bool) v1.Envelope {
	if msgs == nil {
		msgs = []v1.MessageNewPayload{}
	}
	payload, _ := json.Marshal(v1.HistoryBatchPayload{
		Messages: msgs,
		Complete: complete,
	})

	now := time.Now().UTC()
	return v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHistoryBatch,
		ID:      NewEnvelopeID(now),
		TS:      now,
		Payload: payload,
	}
}
