package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Service is the dedup/write path: it validates a submission, appends it to
// the log, and publishes accepted messages on the fanout bus.
type Service struct {
	log   *slog.Logger
	store MessageLog
	bus   Bus
}

// SubmitInput describes one client submission.
type SubmitInput struct {
	ClientMsgID string
	DisplayName string
	Text        string
	Now         time.Time
}

// SubmitResult is the submission outcome. Duplicated reports that the token
// was seen before: the original message was already broadcast, so the caller
// acknowledges with the original sequence and nothing is re-published.
type SubmitResult struct {
	Stored     Message
	Duplicated bool
}

// NewService constructs the write path.
func NewService(log *slog.Logger, store MessageLog, bus Bus) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		return nil, errors.New("broadcast: nil store")
	}
	if bus == nil {
		return nil, errors.New("broadcast: nil bus")
	}
	return &Service{log: log, store: store, bus: bus}, nil
}

// Submit appends a message and publishes it to all workers.
//
// Semantics:
//   - A repeated token returns the original message with Duplicated=true and
//     publishes nothing. Combined with client retry-until-acknowledged this
//     gives exactly-once delivery into the log.
//   - The publish happens before Submit returns, so an acknowledgment implies
//     the broadcast is on the bus. A publish failure is logged and counted
//     but never rolls back the committed append: affected clients recover the
//     message from the log on their next reconnect.
//   - A storage failure returns a non-nil error; the caller must not
//     acknowledge, and the client is expected to retry with the same token.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	token := strings.TrimSpace(in.ClientMsgID)
	if token == "" {
		return SubmitResult{}, errors.New("missing client_msg_id")
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return SubmitResult{}, errors.New("empty text")
	}
	if len([]rune(text)) > maxMessageChars {
		return SubmitResult{}, fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	res, err := s.store.Append(ctx, AppendInput{
		ClientMsgID: token,
		DisplayName: in.DisplayName,
		Text:        text,
		Now:         in.Now,
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("log append: %w", err)
	}

	if res.Duplicated {
		metricDuplicates.Inc()
		s.log.Debug("submit.duplicate", "client_msg_id", token, "seq", res.Stored.Seq)
		return SubmitResult{Stored: res.Stored, Duplicated: true}, nil
	}

	metricAccepted.Inc()

	if err := s.bus.Publish(ctx, res.Stored); err != nil {
		metricPublishFailures.Inc()
		s.log.Error("submit.publish.fail", "seq", res.Stored.Seq, "err", err)
	}

	return SubmitResult{Stored: res.Stored, Duplicated: false}, nil
}
