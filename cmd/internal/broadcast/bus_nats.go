package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultBusSubject is the NATS subject all workers publish accepted
// messages on.
const DefaultBusSubject = "crier.messages"

// busMessage is the wire form of a Message on the bus. JSON keeps the bus
// payload debuggable with plain NATS tooling.
type busMessage struct {
	Seq         int64     `json:"seq"`
	ServerMsgID string    `json:"server_msg_id"`
	ClientMsgID string    `json:"client_msg_id"`
	DisplayName string    `json:"display_name"`
	Text        string    `json:"text"`
	ServerTS    time.Time `json:"server_ts"`
}

// NATSBus is a Bus backed by core NATS publish/subscribe.
//
// Core NATS (not JetStream) is deliberate: the bus contract is best-effort
// and non-durable, and the MessageLog already provides durability and total
// order. A missed live publish is recovered from the log on reconnect.
type NATSBus struct {
	log     *slog.Logger
	nc      *nats.Conn
	subject string
	ownConn bool
}

// NewNATSBus connects to NATS and returns a cross-worker Bus.
func NewNATSBus(log *slog.Logger, url, subject string) (*NATSBus, error) {
	if log == nil {
		log = slog.Default()
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = DefaultBusSubject
	}

	nc, err := nats.Connect(url,
		nats.Name("crier"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("bus.nats.disconnect", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("bus.nats.reconnect", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &NATSBus{log: log, nc: nc, subject: subject, ownConn: true}, nil
}

// Publish sends msg to all workers, including this one.
func (b *NATSBus) Publish(ctx context.Context, msg Message) error {
	if b == nil || b.nc == nil {
		return errors.New("broadcast: nil bus")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(busMessage{
		Seq:         msg.Seq,
		ServerMsgID: msg.ServerMsgID,
		ClientMsgID: msg.ClientMsgID,
		DisplayName: msg.DisplayName,
		Text:        msg.Text,
		ServerTS:    msg.ServerTS,
	})
	if err != nil {
		return fmt.Errorf("marshal bus message: %w", err)
	}

	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publish to %q: %w", b.subject, err)
	}
	return nil
}

// Subscribe registers handler for every message published on the subject.
// NATS invokes the callback sequentially per subscription, which preserves
// per-publisher order as seen by this worker.
func (b *NATSBus) Subscribe(handler func(Message)) (Subscription, error) {
	if b == nil || b.nc == nil {
		return nil, errors.New("broadcast: nil bus")
	}
	if handler == nil {
		return nil, errors.New("broadcast: nil handler")
	}

	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		var bm busMessage
		if err := json.Unmarshal(m.Data, &bm); err != nil {
			b.log.Warn("bus.nats.bad_payload", "subject", m.Subject, "err", err)
			return
		}
		handler(Message{
			Seq:         bm.Seq,
			ServerMsgID: bm.ServerMsgID,
			ClientMsgID: bm.ClientMsgID,
			DisplayName: bm.DisplayName,
			Text:        bm.Text,
			ServerTS:    bm.ServerTS,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %q: %w", b.subject, err)
	}
	return sub, nil
}

// Close drains the connection so in-flight deliveries finish.
func (b *NATSBus) Close() error {
	if b == nil || b.nc == nil || !b.ownConn {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}
