package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

const localBusQueueSize = 256

// LocalBus is a single-process Bus used when no NATS URL is configured
// (dev mode) and in tests. Each subscriber gets its own buffered queue and
// delivery goroutine so one slow handler cannot stall publishers or other
// subscribers. Per-subscriber order matches publish order.
type LocalBus struct {
	log *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]*localSub
	closed bool
}

type localSub struct {
	bus  *LocalBus
	id   int
	ch   chan Message
	done chan struct{}
	once sync.Once
}

// NewLocalBus constructs an in-process Bus.
func NewLocalBus(log *slog.Logger) *LocalBus {
	if log == nil {
		log = slog.Default()
	}
	return &LocalBus{
		log:  log,
		subs: make(map[int]*localSub),
	}
}

// Publish delivers msg to every active subscriber queue. Full queues drop:
// the bus is best-effort and the log remains the source of truth.
func (b *LocalBus) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("broadcast: bus closed")
	}
	subs := make([]*localSub, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- msg:
		default:
			b.log.Warn("bus.local.drop", "seq", msg.Seq, "sub_id", s.id)
		}
	}
	return nil
}

// Subscribe registers handler and starts its delivery goroutine.
func (b *LocalBus) Subscribe(handler func(Message)) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("broadcast: nil handler")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("broadcast: bus closed")
	}
	b.nextID++
	s := &localSub{
		bus:  b,
		id:   b.nextID,
		ch:   make(chan Message, localBusQueueSize),
		done: make(chan struct{}),
	}
	b.subs[s.id] = s
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.done:
				return
			case msg := <-s.ch:
				handler(msg)
			}
		}
	}()

	return s, nil
}

// Close stops all subscriptions.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*localSub, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[int]*localSub)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return nil
}

// Unsubscribe removes the subscription and stops its delivery goroutine.
func (s *localSub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()

	s.stop()
	return nil
}

func (s *localSub) stop() {
	s.once.Do(func() { close(s.done) })
}
