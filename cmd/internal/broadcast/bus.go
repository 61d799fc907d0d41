package broadcast

import "context"

// Bus is the cross-worker fanout channel. Delivery is best-effort and
// non-durable: a subscriber that is not listening at publish time never sees
// that message through the bus. Durable catch-up is exclusively the job of
// connection recovery reading the MessageLog.
//
// Guarantees required of implementations:
//   - Every active subscriber receives every published message at least once,
//     in this publisher's publish order.
//   - A worker receives its own published messages back (no self-suppression),
//     so the push-to-local-clients step is uniform across workers.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(handler func(Message)) (Subscription, error)
	Close() error
}

// Subscription is a handle to an active bus subscription.
type Subscription interface {
	Unsubscribe() error
}
