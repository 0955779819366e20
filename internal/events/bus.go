package events

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus fans published events out to registered subscribers. Safe for
	// concurrent Publish, Register, and subscription Close.
	Bus interface {
		// Publish delivers the event to every currently registered
		// subscriber, stopping at the first subscriber error. The snapshot
		// of subscribers is taken before delivery begins, so registrations
		// during a Publish do not see the in-flight event.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber and returns a handle that removes it
		// when closed. Register fails on a nil subscriber.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber handles published events. Return an error only when the
	// failure should halt the publisher; log and swallow everything else so
	// one broken subscriber does not starve the rest.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription is an active registration. Close is idempotent and
	// always returns nil.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu          sync.RWMutex
		subscribers map[*subscription]Subscriber
	}

	subscription struct {
		bus  *bus
		once sync.Once
	}
)

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewBus constructs an in-memory bus ready for immediate use.
func NewBus() Bus {
	return &bus{subscribers: make(map[*subscription]Subscriber)}
}

func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.mu.Unlock()
	return s, nil
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
	})
	return nil
}
