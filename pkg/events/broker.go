package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const defaultBufferSize = 256

// Broker is an in-process change feed. It implements both Publisher and
// Source. A subscriber that falls behind loses events and receives a
// StreamGap before the next event that fits.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*brokerSub]struct{}
	buffer int
	log    *zap.Logger
}

type brokerSub struct {
	broker *Broker
	filter Filter
	ch     chan Event

	mu     sync.Mutex
	lagged bool
	closed bool
}

func NewBroker(log *zap.Logger) *Broker {
	return NewBrokerWithBuffer(defaultBufferSize, log)
}

func NewBrokerWithBuffer(size int, log *zap.Logger) *Broker {
	if size < 1 {
		size = 1
	}
	return &Broker{
		subs:   make(map[*brokerSub]struct{}),
		buffer: size,
		log:    log,
	}
}

func (b *Broker) Subscribe(ctx context.Context, f Filter) (Subscription, error) {
	sub := &brokerSub{broker: b, filter: f, ch: make(chan Event, b.buffer)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.log.Debug("subscribed",
		zap.String("entity", string(f.Entity)),
		zap.String("queue_id", f.QueueID.String()))
	return sub, nil
}

func (b *Broker) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if sub.filter.Matches(ev) {
			sub.deliver(ev)
		}
	}
	return nil
}

// Subscribers returns the number of open subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (s *brokerSub) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.lagged {
		gap := StreamGap{Kind: s.filter.Entity, QueueID: s.filter.QueueID, Reason: "subscriber lagged"}
		select {
		case s.ch <- gap:
			s.lagged = false
		default:
			return
		}
	}
	select {
	case s.ch <- ev:
	default:
		s.lagged = true
		s.broker.log.Warn("dropping event for slow subscriber",
			zap.String("entity", string(s.filter.Entity)),
			zap.String("queue_id", s.filter.QueueID.String()))
	}
}

func (s *brokerSub) Events() <-chan Event { return s.ch }

func (s *brokerSub) Close() error {
	s.broker.mu.Lock()
	delete(s.broker.subs, s)
	s.broker.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
