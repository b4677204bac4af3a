package events

import (
	"context"

	"github.com/google/uuid"

	"github.com/voting-queue-system/pkg/models"
)

// Filter selects one channel: one entity kind within one queue.
type Filter struct {
	Entity  EntityKind
	QueueID uuid.UUID
}

func (f Filter) Matches(ev Event) bool {
	return ev.Entity() == f.Entity && ev.Queue() == f.QueueID
}

// Subscription delivers the events of one channel in the order they were
// emitted. The channel is closed after Close or after StreamDegraded.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Source opens independent channels per filter. Push and poll based
// implementations are interchangeable.
type Source interface {
	Subscribe(ctx context.Context, f Filter) (Subscription, error)
}

// Publisher is the store side of the change feed.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// SnapshotFetcher is what the poller needs from the store.
type SnapshotFetcher interface {
	Snapshot(ctx context.Context, queueID uuid.UUID) (*models.QueueSnapshot, error)
}

// NopPublisher drops everything.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
