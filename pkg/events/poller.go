package events

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voting-queue-system/pkg/apperr"
	"github.com/voting-queue-system/pkg/models"
	"github.com/voting-queue-system/pkg/retry"
)

// Poller is the pull based Source. Each subscription re-reads the queue
// snapshot every interval and emits the difference to the previous read.
type Poller struct {
	fetch    SnapshotFetcher
	interval time.Duration
	retry    retry.Policy
	clock    clock.Clock
	log      *zap.Logger
}

func NewPoller(fetch SnapshotFetcher, interval time.Duration, policy retry.Policy, clk clock.Clock, log *zap.Logger) *Poller {
	if clk == nil {
		clk = clock.New()
	}
	return &Poller{fetch: fetch, interval: interval, retry: policy, clock: clk, log: log}
}

type pollSub struct {
	ch     chan Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *pollSub) Events() <-chan Event { return s.ch }

func (s *pollSub) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// Subscribe starts polling in the background. The subscription outlives
// ctx; it stops on Close.
func (p *Poller) Subscribe(_ context.Context, f Filter) (Subscription, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	sub := &pollSub{
		ch:     make(chan Event, defaultBufferSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(runCtx, f, sub)
	return sub, nil
}

func (p *Poller) run(ctx context.Context, f Filter, sub *pollSub) {
	defer close(sub.done)
	defer close(sub.ch)

	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()

	var prev *models.QueueSnapshot
	synced := false
	for {
		var snap *models.QueueSnapshot
		err := p.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			snap, err = p.fetch.Snapshot(ctx, f.QueueID)
			return err
		})

		switch {
		case err == nil:
			if !synced {
				// Nothing before the first read can be trusted to be in order.
				if !p.send(ctx, sub, StreamGap{Kind: f.Entity, QueueID: f.QueueID, Reason: "poll baseline"}) {
					return
				}
				synced = true
			} else {
				for _, ev := range diff(f, prev, snap) {
					if !p.send(ctx, sub, ev) {
						return
					}
				}
			}
			prev = snap
		case errors.Is(err, apperr.ErrNotFound):
			if prev != nil && f.Entity == EntityQueue {
				old := prev.Queue
				p.send(ctx, sub, QueueChange{Kind: Delete, Old: &old})
			}
			return
		case ctx.Err() != nil:
			return
		default:
			p.log.Warn("poll failed, giving up",
				zap.String("entity", string(f.Entity)),
				zap.String("queue_id", f.QueueID.String()),
				zap.Error(err))
			p.send(ctx, sub, StreamDegraded{Kind: f.Entity, QueueID: f.QueueID, Err: err})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) send(ctx context.Context, sub *pollSub, ev Event) bool {
	select {
	case sub.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// diff returns the changes of one entity kind between two snapshots, in a
// deterministic order: deletes, then inserts and updates by creation time.
func diff(f Filter, prev, next *models.QueueSnapshot) []Event {
	if prev == nil || next == nil {
		return nil
	}

	switch f.Entity {
	case EntityQueue:
		if reflect.DeepEqual(prev.Queue, next.Queue) {
			return nil
		}
		oldQ, newQ := prev.Queue, next.Queue
		return []Event{QueueChange{Kind: Update, New: &newQ, Old: &oldQ}}

	case EntitySong:
		changes := diffRows(prev.Songs, next.Songs,
			func(s models.Song) uuid.UUID { return s.ID },
			func(s models.Song) time.Time { return s.CreatedAt })
		out := make([]Event, 0, len(changes))
		for _, c := range changes {
			out = append(out, SongChange{Kind: c.kind, New: c.next, Old: c.prev})
		}
		return out

	case EntityVote:
		changes := diffRows(prev.Votes, next.Votes,
			func(v models.Vote) uuid.UUID { return v.ID },
			func(v models.Vote) time.Time { return v.CreatedAt })
		out := make([]Event, 0, len(changes))
		for _, c := range changes {
			out = append(out, VoteChange{Kind: c.kind, QueueID: f.QueueID, New: c.next, Old: c.prev})
		}
		return out
	}
	return nil
}

type rowChange[T any] struct {
	kind ChangeKind
	next *T
	prev *T
	at   time.Time
	id   uuid.UUID
}

func diffRows[T any](prev, next []T, id func(T) uuid.UUID, created func(T) time.Time) []rowChange[T] {
	before := make(map[uuid.UUID]T, len(prev))
	for _, row := range prev {
		before[id(row)] = row
	}
	after := make(map[uuid.UUID]T, len(next))
	for _, row := range next {
		after[id(row)] = row
	}

	var deletes, upserts []rowChange[T]
	for key, row := range before {
		if _, ok := after[key]; !ok {
			old := row
			deletes = append(deletes, rowChange[T]{kind: Delete, prev: &old, at: created(row), id: key})
		}
	}
	for key, row := range after {
		cur := row
		old, existed := before[key]
		switch {
		case !existed:
			upserts = append(upserts, rowChange[T]{kind: Insert, next: &cur, at: created(row), id: key})
		case !reflect.DeepEqual(old, row):
			o := old
			upserts = append(upserts, rowChange[T]{kind: Update, next: &cur, prev: &o, at: created(row), id: key})
		}
	}

	less := func(rows []rowChange[T]) {
		sort.Slice(rows, func(i, j int) bool {
			if !rows[i].at.Equal(rows[j].at) {
				return rows[i].at.Before(rows[j].at)
			}
			return rows[i].id.String() < rows[j].id.String()
		})
	}
	less(deletes)
	less(upserts)
	return append(deletes, upserts...)
}
