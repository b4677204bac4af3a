// Package reconcile folds queue, song and vote change events into the local
// ranking model of one viewer.
package reconcile

import (
	"errors"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voting-queue-system/internal/ledger"
	"github.com/voting-queue-system/internal/ranking"
	"github.com/voting-queue-system/pkg/apperr"
	"github.com/voting-queue-system/pkg/events"
	"github.com/voting-queue-system/pkg/models"
)

const (
	DefaultOrphanTTL  = 30 * time.Second
	DefaultMaxOrphans = 1024
)

// Result tells the session what an event did.
type Result struct {
	Changed    bool
	Resync     bool
	Terminated bool
	Degraded   bool
}

func (r Result) merge(o Result) Result {
	return Result{
		Changed:    r.Changed || o.Changed,
		Resync:     r.Resync || o.Resync,
		Terminated: r.Terminated || o.Terminated,
		Degraded:   r.Degraded || o.Degraded,
	}
}

type Options struct {
	OrphanTTL  time.Duration
	MaxOrphans int
	Clock      clock.Clock
	Logger     *zap.Logger
}

// orphan is a vote event whose song has not arrived yet.
type orphan struct {
	change events.VoteChange
	at     time.Time
	seq    uint64
}

// Reconciler is not safe for concurrent use.
type Reconciler struct {
	queueID  uuid.UUID
	viewerID uuid.UUID

	queue  *models.Queue
	model  *ranking.Model
	ledger *ledger.Ledger

	orphans     map[uuid.UUID][]orphan
	orphanCount int
	seq         uint64

	ttl        time.Duration
	maxOrphans int
	clock      clock.Clock
	log        *zap.Logger
}

func New(queueID, viewerID uuid.UUID, opts Options) *Reconciler {
	if opts.OrphanTTL <= 0 {
		opts.OrphanTTL = DefaultOrphanTTL
	}
	if opts.MaxOrphans <= 0 {
		opts.MaxOrphans = DefaultMaxOrphans
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Reconciler{
		queueID:    queueID,
		viewerID:   viewerID,
		model:      ranking.NewModel(),
		ledger:     ledger.New(),
		orphans:    make(map[uuid.UUID][]orphan),
		ttl:        opts.OrphanTTL,
		maxOrphans: opts.MaxOrphans,
		clock:      opts.Clock,
		log:        opts.Logger,
	}
}

func (r *Reconciler) Model() *ranking.Model { return r.model }

func (r *Reconciler) Ledger() *ledger.Ledger { return r.ledger }

// Queue returns the last known queue row, nil before the first seed.
func (r *Reconciler) Queue() *models.Queue {
	if r.queue == nil {
		return nil
	}
	q := *r.queue
	return &q
}

// Seed replaces local state with a store snapshot and recomputes every vote
// aggregate from it. Buffered orphans whose song is now known are applied.
func (r *Reconciler) Seed(snap *models.QueueSnapshot) Result {
	res := Result{Changed: true}

	q := snap.Queue
	r.queue = &q
	if !q.Active {
		res.Terminated = true
	}

	r.model.Reset()
	r.ledger.Reset()
	for _, s := range snap.Songs {
		if s.QueueID != r.queueID {
			continue
		}
		r.model.UpsertSong(s)
	}
	for _, v := range snap.Votes {
		if !r.model.HasSong(v.SongID) {
			continue
		}
		r.ledger.Apply(v)
	}
	for _, s := range snap.Songs {
		if s.QueueID != r.queueID {
			continue
		}
		if err := r.model.UpsertVoteAggregate(s.ID, r.ledger.Total(s.ID), r.ledger.HasVoted(s.ID, r.viewerID)); err != nil {
			r.log.Error("snapshot has inconsistent votes",
				zap.String("queue_id", r.queueID.String()),
				zap.String("song_id", s.ID.String()),
				zap.Error(err))
			res.Resync = true
		}
	}

	for songID := range r.orphans {
		if r.model.HasSong(songID) {
			res = res.merge(r.flushOrphans(songID))
		}
	}
	return res
}

// Apply folds one event into the model.
func (r *Reconciler) Apply(ev events.Event) Result {
	r.SweepOrphans()

	switch e := ev.(type) {
	case events.QueueChange:
		return r.applyQueue(e)
	case events.SongChange:
		return r.applySong(e)
	case events.VoteChange:
		return r.applyVote(e)
	case events.StreamGap:
		r.log.Info("change stream gap, resyncing",
			zap.String("queue_id", r.queueID.String()),
			zap.String("entity", string(e.Kind)),
			zap.String("reason", e.Reason))
		return Result{Resync: true}
	case events.StreamDegraded:
		r.log.Warn("change stream degraded",
			zap.String("queue_id", r.queueID.String()),
			zap.String("entity", string(e.Kind)),
			zap.Error(e.Err))
		return Result{Degraded: true}
	default:
		r.log.Error("unknown change event", zap.Any("event", ev))
		return Result{}
	}
}

func (r *Reconciler) applyQueue(e events.QueueChange) Result {
	switch e.Kind {
	case events.Delete:
		return Result{Terminated: true}
	case events.Insert, events.Update:
		if e.New == nil || e.New.ID != r.queueID {
			return Result{}
		}
		q := *e.New
		r.queue = &q
		if !q.Active {
			return Result{Changed: true, Terminated: true}
		}
		return Result{Changed: true}
	}
	return Result{}
}

func (r *Reconciler) applySong(e events.SongChange) Result {
	id := e.SongID()
	if id == uuid.Nil {
		return Result{}
	}

	switch e.Kind {
	case events.Insert:
		if e.New == nil || e.New.QueueID != r.queueID {
			return Result{}
		}
		if r.model.HasSong(id) {
			return Result{}
		}
		return r.addSong(*e.New)

	case events.Update:
		if e.New == nil || e.New.QueueID != r.queueID {
			return Result{}
		}
		if !r.model.HasSong(id) {
			return r.addSong(*e.New)
		}
		r.model.UpsertSong(*e.New)
		return Result{Changed: true}

	case events.Delete:
		r.dropOrphans(id)
		if !r.model.RemoveSong(id) {
			return Result{}
		}
		r.ledger.DropSong(id)
		return Result{Changed: true}
	}
	return Result{}
}

func (r *Reconciler) addSong(s models.Song) Result {
	r.model.UpsertSong(s)
	res := Result{Changed: true}
	if err := r.refreshAggregate(s.ID, true); err != nil {
		res.Resync = true
	}
	return res.merge(r.flushOrphans(s.ID))
}

func (r *Reconciler) applyVote(e events.VoteChange) Result {
	if e.QueueID != uuid.Nil && e.QueueID != r.queueID {
		return Result{}
	}

	switch e.Kind {
	case events.Insert, events.Update:
		if e.New == nil {
			return Result{}
		}
		if !r.model.HasSong(e.New.SongID) {
			r.buffer(e.New.SongID, e)
			return Result{}
		}
		r.ledger.Apply(*e.New)
		return r.refreshResult(e.New.SongID, e.New.ProfileID == r.viewerID)

	case events.Delete:
		key, ok := r.ledger.Remove(e.VoteID(), e.Old)
		if !ok {
			r.dropOrphanVote(e.VoteID())
			return Result{}
		}
		return r.refreshResult(key.SongID, key.VoterID == r.viewerID)
	}
	return Result{}
}

func (r *Reconciler) refreshResult(songID uuid.UUID, ownVote bool) Result {
	if err := r.refreshAggregate(songID, ownVote); err != nil {
		return Result{Resync: true}
	}
	return Result{Changed: true}
}

// refreshAggregate pushes the ledger total to the model. The viewer flag is
// only recomputed when the change concerns the viewer's own vote.
func (r *Reconciler) refreshAggregate(songID uuid.UUID, ownVote bool) error {
	_, voted, ok := r.model.Aggregate(songID)
	if !ok {
		return nil
	}
	if ownVote {
		voted = r.ledger.HasVoted(songID, r.viewerID)
	}
	err := r.model.UpsertVoteAggregate(songID, r.ledger.Total(songID), voted)
	if errors.Is(err, apperr.ErrInvalidState) {
		r.log.Warn("rejected impossible vote total",
			zap.String("queue_id", r.queueID.String()),
			zap.String("song_id", songID.String()),
			zap.Error(err))
		return err
	}
	return nil
}

// ApplyConfirmedVote mirrors a vote the store has acknowledged. The change
// event for the same row is applied again later without effect.
func (r *Reconciler) ApplyConfirmedVote(v models.Vote) Result {
	return r.applyVote(events.VoteChange{Kind: events.Update, QueueID: r.queueID, New: &v})
}

func (r *Reconciler) buffer(songID uuid.UUID, e events.VoteChange) {
	if r.orphanCount >= r.maxOrphans {
		r.dropOldestOrphan()
	}
	r.seq++
	r.orphans[songID] = append(r.orphans[songID], orphan{change: e, at: r.clock.Now(), seq: r.seq})
	r.orphanCount++
}

func (r *Reconciler) flushOrphans(songID uuid.UUID) Result {
	pending := r.orphans[songID]
	if len(pending) == 0 {
		return Result{}
	}
	delete(r.orphans, songID)
	r.orphanCount -= len(pending)

	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	res := Result{}
	for _, o := range pending {
		res = res.merge(r.applyVote(o.change))
	}
	return res
}

func (r *Reconciler) dropOrphans(songID uuid.UUID) {
	r.orphanCount -= len(r.orphans[songID])
	delete(r.orphans, songID)
}

func (r *Reconciler) dropOrphanVote(voteID uuid.UUID) {
	for songID, pending := range r.orphans {
		kept := pending[:0]
		for _, o := range pending {
			if o.change.VoteID() == voteID {
				r.orphanCount--
				continue
			}
			kept = append(kept, o)
		}
		if len(kept) == 0 {
			delete(r.orphans, songID)
		} else {
			r.orphans[songID] = kept
		}
	}
}

func (r *Reconciler) dropOldestOrphan() {
	var (
		oldestSong uuid.UUID
		oldestSeq  uint64
		found      bool
	)
	for songID, pending := range r.orphans {
		if len(pending) == 0 {
			continue
		}
		if !found || pending[0].seq < oldestSeq {
			oldestSong, oldestSeq, found = songID, pending[0].seq, true
		}
	}
	if !found {
		return
	}
	pending := r.orphans[oldestSong][1:]
	r.orphanCount--
	if len(pending) == 0 {
		delete(r.orphans, oldestSong)
	} else {
		r.orphans[oldestSong] = pending
	}
	r.log.Warn("orphan vote buffer full, dropped oldest",
		zap.String("queue_id", r.queueID.String()),
		zap.String("song_id", oldestSong.String()))
}

// SweepOrphans drops buffered votes older than the orphan TTL and returns how
// many were dropped.
func (r *Reconciler) SweepOrphans() int {
	if r.orphanCount == 0 {
		return 0
	}
	cutoff := r.clock.Now().Add(-r.ttl)
	dropped := 0
	for songID, pending := range r.orphans {
		kept := pending[:0]
		for _, o := range pending {
			if o.at.Before(cutoff) {
				dropped++
				continue
			}
			kept = append(kept, o)
		}
		if len(kept) == 0 {
			delete(r.orphans, songID)
		} else {
			r.orphans[songID] = kept
		}
	}
	r.orphanCount -= dropped
	if dropped > 0 {
		r.log.Debug("dropped expired orphan votes",
			zap.String("queue_id", r.queueID.String()),
			zap.Int("count", dropped))
	}
	return dropped
}

func (r *Reconciler) Orphans() int { return r.orphanCount }
