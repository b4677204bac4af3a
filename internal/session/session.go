// Package session ties one viewer's view of a queue together: the change
// subscriptions, the reconciled ranking model and the playback controller.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voting-queue-system/internal/ledger"
	"github.com/voting-queue-system/internal/playback"
	"github.com/voting-queue-system/internal/reconcile"
	"github.com/voting-queue-system/internal/store"
	"github.com/voting-queue-system/pkg/apperr"
	"github.com/voting-queue-system/pkg/events"
	"github.com/voting-queue-system/pkg/models"
	"github.com/voting-queue-system/pkg/retry"
)

const DefaultRecentLimit = 5

type State int

const (
	Live State = iota
	Degraded
	Terminated
	Closed
)

func (s State) String() string {
	switch s {
	case Live:
		return "live"
	case Degraded:
		return "degraded"
	case Terminated:
		return "terminated"
	default:
		return "closed"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Direction int

const (
	Up Direction = iota
	Down
)

func ParseDirection(s string) (Direction, error) {
	switch s {
	case "up":
		return Up, nil
	case "down":
		return Down, nil
	}
	return Up, fmt.Errorf("direction %q: %w", s, apperr.ErrInvalidState)
}

type Options struct {
	SyncTimeout      time.Duration
	OrphanTTL        time.Duration
	TickInterval     time.Duration
	ResubscribeAfter time.Duration
	Retry            retry.Policy
	AutoAdvance      bool
	Clock            clock.Clock
	Logger           *zap.Logger
	Provider         playback.Provider
	// PlayerFor, when set, picks the provider that acts for a viewer and
	// overrides Provider.
	PlayerFor func(viewerID uuid.UUID) playback.Provider
}

func (o Options) withDefaults() Options {
	if o.SyncTimeout <= 0 {
		o.SyncTimeout = 10 * time.Second
	}
	if o.OrphanTTL <= 0 {
		o.OrphanTTL = reconcile.DefaultOrphanTTL
	}
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.ResubscribeAfter <= 0 {
		o.ResubscribeAfter = 30 * time.Second
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = retry.Default()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Provider == nil {
		o.Provider = playback.NopProvider{}
	}
	return o
}

var channels = [...]events.EntityKind{events.EntityQueue, events.EntitySong, events.EntityVote}

// View is everything a viewer renders.
type View struct {
	Queue      *models.Queue       `json:"queue"`
	Ranked     []models.RankedSong `json:"ranked"`
	NowPlaying *models.Song        `json:"now_playing"`
	Playback   playback.Status     `json:"playback"`
	Recent     []models.Song       `json:"recent"`
	State      State               `json:"state"`
	IsHost     bool                `json:"is_host"`
}

type Session struct {
	store    store.Store
	source   events.Source
	queueID  uuid.UUID
	viewerID uuid.UUID
	opts     Options
	log      *zap.Logger

	mu           sync.Mutex
	rec          *reconcile.Reconciler
	state        State
	autoAdvanced uuid.UUID

	player   *playback.Controller
	provider playback.Provider
	guard    *ledger.Guard

	watchMu  sync.Mutex
	watchers map[chan struct{}]struct{}
	resyncCh chan chan error
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

// Open subscribes to the queue's three change channels, seeds the model from
// a store snapshot and starts reconciling. Events that arrive during the
// initial fetch are applied after it.
func Open(ctx context.Context, st store.Store, src events.Source, queueID, viewerID uuid.UUID, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	s := &Session{
		store:    st,
		source:   src,
		queueID:  queueID,
		viewerID: viewerID,
		opts:     opts,
		log: opts.Logger.With(
			zap.String("queue_id", queueID.String()),
			zap.String("viewer_id", viewerID.String())),
		rec: reconcile.New(queueID, viewerID, reconcile.Options{
			OrphanTTL: opts.OrphanTTL,
			Clock:     opts.Clock,
			Logger:    opts.Logger,
		}),
		player:   playback.NewController(opts.Clock),
		provider: opts.Provider,
		guard:    ledger.NewGuard(),
		watchers: make(map[chan struct{}]struct{}),
		resyncCh: make(chan chan error, 1),
		done:     make(chan struct{}),
	}

	if opts.PlayerFor != nil {
		if p := opts.PlayerFor(viewerID); p != nil {
			s.provider = p
		}
	}

	var subs [len(channels)]events.Subscription
	for i, entity := range channels {
		sub, err := src.Subscribe(ctx, events.Filter{Entity: entity, QueueID: queueID})
		if err != nil {
			closeAll(subs[:])
			return nil, fmt.Errorf("failed to subscribe to %s changes: %w", entity, err)
		}
		subs[i] = sub
	}

	snap, err := s.fetch(ctx)
	if err != nil {
		closeAll(subs[:])
		return nil, fmt.Errorf("failed to load queue %s: %w", queueID, err)
	}
	if !snap.Queue.Active {
		closeAll(subs[:])
		return nil, fmt.Errorf("queue %s is not active: %w", queueID, apperr.ErrNotFound)
	}
	s.mu.Lock()
	s.rec.Seed(snap)
	s.followPlaying()
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(runCtx, subs)

	s.log.Info("session opened", zap.Int("songs", len(snap.Songs)))
	return s, nil
}

func closeAll(subs []events.Subscription) {
	for _, sub := range subs {
		if sub != nil {
			sub.Close()
		}
	}
}

func allOpen(subs []events.Subscription) bool {
	for _, sub := range subs {
		if sub == nil {
			return false
		}
	}
	return true
}

func eventsOf(sub events.Subscription) <-chan events.Event {
	if sub == nil {
		return nil
	}
	return sub.Events()
}

// fetch reads a snapshot, bounded by the sync timeout and retried while the
// store is unavailable.
func (s *Session) fetch(ctx context.Context) (*models.QueueSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.SyncTimeout)
	defer cancel()

	var snap *models.QueueSnapshot
	err := s.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		snap, err = s.store.Snapshot(ctx, s.queueID)
		return err
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("sync timed out after %s: %w", s.opts.SyncTimeout, apperr.ErrUnavailable)
		}
		return nil, err
	}
	return snap, nil
}

func (s *Session) run(ctx context.Context, subs [len(channels)]events.Subscription) {
	defer close(s.done)
	defer func() { closeAll(subs[:]) }()

	ticker := s.opts.Clock.Ticker(s.opts.TickInterval)
	defer ticker.Stop()

	var resubscribe <-chan time.Time
	for {
		var (
			ev    events.Event
			ok    bool
			index int
		)
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-eventsOf(subs[0]):
			index = 0
		case ev, ok = <-eventsOf(subs[1]):
			index = 1
		case ev, ok = <-eventsOf(subs[2]):
			index = 2
		case <-ticker.C:
			s.tick(ctx)
			continue
		case reply := <-s.resyncCh:
			err := s.resync(ctx, allOpen(subs[:]))
			if reply != nil {
				reply <- err
			}
			if s.State() == Terminated {
				return
			}
			continue
		case <-resubscribe:
			resubscribe = nil
			if s.resubscribe(ctx, &subs) {
				s.resync(ctx, true)
			} else {
				resubscribe = s.opts.Clock.After(s.opts.ResubscribeAfter)
			}
			continue
		}

		if !ok {
			subs[index].Close()
			subs[index] = nil
			s.setDegraded()
			if resubscribe == nil {
				resubscribe = s.opts.Clock.After(s.opts.ResubscribeAfter)
			}
			continue
		}
		if stop := s.handle(ctx, ev, allOpen(subs[:])); stop {
			return
		}
	}
}

// handle applies one event and reports whether the session ended. healthy
// reports whether every change channel is still open.
func (s *Session) handle(ctx context.Context, ev events.Event, healthy bool) bool {
	s.mu.Lock()
	res := s.rec.Apply(ev)
	if res.Changed {
		s.followPlaying()
	}
	s.mu.Unlock()

	if res.Terminated {
		s.terminate()
		return true
	}
	if res.Degraded {
		s.setDegraded()
	}
	if res.Resync {
		if err := s.resync(ctx, healthy && !res.Degraded); err != nil {
			s.log.Warn("resync failed", zap.Error(err))
		}
		return s.State() == Terminated
	}
	if res.Changed {
		s.notify()
	}
	return false
}

// followPlaying moves the controller to the model's current song when another
// client started it. Callers hold s.mu.
func (s *Session) followPlaying() {
	if cur := s.rec.Model().CurrentlyPlaying(); cur != nil {
		s.player.Follow(*cur)
	}
}

// resync replaces the model with a fresh snapshot. A degraded session whose
// channels are all open goes back to Live once the snapshot is applied.
func (s *Session) resync(ctx context.Context, healthy bool) error {
	snap, err := s.fetch(ctx)
	if errors.Is(err, apperr.ErrNotFound) {
		s.terminate()
		return err
	}
	if err != nil {
		s.setDegraded()
		return fmt.Errorf("failed to resync: %w", err)
	}

	s.mu.Lock()
	res := s.rec.Seed(snap)
	s.followPlaying()
	restored := healthy && s.state == Degraded
	if restored {
		s.state = Live
	}
	s.mu.Unlock()
	if restored {
		s.log.Info("realtime updates restored")
	}

	if res.Terminated {
		s.terminate()
		return nil
	}
	if res.Resync {
		s.log.Error("store snapshot is inconsistent")
	}
	s.notify()
	return nil
}

// resubscribe reopens the channels that were dropped and reports whether all
// of them are open again.
func (s *Session) resubscribe(ctx context.Context, subs *[len(channels)]events.Subscription) bool {
	for i, entity := range channels {
		if subs[i] != nil {
			continue
		}
		sub, err := s.source.Subscribe(ctx, events.Filter{Entity: entity, QueueID: s.queueID})
		if err != nil {
			s.log.Warn("resubscribe failed", zap.String("entity", string(entity)), zap.Error(err))
			return false
		}
		subs[i] = sub
	}

	s.mu.Lock()
	if s.state == Degraded {
		s.state = Live
	}
	s.mu.Unlock()
	s.log.Info("realtime updates restored")
	return true
}

func (s *Session) tick(ctx context.Context) {
	if s.player.State() != playback.Playing {
		return
	}
	progress := s.player.Tick()
	s.notify()

	if !progress.Finished || !s.opts.AutoAdvance || !s.IsHost() {
		return
	}
	cur := s.player.Current()
	if cur == nil {
		return
	}
	s.mu.Lock()
	already := s.autoAdvanced == cur.ID
	s.autoAdvanced = cur.ID
	s.mu.Unlock()
	if already {
		return
	}
	if err := s.Next(ctx); err != nil && !errors.Is(err, apperr.ErrInvalidState) {
		s.log.Warn("auto advance failed", zap.Error(err))
	}
}

func (s *Session) setDegraded() {
	s.mu.Lock()
	changed := s.state == Live
	if changed {
		s.state = Degraded
	}
	s.mu.Unlock()
	if changed {
		s.log.Warn("realtime updates degraded, manual refresh recommended")
		s.notify()
	}
}

func (s *Session) terminate() {
	s.mu.Lock()
	changed := s.state == Live || s.state == Degraded
	if changed {
		s.state = Terminated
	}
	s.mu.Unlock()
	if changed {
		s.log.Info("queue ended, session terminated")
		s.notify()
	}
}

func (s *Session) notify() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Watch returns a channel that is signalled, coalesced, whenever the view
// changes, and a func that stops the signals.
func (s *Session) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.watchMu.Lock()
	s.watchers[ch] = struct{}{}
	s.watchMu.Unlock()
	return ch, func() {
		s.watchMu.Lock()
		delete(s.watchers, ch)
		s.watchMu.Unlock()
	}
}

// Done is closed once the session stops reconciling.
func (s *Session) Done() <-chan struct{} { return s.done }

// Resync re-reads the queue from the store and replaces the local model.
func (s *Session) Resync(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.resyncCh <- reply:
	case <-s.done:
		return fmt.Errorf("session closed: %w", apperr.ErrInvalidState)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return fmt.Errorf("session closed: %w", apperr.ErrInvalidState)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requestResync schedules a resync without waiting for it.
func (s *Session) requestResync() {
	select {
	case s.resyncCh <- nil:
	default:
	}
}

// Close releases the subscriptions. It is safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.mu.Lock()
		s.state = Closed
		s.mu.Unlock()
		s.log.Info("session closed")
	})
	return nil
}

func (s *Session) QueueID() uuid.UUID  { return s.queueID }
func (s *Session) ViewerID() uuid.UUID { return s.viewerID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isHost()
}

func (s *Session) isHost() bool {
	q := s.rec.Queue()
	return q != nil && q.CreatorID == s.viewerID
}

func (s *Session) Queue() *models.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Queue()
}

func (s *Session) RankedView() []models.RankedSong {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Model().RankedView()
}

func (s *Session) CurrentlyPlaying() *models.Song {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Model().CurrentlyPlaying()
}

func (s *Session) RecentlyPlayed(limit int) []models.Song {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Model().RecentlyPlayed(limit)
}

func (s *Session) HasVoted(songID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Ledger().HasVoted(songID, s.viewerID)
}

func (s *Session) Playback() playback.Status {
	return s.player.Status()
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	return View{
		Queue:      s.rec.Queue(),
		Ranked:     s.rec.Model().RankedView(),
		NowPlaying: s.rec.Model().CurrentlyPlaying(),
		Playback:   s.player.Status(),
		Recent:     s.rec.Model().RecentlyPlayed(DefaultRecentLimit),
		State:      s.state,
		IsHost:     s.isHost(),
	}
}
