package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voting-queue-system/pkg/apperr"
	"github.com/voting-queue-system/pkg/events"
	"github.com/voting-queue-system/pkg/models"
)

type voteKey struct {
	songID    uuid.UUID
	profileID uuid.UUID
}

// Memory is an in-process Store. It publishes the same change events as the
// SQL store and backs the session, queue and websocket tests.
type Memory struct {
	mu     sync.RWMutex
	queues map[uuid.UUID]models.Queue
	songs  map[uuid.UUID]models.Song
	votes  map[voteKey]models.Vote
	users  map[uuid.UUID]models.User

	pub events.Publisher
	now func() time.Time
	log *zap.Logger
}

func NewMemory(pub events.Publisher, log *zap.Logger) *Memory {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Memory{
		queues: make(map[uuid.UUID]models.Queue),
		songs:  make(map[uuid.UUID]models.Song),
		votes:  make(map[voteKey]models.Vote),
		users:  make(map[uuid.UUID]models.User),
		pub:    pub,
		now:    time.Now,
		log:    log,
	}
}

// publish runs after the write lock is released so subscribers may read back.
func (m *Memory) publish(ctx context.Context, ev events.Event) {
	if err := m.pub.Publish(ctx, ev); err != nil {
		m.log.Warn("failed to publish change",
			zap.String("entity", string(ev.Entity())),
			zap.String("queue_id", ev.Queue().String()),
			zap.Error(err))
	}
}

func (m *Memory) CreateQueue(ctx context.Context, q *models.Queue) error {
	m.mu.Lock()
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	if _, ok := m.queues[q.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("queue %s: %w", q.ID, apperr.ErrConflict)
	}
	for _, existing := range m.queues {
		if q.AccessCode != "" && existing.AccessCode == q.AccessCode {
			m.mu.Unlock()
			return fmt.Errorf("access code %s: %w", q.AccessCode, apperr.ErrConflict)
		}
	}
	now := m.now()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = now
	m.queues[q.ID] = *q
	row := *q
	m.mu.Unlock()

	m.publish(ctx, events.QueueChange{Kind: events.Insert, New: &row})
	return nil
}

func (m *Memory) GetQueue(ctx context.Context, id uuid.UUID) (*models.Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.queues[id]
	if !ok {
		return nil, fmt.Errorf("queue %s: %w", id, apperr.ErrNotFound)
	}
	return &q, nil
}

func (m *Memory) GetQueueByAccessCode(ctx context.Context, code string) (*models.Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, q := range m.queues {
		if q.AccessCode == code && q.Active {
			found := q
			return &found, nil
		}
	}
	return nil, fmt.Errorf("queue with code %s: %w", code, apperr.ErrNotFound)
}

func (m *Memory) AccessCodeExists(ctx context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, q := range m.queues {
		if q.AccessCode == code {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ListQueuesByCreator(ctx context.Context, creatorID uuid.UUID) ([]*models.Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Queue
	for _, q := range m.queues {
		if q.CreatorID == creatorID {
			found := q
			out = append(out, &found)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateQueue(ctx context.Context, q *models.Queue) error {
	m.mu.Lock()
	old, ok := m.queues[q.ID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("queue %s: %w", q.ID, apperr.ErrNotFound)
	}
	q.CreatedAt = old.CreatedAt
	q.UpdatedAt = m.now()
	m.queues[q.ID] = *q
	row := *q
	m.mu.Unlock()

	m.publish(ctx, events.QueueChange{Kind: events.Update, New: &row, Old: &old})
	return nil
}

func (m *Memory) DeactivateQueue(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	old, ok := m.queues[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("queue %s: %w", id, apperr.ErrNotFound)
	}
	row := old
	row.Active = false
	row.UpdatedAt = m.now()
	m.queues[id] = row
	m.mu.Unlock()

	m.publish(ctx, events.QueueChange{Kind: events.Update, New: &row, Old: &old})
	return nil
}

func (m *Memory) AddSong(ctx context.Context, s *models.Song) error {
	m.mu.Lock()
	if _, ok := m.queues[s.QueueID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("queue %s: %w", s.QueueID, apperr.ErrNotFound)
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	s.Played = false
	s.PlayedAt = nil
	m.songs[s.ID] = *s
	row := *s
	m.mu.Unlock()

	m.publish(ctx, events.SongChange{Kind: events.Insert, New: &row})
	return nil
}

func (m *Memory) GetSong(ctx context.Context, id uuid.UUID) (*models.Song, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.songs[id]
	if !ok {
		return nil, fmt.Errorf("song %s: %w", id, apperr.ErrNotFound)
	}
	return &s, nil
}

func (m *Memory) RemoveSong(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	old, ok := m.songs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("song %s: %w", id, apperr.ErrNotFound)
	}
	var removedVotes []models.Vote
	for key, v := range m.votes {
		if key.songID == id {
			removedVotes = append(removedVotes, v)
			delete(m.votes, key)
		}
	}
	delete(m.songs, id)
	m.mu.Unlock()

	for i := range removedVotes {
		v := removedVotes[i]
		m.publish(ctx, events.VoteChange{Kind: events.Delete, QueueID: old.QueueID, Old: &v})
	}
	m.publish(ctx, events.SongChange{Kind: events.Delete, Old: &old})
	return nil
}

func (m *Memory) UpdateSongPosition(ctx context.Context, id uuid.UUID, position int) error {
	m.mu.Lock()
	old, ok := m.songs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("song %s: %w", id, apperr.ErrNotFound)
	}
	row := old
	row.Position = &position
	m.songs[id] = row
	m.mu.Unlock()

	m.publish(ctx, events.SongChange{Kind: events.Update, New: &row, Old: &old})
	return nil
}

func (m *Memory) MarkSongPlayed(ctx context.Context, id uuid.UUID, playedAt time.Time) (*models.Song, error) {
	m.mu.Lock()
	old, ok := m.songs[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("song %s: %w", id, apperr.ErrNotFound)
	}
	if old.Played {
		m.mu.Unlock()
		return nil, fmt.Errorf("song %s already played: %w", id, apperr.ErrInvalidState)
	}
	row := old
	at := playedAt
	row.Played = true
	row.PlayedAt = &at
	m.songs[id] = row
	m.mu.Unlock()

	m.publish(ctx, events.SongChange{Kind: events.Update, New: &row, Old: &old})
	return &row, nil
}

func (m *Memory) RecentlyPlayed(ctx context.Context, queueID uuid.UUID, limit int) ([]*models.Song, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Song
	for _, s := range m.songs {
		if s.QueueID == queueID && s.Played && s.PlayedAt != nil {
			found := s
			out = append(out, &found)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayedAt.After(*out[j].PlayedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpsertVote(ctx context.Context, v *models.Vote) (*models.Vote, error) {
	m.mu.Lock()
	song, ok := m.songs[v.SongID]
	if !ok || song.Played {
		m.mu.Unlock()
		return nil, fmt.Errorf("song %s: %w", v.SongID, apperr.ErrNotFound)
	}

	key := voteKey{songID: v.SongID, profileID: v.ProfileID}
	old, existed := m.votes[key]
	row := *v
	if existed {
		row.ID = old.ID
		row.CreatedAt = old.CreatedAt
	} else {
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = m.now()
		}
	}
	m.votes[key] = row
	m.mu.Unlock()

	ev := events.VoteChange{Kind: events.Insert, QueueID: song.QueueID, New: &row}
	if existed {
		ev.Kind = events.Update
		ev.Old = &old
	}
	m.publish(ctx, ev)
	return &row, nil
}

func (m *Memory) GetVote(ctx context.Context, songID, profileID uuid.UUID) (*models.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.votes[voteKey{songID: songID, profileID: profileID}]
	if !ok {
		return nil, fmt.Errorf("vote: %w", apperr.ErrNotFound)
	}
	return &v, nil
}

func (m *Memory) Snapshot(ctx context.Context, queueID uuid.UUID) (*models.QueueSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.queues[queueID]
	if !ok {
		return nil, fmt.Errorf("queue %s: %w", queueID, apperr.ErrNotFound)
	}

	snap := &models.QueueSnapshot{Queue: q}
	inQueue := make(map[uuid.UUID]bool)
	for _, s := range m.songs {
		if s.QueueID == queueID {
			snap.Songs = append(snap.Songs, s)
			inQueue[s.ID] = true
		}
	}
	for _, v := range m.votes {
		if inQueue[v.SongID] {
			snap.Votes = append(snap.Votes, v)
		}
	}
	sort.Slice(snap.Songs, func(i, j int) bool { return snap.Songs[i].CreatedAt.Before(snap.Songs[j].CreatedAt) })
	sort.Slice(snap.Votes, func(i, j int) bool { return snap.Votes[i].CreatedAt.Before(snap.Votes[j].CreatedAt) })
	return snap, nil
}

func (m *Memory) UpsertUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	now := m.now()
	if existing, ok := m.users[u.ID]; ok {
		u.CreatedAt = existing.CreatedAt
	} else if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	m.users[u.ID] = *u
	return nil
}
