package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/voting-queue-system/pkg/apperr"
	"github.com/voting-queue-system/pkg/events"
	"github.com/voting-queue-system/pkg/models"
)

// SQLStore is the gorm backed queue store. Each successful write publishes
// the matching change event.
type SQLStore struct {
	db  *gorm.DB
	pub events.Publisher
	log *zap.Logger
	now func() time.Time
}

func NewSQLStore(db *gorm.DB, pub events.Publisher, log *zap.Logger) *SQLStore {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &SQLStore{db: db, pub: pub, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLStore) publish(ctx context.Context, ev events.Event) {
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.log.Warn("failed to publish change",
			zap.String("entity", string(ev.Entity())),
			zap.String("queue_id", ev.Queue().String()),
			zap.Error(err))
	}
}

// Queue operations

func (s *SQLStore) CreateQueue(ctx context.Context, q *models.Queue) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(q).Error; err != nil {
		return classify(err, "failed to create queue")
	}
	row := *q
	s.publish(ctx, events.QueueChange{Kind: events.Insert, New: &row})
	return nil
}

func (s *SQLStore) GetQueue(ctx context.Context, id uuid.UUID) (*models.Queue, error) {
	var q models.Queue
	if err := s.db.WithContext(ctx).First(&q, "id = ?", id).Error; err != nil {
		return nil, classify(err, fmt.Sprintf("queue %s", id))
	}
	return &q, nil
}

func (s *SQLStore) GetQueueByAccessCode(ctx context.Context, code string) (*models.Queue, error) {
	var q models.Queue
	err := s.db.WithContext(ctx).
		Where("access_code = ? AND active = ?", code, true).
		First(&q).Error
	if err != nil {
		return nil, classify(err, fmt.Sprintf("queue with code %s", code))
	}
	return &q, nil
}

func (s *SQLStore) AccessCodeExists(ctx context.Context, code string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Queue{}).
		Where("access_code = ?", code).
		Count(&n).Error
	if err != nil {
		return false, classify(err, "failed to check access code")
	}
	return n > 0, nil
}

func (s *SQLStore) ListQueuesByCreator(ctx context.Context, creatorID uuid.UUID) ([]*models.Queue, error) {
	var queues []*models.Queue
	err := s.db.WithContext(ctx).
		Where("creator_id = ?", creatorID).
		Order("created_at DESC").
		Find(&queues).Error
	if err != nil {
		return nil, classify(err, "failed to list queues")
	}
	return queues, nil
}

func (s *SQLStore) UpdateQueue(ctx context.Context, q *models.Queue) error {
	old, err := s.GetQueue(ctx, q.ID)
	if err != nil {
		return err
	}
	q.CreatedAt = old.CreatedAt
	q.UpdatedAt = s.now()
	if err := s.db.WithContext(ctx).Save(q).Error; err != nil {
		return classify(err, "failed to update queue")
	}
	row := *q
	s.publish(ctx, events.QueueChange{Kind: events.Update, New: &row, Old: old})
	return nil
}

func (s *SQLStore) DeactivateQueue(ctx context.Context, id uuid.UUID) error {
	old, err := s.GetQueue(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	err = s.db.WithContext(ctx).Model(&models.Queue{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"active": false, "updated_at": now}).Error
	if err != nil {
		return classify(err, "failed to deactivate queue")
	}
	row := *old
	row.Active = false
	row.UpdatedAt = now
	s.publish(ctx, events.QueueChange{Kind: events.Update, New: &row, Old: old})
	return nil
}

// Song operations

func (s *SQLStore) AddSong(ctx context.Context, song *models.Song) error {
	if _, err := s.GetQueue(ctx, song.QueueID); err != nil {
		return err
	}
	if song.ID == uuid.Nil {
		song.ID = uuid.New()
	}
	song.Played = false
	song.PlayedAt = nil
	if err := s.db.WithContext(ctx).Create(song).Error; err != nil {
		return classify(err, "failed to add song")
	}
	row := *song
	s.publish(ctx, events.SongChange{Kind: events.Insert, New: &row})
	return nil
}

func (s *SQLStore) GetSong(ctx context.Context, id uuid.UUID) (*models.Song, error) {
	var song models.Song
	if err := s.db.WithContext(ctx).First(&song, "id = ?", id).Error; err != nil {
		return nil, classify(err, fmt.Sprintf("song %s", id))
	}
	return &song, nil
}

// RemoveSong deletes the song and its votes in one transaction.
func (s *SQLStore) RemoveSong(ctx context.Context, id uuid.UUID) error {
	var (
		old   models.Song
		votes []models.Vote
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&old, "id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Where("song_id = ?", id).Find(&votes).Error; err != nil {
			return err
		}
		if err := tx.Where("song_id = ?", id).Delete(&models.Vote{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Song{}, "id = ?", id).Error
	})
	if err != nil {
		return classify(err, fmt.Sprintf("failed to remove song %s", id))
	}

	for i := range votes {
		v := votes[i]
		s.publish(ctx, events.VoteChange{Kind: events.Delete, QueueID: old.QueueID, Old: &v})
	}
	s.publish(ctx, events.SongChange{Kind: events.Delete, Old: &old})
	return nil
}

func (s *SQLStore) UpdateSongPosition(ctx context.Context, id uuid.UUID, position int) error {
	old, err := s.GetSong(ctx, id)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Model(&models.Song{}).
		Where("id = ?", id).
		Update("position", position).Error
	if err != nil {
		return classify(err, "failed to update song position")
	}
	row := *old
	row.Position = &position
	s.publish(ctx, events.SongChange{Kind: events.Update, New: &row, Old: old})
	return nil
}

func (s *SQLStore) MarkSongPlayed(ctx context.Context, id uuid.UUID, playedAt time.Time) (*models.Song, error) {
	old, err := s.GetSong(ctx, id)
	if err != nil {
		return nil, err
	}
	if old.Played {
		return nil, fmt.Errorf("song %s already played: %w", id, apperr.ErrInvalidState)
	}

	at := playedAt.UTC()
	res := s.db.WithContext(ctx).Model(&models.Song{}).
		Where("id = ? AND played = ?", id, false).
		Updates(map[string]interface{}{"played": true, "played_at": at})
	if res.Error != nil {
		return nil, classify(res.Error, "failed to mark song played")
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("song %s already played: %w", id, apperr.ErrInvalidState)
	}

	row := *old
	row.Played = true
	row.PlayedAt = &at
	s.publish(ctx, events.SongChange{Kind: events.Update, New: &row, Old: old})
	return &row, nil
}

func (s *SQLStore) RecentlyPlayed(ctx context.Context, queueID uuid.UUID, limit int) ([]*models.Song, error) {
	q := s.db.WithContext(ctx).
		Where("queue_id = ? AND played = ?", queueID, true).
		Order("played_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var songs []*models.Song
	if err := q.Find(&songs).Error; err != nil {
		return nil, classify(err, "failed to list recently played")
	}
	return songs, nil
}

// Vote operations

// UpsertVote relies on the unique (song_id, profile_id) index: a second vote
// overwrites vote_count on the existing row.
func (s *SQLStore) UpsertVote(ctx context.Context, v *models.Vote) (*models.Vote, error) {
	song, err := s.GetSong(ctx, v.SongID)
	if err != nil {
		return nil, err
	}
	if song.Played {
		return nil, fmt.Errorf("song %s already played: %w", v.SongID, apperr.ErrNotFound)
	}

	old, err := s.GetVote(ctx, v.SongID, v.ProfileID)
	existed := err == nil
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	row := *v
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "song_id"}, {Name: "profile_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"vote_count"}),
	}).Create(&row).Error
	if err != nil {
		return nil, classify(err, "failed to upsert vote")
	}

	saved, err := s.GetVote(ctx, v.SongID, v.ProfileID)
	if err != nil {
		return nil, err
	}

	ev := events.VoteChange{Kind: events.Insert, QueueID: song.QueueID, New: saved}
	if existed {
		ev.Kind = events.Update
		ev.Old = old
	}
	s.publish(ctx, ev)
	return saved, nil
}

func (s *SQLStore) GetVote(ctx context.Context, songID, profileID uuid.UUID) (*models.Vote, error) {
	var v models.Vote
	err := s.db.WithContext(ctx).
		Where("song_id = ? AND profile_id = ?", songID, profileID).
		First(&v).Error
	if err != nil {
		return nil, classify(err, "vote")
	}
	return &v, nil
}

// Snapshot reads the queue with all of its songs and votes.
func (s *SQLStore) Snapshot(ctx context.Context, queueID uuid.UUID) (*models.QueueSnapshot, error) {
	q, err := s.GetQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	snap := &models.QueueSnapshot{Queue: *q}

	db := s.db.WithContext(ctx)
	if err := db.Where("queue_id = ?", queueID).Order("created_at ASC").Find(&snap.Songs).Error; err != nil {
		return nil, classify(err, "failed to load songs")
	}
	songIDs := db.Model(&models.Song{}).Select("id").Where("queue_id = ?", queueID)
	if err := db.Where("song_id IN (?)", songIDs).Order("created_at ASC").Find(&snap.Votes).Error; err != nil {
		return nil, classify(err, "failed to load votes")
	}
	return snap, nil
}

func (s *SQLStore) UpsertUser(ctx context.Context, u *models.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"spotify_id", "display_name", "email", "guest", "updated_at"}),
	}).Create(u).Error
	if err != nil {
		return classify(err, "failed to save user")
	}
	return nil
}
