package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/voting-queue-system/pkg/models"
)

// Store is the read/write boundary to the authoritative queue store. Every
// successful write is followed by a change notification for it.
//
// Errors are classified with pkg/apperr: a missing row is ErrNotFound, a
// transport failure is ErrUnavailable.
type Store interface {
	CreateQueue(ctx context.Context, q *models.Queue) error
	GetQueue(ctx context.Context, id uuid.UUID) (*models.Queue, error)
	GetQueueByAccessCode(ctx context.Context, code string) (*models.Queue, error)
	AccessCodeExists(ctx context.Context, code string) (bool, error)
	ListQueuesByCreator(ctx context.Context, creatorID uuid.UUID) ([]*models.Queue, error)
	UpdateQueue(ctx context.Context, q *models.Queue) error
	DeactivateQueue(ctx context.Context, id uuid.UUID) error

	AddSong(ctx context.Context, s *models.Song) error
	GetSong(ctx context.Context, id uuid.UUID) (*models.Song, error)
	RemoveSong(ctx context.Context, id uuid.UUID) error
	UpdateSongPosition(ctx context.Context, id uuid.UUID, position int) error
	// MarkSongPlayed sets played and played_at once. A song that is already
	// played yields ErrInvalidState and keeps its original played_at.
	MarkSongPlayed(ctx context.Context, id uuid.UUID, playedAt time.Time) (*models.Song, error)
	RecentlyPlayed(ctx context.Context, queueID uuid.UUID, limit int) ([]*models.Song, error)

	// UpsertVote writes the (song, profile) row, overwriting the weight of an
	// existing row. It fails with ErrNotFound for unknown or played songs.
	UpsertVote(ctx context.Context, v *models.Vote) (*models.Vote, error)
	GetVote(ctx context.Context, songID, profileID uuid.UUID) (*models.Vote, error)

	Snapshot(ctx context.Context, queueID uuid.UUID) (*models.QueueSnapshot, error)

	UpsertUser(ctx context.Context, u *models.User) error
}
