package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voting-queue-system/internal/reconcile"
	"github.com/voting-queue-system/internal/store"
	"github.com/voting-queue-system/pkg/apperr"
	"github.com/voting-queue-system/pkg/models"
)

const (
	codeAttempts       = 100
	defaultRecentLimit = 5
)

// Cache holds queue rows by id and access code. A miss is (nil, nil).
type Cache interface {
	Put(ctx context.Context, q *models.Queue) error
	Get(ctx context.Context, id uuid.UUID) (*models.Queue, error)
	GetByCode(ctx context.Context, code string) (*models.Queue, error)
	Invalidate(ctx context.Context, q *models.Queue) error
}

type Service struct {
	store store.Store
	cache Cache
	log   *zap.Logger
	code  func() string
}

// NewService returns a queue service; cache may be nil.
func NewService(st store.Store, cache Cache, log *zap.Logger) *Service {
	return &Service{store: st, cache: cache, log: log, code: randomCode}
}

func randomCode() string {
	return fmt.Sprintf("%06d", rand.Intn(900000)+100000)
}

type CreateParams struct {
	Name        string
	Description string
	Settings    *models.QueueSettings
}

func (s *Service) Create(ctx context.Context, hostID uuid.UUID, p CreateParams) (*models.Queue, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, fmt.Errorf("queue name is required: %w", apperr.ErrInvalidState)
	}
	settings := models.DefaultSettings()
	if p.Settings != nil {
		settings = *p.Settings
	}
	if settings.MaxVotesPerUser < 0 {
		return nil, fmt.Errorf("maxVotesPerUser must not be negative: %w", apperr.ErrInvalidState)
	}

	for i := 0; i < codeAttempts; i++ {
		code := s.code()
		exists, err := s.store.AccessCodeExists(ctx, code)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}

		q := &models.Queue{
			ID:          uuid.New(),
			Name:        name,
			Description: strings.TrimSpace(p.Description),
			CreatorID:   hostID,
			Active:      true,
			AccessCode:  code,
			Settings:    settings,
		}
		err = s.store.CreateQueue(ctx, q)
		if errors.Is(err, apperr.ErrConflict) {
			// another queue took the code between the check and the insert
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create queue: %w", err)
		}

		s.cachePut(ctx, q)
		s.log.Info("queue created",
			zap.String("queue_id", q.ID.String()),
			zap.String("host_id", hostID.String()))
		return q, nil
	}
	return nil, fmt.Errorf("failed to generate a unique access code: %w", apperr.ErrConflict)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Queue, error) {
	if q := s.cacheGet(ctx, func(c Cache) (*models.Queue, error) { return c.Get(ctx, id) }); q != nil {
		return q, nil
	}
	q, err := s.store.GetQueue(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cachePut(ctx, q)
	return q, nil
}

// GetByCode finds an active queue by its access code. Private queues are
// only found by their host.
func (s *Service) GetByCode(ctx context.Context, code string, viewerID uuid.UUID) (*models.Queue, error) {
	code = strings.TrimSpace(code)
	q := s.cacheGet(ctx, func(c Cache) (*models.Queue, error) { return c.GetByCode(ctx, code) })
	if q == nil || !q.Active {
		var err error
		if q, err = s.store.GetQueueByAccessCode(ctx, code); err != nil {
			return nil, err
		}
		s.cachePut(ctx, q)
	}
	if !q.Settings.IsPublic && q.CreatorID != viewerID {
		return nil, fmt.Errorf("queue with code %s: %w", code, apperr.ErrNotFound)
	}
	return q, nil
}

func (s *Service) ListMine(ctx context.Context, hostID uuid.UUID) ([]*models.Queue, error) {
	return s.store.ListQueuesByCreator(ctx, hostID)
}

type UpdateParams struct {
	Name        *string
	Description *string
	Settings    *models.QueueSettings
}

func (s *Service) Update(ctx context.Context, hostID, id uuid.UUID, p UpdateParams) (*models.Queue, error) {
	q, err := s.owned(ctx, hostID, id)
	if err != nil {
		return nil, err
	}
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" {
			return nil, fmt.Errorf("queue name is required: %w", apperr.ErrInvalidState)
		}
		q.Name = name
	}
	if p.Description != nil {
		q.Description = strings.TrimSpace(*p.Description)
	}
	if p.Settings != nil {
		if p.Settings.MaxVotesPerUser < 0 {
			return nil, fmt.Errorf("maxVotesPerUser must not be negative: %w", apperr.ErrInvalidState)
		}
		q.Settings = *p.Settings
	}

	if err := s.store.UpdateQueue(ctx, q); err != nil {
		return nil, fmt.Errorf("failed to update queue: %w", err)
	}
	s.invalidate(ctx, q)
	return q, nil
}

func (s *Service) Deactivate(ctx context.Context, hostID, id uuid.UUID) error {
	q, err := s.owned(ctx, hostID, id)
	if err != nil {
		return err
	}
	if err := s.store.DeactivateQueue(ctx, id); err != nil {
		return fmt.Errorf("failed to deactivate queue: %w", err)
	}
	s.invalidate(ctx, q)
	s.log.Info("queue deactivated", zap.String("queue_id", id.String()))
	return nil
}

// owned reads the queue from the store, bypassing the cache, and checks
// that hostID created it.
func (s *Service) owned(ctx context.Context, hostID, id uuid.UUID) (*models.Queue, error) {
	q, err := s.store.GetQueue(ctx, id)
	if err != nil {
		return nil, err
	}
	if q.CreatorID != hostID {
		return nil, fmt.Errorf("queue %s belongs to another host: %w", id, apperr.ErrForbidden)
	}
	return q, nil
}

// Board is a point-in-time ranked view of a queue for one viewer.
type Board struct {
	Queue      models.Queue        `json:"queue"`
	Ranked     []models.RankedSong `json:"ranked"`
	NowPlaying *models.Song        `json:"now_playing"`
	Recent     []models.Song       `json:"recent"`
}

// Board builds the viewer's ranked view from a fresh store snapshot. It is
// the manual refresh path when realtime updates are degraded.
func (s *Service) Board(ctx context.Context, id, viewerID uuid.UUID, recent int) (*Board, error) {
	if recent <= 0 {
		recent = defaultRecentLimit
	}
	snap, err := s.store.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	rec := reconcile.New(id, viewerID, reconcile.Options{Logger: s.log})
	rec.Seed(snap)

	model := rec.Model()
	return &Board{
		Queue:      snap.Queue,
		Ranked:     model.RankedView(),
		NowPlaying: model.CurrentlyPlaying(),
		Recent:     model.RecentlyPlayed(recent),
	}, nil
}

func (s *Service) cacheGet(ctx context.Context, get func(Cache) (*models.Queue, error)) *models.Queue {
	if s.cache == nil {
		return nil
	}
	q, err := get(s.cache)
	if err != nil {
		s.log.Warn("queue cache read failed", zap.Error(err))
		return nil
	}
	return q
}

func (s *Service) cachePut(ctx context.Context, q *models.Queue) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(ctx, q); err != nil {
		s.log.Warn("failed to cache queue", zap.String("queue_id", q.ID.String()), zap.Error(err))
	}
}

func (s *Service) invalidate(ctx context.Context, q *models.Queue) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, q); err != nil {
		s.log.Warn("failed to invalidate cached queue", zap.String("queue_id", q.ID.String()), zap.Error(err))
	}
}
