package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/voting-queue-system/pkg/models"
)

const (
	queueKey     = "queue:%s"
	queueCodeKey = "queue:code:%s"
)

// QueueCache caches queue rows by id, with a secondary code -> id index.
// A miss is (nil, nil).
type QueueCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewQueueCache(client redis.Cmdable, ttl time.Duration) *QueueCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &QueueCache{client: client, ttl: ttl}
}

func (c *QueueCache) Put(ctx context.Context, q *models.Queue) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(queueKey, q.ID), data, c.ttl)
	if q.AccessCode != "" {
		pipe.Set(ctx, fmt.Sprintf(queueCodeKey, q.AccessCode), q.ID.String(), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache queue: %w", err)
	}
	return nil
}

func (c *QueueCache) Get(ctx context.Context, id uuid.UUID) (*models.Queue, error) {
	data, err := c.client.Get(ctx, fmt.Sprintf(queueKey, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cached queue: %w", err)
	}
	var q models.Queue
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached queue: %w", err)
	}
	return &q, nil
}

func (c *QueueCache) GetByCode(ctx context.Context, code string) (*models.Queue, error) {
	raw, err := c.client.Get(ctx, fmt.Sprintf(queueCodeKey, code)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cached code: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, nil
	}
	return c.Get(ctx, id)
}

// Invalidate drops the queue and its code index.
func (c *QueueCache) Invalidate(ctx context.Context, q *models.Queue) error {
	keys := []string{fmt.Sprintf(queueKey, q.ID)}
	if q.AccessCode != "" {
		keys = append(keys, fmt.Sprintf(queueCodeKey, q.AccessCode))
	}
	return c.client.Del(ctx, keys...).Err()
}
