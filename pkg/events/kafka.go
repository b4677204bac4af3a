package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/voting-queue-system/pkg/apperr"
	"github.com/voting-queue-system/pkg/retry"
)

// replayWindow is how far before the subscribe time a reader starts. Changes
// seen twice are dropped by the reconciler.
const replayWindow = 5 * time.Second

// KafkaClient publishes store changes to one topic per entity kind, keyed by
// queue id so a queue's changes stay on one partition, and serves them back
// as a push Source.
type KafkaClient struct {
	brokers     []string
	topicPrefix string
	writer      *kafka.Writer
	balancer    *queueBalancer
	dialer      *kafka.Dialer
	retry       retry.Policy
	log         *zap.Logger
}

func NewKafkaClient(brokers []string, topicPrefix string, policy retry.Policy, log *zap.Logger) *KafkaClient {
	balancer := &queueBalancer{}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               balancer,
		AllowAutoTopicCreation: true,
	}

	return &KafkaClient{
		brokers:     brokers,
		topicPrefix: topicPrefix,
		writer:      writer,
		balancer:    balancer,
		dialer:      kafka.DefaultDialer,
		retry:       policy,
		log:         log,
	}
}

// queueBalancer hashes the message key over the sorted partition ids, so a
// reader that looks the partitions up lands on the same one as the writer.
type queueBalancer struct {
	hash kafka.Hash
}

func (b *queueBalancer) Balance(msg kafka.Message, partitions ...int) int {
	sorted := append([]int(nil), partitions...)
	sort.Ints(sorted)
	return b.hash.Balance(msg, sorted...)
}

func (b *queueBalancer) partitionOf(queueID uuid.UUID, partitions []int) int {
	return b.Balance(kafka.Message{Key: []byte(queueID.String())}, partitions...)
}

// Topic returns the topic that carries changes of the given entity kind.
func (k *KafkaClient) Topic(entity EntityKind) string {
	switch entity {
	case EntityQueue:
		return k.topicPrefix + ".queues"
	case EntitySong:
		return k.topicPrefix + ".songs"
	default:
		return k.topicPrefix + ".votes"
	}
}

func (k *KafkaClient) Publish(ctx context.Context, ev Event) error {
	value, err := Encode(ev)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic: k.Topic(ev.Entity()),
		Key:   []byte(ev.Queue().String()),
		Value: value,
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message: %w: %v", apperr.ErrUnavailable, err)
	}
	return nil
}

type kafkaSub struct {
	ch     chan Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *kafkaSub) Events() <-chan Event { return s.ch }

func (s *kafkaSub) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// Subscribe reads the partition that carries the queue's changes, without a
// consumer group, starting from the subscribe time. Every change written after
// Subscribe returns is delivered, however long the reader takes to connect.
func (k *KafkaClient) Subscribe(_ context.Context, f Filter) (Subscription, error) {
	since := time.Now().Add(-replayWindow)
	runCtx, cancel := context.WithCancel(context.Background())
	sub := &kafkaSub{
		ch:     make(chan Event, defaultBufferSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go k.consume(runCtx, f, since, sub)
	return sub, nil
}

func (k *KafkaClient) partitionFor(ctx context.Context, topic string, queueID uuid.UUID) (int, error) {
	var lastErr error
	for _, broker := range k.brokers {
		parts, err := k.dialer.LookupPartitions(ctx, "tcp", broker, topic)
		if err != nil {
			lastErr = err
			continue
		}
		if len(parts) == 0 {
			lastErr = fmt.Errorf("topic %s has no partitions", topic)
			continue
		}
		ids := make([]int, len(parts))
		for i, p := range parts {
			ids[i] = p.ID
		}
		return k.balancer.partitionOf(queueID, ids), nil
	}
	return 0, fmt.Errorf("failed to look up partitions of %s: %w: %v", topic, apperr.ErrUnavailable, lastErr)
}

func (k *KafkaClient) newReader(ctx context.Context, f Filter) (*kafka.Reader, error) {
	topic := k.Topic(f.Entity)
	partition, err := k.partitionFor(ctx, topic, f.QueueID)
	if err != nil {
		return nil, err
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:   k.brokers,
		Topic:     topic,
		Partition: partition,
		MaxWait:   time.Second,
	}), nil
}

func (k *KafkaClient) consume(ctx context.Context, f Filter, since time.Time, sub *kafkaSub) {
	defer close(sub.done)
	defer close(sub.ch)

	log := k.log.With(zap.String("entity", string(f.Entity)), zap.String("queue_id", f.QueueID.String()))

	var next int64 = -1
	reconnected := false
	err := k.retry.Do(ctx, func(ctx context.Context) error {
		reader, err := k.newReader(ctx, f)
		if err != nil {
			log.Warn("kafka reader unavailable", zap.Error(err))
			return err
		}
		defer reader.Close()

		if next >= 0 {
			err = reader.SetOffset(next)
		} else {
			err = reader.SetOffsetAt(ctx, since)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("failed to position kafka reader", zap.Error(err))
			return fmt.Errorf("failed to position reader: %w: %v", apperr.ErrUnavailable, err)
		}

		if reconnected {
			if !sendEvent(ctx, sub.ch, StreamGap{Kind: f.Entity, QueueID: f.QueueID, Reason: "reconnected"}) {
				return ctx.Err()
			}
		}

		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Warn("kafka read failed, reconnecting", zap.Error(err))
				reconnected = true
				return fmt.Errorf("failed to read message: %w: %v", apperr.ErrUnavailable, err)
			}
			next = msg.Offset + 1

			ev, err := Decode(msg.Value)
			if err != nil {
				log.Error("dropping undecodable change", zap.Error(err))
				continue
			}
			if !f.Matches(ev) {
				continue
			}
			if !sendEvent(ctx, sub.ch, ev) {
				return ctx.Err()
			}
		}
	})

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("change stream degraded", zap.Error(err))
		sendEvent(ctx, sub.ch, StreamDegraded{Kind: f.Entity, QueueID: f.QueueID, Err: err})
	}
}

func sendEvent(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (k *KafkaClient) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}
