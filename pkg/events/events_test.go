package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/voting-queue-system/pkg/apperr"
	"github.com/voting-queue-system/pkg/models"
	"github.com/voting-queue-system/pkg/retry"
)

func receive(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestDecode_VoteDeleteKeepsQueueAndID(t *testing.T) {
	queueID, voteID := uuid.New(), uuid.New()
	data, err := Encode(VoteChange{Kind: Delete, QueueID: queueID, Old: &models.Vote{ID: voteID}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	ev, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	vc, ok := ev.(VoteChange)
	if !ok {
		t.Fatalf("Decode() = %T, want VoteChange", ev)
	}
	if vc.Kind != Delete || vc.Queue() != queueID || vc.VoteID() != voteID || vc.New != nil {
		t.Errorf("Decode() = %+v", vc)
	}
}

func TestEncode_RejectsStreamSignals(t *testing.T) {
	if _, err := Encode(StreamGap{Kind: EntitySong}); err == nil {
		t.Error("Encode(StreamGap) expected error")
	}
}

func TestBroker_DeliversOnlyMatchingChannel(t *testing.T) {
	b := NewBroker(zap.NewNop())
	q1, q2 := uuid.New(), uuid.New()
	ctx := context.Background()

	songs, _ := b.Subscribe(ctx, Filter{Entity: EntitySong, QueueID: q1})
	defer songs.Close()

	b.Publish(ctx, SongChange{Kind: Insert, New: &models.Song{ID: uuid.New(), QueueID: q2}})
	b.Publish(ctx, VoteChange{Kind: Insert, QueueID: q1, New: &models.Vote{ID: uuid.New()}})
	want := uuid.New()
	b.Publish(ctx, SongChange{Kind: Insert, New: &models.Song{ID: want, QueueID: q1}})

	ev := receive(t, songs)
	sc, ok := ev.(SongChange)
	if !ok || sc.SongID() != want {
		t.Fatalf("received %#v, want song %s", ev, want)
	}
	select {
	case extra := <-songs.Events():
		t.Fatalf("unexpected extra event %#v", extra)
	default:
	}
}

func TestBroker_LaggingSubscriberGetsGap(t *testing.T) {
	b := NewBrokerWithBuffer(1, zap.NewNop())
	q := uuid.New()
	ctx := context.Background()

	sub, _ := b.Subscribe(ctx, Filter{Entity: EntitySong, QueueID: q})
	defer sub.Close()

	first := SongChange{Kind: Insert, New: &models.Song{ID: uuid.New(), QueueID: q}}
	b.Publish(ctx, first)
	b.Publish(ctx, SongChange{Kind: Insert, New: &models.Song{ID: uuid.New(), QueueID: q}}) // dropped

	if ev := receive(t, sub); ev.(SongChange).SongID() != first.SongID() {
		t.Fatalf("first event = %#v", ev)
	}

	third := SongChange{Kind: Insert, New: &models.Song{ID: uuid.New(), QueueID: q}}
	b.Publish(ctx, third) // gap goes out, third is dropped again because buffer is 1
	if _, ok := receive(t, sub).(StreamGap); !ok {
		t.Fatal("expected StreamGap after lag")
	}
}

func TestBroker_CloseStopsDelivery(t *testing.T) {
	b := NewBroker(zap.NewNop())
	q := uuid.New()
	sub, _ := b.Subscribe(context.Background(), Filter{Entity: EntityQueue, QueueID: q})

	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := b.Subscribers(); n != 0 {
		t.Errorf("Subscribers() = %d, want 0", n)
	}
	b.Publish(context.Background(), QueueChange{Kind: Update, New: &models.Queue{ID: q}})
	if _, ok := <-sub.Events(); ok {
		t.Error("expected closed channel")
	}
}

func TestDiff_Songs(t *testing.T) {
	q := uuid.New()
	t0 := time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)
	kept := models.Song{ID: uuid.New(), QueueID: q, Title: "kept", CreatedAt: t0}
	gone := models.Song{ID: uuid.New(), QueueID: q, Title: "gone", CreatedAt: t0.Add(time.Second)}
	played := kept
	played.Played = true
	added := models.Song{ID: uuid.New(), QueueID: q, Title: "added", CreatedAt: t0.Add(2 * time.Second)}

	prev := &models.QueueSnapshot{Songs: []models.Song{kept, gone}}
	next := &models.QueueSnapshot{Songs: []models.Song{played, added}}

	got := diff(Filter{Entity: EntitySong, QueueID: q}, prev, next)
	if len(got) != 3 {
		t.Fatalf("diff() returned %d events, want 3", len(got))
	}

	want := []struct {
		kind ChangeKind
		id   uuid.UUID
	}{
		{Delete, gone.ID},
		{Update, kept.ID},
		{Insert, added.ID},
	}
	for i, w := range want {
		sc := got[i].(SongChange)
		if sc.Kind != w.kind || sc.SongID() != w.id {
			t.Errorf("diff()[%d] = %s %s, want %s %s", i, sc.Kind, sc.SongID(), w.kind, w.id)
		}
	}
}

type fakeFetcher struct {
	snaps chan *models.QueueSnapshot
	err   error
}

func (f *fakeFetcher) Snapshot(ctx context.Context, queueID uuid.UUID) (*models.QueueSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	select {
	case s := <-f.snaps:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestPoller_BaselineThenDiff(t *testing.T) {
	q := uuid.New()
	mock := clock.NewMock()
	fetch := &fakeFetcher{snaps: make(chan *models.QueueSnapshot, 2)}
	p := NewPoller(fetch, time.Second, retry.Immediate(1), mock, zap.NewNop())

	vote := models.Vote{ID: uuid.New(), SongID: uuid.New(), ProfileID: uuid.New(), VoteCount: 1}
	fetch.snaps <- &models.QueueSnapshot{Queue: models.Queue{ID: q}}
	fetch.snaps <- &models.QueueSnapshot{Queue: models.Queue{ID: q}, Votes: []models.Vote{vote}}

	sub, err := p.Subscribe(context.Background(), Filter{Entity: EntityVote, QueueID: q})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if _, ok := receive(t, sub).(StreamGap); !ok {
		t.Fatal("first poll should emit StreamGap")
	}

	mock.Add(time.Second)
	vc, ok := receive(t, sub).(VoteChange)
	if !ok || vc.Kind != Insert || vc.VoteID() != vote.ID || vc.QueueID != q {
		t.Fatalf("second poll event = %#v", vc)
	}
}

func TestPoller_DegradesWhenStoreUnavailable(t *testing.T) {
	q := uuid.New()
	fetch := &fakeFetcher{err: apperr.ErrUnavailable}
	p := NewPoller(fetch, time.Second, retry.Immediate(2), clock.NewMock(), zap.NewNop())

	sub, _ := p.Subscribe(context.Background(), Filter{Entity: EntitySong, QueueID: q})
	defer sub.Close()

	if _, ok := receive(t, sub).(StreamDegraded); !ok {
		t.Fatal("expected StreamDegraded")
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("channel should be closed after StreamDegraded")
	}
}

func TestQueueBalancer_ReaderFindsWriterPartition(t *testing.T) {
	b := &queueBalancer{}
	for i := 0; i < 50; i++ {
		queueID := uuid.New()
		msg := kafka.Message{Key: []byte(queueID.String())}

		written := b.Balance(msg, 3, 0, 2, 1)
		if got := b.partitionOf(queueID, []int{0, 1, 2, 3}); got != written {
			t.Fatalf("queue %s: reader partition %d, writer partition %d", queueID, got, written)
		}
		if again := b.Balance(msg, 1, 3, 0, 2); again != written {
			t.Fatalf("queue %s: partition changed with partition order, %d then %d", queueID, written, again)
		}
	}
}

func TestKafka_UnreachableBrokerDegrades(t *testing.T) {
	k := NewKafkaClient([]string{"127.0.0.1:1"}, "test", retry.Immediate(2), zap.NewNop())
	defer k.Close()

	queueID := uuid.New()
	sub, err := k.Subscribe(context.Background(), Filter{Entity: EntitySong, QueueID: queueID})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	deg, ok := receive(t, sub).(StreamDegraded)
	if !ok || deg.QueueID != queueID || !errors.Is(deg.Err, apperr.ErrUnavailable) {
		t.Fatalf("event = %#v, want StreamDegraded with ErrUnavailable", deg)
	}
}
