package reconcile

import (
	"reflect"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/voting-queue-system/pkg/events"
	"github.com/voting-queue-system/pkg/models"
)

var t0 = time.Date(2024, 6, 14, 22, 30, 0, 0, time.UTC)

type fixture struct {
	queueID uuid.UUID
	viewer  uuid.UUID
	clock   *clock.Mock
	r       *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{queueID: uuid.New(), viewer: uuid.New(), clock: clock.NewMock()}
	f.r = New(f.queueID, f.viewer, Options{OrphanTTL: 30 * time.Second, MaxOrphans: 4, Clock: f.clock})
	f.r.Seed(&models.QueueSnapshot{Queue: models.Queue{ID: f.queueID, Active: true}})
	return f
}

func (f *fixture) song(title string, created time.Duration) models.Song {
	return models.Song{ID: uuid.New(), QueueID: f.queueID, Title: title, CreatedAt: t0.Add(created)}
}

func (f *fixture) vote(songID, voter uuid.UUID, weight int) models.Vote {
	return models.Vote{ID: uuid.New(), SongID: songID, ProfileID: voter, VoteCount: weight}
}

func songInsert(s models.Song) events.SongChange {
	return events.SongChange{Kind: events.Insert, New: &s}
}

func (f *fixture) voteInsert(v models.Vote) events.VoteChange {
	return events.VoteChange{Kind: events.Insert, QueueID: f.queueID, New: &v}
}

func totals(r *Reconciler) map[string]int {
	out := map[string]int{}
	for _, s := range r.Model().RankedView() {
		out[s.Title] = s.TotalVotes
	}
	return out
}

func TestApply_SongInsertAndDeleteAreIdempotent(t *testing.T) {
	f := newFixture(t)
	s := f.song("One", 0)

	if res := f.r.Apply(songInsert(s)); !res.Changed {
		t.Fatal("first insert reported no change")
	}
	if res := f.r.Apply(songInsert(s)); res.Changed {
		t.Error("duplicate insert reported a change")
	}
	if n := len(f.r.Model().RankedView()); n != 1 {
		t.Fatalf("ranked view has %d songs, want 1", n)
	}

	del := events.SongChange{Kind: events.Delete, Old: &models.Song{ID: s.ID, QueueID: f.queueID}}
	f.r.Apply(del)
	if res := f.r.Apply(del); res.Changed {
		t.Error("duplicate delete reported a change")
	}
	if n := f.r.Model().Len(); n != 0 {
		t.Errorf("model has %d songs after delete, want 0", n)
	}
}

func TestApply_VoteReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	s := f.song("One", 0)
	f.r.Apply(songInsert(s))

	ev := f.voteInsert(f.vote(s.ID, uuid.New(), 1))
	f.r.Apply(ev)
	f.r.Apply(ev)

	if got := totals(f.r)["One"]; got != 1 {
		t.Errorf("total = %d, want 1", got)
	}
}

func TestApply_OutOfOrderVoteMatchesInOrder(t *testing.T) {
	inOrder := newFixture(t)
	outOfOrder := newFixture(t)
	outOfOrder.queueID = inOrder.queueID
	outOfOrder.r = New(inOrder.queueID, inOrder.viewer, Options{Clock: outOfOrder.clock})

	s := inOrder.song("One", 0)
	voteA := inOrder.vote(s.ID, uuid.New(), 2)
	voteB := inOrder.vote(s.ID, inOrder.viewer, 1)

	inOrder.r.Apply(songInsert(s))
	inOrder.r.Apply(inOrder.voteInsert(voteA))
	inOrder.r.Apply(inOrder.voteInsert(voteB))

	outOfOrder.r.Apply(inOrder.voteInsert(voteA))
	outOfOrder.r.Apply(inOrder.voteInsert(voteB))
	if n := outOfOrder.r.Orphans(); n != 2 {
		t.Fatalf("Orphans() = %d, want 2", n)
	}
	outOfOrder.r.Apply(songInsert(s))

	if !reflect.DeepEqual(inOrder.r.Model().RankedView(), outOfOrder.r.Model().RankedView()) {
		t.Errorf("views differ:\n in order:     %+v\n out of order: %+v",
			inOrder.r.Model().RankedView(), outOfOrder.r.Model().RankedView())
	}
	if outOfOrder.r.Orphans() != 0 {
		t.Error("orphans not flushed")
	}
}

func TestApply_OtherVotersDoNotTouchViewerFlag(t *testing.T) {
	f := newFixture(t)
	s := f.song("One", 0)
	f.r.Apply(songInsert(s))

	own := f.vote(s.ID, f.viewer, 1)
	f.r.Apply(f.voteInsert(own))
	f.r.Apply(f.voteInsert(f.vote(s.ID, uuid.New(), 1)))

	view := f.r.Model().RankedView()
	if !view[0].UserHasVoted || view[0].TotalVotes != 2 {
		t.Fatalf("after votes: %+v", view[0])
	}

	other := f.vote(s.ID, uuid.New(), 1)
	f.r.Apply(f.voteInsert(other))
	f.r.Apply(events.VoteChange{Kind: events.Delete, QueueID: f.queueID, Old: &models.Vote{ID: other.ID}})
	if view := f.r.Model().RankedView(); !view[0].UserHasVoted {
		t.Error("another voter's delete cleared the viewer flag")
	}

	f.r.Apply(events.VoteChange{Kind: events.Delete, QueueID: f.queueID, Old: &models.Vote{ID: own.ID}})
	view = f.r.Model().RankedView()
	if view[0].UserHasVoted || view[0].TotalVotes != 1 {
		t.Errorf("after own delete: %+v", view[0])
	}
}

func TestApply_NegativeTotalRequestsResync(t *testing.T) {
	f := newFixture(t)
	s := f.song("One", 0)
	f.r.Apply(songInsert(s))

	res := f.r.Apply(f.voteInsert(f.vote(s.ID, uuid.New(), -3)))
	if !res.Resync {
		t.Error("negative total did not request resync")
	}
	if got := totals(f.r)["One"]; got != 0 {
		t.Errorf("rendered total = %d, want 0", got)
	}
}

func TestApply_QueueLifecycle(t *testing.T) {
	tests := []struct {
		name string
		ev   events.Event
		want Result
	}{
		{"rename", events.QueueChange{Kind: events.Update, New: &models.Queue{Name: "x", Active: true}}, Result{Changed: true}},
		{"deactivate", events.QueueChange{Kind: events.Update, New: &models.Queue{Active: false}}, Result{Changed: true, Terminated: true}},
		{"delete", events.QueueChange{Kind: events.Delete, Old: &models.Queue{}}, Result{Terminated: true}},
		{"gap", events.StreamGap{Kind: events.EntityVote}, Result{Resync: true}},
		{"degraded", events.StreamDegraded{Kind: events.EntitySong}, Result{Degraded: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if qc, ok := tt.ev.(events.QueueChange); ok {
				if qc.New != nil {
					qc.New.ID = f.queueID
				}
				if qc.Old != nil {
					qc.Old.ID = f.queueID
				}
			}
			if got := f.r.Apply(tt.ev); got != tt.want {
				t.Errorf("Apply() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSweepOrphans(t *testing.T) {
	f := newFixture(t)
	missing := uuid.New()

	f.r.Apply(f.voteInsert(f.vote(missing, uuid.New(), 1)))
	f.clock.Add(31 * time.Second)
	f.r.Apply(f.voteInsert(f.vote(uuid.New(), uuid.New(), 1)))

	if n := f.r.Orphans(); n != 1 {
		t.Fatalf("Orphans() = %d, want 1 after expiry", n)
	}

	// the song arrives too late for its vote
	s := f.song("late", 0)
	s.ID = missing
	f.r.Apply(songInsert(s))
	if got := totals(f.r)["late"]; got != 0 {
		t.Errorf("total = %d, want 0", got)
	}
}

func TestOrphanBufferIsBounded(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		f.r.Apply(f.voteInsert(f.vote(uuid.New(), uuid.New(), 1)))
	}
	if n := f.r.Orphans(); n != 4 {
		t.Errorf("Orphans() = %d, want 4", n)
	}
}

func TestSeed_RecomputesAggregates(t *testing.T) {
	f := newFixture(t)
	a, b := f.song("A", 1), f.song("B", 2)
	stale := f.song("stale", 3)
	f.r.Apply(songInsert(stale))

	snap := &models.QueueSnapshot{
		Queue: models.Queue{ID: f.queueID, Active: true},
		Songs: []models.Song{a, b},
		Votes: []models.Vote{
			f.vote(b.ID, f.viewer, 1),
			f.vote(b.ID, uuid.New(), 1),
			f.vote(a.ID, uuid.New(), 1),
		},
	}
	res := f.r.Seed(snap)
	if res.Resync || res.Terminated {
		t.Fatalf("Seed() = %+v", res)
	}

	view := f.r.Model().RankedView()
	if len(view) != 2 || view[0].ID != b.ID || view[0].TotalVotes != 2 || !view[0].UserHasVoted {
		t.Fatalf("ranked view = %+v", view)
	}
	if view[1].UserHasVoted {
		t.Error("viewer flag set on A")
	}
}
