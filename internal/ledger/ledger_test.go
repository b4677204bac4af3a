package ledger

import (
	"testing"

	"github.com/google/uuid"

	"github.com/voting-queue-system/pkg/models"
)

func TestApply_OverwritesByKey(t *testing.T) {
	l := New()
	song, voter := uuid.New(), uuid.New()
	id := uuid.New()

	steps := []struct {
		weight    int
		wantDelta int
		wantTotal int
	}{
		{1, 1, 1},
		{1, 0, 1},
		{3, 2, 3},
		{2, -1, 2},
	}
	for i, s := range steps {
		delta := l.Apply(models.Vote{ID: id, SongID: song, ProfileID: voter, VoteCount: s.weight})
		if delta != s.wantDelta {
			t.Errorf("step %d: delta = %d, want %d", i, delta, s.wantDelta)
		}
		if got := l.Total(song); got != s.wantTotal {
			t.Errorf("step %d: total = %d, want %d", i, got, s.wantTotal)
		}
	}
}

func TestApply_SumsAcrossVoters(t *testing.T) {
	l := New()
	song := uuid.New()
	l.Apply(models.Vote{ID: uuid.New(), SongID: song, ProfileID: uuid.New(), VoteCount: 2})
	l.Apply(models.Vote{ID: uuid.New(), SongID: song, ProfileID: uuid.New(), VoteCount: 1})

	if got := l.Total(song); got != 3 {
		t.Errorf("Total() = %d, want 3", got)
	}
}

func TestRemove(t *testing.T) {
	l := New()
	song, voter, other := uuid.New(), uuid.New(), uuid.New()
	id := uuid.New()
	l.Apply(models.Vote{ID: id, SongID: song, ProfileID: voter, VoteCount: 2})
	l.Apply(models.Vote{ID: uuid.New(), SongID: song, ProfileID: other, VoteCount: 1})

	key, ok := l.Remove(id, nil)
	if !ok || key.VoterID != voter {
		t.Fatalf("Remove() = %v, %v", key, ok)
	}
	if l.HasVoted(song, voter) {
		t.Error("voter still has a row")
	}
	if got := l.Total(song); got != 1 {
		t.Errorf("Total() = %d, want 1", got)
	}

	// a repeated delete is a no-op
	if _, ok := l.Remove(id, nil); ok {
		t.Error("second Remove() reported a change")
	}
	if got := l.Total(song); got != 1 {
		t.Errorf("Total() after repeat = %d, want 1", got)
	}
}

func TestRemove_FallbackKey(t *testing.T) {
	l := New()
	song, voter := uuid.New(), uuid.New()
	l.Apply(models.Vote{SongID: song, ProfileID: voter, VoteCount: 1})

	_, ok := l.Remove(uuid.New(), &models.Vote{SongID: song, ProfileID: voter})
	if !ok || l.Total(song) != 0 {
		t.Errorf("Remove with fallback: ok=%v total=%d", ok, l.Total(song))
	}
}

func TestDropSong(t *testing.T) {
	l := New()
	a, b, voter := uuid.New(), uuid.New(), uuid.New()
	l.Apply(models.Vote{ID: uuid.New(), SongID: a, ProfileID: voter, VoteCount: 1})
	l.Apply(models.Vote{ID: uuid.New(), SongID: b, ProfileID: voter, VoteCount: 1})

	l.DropSong(a)
	if l.Total(a) != 0 || l.HasVoted(a, voter) {
		t.Error("song a still has votes")
	}
	if got := l.SongsVotedBy(voter); len(got) != 1 || got[0] != b {
		t.Errorf("SongsVotedBy() = %v, want [%s]", got, b)
	}
}

func TestGuard(t *testing.T) {
	g := NewGuard()
	key := Key{SongID: uuid.New(), VoterID: uuid.New()}

	if !g.TryAcquire(key) {
		t.Fatal("first TryAcquire failed")
	}
	if g.TryAcquire(key) {
		t.Fatal("second TryAcquire succeeded while in flight")
	}
	g.Release(key)
	if !g.TryAcquire(key) {
		t.Error("TryAcquire after Release failed")
	}
}

func TestApply_NewIDReplacesOldID(t *testing.T) {
	l := New()
	song, voter := uuid.New(), uuid.New()
	oldID, newID := uuid.New(), uuid.New()

	l.Apply(models.Vote{ID: oldID, SongID: song, ProfileID: voter, VoteCount: 1})
	if delta := l.Apply(models.Vote{ID: newID, SongID: song, ProfileID: voter, VoteCount: 2}); delta != 1 {
		t.Errorf("delta = %d, want 1", delta)
	}
	if _, ok := l.Resolve(oldID); ok {
		t.Error("old vote id still resolves")
	}
	if key, ok := l.Resolve(newID); !ok || key.SongID != song {
		t.Errorf("Resolve(new) = %v, %v", key, ok)
	}

	if _, ok := l.Remove(newID, nil); !ok {
		t.Fatal("Remove(new) = false")
	}
	if l.Total(song) != 0 || l.HasVoted(song, voter) {
		t.Errorf("total = %d, voted = %v after remove", l.Total(song), l.HasVoted(song, voter))
	}
}
