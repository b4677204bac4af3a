// Package ledger mirrors the per-voter vote rows of one queue and keeps a
// running total per song.
package ledger

import (
	"sync"

	"github.com/google/uuid"

	"github.com/voting-queue-system/pkg/models"
)

// Key identifies a ledger row. There is at most one row per key.
type Key struct {
	SongID  uuid.UUID
	VoterID uuid.UUID
}

type row struct {
	id     uuid.UUID
	weight int
}

type Ledger struct {
	rows   map[Key]row
	byID   map[uuid.UUID]Key
	totals map[uuid.UUID]int
}

func New() *Ledger {
	return &Ledger{
		rows:   make(map[Key]row),
		byID:   make(map[uuid.UUID]Key),
		totals: make(map[uuid.UUID]int),
	}
}

// Apply upserts v by (song, voter) and returns the change to the song total.
// Applying the same row twice returns 0 the second time.
func (l *Ledger) Apply(v models.Vote) int {
	key := Key{SongID: v.SongID, VoterID: v.ProfileID}

	old, existed := l.rows[key]
	if existed && old.id != v.ID {
		delete(l.byID, old.id)
	}
	l.rows[key] = row{id: v.ID, weight: v.VoteCount}
	if v.ID != uuid.Nil {
		l.byID[v.ID] = key
	}

	delta := v.VoteCount - old.weight
	l.totals[v.SongID] += delta
	return delta
}

// Remove deletes the row with the given vote id. Delete notifications may
// carry only the id; fallback supplies the key when the id is unknown.
func (l *Ledger) Remove(voteID uuid.UUID, fallback *models.Vote) (Key, bool) {
	key, ok := l.byID[voteID]
	if !ok {
		if fallback == nil || fallback.SongID == uuid.Nil || fallback.ProfileID == uuid.Nil {
			return Key{}, false
		}
		key = Key{SongID: fallback.SongID, VoterID: fallback.ProfileID}
	}

	r, existed := l.rows[key]
	if !existed {
		delete(l.byID, voteID)
		return Key{}, false
	}
	delete(l.rows, key)
	delete(l.byID, voteID)
	delete(l.byID, r.id)
	l.totals[key.SongID] -= r.weight
	if l.totals[key.SongID] == 0 {
		delete(l.totals, key.SongID)
	}
	return key, true
}

// Resolve returns the key of a known vote id.
func (l *Ledger) Resolve(voteID uuid.UUID) (Key, bool) {
	key, ok := l.byID[voteID]
	return key, ok
}

func (l *Ledger) Total(songID uuid.UUID) int {
	return l.totals[songID]
}

func (l *Ledger) HasVoted(songID, voterID uuid.UUID) bool {
	_, ok := l.rows[Key{SongID: songID, VoterID: voterID}]
	return ok
}

func (l *Ledger) Weight(songID, voterID uuid.UUID) (int, bool) {
	r, ok := l.rows[Key{SongID: songID, VoterID: voterID}]
	return r.weight, ok
}

// SongsVotedBy returns the songs the voter holds a row on.
func (l *Ledger) SongsVotedBy(voterID uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	for key := range l.rows {
		if key.VoterID == voterID {
			out = append(out, key.SongID)
		}
	}
	return out
}

// DropSong forgets every row of a song.
func (l *Ledger) DropSong(songID uuid.UUID) {
	for key, r := range l.rows {
		if key.SongID == songID {
			delete(l.rows, key)
			delete(l.byID, r.id)
		}
	}
	delete(l.totals, songID)
}

func (l *Ledger) Reset() {
	l.rows = make(map[Key]row)
	l.byID = make(map[uuid.UUID]Key)
	l.totals = make(map[uuid.UUID]int)
}

// Guard serializes vote writes per (song, voter): a second attempt while the
// first is in flight is rejected.
type Guard struct {
	mu       sync.Mutex
	inFlight map[Key]struct{}
}

func NewGuard() *Guard {
	return &Guard{inFlight: make(map[Key]struct{})}
}

func (g *Guard) TryAcquire(key Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.inFlight[key]; busy {
		return false
	}
	g.inFlight[key] = struct{}{}
	return true
}

func (g *Guard) Release(key Key) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, key)
}
