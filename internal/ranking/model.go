// Package ranking holds the local song model of one queue and derives the
// ranked, currently playing and recently played views from it.
package ranking

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/voting-queue-system/pkg/apperr"
	"github.com/voting-queue-system/pkg/models"
)

type entry struct {
	song       models.Song
	totalVotes int
	hasVoted   bool
}

// Model is not safe for concurrent use; the session serializes access.
type Model struct {
	songs map[uuid.UUID]*entry
}

func NewModel() *Model {
	return &Model{songs: make(map[uuid.UUID]*entry)}
}

// UpsertSong inserts or replaces a song's attributes, keeping its vote
// aggregate. Once a song is played it stays played with its first played_at.
func (m *Model) UpsertSong(s models.Song) {
	e, ok := m.songs[s.ID]
	if !ok {
		m.songs[s.ID] = &entry{song: s}
		return
	}
	if e.song.Played {
		s.Played = true
		if e.song.PlayedAt != nil {
			at := *e.song.PlayedAt
			s.PlayedAt = &at
		}
	}
	e.song = s
}

func (m *Model) RemoveSong(id uuid.UUID) bool {
	if _, ok := m.songs[id]; !ok {
		return false
	}
	delete(m.songs, id)
	return true
}

func (m *Model) HasSong(id uuid.UUID) bool {
	_, ok := m.songs[id]
	return ok
}

func (m *Model) Song(id uuid.UUID) (models.Song, bool) {
	e, ok := m.songs[id]
	if !ok {
		return models.Song{}, false
	}
	return e.song, true
}

// UpsertVoteAggregate sets the total and the viewer flag of a known song.
func (m *Model) UpsertVoteAggregate(id uuid.UUID, total int, userHasVoted bool) error {
	e, ok := m.songs[id]
	if !ok {
		return fmt.Errorf("song %s: %w", id, apperr.ErrNotFound)
	}
	if total < 0 {
		return fmt.Errorf("song %s total %d: %w", id, total, apperr.ErrInvalidState)
	}
	e.totalVotes = total
	e.hasVoted = userHasVoted
	return nil
}

func (m *Model) Aggregate(id uuid.UUID) (total int, userHasVoted bool, ok bool) {
	e, ok := m.songs[id]
	if !ok {
		return 0, false, false
	}
	return e.totalVotes, e.hasVoted, true
}

// MarkPlayed flags a song as played. An existing played_at is never moved.
func (m *Model) MarkPlayed(id uuid.UUID, at time.Time) error {
	e, ok := m.songs[id]
	if !ok {
		return fmt.Errorf("song %s: %w", id, apperr.ErrNotFound)
	}
	e.song.Played = true
	if e.song.PlayedAt == nil {
		t := at
		e.song.PlayedAt = &t
	}
	return nil
}

// RankedView returns the unplayed songs, most voted first. Ties fall back to
// manual position when both songs have one, then to insertion time.
func (m *Model) RankedView() []models.RankedSong {
	out := make([]models.RankedSong, 0, len(m.songs))
	for _, e := range m.songs {
		if e.song.Played {
			continue
		}
		out = append(out, models.RankedSong{
			Song:         e.song,
			TotalVotes:   e.totalVotes,
			UserHasVoted: e.hasVoted,
		})
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func less(a, b models.RankedSong) bool {
	if a.TotalVotes != b.TotalVotes {
		return a.TotalVotes > b.TotalVotes
	}
	if a.Position != nil && b.Position != nil && *a.Position != *b.Position {
		return *a.Position < *b.Position
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// CurrentlyPlaying is the played song with the latest played_at.
func (m *Model) CurrentlyPlaying() *models.Song {
	var cur *models.Song
	for _, e := range m.songs {
		if !e.song.Played || e.song.PlayedAt == nil {
			continue
		}
		if cur == nil || e.song.PlayedAfter(*cur) {
			s := e.song
			cur = &s
		}
	}
	return cur
}

// RecentlyPlayed lists played songs, newest played_at first.
func (m *Model) RecentlyPlayed(limit int) []models.Song {
	var out []models.Song
	for _, e := range m.songs {
		if e.song.Played && e.song.PlayedAt != nil {
			out = append(out, e.song)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayedAfter(out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Neighbors returns the songs directly above and below id in the ranked view.
func (m *Model) Neighbors(id uuid.UUID) (above, below *models.RankedSong, err error) {
	view := m.RankedView()
	for i := range view {
		if view[i].ID != id {
			continue
		}
		if i > 0 {
			above = &view[i-1]
		}
		if i < len(view)-1 {
			below = &view[i+1]
		}
		return above, below, nil
	}
	return nil, nil, fmt.Errorf("song %s not pending: %w", id, apperr.ErrNotFound)
}

func (m *Model) Reset() {
	m.songs = make(map[uuid.UUID]*entry)
}

func (m *Model) Len() int {
	return len(m.songs)
}
