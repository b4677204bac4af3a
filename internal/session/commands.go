package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voting-queue-system/internal/ledger"
	"github.com/voting-queue-system/internal/playback"
	"github.com/voting-queue-system/pkg/apperr"
	"github.com/voting-queue-system/pkg/events"
	"github.com/voting-queue-system/pkg/models"
)

// Every command writes through to the store. The ranked order changes only
// when the store confirms, either through the returned row or through the
// change feed.

func (s *Session) checkOpen() error {
	switch s.state {
	case Terminated:
		return fmt.Errorf("queue has ended: %w", apperr.ErrInvalidState)
	case Closed:
		return fmt.Errorf("session closed: %w", apperr.ErrInvalidState)
	}
	return nil
}

func (s *Session) checkHost() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !s.isHost() {
		return fmt.Errorf("only the host can do this: %w", apperr.ErrForbidden)
	}
	return nil
}

func (s *Session) Vote(ctx context.Context, songID uuid.UUID) error {
	return s.VoteWeight(ctx, songID, 1)
}

// VoteWeight sets the viewer's vote on a song to weight. A repeated vote
// overwrites the earlier weight.
func (s *Session) VoteWeight(ctx context.Context, songID uuid.UUID, weight int) error {
	if weight <= 0 {
		return fmt.Errorf("vote weight %d: %w", weight, apperr.ErrInvalidState)
	}

	s.mu.Lock()
	if err := s.checkOpen(); err != nil {
		s.mu.Unlock()
		return err
	}
	song, ok := s.rec.Model().Song(songID)
	if !ok || song.Played {
		s.mu.Unlock()
		return fmt.Errorf("song %s: %w", songID, apperr.ErrNotFound)
	}
	if err := s.checkVoteLimit(songID); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	key := ledger.Key{SongID: songID, VoterID: s.viewerID}
	if !s.guard.TryAcquire(key) {
		return fmt.Errorf("a vote for song %s is already in flight: %w", songID, apperr.ErrInvalidState)
	}
	defer s.guard.Release(key)

	var saved *models.Vote
	err := s.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		saved, err = s.store.UpsertVote(ctx, &models.Vote{SongID: songID, ProfileID: s.viewerID, VoteCount: weight})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to cast vote: %w", err)
	}

	s.mu.Lock()
	res := s.rec.ApplyConfirmedVote(*saved)
	s.mu.Unlock()
	if res.Resync {
		s.requestResync()
	}
	s.notify()
	return nil
}

// checkVoteLimit enforces maxVotesPerUser over pending songs. Re-voting a song
// the viewer already voted on is always allowed. Callers hold s.mu.
func (s *Session) checkVoteLimit(songID uuid.UUID) error {
	q := s.rec.Queue()
	if q == nil || q.Settings.MaxVotesPerUser <= 0 {
		return nil
	}
	l := s.rec.Ledger()
	if l.HasVoted(songID, s.viewerID) {
		return nil
	}
	pending := 0
	for _, id := range l.SongsVotedBy(s.viewerID) {
		if song, ok := s.rec.Model().Song(id); ok && !song.Played {
			pending++
		}
	}
	if pending >= q.Settings.MaxVotesPerUser {
		return fmt.Errorf("vote limit of %d reached: %w", q.Settings.MaxVotesPerUser, apperr.ErrInvalidState)
	}
	return nil
}

// AddSong submits a song to the queue. Guests may only add songs when the
// queue allows it.
func (s *Session) AddSong(ctx context.Context, song models.Song) (*models.Song, error) {
	s.mu.Lock()
	if err := s.checkOpen(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	q := s.rec.Queue()
	if !s.isHost() && (q == nil || !q.Settings.AllowGuestAddSongs) {
		s.mu.Unlock()
		return nil, fmt.Errorf("guests cannot add songs to this queue: %w", apperr.ErrForbidden)
	}
	s.mu.Unlock()

	if strings.TrimSpace(song.Title) == "" {
		return nil, fmt.Errorf("song title is required: %w", apperr.ErrInvalidState)
	}

	row := song
	row.ID = uuid.New()
	row.QueueID = s.queueID
	row.AddedBy = s.viewerID
	row.Played = false
	row.PlayedAt = nil
	row.Position = nil

	err := s.opts.Retry.Do(ctx, func(ctx context.Context) error {
		attempt := row
		return s.store.AddSong(ctx, &attempt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add song: %w", err)
	}
	s.log.Info("song added", zap.String("song_id", row.ID.String()))
	return &row, nil
}

// Remove deletes a song and its votes. Host only.
func (s *Session) Remove(ctx context.Context, songID uuid.UUID) error {
	s.mu.Lock()
	err := s.checkHost()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	err = s.opts.Retry.Do(ctx, func(ctx context.Context) error {
		return s.store.RemoveSong(ctx, songID)
	})
	if err != nil {
		return fmt.Errorf("failed to remove song: %w", err)
	}
	return nil
}

// Reorder moves a song one place up or down among songs with equal votes by
// giving it a position next to its neighbour. Moving past either end is a
// no-op. Host only.
func (s *Session) Reorder(ctx context.Context, songID uuid.UUID, dir Direction) error {
	s.mu.Lock()
	if err := s.checkHost(); err != nil {
		s.mu.Unlock()
		return err
	}
	above, below, err := s.rec.Model().Neighbors(songID)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	neighbour, step := above, -1
	if dir == Down {
		neighbour, step = below, 1
	}
	if neighbour == nil {
		return nil
	}
	base := 0
	if neighbour.Position != nil {
		base = *neighbour.Position
	}

	err = s.opts.Retry.Do(ctx, func(ctx context.Context) error {
		return s.store.UpdateSongPosition(ctx, songID, base+step)
	})
	if errors.Is(err, apperr.ErrNotFound) {
		s.requestResync()
		return fmt.Errorf("song %s changed while reordering: %w", songID, apperr.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to reorder song: %w", err)
	}
	return nil
}

// PlayNow marks a pending song as played now and makes it the current song.
// Host only.
func (s *Session) PlayNow(ctx context.Context, songID uuid.UUID) error {
	s.mu.Lock()
	if err := s.checkHost(); err != nil {
		s.mu.Unlock()
		return err
	}
	song, ok := s.rec.Model().Song(songID)
	at := s.playTime()
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("song %s: %w", songID, apperr.ErrNotFound)
	}
	if err := s.player.Validate(song); err != nil {
		return err
	}

	var played *models.Song
	err := s.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		played, err = s.store.MarkSongPlayed(ctx, songID, at)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to play song: %w", err)
	}

	// The change feed may already have delivered this row; applying it again
	// is harmless.
	s.mu.Lock()
	s.rec.Apply(events.SongChange{Kind: events.Update, New: played})
	s.player.Follow(*played)
	s.mu.Unlock()
	s.notify()

	if played.TrackURI != "" {
		if err := s.provider.Play(ctx, played.TrackURI); err != nil {
			s.log.Warn("playback provider failed to play",
				zap.String("song_id", songID.String()), zap.Error(err))
		}
	}
	return nil
}

// playTime returns the played_at for a new play: now at millisecond
// precision, or just after the current song when the clock has not moved
// past it. Callers hold s.mu.
func (s *Session) playTime() time.Time {
	at := s.opts.Clock.Now().Truncate(time.Millisecond)
	if cur := s.rec.Model().CurrentlyPlaying(); cur != nil && !at.After(*cur.PlayedAt) {
		at = cur.PlayedAt.Truncate(time.Millisecond).Add(time.Millisecond)
	}
	return at
}

// Next plays the top of the ranked view.
func (s *Session) Next(ctx context.Context) error {
	s.mu.Lock()
	if err := s.checkHost(); err != nil {
		s.mu.Unlock()
		return err
	}
	view := s.rec.Model().RankedView()
	s.mu.Unlock()

	if len(view) == 0 {
		return fmt.Errorf("no songs left in the queue: %w", apperr.ErrInvalidState)
	}
	return s.PlayNow(ctx, view[0].ID)
}

// Previous restarts the current song. History is never un-played.
func (s *Session) Previous(ctx context.Context) error {
	s.mu.Lock()
	err := s.checkHost()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := s.player.Restart(); err != nil {
		return err
	}
	s.notify()
	if err := s.provider.Previous(ctx); err != nil {
		s.log.Warn("playback provider failed to restart", zap.Error(err))
	}
	return nil
}

// Toggle pauses or resumes playback. Host only.
func (s *Session) Toggle(ctx context.Context) (playback.State, error) {
	s.mu.Lock()
	err := s.checkHost()
	s.mu.Unlock()
	if err != nil {
		return s.player.State(), err
	}

	state := s.player.Toggle()
	var perr error
	switch state {
	case playback.Paused:
		perr = s.provider.Pause(ctx)
	case playback.Playing:
		perr = s.provider.Resume(ctx)
	default:
		return state, nil
	}
	if perr != nil {
		s.log.Warn("playback provider failed to toggle", zap.Error(perr))
	}
	s.notify()
	return state, nil
}
