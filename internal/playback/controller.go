// Package playback tracks which song of a queue is playing and how far along
// it is.
package playback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/voting-queue-system/pkg/apperr"
	"github.com/voting-queue-system/pkg/models"
)

type State int

const (
	Idle State = iota
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "idle"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Progress struct {
	Elapsed   time.Duration
	Remaining time.Duration
	Percent   float64
	Finished  bool
}

func (p Progress) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ElapsedMs   int64   `json:"elapsed_ms"`
		RemainingMs int64   `json:"remaining_ms"`
		Percent     float64 `json:"percent"`
		Finished    bool    `json:"finished"`
	}{p.Elapsed.Milliseconds(), p.Remaining.Milliseconds(), p.Percent, p.Finished})
}

type Status struct {
	State    State        `json:"state"`
	Song     *models.Song `json:"song,omitempty"`
	Progress Progress     `json:"progress"`
}

// Provider is the external player. Skipping forward is a Play of the next
// ranked track. The controller's state does not depend on whether a
// provider call succeeds.
type Provider interface {
	Play(ctx context.Context, trackURI string) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Previous(ctx context.Context) error
}

type NopProvider struct{}

func (NopProvider) Play(context.Context, string) error { return nil }
func (NopProvider) Pause(context.Context) error        { return nil }
func (NopProvider) Resume(context.Context) error       { return nil }
func (NopProvider) Previous(context.Context) error     { return nil }

type Controller struct {
	mu    sync.Mutex
	clock clock.Clock

	state     State
	current   *models.Song
	startedAt time.Time
	elapsed   time.Duration

	played map[uuid.UUID]time.Time
}

func NewController(clk clock.Clock) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	return &Controller{clock: clk, played: make(map[uuid.UUID]time.Time)}
}

// Validate reports whether song may be started.
func (c *Controller) Validate(song models.Song) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validate(song)
}

func (c *Controller) validate(song models.Song) error {
	if song.Played {
		return fmt.Errorf("song %s already played: %w", song.ID, apperr.ErrInvalidState)
	}
	if _, ok := c.played[song.ID]; ok {
		return fmt.Errorf("song %s already played: %w", song.ID, apperr.ErrInvalidState)
	}
	return nil
}

// PlayNow starts song at the current clock time and returns that time.
func (c *Controller) PlayNow(song models.Song) (time.Time, error) {
	now := c.clock.Now()
	if err := c.Start(song, now); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

// Start moves to Playing(song) with the given played_at, from any state.
// The previous song keeps its played_at.
func (c *Controller) Start(song models.Song, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.validate(song); err != nil {
		return err
	}
	s := song
	s.Played = true
	s.PlayedAt = &at
	c.played[song.ID] = at
	c.current = &s
	c.state = Playing
	c.startedAt = c.clock.Now()
	c.elapsed = 0
	return nil
}

// Follow moves to a song the store recorded as played. Songs that were not
// played after the current one are ignored.
func (c *Controller) Follow(song models.Song) bool {
	if !song.Played || song.PlayedAt == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.played[song.ID]; !ok {
		c.played[song.ID] = *song.PlayedAt
	}
	if c.current != nil {
		if c.current.ID == song.ID {
			return false
		}
		if c.current.PlayedAt != nil && !song.PlayedAfter(*c.current) {
			return false
		}
	}

	s := song
	c.current = &s
	c.state = Playing
	c.startedAt = *song.PlayedAt
	if now := c.clock.Now(); c.startedAt.After(now) {
		c.startedAt = now
	}
	c.elapsed = 0
	return true
}

// Restart plays the current song from the beginning.
func (c *Controller) Restart() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Idle {
		return fmt.Errorf("nothing to restart: %w", apperr.ErrInvalidState)
	}
	c.state = Playing
	c.startedAt = c.clock.Now()
	c.elapsed = 0
	return nil
}

// Toggle pauses or resumes. It does nothing in Idle.
func (c *Controller) Toggle() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	switch c.state {
	case Playing:
		c.elapsed = now.Sub(c.startedAt)
		c.state = Paused
	case Paused:
		c.startedAt = now.Add(-c.elapsed)
		c.state = Playing
	}
	return c.state
}

// Tick computes progress. Only Playing advances it.
func (c *Controller) Tick() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress()
}

func (c *Controller) progress() Progress {
	if c.current == nil {
		return Progress{}
	}

	var elapsed time.Duration
	switch c.state {
	case Playing:
		elapsed = c.clock.Now().Sub(c.startedAt)
	case Paused:
		elapsed = c.elapsed
	}
	if elapsed < 0 {
		elapsed = 0
	}

	duration := time.Duration(c.current.DurationMs) * time.Millisecond
	if duration <= 0 {
		return Progress{Elapsed: elapsed}
	}
	if elapsed > duration {
		elapsed = duration
	}
	return Progress{
		Elapsed:   elapsed,
		Remaining: duration - elapsed,
		Percent:   float64(elapsed) / float64(duration) * 100,
		Finished:  elapsed >= duration,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Current() *models.Song {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return nil
	}
	s := *c.current
	return &s
}

func (c *Controller) PlayedAt(id uuid.UUID) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.played[id]
	return at, ok
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{State: c.state, Progress: c.progress()}
	if c.current != nil {
		s := *c.current
		st.Song = &s
	}
	return st
}
