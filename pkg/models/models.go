package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID          uuid.UUID `json:"id" gorm:"type:char(36);primaryKey"`
	SpotifyID   string    `json:"spotify_id" gorm:"size:64;index"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	Guest       bool      `json:"guest"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// QueueSettings is stored as a JSON column on the queue row.
type QueueSettings struct {
	IsPublic           bool `json:"isPublic"`
	AllowGuestAddSongs bool `json:"allowGuestAddSongs"`
	MaxVotesPerUser    int  `json:"maxVotesPerUser,omitempty"`
	RequireApproval    bool `json:"requireApproval,omitempty"`
}

// DefaultSettings mirrors what a host gets when creating a queue without options.
func DefaultSettings() QueueSettings {
	return QueueSettings{IsPublic: true, AllowGuestAddSongs: true}
}

type Queue struct {
	ID          uuid.UUID     `json:"id" gorm:"type:char(36);primaryKey"`
	Name        string        `json:"name" gorm:"size:200;not null"`
	Description string        `json:"description,omitempty"`
	CreatorID   uuid.UUID     `json:"creator_id" gorm:"type:char(36);index"`
	Active      bool          `json:"active"`
	AccessCode  string        `json:"access_code" gorm:"size:16;uniqueIndex"`
	Settings    QueueSettings `json:"settings" gorm:"type:text;serializer:json"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

type Song struct {
	ID         uuid.UUID  `json:"id" gorm:"type:char(36);primaryKey"`
	QueueID    uuid.UUID  `json:"queue_id" gorm:"type:char(36);index"`
	Title      string     `json:"title" gorm:"not null"`
	Artist     string     `json:"artist" gorm:"not null"`
	Album      string     `json:"album,omitempty"`
	DurationMs int        `json:"duration,omitempty"`
	TrackURI   string     `json:"track_uri,omitempty"`
	CoverURL   string     `json:"cover_url,omitempty"`
	AddedBy    uuid.UUID  `json:"added_by" gorm:"type:char(36)"`
	Played     bool       `json:"played" gorm:"index"`
	PlayedAt   *time.Time `json:"played_at"`
	Position   *int       `json:"position"`
	CreatedAt  time.Time  `json:"created_at"`
}

// PlayedAfter reports whether s was played after o. Equal played_at values
// fall back to created_at and then id, so every reader agrees on one current
// song.
func (s Song) PlayedAfter(o Song) bool {
	switch {
	case s.PlayedAt == nil:
		return false
	case o.PlayedAt == nil:
		return true
	case !s.PlayedAt.Equal(*o.PlayedAt):
		return s.PlayedAt.After(*o.PlayedAt)
	case !s.CreatedAt.Equal(o.CreatedAt):
		return s.CreatedAt.After(o.CreatedAt)
	}
	return s.ID.String() > o.ID.String()
}

// Vote holds one voter's weight for one song. (song_id, profile_id) is unique.
type Vote struct {
	ID        uuid.UUID `json:"id" gorm:"type:char(36);primaryKey"`
	SongID    uuid.UUID `json:"song_id" gorm:"type:char(36);uniqueIndex:idx_votes_song_profile"`
	ProfileID uuid.UUID `json:"profile_id" gorm:"type:char(36);uniqueIndex:idx_votes_song_profile"`
	VoteCount int       `json:"vote_count" gorm:"default:1"`
	CreatedAt time.Time `json:"created_at"`
}

// RankedSong is a pending song as seen by one viewer.
type RankedSong struct {
	Song
	TotalVotes   int  `json:"total_votes"`
	UserHasVoted bool `json:"user_has_voted"`
}

// QueueSnapshot is a consistent read of everything a session mirrors.
type QueueSnapshot struct {
	Queue Queue  `json:"queue"`
	Songs []Song `json:"songs"`
	Votes []Vote `json:"votes"`
}
