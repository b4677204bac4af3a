package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voting-queue-system/pkg/models"
)

type EntityKind string

const (
	EntityQueue EntityKind = "queue"
	EntitySong  EntityKind = "song"
	EntityVote  EntityKind = "vote"
)

type ChangeKind string

const (
	Insert ChangeKind = "INSERT"
	Update ChangeKind = "UPDATE"
	Delete ChangeKind = "DELETE"
)

// Event is one item on a subscription channel. The concrete types are
// QueueChange, SongChange, VoteChange, StreamGap and StreamDegraded; consumers
// switch on them exhaustively.
type Event interface {
	Entity() EntityKind
	Queue() uuid.UUID
}

type QueueChange struct {
	Kind ChangeKind
	New  *models.Queue
	Old  *models.Queue
}

func (QueueChange) Entity() EntityKind { return EntityQueue }

func (c QueueChange) Queue() uuid.UUID {
	if c.New != nil {
		return c.New.ID
	}
	if c.Old != nil {
		return c.Old.ID
	}
	return uuid.Nil
}

type SongChange struct {
	Kind ChangeKind
	New  *models.Song
	Old  *models.Song
}

func (SongChange) Entity() EntityKind { return EntitySong }

func (c SongChange) Queue() uuid.UUID {
	if c.New != nil {
		return c.New.QueueID
	}
	if c.Old != nil {
		return c.Old.QueueID
	}
	return uuid.Nil
}

// SongID returns the id of the affected song. Delete payloads may carry
// only the id in Old.
func (c SongChange) SongID() uuid.UUID {
	if c.New != nil {
		return c.New.ID
	}
	if c.Old != nil {
		return c.Old.ID
	}
	return uuid.Nil
}

// VoteChange carries the owning queue explicitly since vote rows don't.
type VoteChange struct {
	Kind    ChangeKind
	QueueID uuid.UUID
	New     *models.Vote
	Old     *models.Vote
}

func (VoteChange) Entity() EntityKind { return EntityVote }

func (c VoteChange) Queue() uuid.UUID { return c.QueueID }

func (c VoteChange) VoteID() uuid.UUID {
	if c.New != nil {
		return c.New.ID
	}
	if c.Old != nil {
		return c.Old.ID
	}
	return uuid.Nil
}

// StreamGap tells the consumer that events may have been missed on this
// channel (reconnect, lag, first poll). The consumer must resync.
type StreamGap struct {
	Kind    EntityKind
	QueueID uuid.UUID
	Reason  string
}

func (g StreamGap) Entity() EntityKind { return g.Kind }
func (g StreamGap) Queue() uuid.UUID   { return g.QueueID }

// StreamDegraded is the last event of a channel that gave up reconnecting.
type StreamDegraded struct {
	Kind    EntityKind
	QueueID uuid.UUID
	Err     error
}

func (d StreamDegraded) Entity() EntityKind { return d.Kind }
func (d StreamDegraded) Queue() uuid.UUID   { return d.QueueID }

// Envelope is the wire form of a change, used by the Kafka transport.
type Envelope struct {
	Entity    EntityKind      `json:"entity"`
	Kind      ChangeKind      `json:"kind"`
	QueueID   uuid.UUID       `json:"queue_id"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Encode turns a change into its wire form. Stream signals are local only.
func Encode(ev Event) ([]byte, error) {
	env := Envelope{Entity: ev.Entity(), QueueID: ev.Queue(), Timestamp: time.Now().UTC()}

	var newRow, oldRow interface{}
	switch c := ev.(type) {
	case QueueChange:
		env.Kind = c.Kind
		newRow, oldRow = nilIfEmpty(c.New), nilIfEmpty(c.Old)
	case SongChange:
		env.Kind = c.Kind
		newRow, oldRow = nilIfEmpty(c.New), nilIfEmpty(c.Old)
	case VoteChange:
		env.Kind = c.Kind
		newRow, oldRow = nilIfEmpty(c.New), nilIfEmpty(c.Old)
	default:
		return nil, fmt.Errorf("cannot encode %T", ev)
	}

	var err error
	if newRow != nil {
		if env.New, err = json.Marshal(newRow); err != nil {
			return nil, fmt.Errorf("failed to marshal new row: %w", err)
		}
	}
	if oldRow != nil {
		if env.Old, err = json.Marshal(oldRow); err != nil {
			return nil, fmt.Errorf("failed to marshal old row: %w", err)
		}
	}
	return json.Marshal(env)
}

// Decode is the inverse of Encode.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	switch env.Entity {
	case EntityQueue:
		c := QueueChange{Kind: env.Kind}
		if err := decodeRows(env, &c.New, &c.Old); err != nil {
			return nil, err
		}
		return c, nil
	case EntitySong:
		c := SongChange{Kind: env.Kind}
		if err := decodeRows(env, &c.New, &c.Old); err != nil {
			return nil, err
		}
		return c, nil
	case EntityVote:
		c := VoteChange{Kind: env.Kind, QueueID: env.QueueID}
		if err := decodeRows(env, &c.New, &c.Old); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown entity %q", env.Entity)
	}
}

func decodeRows[T any](env Envelope, newRow, oldRow **T) error {
	if len(env.New) > 0 {
		*newRow = new(T)
		if err := json.Unmarshal(env.New, *newRow); err != nil {
			return fmt.Errorf("failed to unmarshal new %s: %w", env.Entity, err)
		}
	}
	if len(env.Old) > 0 {
		*oldRow = new(T)
		if err := json.Unmarshal(env.Old, *oldRow); err != nil {
			return fmt.Errorf("failed to unmarshal old %s: %w", env.Entity, err)
		}
	}
	return nil
}

func nilIfEmpty[T any](row *T) interface{} {
	if row == nil {
		return nil
	}
	return row
}
