package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/voting-queue-system/internal/store"
	"github.com/voting-queue-system/pkg/apperr"
	"github.com/voting-queue-system/pkg/events"
)

type sessionKey struct {
	queueID  uuid.UUID
	viewerID uuid.UUID
}

// managed is reserved before its session opens. ready is closed when the
// open finishes; a failed open removes the entry from the map first.
type managed struct {
	ready   chan struct{}
	session *Session
	refs    int
}

// Manager shares one Session per (queue, viewer) between the connections of
// that viewer, and closes it when the last one releases it.
type Manager struct {
	store  store.Store
	source events.Source
	opts   Options

	mu       sync.Mutex
	sessions map[sessionKey]*managed
}

func NewManager(st store.Store, src events.Source, opts Options) *Manager {
	return &Manager{
		store:    st,
		source:   src,
		opts:     opts,
		sessions: make(map[sessionKey]*managed),
	}
}

// Acquire returns the viewer's session for the queue, opening it if needed.
// The returned release func must be called exactly once. Opening happens
// outside the manager lock; concurrent callers for the same key wait for it.
func (m *Manager) Acquire(ctx context.Context, queueID, viewerID uuid.UUID) (*Session, func(), error) {
	key := sessionKey{queueID: queueID, viewerID: viewerID}

	for {
		m.mu.Lock()
		entry, ok := m.sessions[key]
		if !ok {
			entry = &managed{ready: make(chan struct{}), refs: 1}
			m.sessions[key] = entry
			m.mu.Unlock()
			return m.open(ctx, key, entry)
		}

		select {
		case <-entry.ready:
			if st := entry.session.State(); st == Terminated || st == Closed {
				delete(m.sessions, key)
				m.mu.Unlock()
				entry.session.Close()
				continue
			}
			entry.refs++
			m.mu.Unlock()
			return entry.session, m.releaser(key, entry), nil
		default:
		}
		m.mu.Unlock()

		select {
		case <-entry.ready:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
		// A failed open left the map; the next pass opens again with this
		// caller's context.
	}
}

func (m *Manager) open(ctx context.Context, key sessionKey, entry *managed) (*Session, func(), error) {
	s, err := Open(ctx, m.store, m.source, key.queueID, key.viewerID, m.opts)

	m.mu.Lock()
	kept := m.sessions[key] == entry
	if err == nil && !kept {
		err = fmt.Errorf("session manager closed: %w", apperr.ErrUnavailable)
	}
	if err != nil && kept {
		delete(m.sessions, key)
	}
	if err == nil {
		entry.session = s
	}
	close(entry.ready)
	m.mu.Unlock()

	if err != nil {
		if s != nil {
			s.Close()
		}
		return nil, nil, err
	}
	return s, m.releaser(key, entry), nil
}

func (m *Manager) releaser(key sessionKey, entry *managed) func() {
	var once sync.Once
	return func() {
		once.Do(func() { m.release(key, entry) })
	}
}

func (m *Manager) release(key sessionKey, entry *managed) {
	m.mu.Lock()
	entry.refs--
	last := entry.refs <= 0
	if last && m.sessions[key] == entry {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if last {
		entry.session.Close()
	}
}

// Len returns the number of sessions, including ones still opening.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll closes every session, used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for key, entry := range m.sessions {
		delete(m.sessions, key)
		select {
		case <-entry.ready:
			sessions = append(sessions, entry.session)
		default:
			// Still opening; open sees the entry gone and closes it.
		}
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
