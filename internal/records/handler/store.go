package handler

import (
	"sync"
	"time"

	"github.com/civirec/civirec-backend/internal/records/domain"
	"github.com/civirec/civirec-backend/internal/records/session"
)

// SessionEntry is one open reconciliation session plus the host-side
// state the handler needs across requests.
type SessionEntry struct {
	Session  *session.Session
	RecordID *int64

	// LastSaved is written by the save callback while ConfirmSave runs
	// and read right after it returns, on the same request goroutine.
	LastSaved *domain.Record

	lastAccess time.Time
}

// SessionStore holds open sessions in memory. Sessions live in RAM only
// and idle ones are closed after a TTL so abandoned card scans don't
// outlive their usefulness.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionEntry
	ttl      time.Duration
	stop     chan struct{}
}

// NewSessionStore creates a store that reaps idle sessions after ttl.
func NewSessionStore(ttl time.Duration) *SessionStore {
	s := &SessionStore{
		sessions: make(map[string]*SessionEntry),
		ttl:      ttl,
		stop:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Put stores an open session
func (s *SessionStore) Put(entry *SessionEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.lastAccess = time.Now()
	s.sessions[entry.Session.ID().String()] = entry
}

// Get retrieves a session by ID and refreshes its idle timer. Returns
// nil when the session is unknown or already reaped.
func (s *SessionStore) Get(id string) *SessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok {
		return nil
	}
	entry.lastAccess = time.Now()
	return entry
}

// Delete removes a session without closing it; the caller owns teardown.
func (s *SessionStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Close stops the reaper and closes every remaining session.
func (s *SessionStore) Close() {
	close(s.stop)

	s.mu.Lock()
	entries := make([]*SessionEntry, 0, len(s.sessions))
	for id, entry := range s.sessions {
		entries = append(entries, entry)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, entry := range entries {
		entry.Session.Close()
	}
}

func (s *SessionStore) cleanupLoop() {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stop:
			return
		}
	}
}

func (s *SessionStore) cleanup() {
	cutoff := time.Now().Add(-s.ttl)

	s.mu.Lock()
	var expired []*SessionEntry
	for id, entry := range s.sessions {
		if entry.lastAccess.Before(cutoff) {
			expired = append(expired, entry)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	// close outside the lock; Close waits for in-flight extractions
	for _, entry := range expired {
		entry.Session.Close()
	}
}
