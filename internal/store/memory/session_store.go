package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/assessd/internal/store"
)

// SessionStore implements store.SessionRecordStore using in-memory storage.
// This implementation is for testing only - data is lost on restart.
//
// The mutex only protects the map; cross-request serialisation still comes
// from the version compare in Update, as with the durable backends.
type SessionStore struct {
	mu sync.RWMutex

	sessions map[string]*store.SessionRecord // session_id -> record
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*store.SessionRecord),
	}
}

// Create stores a new record.
func (s *SessionStore) Create(ctx context.Context, record *store.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[record.SessionID]; exists {
		return store.ErrSessionAlreadyExists
	}

	// Clone to avoid external modifications
	s.sessions[record.SessionID] = record.Clone()
	return nil
}

// Get retrieves a record by ID.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*store.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.sessions[sessionID]
	if !exists {
		return nil, store.ErrSessionNotFound
	}

	return record.Clone(), nil
}

// Update replaces a record if the stored version matches.
func (s *SessionStore) Update(ctx context.Context, record *store.SessionRecord, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.sessions[record.SessionID]
	if !exists {
		return store.ErrSessionNotFound
	}
	if current.Version != expectedVersion {
		return store.ErrConcurrencyConflict
	}

	s.sessions[record.SessionID] = record.Clone()
	return nil
}

// ListOverdue returns sessions whose deadline has passed, oldest first.
func (s *SessionStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]store.SessionRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var overdue []*store.SessionRecord
	for _, record := range s.sessions {
		if record.Deadline != nil && !record.Deadline.After(now) {
			overdue = append(overdue, record)
		}
	}

	sort.Slice(overdue, func(i, j int) bool {
		return overdue[i].Deadline.Before(*overdue[j].Deadline)
	})

	if limit > 0 && len(overdue) > limit {
		overdue = overdue[:limit]
	}

	refs := make([]store.SessionRef, 0, len(overdue))
	for _, record := range overdue {
		refs = append(refs, store.SessionRef{SessionID: record.SessionID, UserID: record.UserID})
	}
	return refs, nil
}

// Len returns the number of stored sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
