package memory

import (
	"context"
	"sync"
	"time"

	"github.com/wolfeidau/assessd/internal/store"
)

type entitlementKey struct {
	userID    string
	productID string
}

// EntitlementStore implements store.EntitlementStore using in-memory storage.
// This implementation is for testing only - data is lost on restart.
type EntitlementStore struct {
	mu sync.Mutex

	entitlements map[entitlementKey]*store.Entitlement
}

// NewEntitlementStore creates a new in-memory entitlement store.
func NewEntitlementStore() *EntitlementStore {
	return &EntitlementStore{
		entitlements: make(map[entitlementKey]*store.Entitlement),
	}
}

// Consume decrements remaining uses if any are left and the entitlement is live.
func (s *EntitlementStore) Consume(ctx context.Context, userID, productID, entitlementID string, now time.Time) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, exists := s.entitlements[entitlementKey{userID, productID}]
	if !exists {
		return "", false, nil
	}
	if entitlementID != "" && ent.EntitlementID != entitlementID {
		return "", false, nil
	}
	if ent.RemainingUses <= 0 || !ent.ExpiresAt.After(now) {
		return "", false, nil
	}

	ent.RemainingUses--
	return ent.EntitlementID, true, nil
}

// Grant creates or replaces an entitlement.
func (s *EntitlementStore) Grant(ctx context.Context, ent *store.Entitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *ent
	s.entitlements[entitlementKey{ent.UserID, ent.ProductID}] = &clone
	return nil
}

// Get returns a copy of an entitlement.
func (s *EntitlementStore) Get(ctx context.Context, userID, productID string) (*store.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, exists := s.entitlements[entitlementKey{userID, productID}]
	if !exists {
		return nil, store.ErrEntitlementNotFound
	}

	clone := *ent
	return &clone, nil
}
