// Package entitlement guards session creation behind purchased uses.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/assessd/internal/store"
)

// ErrInvalidGrant is returned for grants with no uses or no expiry.
var ErrInvalidGrant = errors.New("invalid entitlement grant")

// Gate consumes entitlements through an atomic store operation.
type Gate struct {
	store store.EntitlementStore
	now   func() time.Time
}

// NewGate creates a gate over an entitlement store.
func NewGate(st store.EntitlementStore) *Gate {
	return &Gate{store: st, now: time.Now}
}

// NewGateWithClock creates a gate with a custom clock for expiry checks.
func NewGateWithClock(st store.EntitlementStore, now func() time.Time) *Gate {
	return &Gate{store: st, now: now}
}

// Consume takes one use of productID for userID and returns the id of the
// entitlement it came from. A non-empty entitlementID must name the
// entitlement userID holds for productID. It returns false, with no side
// effects, when nothing is left, the entitlement has expired or the id does
// not match.
func (g *Gate) Consume(ctx context.Context, userID, productID, entitlementID string) (string, bool, error) {
	if userID == "" || productID == "" {
		return "", false, nil
	}

	consumed, ok, err := g.store.Consume(ctx, userID, productID, entitlementID, g.now().UTC())
	if err != nil {
		return "", false, fmt.Errorf("failed to consume entitlement: %w", err)
	}

	log.Ctx(ctx).Debug().
		Str("user_id", userID).
		Str("product_id", productID).
		Str("entitlement_id", consumed).
		Bool("consumed", ok).
		Msg("entitlement consume")

	return consumed, ok, nil
}

// Grant creates or replaces an entitlement.
func (g *Gate) Grant(ctx context.Context, ent *store.Entitlement) error {
	if ent.UserID == "" || ent.ProductID == "" || ent.EntitlementID == "" {
		return fmt.Errorf("%w: user, product and entitlement id are required", ErrInvalidGrant)
	}
	if ent.RemainingUses <= 0 {
		return fmt.Errorf("%w: remaining uses must be positive", ErrInvalidGrant)
	}
	if !ent.ExpiresAt.After(g.now()) {
		return fmt.Errorf("%w: already expired", ErrInvalidGrant)
	}

	if err := g.store.Grant(ctx, ent); err != nil {
		return fmt.Errorf("failed to grant entitlement: %w", err)
	}
	return nil
}

// Lookup returns the current entitlement for userID and productID.
func (g *Gate) Lookup(ctx context.Context, userID, productID string) (*store.Entitlement, error) {
	return g.store.Get(ctx, userID, productID)
}
