package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/assessd/internal/store"
)

// EntitlementStore implements store.EntitlementStore using PostgreSQL.
type EntitlementStore struct {
	pool *pgxpool.Pool
}

// NewEntitlementStore creates a new PostgreSQL-backed entitlement store.
func NewEntitlementStore(pool *pgxpool.Pool) *EntitlementStore {
	return &EntitlementStore{pool: pool}
}

var _ store.EntitlementStore = (*EntitlementStore)(nil)

// Consume decrements remaining uses in a single conditional statement.
func (s *EntitlementStore) Consume(ctx context.Context, userID, productID, entitlementID string, now time.Time) (string, bool, error) {
	var consumed string
	err := s.pool.QueryRow(ctx, `
		UPDATE entitlements
		SET remaining_uses = remaining_uses - 1
		WHERE user_id = $1 AND product_id = $2
		  AND remaining_uses > 0
		  AND expires_at > $3
		  AND ($4::text = '' OR entitlement_id = $4::text)
		RETURNING entitlement_id
	`, userID, productID, now, entitlementID).Scan(&consumed)
	if errors.Is(err, pgx.ErrNoRows) {
		log.Debug().Str("user_id", userID).Str("product_id", productID).Msg("No consumable entitlement")
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to consume entitlement: %w", mapPostgresError(err))
	}

	return consumed, true, nil
}

// Grant creates or replaces an entitlement.
func (s *EntitlementStore) Grant(ctx context.Context, ent *store.Entitlement) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entitlements (user_id, product_id, entitlement_id, remaining_uses, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, product_id) DO UPDATE
		SET entitlement_id = EXCLUDED.entitlement_id,
		    remaining_uses = EXCLUDED.remaining_uses,
		    expires_at = EXCLUDED.expires_at
	`, ent.UserID, ent.ProductID, ent.EntitlementID, ent.RemainingUses, ent.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to grant entitlement: %w", mapPostgresError(err))
	}
	return nil
}

// Get returns an entitlement by owner and product.
func (s *EntitlementStore) Get(ctx context.Context, userID, productID string) (*store.Entitlement, error) {
	var ent store.Entitlement
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, product_id, entitlement_id, remaining_uses, expires_at
		FROM entitlements
		WHERE user_id = $1 AND product_id = $2
	`, userID, productID).Scan(
		&ent.UserID,
		&ent.ProductID,
		&ent.EntitlementID,
		&ent.RemainingUses,
		&ent.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to get entitlement: %w", mapPostgresError(err))
	}
	ent.ExpiresAt = ent.ExpiresAt.UTC()
	return &ent, nil
}
