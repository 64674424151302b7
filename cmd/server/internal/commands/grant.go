package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/assessd/internal/logger"
	"github.com/wolfeidau/assessd/internal/store"
)

// GrantCmd records a purchased entitlement directly in the store.
type GrantCmd struct {
	UserID    string        `arg:"" help:"user receiving the entitlement"`
	ProductID string        `arg:"" help:"product id, usually the assessment type"`
	Uses      int64         `help:"number of sessions the entitlement allows" default:"1"`
	ValidFor  time.Duration `help:"how long the entitlement stays valid" default:"720h"`
	ID        string        `help:"entitlement id (generated when empty)" name:"id"`

	Store StoreFlags `embed:""`
	AWS   AWSFlags   `embed:"" prefix:"aws-"`
}

func (c *GrantCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx = log.WithContext(ctx)

	if c.Store.StoreType == "memory" {
		return fmt.Errorf("grants to the memory store are lost on exit, choose a persistent --store-type")
	}

	st, err := c.Store.open(ctx, c.AWS)
	if err != nil {
		return err
	}
	defer st.Close()

	id := c.ID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}

	ent := &store.Entitlement{
		UserID:        c.UserID,
		ProductID:     c.ProductID,
		EntitlementID: id,
		RemainingUses: c.Uses,
		ExpiresAt:     time.Now().UTC().Add(c.ValidFor),
	}
	if err := newGate(st).Grant(ctx, ent); err != nil {
		return err
	}

	log.Info().
		Str("user_id", ent.UserID).
		Str("product_id", ent.ProductID).
		Str("entitlement_id", ent.EntitlementID).
		Int64("uses", ent.RemainingUses).
		Time("expires_at", ent.ExpiresAt).
		Msg("Entitlement granted")
	return nil
}
