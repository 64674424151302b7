// Package sweep drives overdue sessions through the same reconciliation a
// client poll would perform. Sweeping is optional; sessions are correct
// without it on their next read.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/assessd/internal/assessment"
	"github.com/wolfeidau/assessd/internal/models"
	"github.com/wolfeidau/assessd/internal/store"
	"github.com/wolfeidau/assessd/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Lister finds sessions with a due deadline.
type Lister interface {
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]store.SessionRef, error)
}

// Reconciler applies due expiries to one session.
type Reconciler interface {
	Reconcile(ctx context.Context, sessionID, userID string) (*models.AssessmentSession, error)
}

// Config controls the sweep loop.
type Config struct {
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time
}

// Result summarises one pass.
type Result struct {
	Scanned    int
	Reconciled int
	Failed     int
}

// Sweeper periodically reconciles overdue sessions.
type Sweeper struct {
	lister     Lister
	reconciler Reconciler
	interval   time.Duration
	batchSize  int
	now        func() time.Time
	metrics    *telemetry.Metrics
}

// New creates a sweeper.
func New(lister Lister, reconciler Reconciler, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{
		lister:     lister,
		reconciler: reconciler,
		interval:   cfg.Interval,
		batchSize:  cfg.BatchSize,
		now:        cfg.Now,
		metrics:    telemetry.GetMetrics(),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	log.Ctx(ctx).Info().Dur("interval", s.interval).Int("batch_size", s.batchSize).Msg("expiry sweep started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			log.Ctx(ctx).Error().Err(err).Msg("expiry sweep failed")
		}

		select {
		case <-ctx.Done():
			log.Ctx(ctx).Info().Msg("expiry sweep stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce reconciles one batch of overdue sessions. Failures on individual
// sessions are counted and logged, not returned.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	var res Result

	refs, err := s.lister.ListOverdue(ctx, s.now(), s.batchSize)
	if err != nil {
		return res, fmt.Errorf("failed to list overdue sessions: %w", err)
	}
	res.Scanned = len(refs)

	for _, ref := range refs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		session, err := assessment.RetryConflicts(ctx, assessment.DefaultConflictRetries, func() (*models.AssessmentSession, error) {
			return s.reconciler.Reconcile(ctx, ref.SessionID, ref.UserID)
		})
		switch {
		case errors.Is(err, store.ErrSessionNotFound):
			continue
		case err != nil:
			res.Failed++
			telemetry.Inc(ctx, s.metrics.SweepReconciledTotal, attribute.String("result", "error"))
			log.Ctx(ctx).Warn().Err(err).Str("session_id", ref.SessionID).Msg("failed to reconcile overdue session")
			continue
		}

		res.Reconciled++
		telemetry.Inc(ctx, s.metrics.SweepReconciledTotal,
			attribute.String("result", "ok"),
			attribute.String("status", string(session.Status)))
	}

	if res.Scanned > 0 {
		log.Ctx(ctx).Debug().
			Int("scanned", res.Scanned).
			Int("reconciled", res.Reconciled).
			Int("failed", res.Failed).
			Msg("expiry sweep pass")
	}
	return res, nil
}
