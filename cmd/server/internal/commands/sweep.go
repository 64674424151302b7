package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/assessd/internal/logger"
	"github.com/wolfeidau/assessd/internal/secrets"
	"github.com/wolfeidau/assessd/internal/sweep"
	"github.com/wolfeidau/assessd/internal/telemetry"
)

// SweepCmd reconciles overdue sessions so expiry events fire without a
// client poll. Reads stay authoritative on their own.
type SweepCmd struct {
	Interval  time.Duration `help:"time between passes" default:"30s" env:"ASSESSD_SWEEP_INTERVAL"`
	BatchSize int           `help:"sessions reconciled per pass" default:"100" env:"ASSESSD_SWEEP_BATCH_SIZE"`
	Once      bool          `help:"run a single pass and exit"`

	Sessions  SessionFlags     `embed:""`
	Store     StoreFlags       `embed:""`
	AWS       AWSFlags         `embed:"" prefix:"aws-"`
	Keys      KeyFlags         `embed:""`
	Events    EventsFlags      `embed:"" prefix:"events-"`
	Telemetry telemetry.Config `embed:"" prefix:"telemetry-"`
}

func (c *SweepCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.InitTelemetry(ctx, c.Telemetry, "assessd-sweep", globals.Version)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
		shutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	loaded, err := secrets.Load(ctx, secrets.Config{MasterKey: c.Keys.source()})
	if err != nil {
		return fmt.Errorf("failed to load secrets: %w", err)
	}

	st, err := c.Store.open(ctx, c.AWS)
	if err != nil {
		return err
	}
	defer st.Close()

	publisher, err := c.Events.build(ctx, c.AWS)
	if err != nil {
		return err
	}

	machine, err := newMachine(ctx, st, c.Keys, c.Sessions, c.AWS, loaded, publisher)
	if err != nil {
		return err
	}

	sweeper := sweep.New(st.records, machine, sweep.Config{Interval: c.Interval, BatchSize: c.BatchSize})

	if c.Once {
		res, err := sweeper.SweepOnce(ctx)
		if err != nil {
			return err
		}
		log.Info().
			Int("scanned", res.Scanned).
			Int("reconciled", res.Reconciled).
			Int("failed", res.Failed).
			Msg("Sweep pass complete")
		return nil
	}

	log.Info().Str("version", globals.Version).Dur("interval", c.Interval).Msg("Starting sweep")
	return sweeper.Run(ctx)
}
