package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/wolfeidau/assessd/internal/assessment"
	"github.com/wolfeidau/assessd/internal/auth"
	"github.com/wolfeidau/assessd/internal/events"
	"github.com/wolfeidau/assessd/internal/logger"
	"github.com/wolfeidau/assessd/internal/models"
	"github.com/wolfeidau/assessd/internal/oracle"
	"github.com/wolfeidau/assessd/internal/secrets"
	"github.com/wolfeidau/assessd/internal/server"
	"github.com/wolfeidau/assessd/internal/sessionstore"
	"github.com/wolfeidau/assessd/internal/sweep"
	"github.com/wolfeidau/assessd/internal/telemetry"
)

// EventsFlags selects where lifecycle events go.
type EventsFlags struct {
	Publisher string `help:"event publisher" default:"log" env:"ASSESSD_EVENTS_PUBLISHER" enum:"log,sqs"`
	QueueURL  string `help:"SQS queue URL for lifecycle events" env:"ASSESSD_EVENTS_QUEUE_URL"`
}

func (f EventsFlags) build(ctx context.Context, awsFlags AWSFlags) (events.Publisher, error) {
	if f.Publisher != "sqs" {
		return events.LogPublisher{}, nil
	}
	if f.QueueURL == "" {
		return nil, errors.New("events queue URL is required for the sqs publisher (--events-queue-url)")
	}
	cfg, err := awsFlags.load(ctx)
	if err != nil {
		return nil, err
	}
	return events.NewSQSPublisher(sqs.NewFromConfig(cfg), f.QueueURL), nil
}

// SessionFlags configure the lifecycle machine.
type SessionFlags struct {
	StartWindow     time.Duration `help:"how long a created session may wait to start (0 disables)" default:"24h" env:"ASSESSD_START_WINDOW"`
	CatalogFile     string        `help:"YAML file with assessment definitions overriding the defaults" env:"ASSESSD_CATALOG_FILE"`
	ConflictRetries uint          `help:"attempts for operations that hit a concurrent modification" default:"5" env:"ASSESSD_CONFLICT_RETRIES"`
}

// newMachine builds the session machine and the record store it writes through.
func newMachine(ctx context.Context, st *stores, keys KeyFlags, sessions SessionFlags, awsFlags AWSFlags, loaded *secrets.Secrets, publisher events.Publisher) (*assessment.Machine, error) {
	crypto, err := keys.build(ctx, awsFlags, loaded)
	if err != nil {
		return nil, err
	}

	sessionStore, err := sessionstore.New(st.records, crypto, sessionstore.Config{StartWindow: sessions.StartWindow})
	if err != nil {
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}

	catalog, err := models.LoadCatalog(sessions.CatalogFile)
	if err != nil {
		return nil, err
	}

	return assessment.NewMachine(assessment.Config{
		Sessions:    sessionStore,
		Gate:        newGate(st),
		Catalog:     catalog,
		Publisher:   publisher,
		StartWindow: sessions.StartWindow,
	})
}

type ServerCmd struct {
	// Server configuration
	Listen      string   `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"ASSESSD_LISTEN"`
	CORSOrigins []string `help:"allowed CORS origins for API requests" env:"ASSESSD_CORS_ORIGINS"`

	// TLS is served when a certificate is configured
	TLSCertFile string `help:"path to TLS cert file" env:"ASSESSD_TLS_CERT"`
	TLSKeyFile  string `help:"path to TLS key file" env:"ASSESSD_TLS_KEY"`
	TLSCertSSM  string `help:"SSM parameter holding the TLS cert" name:"tls-cert-ssm" env:"ASSESSD_TLS_CERT_SSM"`
	TLSKeySSM   string `help:"SSM parameter holding the TLS key" name:"tls-key-ssm" env:"ASSESSD_TLS_KEY_SSM"`

	// Authentication
	JWTPublicKeyFile string `help:"PEM file with the ES256 public key used to verify bearer tokens" name:"jwt-public-key-file" env:"ASSESSD_JWT_PUBLIC_KEY_FILE"`
	JWTPublicKeySSM  string `help:"SSM parameter with the ES256 public key" name:"jwt-public-key-ssm" env:"ASSESSD_JWT_PUBLIC_KEY_SSM"`
	NoAuth           bool   `help:"trust X-User-ID and X-User-Roles headers instead of tokens (development only)" default:"false" env:"ASSESSD_NO_AUTH"`

	// Oracles
	Oracle                 oracle.Config `embed:"" prefix:"oracle-" envprefix:"ASSESSD_ORACLE_"`
	OracleClientSecretSSM  string        `help:"SSM parameter holding the oracle client secret" env:"ASSESSD_ORACLE_CLIENT_SECRET_SSM"`
	OracleClientSecretFile string        `help:"file holding the oracle client secret" env:"ASSESSD_ORACLE_CLIENT_SECRET_FILE"`

	// In-process expiry sweep
	SweepInterval time.Duration `help:"reconcile overdue sessions on this interval (0 disables)" default:"0s" env:"ASSESSD_SWEEP_INTERVAL"`

	Sessions  SessionFlags     `embed:""`
	Store     StoreFlags       `embed:""`
	AWS       AWSFlags         `embed:"" prefix:"aws-"`
	Keys      KeyFlags         `embed:""`
	Events    EventsFlags      `embed:"" prefix:"events-"`
	Telemetry telemetry.Config `embed:"" prefix:"telemetry-"`
}

func (c *ServerCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	shutdown, err := telemetry.InitTelemetry(ctx, c.Telemetry, "assessd-server", globals.Version)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
		shutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown telemetry")
		}
	}()

	loaded, err := secrets.Load(ctx, secrets.Config{
		JWTPublicKey:       secrets.Source{File: c.JWTPublicKeyFile, SSM: c.JWTPublicKeySSM},
		MasterKey:          c.Keys.source(),
		OracleClientSecret: secrets.Source{File: c.OracleClientSecretFile, SSM: c.OracleClientSecretSSM},
		TLSCert:            secrets.Source{File: c.TLSCertFile, SSM: c.TLSCertSSM},
		TLSKey:             secrets.Source{File: c.TLSKeyFile, SSM: c.TLSKeySSM},
	})
	if err != nil {
		return fmt.Errorf("failed to load secrets: %w", err)
	}

	st, err := c.Store.open(ctx, c.AWS)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close store")
		}
	}()

	publisher, err := c.Events.build(ctx, c.AWS)
	if err != nil {
		return err
	}

	machine, err := newMachine(ctx, st, c.Keys, c.Sessions, c.AWS, loaded, publisher)
	if err != nil {
		return err
	}

	var authenticate func(http.Handler) http.Handler
	if c.NoAuth {
		log.Warn().Msg("Authentication is disabled (--no-auth). This should only be used in development!")
		authenticate = auth.HeaderIdentityMiddleware
	} else {
		if loaded.JWTPublicKey == "" {
			return errors.New("a JWT public key is required unless --no-auth is set (--jwt-public-key-file or --jwt-public-key-ssm)")
		}
		authenticate, err = auth.Middleware(loaded.JWTPublicKey)
		if err != nil {
			return fmt.Errorf("failed to create auth middleware: %w", err)
		}
	}

	cfg := server.Config{
		Sessions:        machine,
		Authenticate:    authenticate,
		CORSOrigins:     c.CORSOrigins,
		ConflictRetries: c.Sessions.ConflictRetries,
		Tracing:         c.Telemetry.Enabled,
	}

	oracleCfg := c.Oracle
	if loaded.OracleClientSecret != "" {
		oracleCfg.ClientSecret = loaded.OracleClientSecret
	}
	if oracleCfg.ScoringURL != "" {
		scorer, err := oracle.NewScoringClient(ctx, oracleCfg)
		if err != nil {
			return fmt.Errorf("failed to create scoring client: %w", err)
		}
		cfg.Scorer = scorer
	}
	if oracleCfg.VoiceURL != "" {
		voice, err := oracle.NewVoiceClient(ctx, oracleCfg)
		if err != nil {
			return fmt.Errorf("failed to create voice client: %w", err)
		}
		cfg.Voice = voice
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if c.SweepInterval > 0 {
		sweeper := sweep.New(st.records, machine, sweep.Config{Interval: c.SweepInterval})
		go func() {
			if err := sweeper.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Sweep stopped")
			}
		}()
		log.Info().Dur("interval", c.SweepInterval).Msg("In-process sweep enabled")
	}

	tlsConfig, err := loaded.TLSConfig()
	if err != nil {
		return err
	}

	httpServer := configureHTTPServer(c.Listen, srv.Handler(log))
	httpServer.TLSConfig = tlsConfig

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Listen).Bool("tls", tlsConfig != nil).Bool("auth", !c.NoAuth).Msg("Starting HTTP server")
		if tlsConfig != nil {
			errCh <- httpServer.ListenAndServeTLS("", "")
			return
		}
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
