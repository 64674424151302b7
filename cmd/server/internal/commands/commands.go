package commands

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/assessd/internal/entitlement"
	"github.com/wolfeidau/assessd/internal/envelope"
	"github.com/wolfeidau/assessd/internal/secrets"
	"github.com/wolfeidau/assessd/internal/store"
	awsstore "github.com/wolfeidau/assessd/internal/store/aws"
	memorystore "github.com/wolfeidau/assessd/internal/store/memory"
	postgresstore "github.com/wolfeidau/assessd/internal/store/postgres"
	sqlitestore "github.com/wolfeidau/assessd/internal/store/sqlite"
)

type Globals struct {
	Debug   bool
	Version string
}

// sessionApplication binds envelopes to this service in the encryption context.
const sessionApplication = "assessd"

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      time.Minute, // speech synthesis can be slow
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}
}

// AWSFlags configures AWS clients. Endpoint points every client at
// LocalStack during development.
type AWSFlags struct {
	Region   string `help:"AWS region" env:"AWS_REGION"`
	Endpoint string `help:"override AWS endpoint (LocalStack)" env:"ASSESSD_AWS_ENDPOINT"`
}

func (f AWSFlags) load(ctx context.Context) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if f.Region != "" {
		opts = append(opts, config.WithRegion(f.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if f.Endpoint != "" {
		cfg.BaseEndpoint = aws.String(f.Endpoint)
	}
	return cfg, nil
}

type PostgresStoreFlags struct {
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns         int32         `help:"maximum number of connections in pool" default:"20"`
	MinConns         int32         `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime  time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime  time.Duration `help:"maximum connection idle time" default:"30m"`
	StatementTimeout time.Duration `help:"server side statement timeout" default:"5s"`

	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"ASSESSD_POSTGRES_AUTO_MIGRATE"`
}

type DynamoDBStoreFlags struct {
	SessionsTable     string `help:"sessions table name" default:"dev_assessment_sessions" env:"ASSESSD_DYNAMODB_SESSIONS_TABLE"`
	EntitlementsTable string `help:"entitlements table name" default:"dev_entitlements" env:"ASSESSD_DYNAMODB_ENTITLEMENTS_TABLE"`
}

type SQLiteStoreFlags struct {
	Path string `help:"SQLite database path" default:"assessd.db" env:"ASSESSD_SQLITE_PATH"`
}

// StoreFlags selects the persistence backend shared by every command.
type StoreFlags struct {
	StoreType string             `help:"store type" default:"memory" env:"ASSESSD_STORE_TYPE" enum:"memory,dynamodb,postgres,sqlite"`
	Postgres  PostgresStoreFlags `embed:"" prefix:"postgres-"`
	DynamoDB  DynamoDBStoreFlags `embed:"" prefix:"dynamodb-"`
	SQLite    SQLiteStoreFlags   `embed:"" prefix:"sqlite-"`
}

// stores are the opened persistence backends.
type stores struct {
	records      store.SessionRecordStore
	entitlements store.EntitlementStore
	closer       io.Closer
}

func (s *stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (f StoreFlags) open(ctx context.Context, awsFlags AWSFlags) (*stores, error) {
	switch f.StoreType {
	case "postgres":
		if f.Postgres.ConnString == "" {
			return nil, errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
		}
		pool, err := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
			ConnString:       f.Postgres.ConnString,
			MaxConns:         f.Postgres.MaxConns,
			MinConns:         f.Postgres.MinConns,
			MaxConnLifetime:  f.Postgres.MaxConnLifetime,
			MaxConnIdleTime:  f.Postgres.MaxConnIdleTime,
			StatementTimeout: f.Postgres.StatementTimeout,
			ApplicationName:  sessionApplication,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		if f.Postgres.AutoMigrate {
			if err := postgresstore.RunMigrations(ctx, pool); err != nil {
				pool.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("Database migrations completed")
		}
		log.Info().Msg("Using PostgreSQL stores with shared connection pool")
		return &stores{
			records:      postgresstore.NewSessionStore(pool),
			entitlements: postgresstore.NewEntitlementStore(pool),
			closer:       closerFunc(func() error { pool.Close(); return nil }),
		}, nil

	case "dynamodb":
		cfg, err := awsFlags.load(ctx)
		if err != nil {
			return nil, err
		}
		client := dynamodb.NewFromConfig(cfg)
		log.Info().
			Str("sessions_table", f.DynamoDB.SessionsTable).
			Str("entitlements_table", f.DynamoDB.EntitlementsTable).
			Msg("Using DynamoDB stores")
		return &stores{
			records:      awsstore.NewSessionStore(client, f.DynamoDB.SessionsTable),
			entitlements: awsstore.NewEntitlementStore(client, f.DynamoDB.EntitlementsTable),
		}, nil

	case "sqlite":
		db, err := sqlitestore.Open(f.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		log.Info().Str("path", f.SQLite.Path).Msg("Using SQLite stores")
		return &stores{records: db.Sessions(), entitlements: db.Entitlements(), closer: db}, nil

	default:
		log.Info().Msg("Using in-memory stores")
		return &stores{
			records:      memorystore.NewSessionStore(),
			entitlements: memorystore.NewEntitlementStore(),
		}, nil
	}
}

// KeyFlags configures the envelope key manager.
type KeyFlags struct {
	Mode        string `help:"key manager" name:"key-manager" default:"local" env:"ASSESSD_KEY_MANAGER" enum:"local,kms"`
	Environment string `help:"deployment environment; local keys are refused in production" default:"dev" env:"ASSESSD_ENVIRONMENT"`
	KMSKeyID    string `help:"KMS key id, ARN or alias" name:"kms-key-id" env:"ASSESSD_KMS_KEY_ID"`

	MasterKeyFile string `help:"file holding the base64 local master key" env:"ASSESSD_MASTER_KEY_FILE"`
	MasterKeySSM  string `help:"SSM parameter holding the base64 local master key" env:"ASSESSD_MASTER_KEY_SSM"`
}

func (f KeyFlags) source() secrets.Source {
	return secrets.Source{File: f.MasterKeyFile, SSM: f.MasterKeySSM}
}

func (f KeyFlags) build(ctx context.Context, awsFlags AWSFlags, loaded *secrets.Secrets) (*envelope.Service, error) {
	kmCfg := envelope.KeyManagerConfig{
		Mode:        f.Mode,
		Environment: f.Environment,
		KMSKeyID:    f.KMSKeyID,
		MasterKey:   loaded.MasterKey,
	}
	if f.Mode == envelope.ModeLocal && len(kmCfg.MasterKey) == 0 && f.Environment != envelope.EnvironmentProduction {
		kmCfg.MasterKey = make([]byte, 32)
		if _, err := rand.Read(kmCfg.MasterKey); err != nil {
			return nil, fmt.Errorf("failed to generate master key: %w", err)
		}
		log.Warn().Msg("No master key configured, using an ephemeral key. Stored sessions will not survive a restart")
	}
	if f.Mode == envelope.ModeKMS {
		cfg, err := awsFlags.load(ctx)
		if err != nil {
			return nil, err
		}
		kmCfg.AWSConfig = cfg
	}

	keys, err := envelope.NewKeyManager(kmCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create key manager: %w", err)
	}
	log.Info().Str("mode", f.Mode).Str("key_id", keys.KeyID()).Msg("Key manager ready")

	return envelope.NewService(keys, sessionApplication), nil
}

// newGate builds the entitlement gate over the opened stores.
func newGate(st *stores) *entitlement.Gate {
	return entitlement.NewGate(st.entitlements)
}
