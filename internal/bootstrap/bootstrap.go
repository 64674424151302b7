package bootstrap

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Bootstrap creates the infrastructure the session engine runs against
// (events queue, DynamoDB tables and optionally a KMS master key).
// If CleanResources is true, deletes existing resources first to ensure clean state
// If CleanResources is false, creates resources only if they don't exist (preserves data)
func Bootstrap(ctx context.Context, cfg Config) (*Resources, error) {
	if cfg.SQSClient == nil {
		return nil, fmt.Errorf("SQSClient is required")
	}
	if cfg.DynamoClient == nil {
		return nil, fmt.Errorf("DynamoClient is required")
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}

	resources := &Resources{}

	queueURL, err := CreateEventsQueue(ctx, cfg.SQSClient, cfg.Environment, cfg.FIFO, cfg.CleanResources)
	if err != nil {
		return nil, fmt.Errorf("failed to create events queue: %w", err)
	}
	resources.EventsQueueURL = queueURL

	sessionsTable, entitlementsTable, err := CreateSessionTables(ctx, cfg.DynamoClient, cfg.Environment, cfg.CleanResources)
	if err != nil {
		return nil, fmt.Errorf("failed to create DynamoDB tables: %w", err)
	}
	resources.TableNames.Sessions = sessionsTable
	resources.TableNames.Entitlements = entitlementsTable

	if cfg.KMSClient != nil {
		keyID, err := CreateMasterKey(ctx, cfg.KMSClient, cfg.Environment)
		if err != nil {
			return nil, fmt.Errorf("failed to create master key: %w", err)
		}
		resources.KMSKeyID = keyID
	}

	log.Ctx(ctx).Info().
		Str("events_queue", resources.EventsQueueURL).
		Str("sessions_table", resources.TableNames.Sessions).
		Str("entitlements_table", resources.TableNames.Entitlements).
		Str("kms_key", resources.KMSKeyID).
		Msg("bootstrap complete")

	return resources, nil
}

// Cleanup deletes the queue and tables created by Bootstrap. KMS keys are
// left in place since they can only be scheduled for deletion.
func Cleanup(ctx context.Context, cfg Config, res *Resources) error {
	if res.EventsQueueURL != "" {
		if err := DeleteQueue(ctx, cfg.SQSClient, res.EventsQueueURL); err != nil {
			return fmt.Errorf("failed to delete queue: %w", err)
		}
	}

	if err := DeleteTables(ctx, cfg.DynamoClient, res.TableNames.Sessions, res.TableNames.Entitlements); err != nil {
		return fmt.Errorf("failed to delete tables: %w", err)
	}

	return nil
}
