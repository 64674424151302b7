package bootstrap

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Config holds configuration for bootstrapping LocalStack infrastructure
type Config struct {
	// AWS SDK clients. KMSClient is optional; without it no key is created
	// and sessions must use a local master key.
	SQSClient    *sqs.Client
	DynamoClient *dynamodb.Client
	KMSClient    *kms.Client

	// Resource naming
	Environment string // e.g., "dev", "test" - used as prefix for resource names

	// FIFO creates the events queue as a FIFO queue grouped by session
	FIFO bool

	// CleanResources controls whether to delete existing resources before creating
	// Set to false to preserve data across restarts (useful for development with live reload)
	CleanResources bool
}

// Resources holds identifiers for created infrastructure resources
type Resources struct {
	EventsQueueURL string

	// DynamoDB table names
	TableNames struct {
		Sessions     string
		Entitlements string
	}

	// KMSKeyID is the alias of the session master key, empty when no KMS
	// client was supplied.
	KMSKeyID string
}
