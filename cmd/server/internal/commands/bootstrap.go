package commands

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/wolfeidau/assessd/internal/bootstrap"
	"github.com/wolfeidau/assessd/internal/logger"
)

// BootstrapCmd creates the AWS resources the server needs, normally in LocalStack.
type BootstrapCmd struct {
	Environment string `help:"resource name prefix" default:"dev" env:"ASSESSD_ENVIRONMENT"`
	FIFO        bool   `help:"create the events queue as a FIFO queue" name:"fifo" default:"false"`
	SkipKMS     bool   `help:"do not create a KMS master key" name:"skip-kms" default:"false"`
	Clean       bool   `help:"delete existing resources first" default:"false"`

	AWS AWSFlags `embed:"" prefix:"aws-"`
}

func (c *BootstrapCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx = log.WithContext(ctx)

	cfg, err := c.AWS.load(ctx)
	if err != nil {
		return err
	}

	bcfg := bootstrap.Config{
		SQSClient:      sqs.NewFromConfig(cfg),
		DynamoClient:   dynamodb.NewFromConfig(cfg),
		Environment:    c.Environment,
		FIFO:           c.FIFO,
		CleanResources: c.Clean,
	}
	if !c.SkipKMS {
		bcfg.KMSClient = kms.NewFromConfig(cfg)
	}

	res, err := bootstrap.Bootstrap(ctx, bcfg)
	if err != nil {
		return err
	}

	fmt.Printf("ASSESSD_DYNAMODB_SESSIONS_TABLE=%s\n", res.TableNames.Sessions)
	fmt.Printf("ASSESSD_DYNAMODB_ENTITLEMENTS_TABLE=%s\n", res.TableNames.Entitlements)
	fmt.Printf("ASSESSD_EVENTS_QUEUE_URL=%s\n", res.EventsQueueURL)
	if res.KMSKeyID != "" {
		fmt.Printf("ASSESSD_KMS_KEY_ID=%s\n", res.KMSKeyID)
	}
	return nil
}
