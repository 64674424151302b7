package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// EventsQueueName returns the lifecycle events queue name for env.
func EventsQueueName(env string, fifo bool) string {
	name := fmt.Sprintf("%s-assessment-events", env)
	if fifo {
		name += ".fifo"
	}
	return name
}

// CreateEventsQueue creates the queue lifecycle events are published to
// If cleanResources is true, deletes the existing queue first to ensure clean state
// If cleanResources is false, reuses the existing queue (preserves data)
func CreateEventsQueue(ctx context.Context, client *sqs.Client, env string, fifo, cleanResources bool) (string, error) {
	queueName := EventsQueueName(env, fifo)

	if cleanResources {
		if err := deleteQueueIfExists(ctx, client, queueName); err != nil {
			return "", fmt.Errorf("failed to delete existing queue %s: %w", queueName, err)
		}
	}

	attributes := map[string]string{
		string(types.QueueAttributeNameMessageRetentionPeriod): "1209600", // 14 days
	}
	if fifo {
		attributes[string(types.QueueAttributeNameFifoQueue)] = "true"
		attributes[string(types.QueueAttributeNameContentBasedDeduplication)] = "false"
	}

	createResp, err := client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(queueName),
		Attributes: attributes,
	})
	if err != nil {
		var exists *types.QueueNameExists
		if !cleanResources && errors.As(err, &exists) {
			getURLResp, getErr := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
				QueueName: aws.String(queueName),
			})
			if getErr != nil {
				return "", fmt.Errorf("failed to get existing queue %s: %w", queueName, getErr)
			}
			return aws.ToString(getURLResp.QueueUrl), nil
		}
		return "", fmt.Errorf("failed to create queue %s: %w", queueName, err)
	}

	return aws.ToString(createResp.QueueUrl), nil
}

// deleteQueueIfExists attempts to delete a queue if it exists
func deleteQueueIfExists(ctx context.Context, client *sqs.Client, queueName string) error {
	getURLResp, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(queueName),
	})
	if err != nil {
		var missing *types.QueueDoesNotExist
		if errors.As(err, &missing) {
			return nil
		}
		return err
	}

	if _, err := client.DeleteQueue(ctx, &sqs.DeleteQueueInput{
		QueueUrl: getURLResp.QueueUrl,
	}); err != nil {
		return err
	}

	// SQS deletes are eventually consistent
	time.Sleep(2 * time.Second)

	return nil
}

// DeleteQueue removes the queue created by CreateEventsQueue
func DeleteQueue(ctx context.Context, client *sqs.Client, queueURL string) error {
	_, err := client.DeleteQueue(ctx, &sqs.DeleteQueueInput{
		QueueUrl: aws.String(queueURL),
	})
	if err != nil {
		return fmt.Errorf("failed to delete events queue: %w", err)
	}
	return nil
}
