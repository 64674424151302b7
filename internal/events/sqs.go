package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/assessd/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// maxBatch is the SQS SendMessageBatch limit.
const maxBatch = 10

// SQSAPI is the subset of the SQS client used for publishing.
type SQSAPI interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// SQSPublisher sends events to an SQS queue. FIFO queues are grouped by
// session so consumers see each session's events in order.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
	fifo     bool
}

// NewSQSPublisher creates a publisher for queueURL.
func NewSQSPublisher(client SQSAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
	}
}

func (p *SQSPublisher) Publish(ctx context.Context, events ...Event) error {
	metrics := telemetry.GetMetrics()

	for start := 0; start < len(events); start += maxBatch {
		end := min(start+maxBatch, len(events))

		entries := make([]types.SendMessageBatchRequestEntry, 0, end-start)
		for i, e := range events[start:end] {
			body, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("failed to encode event %s: %w", e.ID, err)
			}

			entry := types.SendMessageBatchRequestEntry{
				Id:          aws.String(fmt.Sprintf("e%d", i)),
				MessageBody: aws.String(string(body)),
				MessageAttributes: map[string]types.MessageAttributeValue{
					"event_type": {DataType: aws.String("String"), StringValue: aws.String(string(e.Type))},
				},
			}
			if p.fifo {
				entry.MessageGroupId = aws.String(e.SessionID)
				entry.MessageDeduplicationId = aws.String(e.ID)
			}
			entries = append(entries, entry)

			telemetry.Inc(ctx, metrics.EventPublishTotal, attribute.String("type", string(e.Type)))
		}

		out, err := p.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(p.queueURL),
			Entries:  entries,
		})
		if err != nil {
			telemetry.Inc(ctx, metrics.EventPublishErrorsTotal)
			return fmt.Errorf("failed to send events to SQS: %w", err)
		}
		if len(out.Failed) > 0 {
			telemetry.Inc(ctx, metrics.EventPublishErrorsTotal)
			first := out.Failed[0]
			log.Ctx(ctx).Error().
				Int("failed", len(out.Failed)).
				Str("code", aws.ToString(first.Code)).
				Msg("SQS rejected lifecycle events")
			return fmt.Errorf("SQS rejected %d of %d events: %s", len(out.Failed), len(entries), aws.ToString(first.Message))
		}
	}

	return nil
}
