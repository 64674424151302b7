package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/require"
)

type stubSQS struct {
	inputs []*sqs.SendMessageBatchInput
	failed []types.BatchResultErrorEntry
}

func (s *stubSQS) SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	s.inputs = append(s.inputs, params)
	return &sqs.SendMessageBatchOutput{Failed: s.failed}, nil
}

func testEvents(n int) []Event {
	out := make([]Event, n)
	for i := range out {
		out[i] = Event{
			ID:         fmt.Sprintf("evt-%d", i),
			Type:       SectionStarted,
			SessionID:  "s-1",
			UserID:     "user-1",
			SectionID:  "task1",
			Version:    int64(i + 1),
			OccurredAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		}
	}
	return out
}

func TestSQSPublisher_Batches(t *testing.T) {
	stub := &stubSQS{}
	pub := NewSQSPublisher(stub, "https://sqs.local/000000000000/assessd-events")

	require.NoError(t, pub.Publish(context.Background(), testEvents(23)...))
	require.Len(t, stub.inputs, 3)
	require.Len(t, stub.inputs[0].Entries, 10)
	require.Len(t, stub.inputs[2].Entries, 3)

	entry := stub.inputs[0].Entries[0]
	require.Nil(t, entry.MessageGroupId)
	require.Equal(t, "section.started", aws.ToString(entry.MessageAttributes["event_type"].StringValue))

	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(entry.MessageBody)), &decoded))
	require.Equal(t, "evt-0", decoded.ID)
	require.Equal(t, "task1", decoded.SectionID)
}

func TestSQSPublisher_FIFOGroupsBySession(t *testing.T) {
	stub := &stubSQS{}
	pub := NewSQSPublisher(stub, "https://sqs.local/000000000000/assessd-events.fifo")

	require.NoError(t, pub.Publish(context.Background(), testEvents(1)...))
	entry := stub.inputs[0].Entries[0]
	require.Equal(t, "s-1", aws.ToString(entry.MessageGroupId))
	require.Equal(t, "evt-0", aws.ToString(entry.MessageDeduplicationId))
}

func TestSQSPublisher_PartialFailure(t *testing.T) {
	stub := &stubSQS{failed: []types.BatchResultErrorEntry{{Id: aws.String("e0"), Code: aws.String("InternalError"), Message: aws.String("boom")}}}
	pub := NewSQSPublisher(stub, "https://sqs.local/000000000000/assessd-events")

	err := pub.Publish(context.Background(), testEvents(2)...)
	require.ErrorContains(t, err, "rejected 1 of 2")
}

func TestRecorder(t *testing.T) {
	var rec Recorder
	require.NoError(t, rec.Publish(context.Background(), testEvents(2)...))
	require.Equal(t, []Type{SectionStarted, SectionStarted}, rec.Types())

	rec.Reset()
	require.Empty(t, rec.Events())
}
