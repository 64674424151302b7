package aws

import (
	"context"
	"errors"
	"maps"
	"slices"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/assessd/internal/store"
)

// stubDynamoDB records requests and returns canned responses.
type stubDynamoDB struct {
	putInputs    []*dynamodb.PutItemInput
	updateInputs []*dynamodb.UpdateItemInput
	putErr       error
	updateErr    error
	updateOutput *dynamodb.UpdateItemOutput
	getOut       *dynamodb.GetItemOutput
}

func (s *stubDynamoDB) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if s.getOut == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return s.getOut, nil
}

func (s *stubDynamoDB) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	s.putInputs = append(s.putInputs, params)
	if s.putErr != nil {
		return nil, s.putErr
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (s *stubDynamoDB) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	s.updateInputs = append(s.updateInputs, params)
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	if s.updateOutput != nil {
		return s.updateOutput, nil
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (s *stubDynamoDB) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	return &dynamodb.ScanOutput{}, nil
}

func testRecord() *store.SessionRecord {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	deadline := now.Add(20 * time.Minute)
	return &store.SessionRecord{
		SessionID: "s-1",
		UserID:    "user-1",
		Status:    "IN_PROGRESS",
		Version:   2,
		CreatedAt: now,
		UpdatedAt: now,
		Deadline:  &deadline,
		Envelope:  []byte("sealed"),
	}
}

func TestSessionItemRoundTrip(t *testing.T) {
	rec := testRecord()
	got := toSessionItem(rec).toRecord()
	require.Equal(t, rec, got)

	rec.Deadline = nil
	got = toSessionItem(rec).toRecord()
	require.Nil(t, got.Deadline)
}

func TestSessionStore_UpdateConditions(t *testing.T) {
	ctx := context.Background()

	t.Run("sends version condition", func(t *testing.T) {
		stub := &stubDynamoDB{}
		st := NewSessionStore(stub, "sessions")

		require.NoError(t, st.Update(ctx, testRecord(), 1))
		require.Len(t, stub.putInputs, 1)
		require.NotNil(t, stub.putInputs[0].ConditionExpression)
		require.Len(t, stub.putInputs[0].ExpressionAttributeValues, 1)
	})

	t.Run("condition failure with existing item is a conflict", func(t *testing.T) {
		stub := &stubDynamoDB{putErr: &types.ConditionalCheckFailedException{
			Message: aws.String("failed"),
			Item: map[string]types.AttributeValue{
				"session_id": &types.AttributeValueMemberS{Value: "s-1"},
			},
		}}
		st := NewSessionStore(stub, "sessions")

		err := st.Update(ctx, testRecord(), 1)
		require.ErrorIs(t, err, store.ErrConcurrencyConflict)
	})

	t.Run("condition failure without item is not found", func(t *testing.T) {
		stub := &stubDynamoDB{putErr: &types.ConditionalCheckFailedException{Message: aws.String("failed")}}
		st := NewSessionStore(stub, "sessions")

		err := st.Update(ctx, testRecord(), 1)
		require.ErrorIs(t, err, store.ErrSessionNotFound)
	})

	t.Run("throttling is wrapped", func(t *testing.T) {
		stub := &stubDynamoDB{putErr: &types.ProvisionedThroughputExceededException{Message: aws.String("slow down")}}
		st := NewSessionStore(stub, "sessions")

		err := st.Update(ctx, testRecord(), 1)
		require.ErrorIs(t, err, store.ErrThrottled)
	})
}

func TestSessionStore_CreateDuplicate(t *testing.T) {
	stub := &stubDynamoDB{putErr: &types.ConditionalCheckFailedException{Message: aws.String("exists")}}
	st := NewSessionStore(stub, "sessions")

	err := st.Create(context.Background(), testRecord())
	require.ErrorIs(t, err, store.ErrSessionAlreadyExists)
}

func TestSessionStore_GetMissing(t *testing.T) {
	st := NewSessionStore(&stubDynamoDB{}, "sessions")

	_, err := st.Get(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestEntitlementStore_Consume(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("successful decrement", func(t *testing.T) {
		stub := &stubDynamoDB{updateOutput: &dynamodb.UpdateItemOutput{
			Attributes: map[string]types.AttributeValue{
				"entitlement_id": &types.AttributeValueMemberS{Value: "ent-1"},
				"remaining_uses": &types.AttributeValueMemberN{Value: "0"},
			},
		}}
		st := NewEntitlementStore(stub, "entitlements")

		id, ok, err := st.Consume(ctx, "user-1", "academic_writing", "", now)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "ent-1", id)
		require.Len(t, stub.updateInputs, 1)
		require.NotNil(t, stub.updateInputs[0].ConditionExpression)
		require.Equal(t, types.ReturnValueAllNew, stub.updateInputs[0].ReturnValues)
		require.NotContains(t, slices.Collect(maps.Values(stub.updateInputs[0].ExpressionAttributeNames)), "entitlement_id")
	})

	t.Run("named entitlement is part of the condition", func(t *testing.T) {
		stub := &stubDynamoDB{}
		st := NewEntitlementStore(stub, "entitlements")

		_, _, err := st.Consume(ctx, "user-1", "academic_writing", "ent-1", now)
		require.NoError(t, err)
		require.Len(t, stub.updateInputs, 1)
		require.Contains(t, slices.Collect(maps.Values(stub.updateInputs[0].ExpressionAttributeNames)), "entitlement_id")

		var matched bool
		for _, v := range stub.updateInputs[0].ExpressionAttributeValues {
			if s, ok := v.(*types.AttributeValueMemberS); ok && s.Value == "ent-1" {
				matched = true
			}
		}
		require.True(t, matched)
	})

	t.Run("condition failure returns false", func(t *testing.T) {
		stub := &stubDynamoDB{updateErr: &types.ConditionalCheckFailedException{Message: aws.String("none left")}}
		st := NewEntitlementStore(stub, "entitlements")

		_, ok, err := st.Consume(ctx, "user-1", "academic_writing", "", now)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("other errors propagate", func(t *testing.T) {
		stub := &stubDynamoDB{updateErr: errors.New("boom")}
		st := NewEntitlementStore(stub, "entitlements")

		_, ok, err := st.Consume(ctx, "user-1", "academic_writing", "", now)
		require.Error(t, err)
		require.False(t, ok)
	})
}
