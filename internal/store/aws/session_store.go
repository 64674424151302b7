package aws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/assessd/internal/store"
)

// DynamoDBAPI is the subset of the DynamoDB client used by the stores.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// sessionItem is the DynamoDB representation of a session record.
// Timestamps are epoch milliseconds so the deadline filter compares numbers.
type sessionItem struct {
	SessionID string `dynamodbav:"session_id"`
	UserID    string `dynamodbav:"user_id"`
	Status    string `dynamodbav:"status"`
	Version   int64  `dynamodbav:"version"`
	CreatedAt int64  `dynamodbav:"created_at"`
	UpdatedAt int64  `dynamodbav:"updated_at"`
	Deadline  *int64 `dynamodbav:"deadline,omitempty"`
	Envelope  []byte `dynamodbav:"envelope"`
}

func toSessionItem(r *store.SessionRecord) *sessionItem {
	item := &sessionItem{
		SessionID: r.SessionID,
		UserID:    r.UserID,
		Status:    r.Status,
		Version:   r.Version,
		CreatedAt: r.CreatedAt.UnixMilli(),
		UpdatedAt: r.UpdatedAt.UnixMilli(),
		Envelope:  r.Envelope,
	}
	if r.Deadline != nil {
		d := r.Deadline.UnixMilli()
		item.Deadline = &d
	}
	return item
}

func (i *sessionItem) toRecord() *store.SessionRecord {
	r := &store.SessionRecord{
		SessionID: i.SessionID,
		UserID:    i.UserID,
		Status:    i.Status,
		Version:   i.Version,
		CreatedAt: time.UnixMilli(i.CreatedAt).UTC(),
		UpdatedAt: time.UnixMilli(i.UpdatedAt).UTC(),
		Envelope:  i.Envelope,
	}
	if i.Deadline != nil {
		d := time.UnixMilli(*i.Deadline).UTC()
		r.Deadline = &d
	}
	return r
}

// SessionStore is a DynamoDB implementation of store.SessionRecordStore
type SessionStore struct {
	client    DynamoDBAPI
	tableName string
}

// NewSessionStore creates a new DynamoDB session store
func NewSessionStore(client DynamoDBAPI, tableName string) *SessionStore {
	return &SessionStore{
		client:    client,
		tableName: tableName,
	}
}

func sessionKey(sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"session_id": &types.AttributeValueMemberS{Value: sessionID},
	}
}

// Create stores a new session record
func (s *SessionStore) Create(ctx context.Context, record *store.SessionRecord) error {
	item, err := attributevalue.MarshalMap(toSessionItem(record))
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	// Use ConditionExpression to prevent duplicates
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(session_id)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return store.ErrSessionAlreadyExists
		}
		return wrapAWSError(err, "failed to create session")
	}

	log.Debug().
		Str("session_id", record.SessionID).
		Str("user_id", record.UserID).
		Msg("session created")

	return nil
}

// Get retrieves a session record by ID
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*store.SessionRecord, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            sessionKey(sessionID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, wrapAWSError(err, "failed to get session")
	}

	if result.Item == nil {
		return nil, store.ErrSessionNotFound
	}

	var item sessionItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return item.toRecord(), nil
}

// Update replaces a session record guarded by its version
func (s *SessionStore) Update(ctx context.Context, record *store.SessionRecord, expectedVersion int64) error {
	item, err := attributevalue.MarshalMap(toSessionItem(record))
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	condition := expression.AttributeExists(expression.Name("session_id")).
		And(expression.Name("version").Equal(expression.Value(expectedVersion)))

	expr, err := expression.NewBuilder().WithCondition(condition).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                           aws.String(s.tableName),
		Item:                                item,
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			if len(condErr.Item) == 0 {
				return store.ErrSessionNotFound
			}
			log.Debug().
				Str("session_id", record.SessionID).
				Int64("expected_version", expectedVersion).
				Msg("session version conflict")
			return store.ErrConcurrencyConflict
		}
		return wrapAWSError(err, "failed to update session")
	}

	return nil
}

// ListOverdue scans for sessions whose deadline has passed
func (s *SessionStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]store.SessionRef, error) {
	filter := expression.AttributeExists(expression.Name("deadline")).
		And(expression.Name("deadline").LessThanEqual(expression.Value(now.UnixMilli())))

	expr, err := expression.NewBuilder().
		WithFilter(filter).
		WithProjection(expression.NamesList(expression.Name("session_id"), expression.Name("user_id"))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build filter expression: %w", err)
	}

	input := &dynamodb.ScanInput{
		TableName:                 aws.String(s.tableName),
		FilterExpression:          expr.Filter(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}

	var refs []store.SessionRef
	paginator := dynamodb.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapAWSError(err, "failed to scan overdue sessions")
		}

		for _, raw := range page.Items {
			var item sessionItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal session, skipping")
				continue
			}
			refs = append(refs, store.SessionRef{SessionID: item.SessionID, UserID: item.UserID})
			if limit > 0 && len(refs) >= limit {
				return refs, nil
			}
		}
	}

	return refs, nil
}
