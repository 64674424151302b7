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

// entitlementItem is the DynamoDB representation of an entitlement
type entitlementItem struct {
	UserID        string `dynamodbav:"user_id"`
	ProductID     string `dynamodbav:"product_id"`
	EntitlementID string `dynamodbav:"entitlement_id"`
	RemainingUses int64  `dynamodbav:"remaining_uses"`
	ExpiresAt     int64  `dynamodbav:"expires_at"`
}

// EntitlementStore is a DynamoDB implementation of store.EntitlementStore
type EntitlementStore struct {
	client    DynamoDBAPI
	tableName string
}

// NewEntitlementStore creates a new DynamoDB entitlement store
func NewEntitlementStore(client DynamoDBAPI, tableName string) *EntitlementStore {
	return &EntitlementStore{
		client:    client,
		tableName: tableName,
	}
}

func entitlementKey(userID, productID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"user_id":    &types.AttributeValueMemberS{Value: userID},
		"product_id": &types.AttributeValueMemberS{Value: productID},
	}
}

// Consume atomically decrements remaining uses
func (s *EntitlementStore) Consume(ctx context.Context, userID, productID, entitlementID string, now time.Time) (string, bool, error) {
	update := expression.Set(
		expression.Name("remaining_uses"),
		expression.Name("remaining_uses").Minus(expression.Value(1)),
	)

	condition := expression.AttributeExists(expression.Name("user_id")).
		And(expression.Name("remaining_uses").GreaterThan(expression.Value(0))).
		And(expression.Name("expires_at").GreaterThan(expression.Value(now.UnixMilli())))
	if entitlementID != "" {
		condition = condition.And(expression.Name("entitlement_id").Equal(expression.Value(entitlementID)))
	}

	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(condition).
		Build()
	if err != nil {
		return "", false, fmt.Errorf("failed to build expression: %w", err)
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       entitlementKey(userID, productID),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return "", false, nil
		}
		return "", false, wrapAWSError(err, "failed to consume entitlement")
	}

	var item entitlementItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return "", false, fmt.Errorf("failed to unmarshal entitlement: %w", err)
	}

	log.Info().
		Str("user_id", userID).
		Str("product_id", productID).
		Str("entitlement_id", item.EntitlementID).
		Msg("entitlement consumed")

	return item.EntitlementID, true, nil
}

// Grant creates or replaces an entitlement
func (s *EntitlementStore) Grant(ctx context.Context, ent *store.Entitlement) error {
	item, err := attributevalue.MarshalMap(&entitlementItem{
		UserID:        ent.UserID,
		ProductID:     ent.ProductID,
		EntitlementID: ent.EntitlementID,
		RemainingUses: ent.RemainingUses,
		ExpiresAt:     ent.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal entitlement: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return wrapAWSError(err, "failed to grant entitlement")
	}

	return nil
}

// Get retrieves an entitlement
func (s *EntitlementStore) Get(ctx context.Context, userID, productID string) (*store.Entitlement, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            entitlementKey(userID, productID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, wrapAWSError(err, "failed to get entitlement")
	}

	if result.Item == nil {
		return nil, store.ErrEntitlementNotFound
	}

	var item entitlementItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entitlement: %w", err)
	}

	return &store.Entitlement{
		UserID:        item.UserID,
		ProductID:     item.ProductID,
		EntitlementID: item.EntitlementID,
		RemainingUses: item.RemainingUses,
		ExpiresAt:     time.UnixMilli(item.ExpiresAt).UTC(),
	}, nil
}
