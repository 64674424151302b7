package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// CreateSessionTables creates the sessions and entitlements tables
// If cleanResources is true, deletes existing tables first to ensure clean state
// If cleanResources is false, reuses existing tables (preserves data)
func CreateSessionTables(ctx context.Context, client *dynamodb.Client, env string, cleanResources bool) (sessionsTable, entitlementsTable string, err error) {
	sessionsTableName := fmt.Sprintf("%s_assessment_sessions", env)
	entitlementsTableName := fmt.Sprintf("%s_entitlements", env)

	if err := CreateSessionsTable(ctx, client, sessionsTableName, cleanResources); err != nil {
		return "", "", fmt.Errorf("failed to create sessions table: %w", err)
	}

	if err := CreateEntitlementsTable(ctx, client, entitlementsTableName, cleanResources); err != nil {
		return "", "", fmt.Errorf("failed to create entitlements table: %w", err)
	}

	return sessionsTableName, entitlementsTableName, nil
}

// CreateSessionsTable creates the sessions table keyed by session_id.
// Overdue sessions are found with a filtered scan on deadline, so no
// secondary index is needed.
func CreateSessionsTable(ctx context.Context, client *dynamodb.Client, tableName string, cleanResources bool) error {
	return createTable(ctx, client, cleanResources, &dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("session_id"),
				KeyType:       types.KeyTypeHash,
			},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("session_id"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
}

// CreateEntitlementsTable creates the entitlements table keyed by user and product
func CreateEntitlementsTable(ctx context.Context, client *dynamodb.Client, tableName string, cleanResources bool) error {
	return createTable(ctx, client, cleanResources, &dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("user_id"),
				KeyType:       types.KeyTypeHash,
			},
			{
				AttributeName: aws.String("product_id"),
				KeyType:       types.KeyTypeRange,
			},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("user_id"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("product_id"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
}

func createTable(ctx context.Context, client *dynamodb.Client, cleanResources bool, input *dynamodb.CreateTableInput) error {
	if cleanResources {
		if err := deleteTableIfExists(ctx, client, aws.ToString(input.TableName)); err != nil {
			return err
		}
	}

	_, err := client.CreateTable(ctx, input)
	if err != nil {
		// If table already exists and we're not cleaning, that's OK
		var resourceInUse *types.ResourceInUseException
		if !cleanResources && errors.As(err, &resourceInUse) {
			return nil
		}
		return err
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: input.TableName,
	}, 30*time.Second)
}

// deleteTableIfExists attempts to delete a table if it exists
func deleteTableIfExists(ctx context.Context, client *dynamodb.Client, tableName string) error {
	_, err := client.DeleteTable(ctx, &dynamodb.DeleteTableInput{
		TableName: aws.String(tableName),
	})
	if err != nil {
		var resourceNotFound *types.ResourceNotFoundException
		if errors.As(err, &resourceNotFound) {
			return nil
		}
		return err
	}

	waiter := dynamodb.NewTableNotExistsWaiter(client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	}, 30*time.Second)
}

// DeleteTables removes the sessions and entitlements tables
func DeleteTables(ctx context.Context, client *dynamodb.Client, sessionsTable, entitlementsTable string) error {
	if err := deleteTableIfExists(ctx, client, sessionsTable); err != nil {
		return fmt.Errorf("failed to delete sessions table: %w", err)
	}

	if err := deleteTableIfExists(ctx, client, entitlementsTable); err != nil {
		return fmt.Errorf("failed to delete entitlements table: %w", err)
	}

	return nil
}
