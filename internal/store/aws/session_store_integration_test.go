//go:build integration

package aws

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/assessd/internal/bootstrap"
	"github.com/wolfeidau/assessd/internal/store"
)

const (
	testEndpoint = "http://localhost:4566"
	testRegion   = "us-east-1"
)

func localstackConfig(t *testing.T, ctx context.Context) aws.Config {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(testRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
	)
	require.NoError(t, err)
	return cfg
}

// setupTables bootstraps fresh tables in LocalStack and removes them when
// the test finishes.
func setupTables(t *testing.T) (*dynamodb.Client, *bootstrap.Resources) {
	t.Helper()
	ctx := context.Background()
	cfg := localstackConfig(t, ctx)

	bcfg := bootstrap.Config{
		DynamoClient: dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(testEndpoint)
		}),
		SQSClient: sqs.NewFromConfig(cfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(testEndpoint)
		}),
		Environment:    "itest",
		CleanResources: true,
	}

	res, err := bootstrap.Bootstrap(ctx, bcfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = bootstrap.Cleanup(context.Background(), bcfg, res)
	})

	return bcfg.DynamoClient, res
}

func TestSessionStore_Integration(t *testing.T) {
	client, res := setupTables(t)
	ctx := context.Background()
	s := NewSessionStore(client, res.TableNames.Sessions)

	rec := testRecord()
	require.NoError(t, s.Create(ctx, rec))
	require.ErrorIs(t, s.Create(ctx, rec), store.ErrSessionAlreadyExists)

	got, err := s.Get(ctx, rec.SessionID)
	require.NoError(t, err)
	require.Equal(t, rec.UserID, got.UserID)
	require.Equal(t, rec.Envelope, got.Envelope)
	require.Equal(t, rec.Deadline.UnixMilli(), got.Deadline.UnixMilli())

	next := got.Clone()
	next.Version = got.Version + 1
	next.Status = "IN_PROGRESS"
	require.NoError(t, s.Update(ctx, next, got.Version))

	// a writer holding the old version loses
	stale := got.Clone()
	stale.Version = got.Version + 1
	require.ErrorIs(t, s.Update(ctx, stale, got.Version), store.ErrConcurrencyConflict)

	missing := testRecord()
	missing.SessionID = "does-not-exist"
	require.ErrorIs(t, s.Update(ctx, missing, 1), store.ErrSessionNotFound)

	refs, err := s.ListOverdue(ctx, rec.Deadline.Add(time.Second), 10)
	require.NoError(t, err)
	require.Equal(t, []store.SessionRef{{SessionID: rec.SessionID, UserID: rec.UserID}}, refs)

	refs, err = s.ListOverdue(ctx, rec.Deadline.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestEntitlementStore_Integration(t *testing.T) {
	client, res := setupTables(t)
	ctx := context.Background()
	s := NewEntitlementStore(client, res.TableNames.Entitlements)
	now := time.Now().UTC()

	require.NoError(t, s.Grant(ctx, &store.Entitlement{
		UserID:        "user-1",
		ProductID:     "ACADEMIC",
		EntitlementID: "ent-1",
		RemainingUses: 1,
		ExpiresAt:     now.Add(time.Hour),
	}))

	_, ok, err := s.Consume(ctx, "user-1", "ACADEMIC", "ent-other", now)
	require.NoError(t, err)
	require.False(t, ok)

	id, ok, err := s.Consume(ctx, "user-1", "ACADEMIC", "ent-1", now)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ent-1", id)

	_, ok, err = s.Consume(ctx, "user-1", "ACADEMIC", "", now)
	require.NoError(t, err)
	require.False(t, ok)

	ent, err := s.Get(ctx, "user-1", "ACADEMIC")
	require.NoError(t, err)
	require.Equal(t, int64(0), ent.RemainingUses)
}
