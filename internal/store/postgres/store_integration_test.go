//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/wolfeidau/assessd/internal/store"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) (*pgxpool.Pool, func()) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connString := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	pool, err := NewPool(ctx, &PoolConfig{ConnString: connString})
	require.NoError(t, err)

	require.NoError(t, RunMigrations(ctx, pool))
	// second run must be a no-op
	require.NoError(t, RunMigrations(ctx, pool))

	cleanup := func() {
		pool.Close()
		_ = container.Terminate(ctx)
	}

	return pool, cleanup
}

func TestIntegration_SessionStore(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	st := NewSessionStore(pool)
	now := time.Now().UTC().Truncate(time.Millisecond)
	deadline := now.Add(20 * time.Minute)

	rec := &store.SessionRecord{
		SessionID: "s-1",
		UserID:    "user-1",
		Status:    "IN_PROGRESS",
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		Deadline:  &deadline,
		Envelope:  []byte("sealed-1"),
	}

	t.Run("create and get", func(t *testing.T) {
		require.NoError(t, st.Create(ctx, rec))

		got, err := st.Get(ctx, "s-1")
		require.NoError(t, err)
		require.Equal(t, rec.Envelope, got.Envelope)
		require.Equal(t, int64(1), got.Version)
		require.True(t, deadline.Equal(*got.Deadline))
	})

	t.Run("duplicate create", func(t *testing.T) {
		err := st.Create(ctx, rec)
		require.ErrorIs(t, err, store.ErrSessionAlreadyExists)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := st.Get(ctx, "nope")
		require.ErrorIs(t, err, store.ErrSessionNotFound)
	})

	t.Run("conditional update", func(t *testing.T) {
		next := rec.Clone()
		next.Version = 2
		next.Envelope = []byte("sealed-2")
		require.NoError(t, st.Update(ctx, next, 1))

		stale := rec.Clone()
		stale.Version = 2
		err := st.Update(ctx, stale, 1)
		require.ErrorIs(t, err, store.ErrConcurrencyConflict)

		got, err := st.Get(ctx, "s-1")
		require.NoError(t, err)
		require.Equal(t, []byte("sealed-2"), got.Envelope)
	})

	t.Run("update missing", func(t *testing.T) {
		missing := rec.Clone()
		missing.SessionID = "ghost"
		err := st.Update(ctx, missing, 1)
		require.ErrorIs(t, err, store.ErrSessionNotFound)
	})

	t.Run("list overdue", func(t *testing.T) {
		refs, err := st.ListOverdue(ctx, now, 10)
		require.NoError(t, err)
		require.Empty(t, refs)

		refs, err = st.ListOverdue(ctx, deadline.Add(time.Second), 10)
		require.NoError(t, err)
		require.Equal(t, []store.SessionRef{{SessionID: "s-1", UserID: "user-1"}}, refs)

		refs, err = st.ListOverdue(ctx, deadline.Add(time.Second), 0)
		require.NoError(t, err)
		require.Equal(t, []store.SessionRef{{SessionID: "s-1", UserID: "user-1"}}, refs)
	})
}

func TestIntegration_EntitlementStore(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	st := NewEntitlementStore(pool)
	now := time.Now().UTC()

	require.NoError(t, st.Grant(ctx, &store.Entitlement{
		UserID:        "user-1",
		ProductID:     "academic_writing",
		EntitlementID: "ent-1",
		RemainingUses: 1,
		ExpiresAt:     now.Add(24 * time.Hour),
	}))

	_, ok, err := st.Consume(ctx, "user-1", "academic_writing", "ent-other", now)
	require.NoError(t, err)
	require.False(t, ok)

	id, ok, err := st.Consume(ctx, "user-1", "academic_writing", "ent-1", now)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ent-1", id)

	_, ok, err = st.Consume(ctx, "user-1", "academic_writing", "", now)
	require.NoError(t, err)
	require.False(t, ok)

	ent, err := st.Get(ctx, "user-1", "academic_writing")
	require.NoError(t, err)
	require.Equal(t, int64(0), ent.RemainingUses)

	_, err = st.Get(ctx, "user-2", "academic_writing")
	require.ErrorIs(t, err, store.ErrEntitlementNotFound)
}
