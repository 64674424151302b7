package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/assessd/internal/store"
)

// SessionStore implements store.SessionRecordStore using PostgreSQL.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates a new PostgreSQL-backed session record store.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

var _ store.SessionRecordStore = (*SessionStore)(nil)

// Create stores a new session record.
func (s *SessionStore) Create(ctx context.Context, record *store.SessionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO assessment_sessions (
			session_id, user_id, status, version, created_at, updated_at, deadline, envelope
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		record.SessionID,
		record.UserID,
		record.Status,
		record.Version,
		record.CreatedAt,
		record.UpdatedAt,
		record.Deadline,
		record.Envelope,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", mapPostgresError(err))
	}

	log.Debug().Str("session_id", record.SessionID).Int64("version", record.Version).Msg("Session record created")
	return nil
}

// Get retrieves a session record by id.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*store.SessionRecord, error) {
	var rec store.SessionRecord
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, user_id, status, version, created_at, updated_at, deadline, envelope
		FROM assessment_sessions
		WHERE session_id = $1
	`, sessionID).Scan(
		&rec.SessionID,
		&rec.UserID,
		&rec.Status,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.Deadline,
		&rec.Envelope,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", mapPostgresError(err))
	}

	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if rec.Deadline != nil {
		d := rec.Deadline.UTC()
		rec.Deadline = &d
	}

	return &rec, nil
}

// Update replaces a session record when the stored version matches expectedVersion.
func (s *SessionStore) Update(ctx context.Context, record *store.SessionRecord, expectedVersion int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE assessment_sessions
		SET status = $2, version = $3, updated_at = $4, deadline = $5, envelope = $6
		WHERE session_id = $1 AND version = $7
	`,
		record.SessionID,
		record.Status,
		record.Version,
		record.UpdatedAt,
		record.Deadline,
		record.Envelope,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", mapPostgresError(err))
	}

	if tag.RowsAffected() == 1 {
		return nil
	}

	// Zero rows: either the session is gone or another writer bumped the version.
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM assessment_sessions WHERE session_id = $1)`, record.SessionID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check session existence: %w", mapPostgresError(err))
	}
	if !exists {
		return store.ErrSessionNotFound
	}

	log.Debug().
		Str("session_id", record.SessionID).
		Int64("expected_version", expectedVersion).
		Msg("Session version mismatch")
	return store.ErrConcurrencyConflict
}

// ListOverdue returns sessions with a deadline at or before now, earliest first.
func (s *SessionStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]store.SessionRef, error) {
	// LIMIT NULL is no limit
	var maxRows *int
	if limit > 0 {
		maxRows = &limit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT session_id, user_id
		FROM assessment_sessions
		WHERE deadline IS NOT NULL AND deadline <= $1
		ORDER BY deadline
		LIMIT $2
	`, now, maxRows)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue sessions: %w", mapPostgresError(err))
	}

	refs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.SessionRef, error) {
		var ref store.SessionRef
		err := row.Scan(&ref.SessionID, &ref.UserID)
		return ref, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan overdue sessions: %w", mapPostgresError(err))
	}

	return refs, nil
}
