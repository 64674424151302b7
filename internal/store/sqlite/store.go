// Package sqlite provides a single-node SQLite backend for session records and
// entitlements, used for local development and the evaluation harness.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/wolfeidau/assessd/internal/store"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS assessment_sessions (
  session_id TEXT PRIMARY KEY,
  user_id    TEXT NOT NULL,
  status     TEXT NOT NULL,
  version    INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  deadline   INTEGER,
  envelope   BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assessment_sessions_deadline ON assessment_sessions (deadline);
CREATE TABLE IF NOT EXISTS entitlements (
  user_id        TEXT NOT NULL,
  product_id     TEXT NOT NULL,
  entitlement_id TEXT NOT NULL,
  remaining_uses INTEGER NOT NULL,
  expires_at     INTEGER NOT NULL,
  PRIMARY KEY (user_id, product_id)
);
`

// Store owns the SQLite handle shared by the session and entitlement views.
type Store struct {
	sqlDB *sql.DB
}

// SessionStore implements store.SessionRecordStore.
type SessionStore struct {
	sqlDB *sql.DB
}

// EntitlementStore implements store.EntitlementStore.
type EntitlementStore struct {
	sqlDB *sql.DB
}

var (
	_ store.SessionRecordStore = (*SessionStore)(nil)
	_ store.EntitlementStore   = (*EntitlementStore)(nil)
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store and creates the schema if needed.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// conditional updates rely on a single writer
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Sessions returns the session record store.
func (s *Store) Sessions() *SessionStore {
	return &SessionStore{sqlDB: s.sqlDB}
}

// Entitlements returns the entitlement store.
func (s *Store) Entitlements() *EntitlementStore {
	return &EntitlementStore{sqlDB: s.sqlDB}
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SessionStore) Create(ctx context.Context, record *store.SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO assessment_sessions (
		   session_id, user_id, status, version, created_at, updated_at, deadline, envelope
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.SessionID,
		record.UserID,
		record.Status,
		record.Version,
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
		deadlineValue(record.Deadline),
		record.Envelope,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrSessionAlreadyExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (*store.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		rec                  store.SessionRecord
		createdAt, updatedAt int64
		deadline             sql.NullInt64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT session_id, user_id, status, version, created_at, updated_at, deadline, envelope
		 FROM assessment_sessions WHERE session_id = ?`,
		sessionID,
	).Scan(&rec.SessionID, &rec.UserID, &rec.Status, &rec.Version, &createdAt, &updatedAt, &deadline, &rec.Envelope)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	if deadline.Valid {
		d := fromMillis(deadline.Int64)
		rec.Deadline = &d
	}
	return &rec, nil
}

func (s *SessionStore) Update(ctx context.Context, record *store.SessionRecord, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE assessment_sessions
		 SET status = ?, version = ?, updated_at = ?, deadline = ?, envelope = ?
		 WHERE session_id = ? AND version = ?`,
		record.Status,
		record.Version,
		toMillis(record.UpdatedAt),
		deadlineValue(record.Deadline),
		record.Envelope,
		record.SessionID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.sqlDB.QueryRowContext(ctx,
		`SELECT 1 FROM assessment_sessions WHERE session_id = ?`, record.SessionID,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	return store.ErrConcurrencyConflict
}

func (s *SessionStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]store.SessionRef, error) {
	if limit <= 0 {
		limit = -1 // no limit in SQLite
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT session_id, user_id FROM assessment_sessions
		 WHERE deadline IS NOT NULL AND deadline <= ?
		 ORDER BY deadline LIMIT ?`,
		toMillis(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list overdue sessions: %w", err)
	}
	defer rows.Close()

	var refs []store.SessionRef
	for rows.Next() {
		var ref store.SessionRef
		if err := rows.Scan(&ref.SessionID, &ref.UserID); err != nil {
			return nil, fmt.Errorf("scan overdue session: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overdue sessions: %w", err)
	}
	return refs, nil
}

// Consume decrements remaining uses with a single conditional statement.
func (s *EntitlementStore) Consume(ctx context.Context, userID, productID, entitlementID string, now time.Time) (string, bool, error) {
	var consumed string
	err := s.sqlDB.QueryRowContext(ctx,
		`UPDATE entitlements SET remaining_uses = remaining_uses - 1
		 WHERE user_id = ? AND product_id = ? AND remaining_uses > 0 AND expires_at > ?
		   AND (? = '' OR entitlement_id = ?)
		 RETURNING entitlement_id`,
		userID, productID, toMillis(now), entitlementID, entitlementID,
	).Scan(&consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("consume entitlement: %w", err)
	}
	return consumed, true, nil
}

func (s *EntitlementStore) Grant(ctx context.Context, ent *store.Entitlement) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO entitlements (user_id, product_id, entitlement_id, remaining_uses, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, product_id) DO UPDATE SET
		   entitlement_id = excluded.entitlement_id,
		   remaining_uses = excluded.remaining_uses,
		   expires_at = excluded.expires_at`,
		ent.UserID, ent.ProductID, ent.EntitlementID, ent.RemainingUses, toMillis(ent.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("grant entitlement: %w", err)
	}
	return nil
}

func (s *EntitlementStore) Get(ctx context.Context, userID, productID string) (*store.Entitlement, error) {
	var (
		ent       store.Entitlement
		expiresAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT user_id, product_id, entitlement_id, remaining_uses, expires_at
		 FROM entitlements WHERE user_id = ? AND product_id = ?`,
		userID, productID,
	).Scan(&ent.UserID, &ent.ProductID, &ent.EntitlementID, &ent.RemainingUses, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entitlement: %w", err)
	}
	ent.ExpiresAt = fromMillis(expiresAt)
	return &ent, nil
}

func deadlineValue(deadline *time.Time) any {
	if deadline == nil {
		return nil
	}
	return toMillis(*deadline)
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
