package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for common error conditions
var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyExists = errors.New("session already exists")
	ErrConcurrencyConflict  = errors.New("concurrent modification")
	ErrEntitlementNotFound  = errors.New("entitlement not found")
	ErrThrottled            = errors.New("AWS request throttled")
)

// SessionRecord is the stored form of an assessment session. Envelope holds
// the encrypted session document; the remaining fields are plaintext index
// attributes that never carry assessment content.
type SessionRecord struct {
	SessionID string     `dynamodbav:"session_id"`
	UserID    string     `dynamodbav:"user_id"`
	Status    string     `dynamodbav:"status"`
	Version   int64      `dynamodbav:"version"`
	CreatedAt time.Time  `dynamodbav:"created_at"`
	UpdatedAt time.Time  `dynamodbav:"updated_at"`
	Deadline  *time.Time `dynamodbav:"deadline,omitempty"`
	Envelope  []byte     `dynamodbav:"envelope"`
}

// Clone returns a deep copy of the record.
func (r *SessionRecord) Clone() *SessionRecord {
	clone := *r
	clone.Envelope = append([]byte(nil), r.Envelope...)
	if r.Deadline != nil {
		d := *r.Deadline
		clone.Deadline = &d
	}
	return &clone
}

// SessionRef identifies a stored session and its owner.
type SessionRef struct {
	SessionID string
	UserID    string
}

// SessionRecordStore persists encrypted session records with optimistic
// concurrency.
type SessionRecordStore interface {
	// Create stores a new record. Returns ErrSessionAlreadyExists if the id is taken.
	Create(ctx context.Context, record *SessionRecord) error

	// Get returns a record by id or ErrSessionNotFound.
	Get(ctx context.Context, sessionID string) (*SessionRecord, error)

	// Update replaces a record only if the stored version equals
	// expectedVersion. Returns ErrConcurrencyConflict otherwise, or
	// ErrSessionNotFound if the record does not exist.
	Update(ctx context.Context, record *SessionRecord, expectedVersion int64) error

	// ListOverdue returns sessions whose deadline is at or before now,
	// at most limit of them. A limit of zero or less returns them all.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]SessionRef, error)
}

// Entitlement is a purchased, countable right to start assessment sessions.
type Entitlement struct {
	UserID        string    `dynamodbav:"user_id"`
	ProductID     string    `dynamodbav:"product_id"`
	EntitlementID string    `dynamodbav:"entitlement_id"`
	RemainingUses int64     `dynamodbav:"remaining_uses"`
	ExpiresAt     time.Time `dynamodbav:"expires_at"`
}

// EntitlementStore atomically tracks remaining uses.
type EntitlementStore interface {
	// Consume decrements remaining uses only if they are positive, the
	// entitlement has not expired at now and, when entitlementID is not
	// empty, it is the entitlement held for userID and productID. It returns
	// the consumed entitlement id, or false without side effects otherwise.
	Consume(ctx context.Context, userID, productID, entitlementID string, now time.Time) (string, bool, error)

	// Grant creates or replaces an entitlement.
	Grant(ctx context.Context, ent *Entitlement) error

	// Get returns an entitlement or ErrEntitlementNotFound.
	Get(ctx context.Context, userID, productID string) (*Entitlement, error)
}
