// Package sessionstore persists assessment sessions as envelope-encrypted
// records with optimistic concurrency.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/assessd/internal/envelope"
	"github.com/wolfeidau/assessd/internal/models"
	"github.com/wolfeidau/assessd/internal/store"
	"github.com/wolfeidau/assessd/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DataTypeSessionState is the data_type bound into every session envelope.
const DataTypeSessionState = "session_state"

// Config configures a Store.
type Config struct {
	// StartWindow feeds the deadline index for NOT_STARTED sessions. Zero
	// leaves them unindexed, matching a machine with the window disabled.
	StartWindow time.Duration
	// Now is the clock used for encryption timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Store encodes, encrypts and persists sessions.
type Store struct {
	records     store.SessionRecordStore
	crypto      *envelope.Service
	enc         *zstd.Encoder
	dec         *zstd.Decoder
	startWindow time.Duration
	now         func() time.Time
	metrics     *telemetry.Metrics
}

// New creates a session state store.
func New(records store.SessionRecordStore, crypto *envelope.Service, cfg Config) (*Store, error) {
	if records == nil || crypto == nil {
		return nil, fmt.Errorf("records and crypto are required")
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Store{
		records:     records,
		crypto:      crypto,
		enc:         enc,
		dec:         dec,
		startWindow: cfg.StartWindow,
		now:         cfg.Now,
		metrics:     telemetry.GetMetrics(),
	}, nil
}

// Create persists a new session at version 1.
func (s *Store) Create(ctx context.Context, session *models.AssessmentSession) error {
	rec, err := s.seal(ctx, session, 1)
	if err != nil {
		return err
	}
	if err := s.records.Create(ctx, rec); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	session.Version = rec.Version
	return nil
}

// Save writes session only if the stored version still equals
// session.Version, then advances session.Version.
func (s *Store) Save(ctx context.Context, session *models.AssessmentSession) error {
	start := time.Now()

	expected := session.Version
	rec, err := s.seal(ctx, session, expected+1)
	if err != nil {
		return err
	}

	if err := s.records.Update(ctx, rec, expected); err != nil {
		if errors.Is(err, store.ErrConcurrencyConflict) {
			telemetry.Inc(ctx, s.metrics.ConcurrencyConflictsTotal)
			log.Ctx(ctx).Debug().
				Str("session_id", session.SessionID).
				Int64("expected_version", expected).
				Msg("session save lost race")
		}
		return fmt.Errorf("failed to save session: %w", err)
	}

	session.Version = rec.Version
	s.metrics.SessionSaveDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	return nil
}

// Load reads and decrypts a session owned by userID. Missing sessions and
// sessions owned by someone else both return store.ErrSessionNotFound.
func (s *Store) Load(ctx context.Context, sessionID, userID string) (*models.AssessmentSession, error) {
	rec, err := s.records.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var env envelope.EncryptedEnvelope
	if err := json.Unmarshal(rec.Envelope, &env); err != nil {
		return nil, fmt.Errorf("%w: corrupt envelope: %w", envelope.ErrEncryption, err)
	}

	telemetry.Inc(ctx, s.metrics.EnvelopeOperationsTotal, attribute.String("op", "decrypt"))
	compressed, err := s.crypto.Decrypt(ctx, &env, envelope.Requester{UserID: userID, SessionID: sessionID})
	if err != nil {
		if errors.Is(err, envelope.ErrAccessDenied) {
			telemetry.Inc(ctx, s.metrics.AccessDeniedTotal)
			log.Ctx(ctx).Warn().Str("session_id", sessionID).Msg("session access denied")
			return nil, fmt.Errorf("%w: %w", store.ErrSessionNotFound, err)
		}
		telemetry.Inc(ctx, s.metrics.EnvelopeErrorsTotal, attribute.String("op", "decrypt"))
		return nil, err
	}

	plaintext, err := s.dec.DecodeAll(compressed, nil)
	clear(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress session: %w", envelope.ErrEncryption, err)
	}
	defer clear(plaintext)

	session, err := unmarshalSession(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", envelope.ErrEncryption, err)
	}

	// the index row must agree with the sealed document
	if session.SessionID != rec.SessionID || session.UserID != rec.UserID {
		return nil, fmt.Errorf("%w: index mismatch for session %s", envelope.ErrAccessDenied, sessionID)
	}

	session.Version = rec.Version
	return session, nil
}

// seal builds the stored record for session at version.
func (s *Store) seal(ctx context.Context, session *models.AssessmentSession, version int64) (*store.SessionRecord, error) {
	plaintext, err := marshalSession(session)
	if err != nil {
		return nil, fmt.Errorf("%w: encode session: %w", envelope.ErrEncryption, err)
	}
	compressed := s.enc.EncodeAll(plaintext, make([]byte, 0, len(plaintext)/2))
	clear(plaintext)
	s.metrics.SessionPayloadBytes.Record(ctx, int64(len(compressed)), metric.WithAttributes(
		attribute.String("assessment_type", string(session.AssessmentType)),
	))

	telemetry.Inc(ctx, s.metrics.EnvelopeOperationsTotal, attribute.String("op", "encrypt"))
	env, err := s.crypto.Encrypt(ctx, compressed, envelope.Context{
		UserID:    session.UserID,
		SessionID: session.SessionID,
		DataType:  DataTypeSessionState,
		Timestamp: s.now(),
	})
	clear(compressed)
	if err != nil {
		telemetry.Inc(ctx, s.metrics.EnvelopeErrorsTotal, attribute.String("op", "encrypt"))
		return nil, err
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: encode envelope: %w", envelope.ErrEncryption, err)
	}

	return &store.SessionRecord{
		SessionID: session.SessionID,
		UserID:    session.UserID,
		Status:    string(session.Status),
		Version:   version,
		CreatedAt: session.CreatedAt,
		UpdatedAt: session.UpdatedAt,
		Deadline:  session.Deadline(s.startWindow),
		Envelope:  raw,
	}, nil
}
