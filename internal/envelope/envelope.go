// Package envelope implements envelope encryption of session payloads.
//
// Each Encrypt call asks a KeyManager for a fresh data key bound to an
// encryption context, seals the payload with AES-256-GCM using the canonical
// context as additional data, and keeps only the wrapped key. The plaintext
// data key is zeroed once the call returns.
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Errors
var (
	ErrEncryption   = errors.New("encryption failure")
	ErrAccessDenied = errors.New("access denied")
	ErrTampered     = errors.New("envelope failed authentication")
)

const (
	AlgorithmAES256GCM = "AES_256_GCM"
	CurrentVersion     = 1

	dataKeySize = 32
)

// Encryption context keys.
const (
	ContextUserID      = "user_id"
	ContextSessionID   = "session_id"
	ContextDataType    = "data_type"
	ContextTimestamp   = "timestamp"
	ContextApplication = "application"
)

// EncryptedEnvelope is an immutable sealed payload.
type EncryptedEnvelope struct {
	WrappedKey []byte            `json:"wrapped_key"`
	Ciphertext []byte            `json:"ciphertext"`
	Context    map[string]string `json:"encryption_context"`
	Algorithm  string            `json:"algorithm"`
	Version    int               `json:"version"`
	KeyID      string            `json:"key_id,omitempty"`
}

// Context describes who and what a payload belongs to.
type Context struct {
	UserID    string
	SessionID string
	DataType  string
	Timestamp time.Time
}

// Requester identifies the caller asking to decrypt. SessionID is checked when
// set.
type Requester struct {
	UserID    string
	SessionID string
}

// Service seals and opens envelopes using a KeyManager.
type Service struct {
	keys        KeyManager
	application string
}

// NewService creates an envelope service. application is bound into every
// encryption context.
func NewService(keys KeyManager, application string) *Service {
	return &Service{keys: keys, application: application}
}

// KeyID returns the identifier of the backing key.
func (s *Service) KeyID() string {
	return s.keys.KeyID()
}

func (s *Service) contextMap(ec Context) map[string]string {
	return map[string]string{
		ContextUserID:      ec.UserID,
		ContextSessionID:   ec.SessionID,
		ContextDataType:    ec.DataType,
		ContextTimestamp:   ec.Timestamp.UTC().Format(time.RFC3339Nano),
		ContextApplication: s.application,
	}
}

// Encrypt seals payload under a fresh data key bound to ec.
func (s *Service) Encrypt(ctx context.Context, payload []byte, ec Context) (*EncryptedEnvelope, error) {
	if ec.UserID == "" || ec.SessionID == "" || ec.DataType == "" {
		return nil, fmt.Errorf("%w: user_id, session_id and data_type are required", ErrEncryption)
	}
	if ec.Timestamp.IsZero() {
		ec.Timestamp = time.Now()
	}

	encCtx := s.contextMap(ec)

	dataKey, wrapped, err := s.keys.GenerateDataKey(ctx, encCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: generate data key: %w", ErrEncryption, err)
	}
	defer clear(dataKey)

	ciphertext, err := seal(dataKey, payload, CanonicalContext(encCtx))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryption, err)
	}

	log.Debug().
		Str("session_id", ec.SessionID).
		Str("data_type", ec.DataType).
		Str("key_id", s.keys.KeyID()).
		Msg("payload encrypted")

	return &EncryptedEnvelope{
		WrappedKey: wrapped,
		Ciphertext: ciphertext,
		Context:    encCtx,
		Algorithm:  AlgorithmAES256GCM,
		Version:    CurrentVersion,
		KeyID:      s.keys.KeyID(),
	}, nil
}

// Decrypt opens env for req. The requester must own the envelope even when the
// ciphertext itself is valid.
func (s *Service) Decrypt(ctx context.Context, env *EncryptedEnvelope, req Requester) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrEncryption)
	}
	if err := authorize(env, req); err != nil {
		return nil, err
	}
	if env.Algorithm != AlgorithmAES256GCM || env.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: unsupported envelope %s/v%d", ErrEncryption, env.Algorithm, env.Version)
	}
	if env.Context[ContextApplication] != s.application {
		return nil, fmt.Errorf("%w: application mismatch", ErrAccessDenied)
	}

	dataKey, err := s.keys.Unwrap(ctx, env.WrappedKey, env.Context)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap data key: %w", ErrEncryption, err)
	}
	defer clear(dataKey)

	plaintext, err := open(dataKey, env.Ciphertext, CanonicalContext(env.Context))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryption, err)
	}

	// second check after the key manager has vouched for the context
	if err := authorize(env, req); err != nil {
		clear(plaintext)
		return nil, err
	}

	return plaintext, nil
}

func authorize(env *EncryptedEnvelope, req Requester) error {
	if req.UserID == "" || env.Context[ContextUserID] != req.UserID {
		return fmt.Errorf("%w: envelope owner mismatch", ErrAccessDenied)
	}
	if req.SessionID != "" && env.Context[ContextSessionID] != req.SessionID {
		return fmt.Errorf("%w: envelope session mismatch", ErrAccessDenied)
	}
	return nil
}

// CanonicalContext encodes a context as sorted key=value lines. It is used as
// AEAD additional data and as HKDF info, so its format must never change.
func CanonicalContext(ec map[string]string) []byte {
	keys := make([]string, 0, len(ec))
	for k := range ec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(ec[k])
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// seal encrypts with AES-GCM and returns nonce || ciphertext.
func seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func open(key, sealed, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrTampered
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrTampered
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != dataKeySize {
		return nil, fmt.Errorf("invalid key length %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
