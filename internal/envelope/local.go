package envelope

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/hkdf"
)

const localWrapInfo = "assessd/local-wrap/v1\n"

// LocalKeyManager implements KeyManager with a master key held in process.
// This is intended for local development and tests only - not for production use.
//
// Each wrapping key is derived with HKDF-SHA256 from the master key and the
// canonical encryption context, so unwrapping under a different context
// derives a different key and fails authentication.
type LocalKeyManager struct {
	masterKey []byte
	keyID     string
}

// NewLocalKeyManager creates a local key manager from a 32 byte master key.
func NewLocalKeyManager(masterKey []byte) (*LocalKeyManager, error) {
	if len(masterKey) != dataKeySize {
		return nil, fmt.Errorf("local master key must be %d bytes", dataKeySize)
	}

	hash := sha256.Sum256(masterKey)

	return &LocalKeyManager{
		masterKey: append([]byte(nil), masterKey...),
		keyID:     "local:" + base58.Encode(hash[:8]),
	}, nil
}

// KeyID returns a fingerprint of the master key.
func (m *LocalKeyManager) KeyID() string {
	return m.keyID
}

// GenerateDataKey returns a random data key wrapped under the context key.
func (m *LocalKeyManager) GenerateDataKey(ctx context.Context, encCtx map[string]string) ([]byte, []byte, error) {
	dataKey := make([]byte, dataKeySize)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return nil, nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	wrapKey, err := m.deriveWrapKey(encCtx)
	if err != nil {
		clear(dataKey)
		return nil, nil, err
	}
	defer clear(wrapKey)

	wrapped, err := seal(wrapKey, dataKey, nil)
	if err != nil {
		clear(dataKey)
		return nil, nil, fmt.Errorf("failed to wrap data key: %w", err)
	}

	return dataKey, wrapped, nil
}

// Unwrap recovers a data key; a context mismatch fails with ErrTampered.
func (m *LocalKeyManager) Unwrap(ctx context.Context, wrapped []byte, encCtx map[string]string) ([]byte, error) {
	wrapKey, err := m.deriveWrapKey(encCtx)
	if err != nil {
		return nil, err
	}
	defer clear(wrapKey)

	dataKey, err := open(wrapKey, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap data key: %w", err)
	}
	return dataKey, nil
}

func (m *LocalKeyManager) deriveWrapKey(encCtx map[string]string) ([]byte, error) {
	info := append([]byte(localWrapInfo), CanonicalContext(encCtx)...)
	h := hkdf.New(sha256.New, m.masterKey, nil, info)
	out := make([]byte, dataKeySize)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, fmt.Errorf("failed to derive wrapping key: %w", err)
	}
	return out, nil
}
