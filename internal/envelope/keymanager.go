package envelope

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// ErrLocalKeysInProduction is returned when the local key manager is requested
// for a production environment.
var ErrLocalKeysInProduction = errors.New("local key manager cannot be used in production")

// KeyManager issues and unwraps context-bound data keys.
// Implementations include KMSKeyManager (AWS production) and LocalKeyManager
// (development and tests).
type KeyManager interface {
	// GenerateDataKey returns a fresh plaintext data key and its wrapped form.
	// The plaintext must never be persisted or logged.
	GenerateDataKey(ctx context.Context, encCtx map[string]string) (plaintext, wrapped []byte, err error)

	// Unwrap recovers the plaintext data key. It must fail when encCtx differs
	// from the context used to wrap.
	Unwrap(ctx context.Context, wrapped []byte, encCtx map[string]string) ([]byte, error)

	// KeyID identifies the wrapping key for diagnostics.
	KeyID() string
}

// Key manager modes.
const (
	ModeKMS   = "kms"
	ModeLocal = "local"
)

// EnvironmentProduction names the production deployment environment.
const EnvironmentProduction = "production"

// KeyManagerConfig selects and configures a KeyManager.
type KeyManagerConfig struct {
	Mode        string
	Environment string

	// KMS
	AWSConfig aws.Config
	KMSKeyID  string

	// Local
	MasterKey []byte
}

// Validate checks that the configuration is usable.
func (c *KeyManagerConfig) Validate() error {
	switch c.Mode {
	case ModeKMS:
		if c.KMSKeyID == "" {
			return errors.New("KMS key id is required for kms key manager")
		}
	case ModeLocal:
		if c.Environment == EnvironmentProduction {
			return ErrLocalKeysInProduction
		}
		if len(c.MasterKey) != dataKeySize {
			return fmt.Errorf("local master key must be %d bytes", dataKeySize)
		}
	default:
		return fmt.Errorf("unknown key manager mode %q", c.Mode)
	}
	return nil
}

// NewKeyManager builds the key manager named by cfg.Mode. There is no fallback
// between modes.
func NewKeyManager(cfg KeyManagerConfig) (KeyManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Mode {
	case ModeKMS:
		return NewKMSKeyManager(kms.NewFromConfig(cfg.AWSConfig), cfg.KMSKeyID), nil
	default:
		return NewLocalKeyManager(cfg.MasterKey)
	}
}
