package envelope

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// KMSAPI is the subset of the KMS client used for data keys.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSKeyManager implements KeyManager using AWS KMS.
// The wrapping key never leaves KMS; KMS binds the encryption context to the
// wrapped key and refuses to decrypt under any other context.
type KMSKeyManager struct {
	client   KMSAPI
	kmsKeyID string
}

// NewKMSKeyManager creates a key manager for a symmetric KMS key.
// The kmsKeyID can be a key ID, key ARN, alias name, or alias ARN.
func NewKMSKeyManager(client KMSAPI, kmsKeyID string) *KMSKeyManager {
	return &KMSKeyManager{
		client:   client,
		kmsKeyID: kmsKeyID,
	}
}

// KeyID returns the configured KMS key identifier.
func (m *KMSKeyManager) KeyID() string {
	return m.kmsKeyID
}

// GenerateDataKey asks KMS for an AES-256 data key bound to encCtx.
func (m *KMSKeyManager) GenerateDataKey(ctx context.Context, encCtx map[string]string) ([]byte, []byte, error) {
	out, err := m.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:             aws.String(m.kmsKeyID),
		KeySpec:           types.DataKeySpecAes256,
		EncryptionContext: encCtx,
	})
	if err != nil {
		return nil, nil, mapKMSError(err, "KMS generate data key failed")
	}

	if len(out.Plaintext) != dataKeySize || len(out.CiphertextBlob) == 0 {
		clear(out.Plaintext)
		return nil, nil, fmt.Errorf("KMS returned an unexpected data key")
	}

	return out.Plaintext, out.CiphertextBlob, nil
}

// Unwrap decrypts a wrapped data key. KMS verifies encCtx.
func (m *KMSKeyManager) Unwrap(ctx context.Context, wrapped []byte, encCtx map[string]string) ([]byte, error) {
	out, err := m.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    wrapped,
		KeyId:             aws.String(m.kmsKeyID),
		EncryptionContext: encCtx,
	})
	if err != nil {
		return nil, mapKMSError(err, "KMS decrypt failed")
	}

	return out.Plaintext, nil
}

// mapKMSError turns context or ciphertext rejections into ErrTampered so they
// are never confused with transient failures.
func mapKMSError(err error, msg string) error {
	var invalidCiphertext *types.InvalidCiphertextException
	if errors.As(err, &invalidCiphertext) {
		return fmt.Errorf("%s: %w: %v", msg, ErrTampered, err)
	}

	var incorrectKey *types.IncorrectKeyException
	if errors.As(err, &incorrectKey) {
		return fmt.Errorf("%s: %w: %v", msg, ErrTampered, err)
	}

	return fmt.Errorf("%s: %w", msg, err)
}
