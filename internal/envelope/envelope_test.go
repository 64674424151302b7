package envelope

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/stretchr/testify/require"
)

func newLocalService(t *testing.T) *Service {
	t.Helper()
	master := make([]byte, 32)
	_, err := rand.Read(master)
	require.NoError(t, err)

	keys, err := NewLocalKeyManager(master)
	require.NoError(t, err)
	return NewService(keys, "assessd-test")
}

func testContext() Context {
	return Context{
		UserID:    "user-1",
		SessionID: "session-1",
		DataType:  "session_state",
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestService_RoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newLocalService(t)

	payload := []byte(`{"session_id":"session-1","status":"IN_PROGRESS"}`)
	env, err := svc.Encrypt(ctx, payload, testContext())
	require.NoError(t, err)

	require.Equal(t, AlgorithmAES256GCM, env.Algorithm)
	require.Equal(t, CurrentVersion, env.Version)
	require.Equal(t, "user-1", env.Context[ContextUserID])
	require.Equal(t, "session-1", env.Context[ContextSessionID])
	require.Equal(t, "session_state", env.Context[ContextDataType])
	require.Equal(t, "assessd-test", env.Context[ContextApplication])
	require.NotEmpty(t, env.Context[ContextTimestamp])
	require.False(t, bytes.Contains(env.Ciphertext, payload))

	plaintext, err := svc.Decrypt(ctx, env, Requester{UserID: "user-1", SessionID: "session-1"})
	require.NoError(t, err)
	require.Equal(t, payload, plaintext)
}

func TestService_EncryptRequiresContext(t *testing.T) {
	svc := newLocalService(t)

	_, err := svc.Encrypt(context.Background(), []byte("x"), Context{UserID: "user-1"})
	require.ErrorIs(t, err, ErrEncryption)
}

func TestService_FreshDataKeyPerCall(t *testing.T) {
	ctx := context.Background()
	svc := newLocalService(t)

	a, err := svc.Encrypt(ctx, []byte("same"), testContext())
	require.NoError(t, err)
	b, err := svc.Encrypt(ctx, []byte("same"), testContext())
	require.NoError(t, err)

	require.NotEqual(t, a.WrappedKey, b.WrappedKey)
	require.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestService_DecryptOwnership(t *testing.T) {
	ctx := context.Background()
	svc := newLocalService(t)

	env, err := svc.Encrypt(ctx, []byte("secret"), testContext())
	require.NoError(t, err)

	t.Run("different user is denied", func(t *testing.T) {
		_, err := svc.Decrypt(ctx, env, Requester{UserID: "user-2"})
		require.ErrorIs(t, err, ErrAccessDenied)
	})

	t.Run("empty user is denied", func(t *testing.T) {
		_, err := svc.Decrypt(ctx, env, Requester{})
		require.ErrorIs(t, err, ErrAccessDenied)
	})

	t.Run("different session is denied", func(t *testing.T) {
		_, err := svc.Decrypt(ctx, env, Requester{UserID: "user-1", SessionID: "session-2"})
		require.ErrorIs(t, err, ErrAccessDenied)
	})

	t.Run("owner without session check succeeds", func(t *testing.T) {
		plaintext, err := svc.Decrypt(ctx, env, Requester{UserID: "user-1"})
		require.NoError(t, err)
		require.Equal(t, []byte("secret"), plaintext)
	})
}

func TestService_ContextTamperFailsHard(t *testing.T) {
	ctx := context.Background()
	svc := newLocalService(t)

	env, err := svc.Encrypt(ctx, []byte("secret"), testContext())
	require.NoError(t, err)

	// rewrite the stored owner and ask as the forged owner
	forged := *env
	forged.Context = maps.Clone(env.Context)
	forged.Context[ContextUserID] = "attacker"

	_, err = svc.Decrypt(ctx, &forged, Requester{UserID: "attacker"})
	require.ErrorIs(t, err, ErrEncryption)
	require.ErrorIs(t, err, ErrTampered)
}

func TestService_CiphertextTamperFailsHard(t *testing.T) {
	ctx := context.Background()
	svc := newLocalService(t)

	env, err := svc.Encrypt(ctx, []byte("secret"), testContext())
	require.NoError(t, err)

	tampered := *env
	tampered.Ciphertext = append([]byte(nil), env.Ciphertext...)
	tampered.Ciphertext[len(tampered.Ciphertext)-1] ^= 0xff

	_, err = svc.Decrypt(ctx, &tampered, Requester{UserID: "user-1"})
	require.ErrorIs(t, err, ErrTampered)
}

func TestService_RejectsOtherApplication(t *testing.T) {
	ctx := context.Background()
	master := bytes.Repeat([]byte{7}, 32)
	keys, err := NewLocalKeyManager(master)
	require.NoError(t, err)

	env, err := NewService(keys, "app-a").Encrypt(ctx, []byte("secret"), testContext())
	require.NoError(t, err)

	_, err = NewService(keys, "app-b").Decrypt(ctx, env, Requester{UserID: "user-1"})
	require.ErrorIs(t, err, ErrAccessDenied)
}

func TestNewKeyManager(t *testing.T) {
	t.Run("local refused in production", func(t *testing.T) {
		_, err := NewKeyManager(KeyManagerConfig{
			Mode:        ModeLocal,
			Environment: EnvironmentProduction,
			MasterKey:   bytes.Repeat([]byte{1}, 32),
		})
		require.ErrorIs(t, err, ErrLocalKeysInProduction)
	})

	t.Run("local requires 32 byte key", func(t *testing.T) {
		_, err := NewKeyManager(KeyManagerConfig{Mode: ModeLocal, Environment: "dev", MasterKey: []byte("short")})
		require.Error(t, err)
	})

	t.Run("kms requires key id", func(t *testing.T) {
		_, err := NewKeyManager(KeyManagerConfig{Mode: ModeKMS, AWSConfig: aws.Config{Region: "us-east-1"}})
		require.Error(t, err)
	})

	t.Run("unknown mode", func(t *testing.T) {
		_, err := NewKeyManager(KeyManagerConfig{Mode: "plaintext"})
		require.Error(t, err)
	})

	t.Run("local in dev", func(t *testing.T) {
		km, err := NewKeyManager(KeyManagerConfig{Mode: ModeLocal, Environment: "dev", MasterKey: bytes.Repeat([]byte{1}, 32)})
		require.NoError(t, err)
		require.Contains(t, km.KeyID(), "local:")
	})
}

// fakeKMS binds data keys to their encryption context the way KMS does.
type fakeKMS struct {
	mu   sync.Mutex
	keys map[string]fakeKey
	seq  int
}

type fakeKey struct {
	plaintext []byte
	context   map[string]string
}

func newFakeKMS() *fakeKMS {
	return &fakeKMS{keys: make(map[string]fakeKey)}
}

func (f *fakeKMS) GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	plaintext := make([]byte, 32)
	_, _ = rand.Read(plaintext)
	f.seq++
	blob := fmt.Sprintf("blob-%d", f.seq)
	f.keys[blob] = fakeKey{plaintext: append([]byte(nil), plaintext...), context: maps.Clone(params.EncryptionContext)}

	return &kms.GenerateDataKeyOutput{
		CiphertextBlob: []byte(blob),
		Plaintext:      plaintext,
		KeyId:          params.KeyId,
	}, nil
}

func (f *fakeKMS) Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key, ok := f.keys[string(params.CiphertextBlob)]
	if !ok || !maps.Equal(key.context, params.EncryptionContext) {
		return nil, &types.InvalidCiphertextException{Message: aws.String("context mismatch")}
	}
	return &kms.DecryptOutput{Plaintext: append([]byte(nil), key.plaintext...), KeyId: params.KeyId}, nil
}

func TestKMSKeyManager(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewKMSKeyManager(newFakeKMS(), "alias/assessd"), "assessd-test")
	require.Equal(t, "alias/assessd", svc.KeyID())

	env, err := svc.Encrypt(ctx, []byte("payload"), testContext())
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		plaintext, err := svc.Decrypt(ctx, env, Requester{UserID: "user-1", SessionID: "session-1"})
		require.NoError(t, err)
		require.Equal(t, []byte("payload"), plaintext)
	})

	t.Run("context mismatch maps to tampered", func(t *testing.T) {
		forged := *env
		forged.Context = maps.Clone(env.Context)
		forged.Context[ContextUserID] = "user-9"

		_, err := svc.Decrypt(ctx, &forged, Requester{UserID: "user-9"})
		require.ErrorIs(t, err, ErrEncryption)
		require.ErrorIs(t, err, ErrTampered)
	})
}
