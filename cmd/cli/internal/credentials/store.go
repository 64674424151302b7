package credentials

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

// Sentinel errors
var (
	// ErrKeyNotFound is returned when a signing key doesn't exist.
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrKeyExists is returned when trying to create a duplicate.
	ErrKeyExists = errors.New("signing key already exists")

	// ErrNoToken is returned when no token has been saved.
	ErrNoToken = errors.New("no saved token, run: assess token issue --save")
)

// SigningKey describes a stored ES256 key pair.
type SigningKey struct {
	Name           string    `json:"name"`
	Fingerprint    string    `json:"fingerprint"`
	PrivateKeyPath string    `json:"private_key_path"`
	PublicKeyPath  string    `json:"public_key_path"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store manages keys and the saved API token on the local filesystem.
type Store struct {
	baseDir string
}

// NewStore creates a new credential store.
// If baseDir is empty, uses ~/.assessd/
func NewStore(baseDir string) (*Store, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".assessd")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}

	log.Debug().Str("baseDir", baseDir).Msg("credential store initialized")

	return &Store{baseDir: baseDir}, nil
}

// CreateSigningKey generates an ECDSA P-256 key pair for issuing API tokens.
// The public key is what the server is configured to verify with.
func (s *Store) CreateSigningKey(name string) (*SigningKey, error) {
	privateKeyPath := filepath.Join(s.baseDir, name+".key")
	if _, err := os.Stat(privateKeyPath); err == nil {
		return nil, ErrKeyExists
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privateKeyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	privateKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privateKeyDER})

	publicKeyDER, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	publicKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicKeyDER})

	// Base58-encoded SHA256 of the public key DER
	hash := sha256.Sum256(publicKeyDER)

	key := &SigningKey{
		Name:           name,
		Fingerprint:    base58.Encode(hash[:]),
		PrivateKeyPath: privateKeyPath,
		PublicKeyPath:  filepath.Join(s.baseDir, name+".pub"),
		CreatedAt:      time.Now().UTC(),
	}

	if err := os.WriteFile(key.PrivateKeyPath, privateKeyPEM, 0600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}
	// #nosec G306 - public keys are meant to be shared
	if err := os.WriteFile(key.PublicKeyPath, publicKeyPEM, 0644); err != nil {
		_ = os.Remove(key.PrivateKeyPath)
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}

	log.Info().
		Str("name", name).
		Str("fingerprint", key.Fingerprint).
		Str("publicKeyPath", key.PublicKeyPath).
		Msg("signing key created")

	return key, nil
}

// LoadSigningKey returns the PEM encoded private key for name.
func (s *Store) LoadSigningKey(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, name+".key"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrKeyNotFound
		}
		return "", fmt.Errorf("failed to read private key: %w", err)
	}
	return string(data), nil
}

// GenerateMasterKey returns a random 32 byte key, base64 encoded, for the
// server's local key manager.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

type savedToken struct {
	Server string `json:"server"`
	Token  string `json:"token"`
}

// SaveToken stores the bearer token used by session commands.
func (s *Store) SaveToken(server, token string) error {
	data, err := json.MarshalIndent(savedToken{Server: server, Token: token}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := os.WriteFile(s.tokenPath(), data, 0600); err != nil {
		return fmt.Errorf("failed to write token: %w", err)
	}
	return nil
}

// LoadToken returns the saved bearer token and the server it was saved for.
func (s *Store) LoadToken() (server, token string, err error) {
	data, err := os.ReadFile(s.tokenPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", ErrNoToken
		}
		return "", "", fmt.Errorf("failed to read token: %w", err)
	}

	var saved savedToken
	if err := json.Unmarshal(data, &saved); err != nil {
		return "", "", fmt.Errorf("failed to parse token file: %w", err)
	}
	if strings.TrimSpace(saved.Token) == "" {
		return "", "", ErrNoToken
	}
	return saved.Server, saved.Token, nil
}

func (s *Store) tokenPath() string {
	return filepath.Join(s.baseDir, "token.json")
}
