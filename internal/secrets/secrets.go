// Package secrets loads key material from files for local development or
// from AWS SSM Parameter Store in deployed environments.
package secrets

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ErrNotSet is returned when neither a file nor an SSM parameter is
// configured for a required secret.
var ErrNotSet = errors.New("secret not configured")

// SSMAPI is the subset of the SSM client used here.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Source locates one secret. SSM takes precedence over File.
type Source struct {
	File string
	SSM  string
}

// IsSet reports whether the source points anywhere.
func (s Source) IsSet() bool {
	return s.File != "" || s.SSM != ""
}

func (s Source) String() string {
	if s.SSM != "" {
		return "ssm:" + s.SSM
	}
	return "file:" + s.File
}

// Config for loading secrets
type Config struct {
	JWTPublicKey       Source
	JWTSigningKey      Source
	MasterKey          Source
	OracleClientSecret Source
	TLSCert            Source
	TLSKey             Source
}

func (c Config) usesSSM() bool {
	for _, s := range []Source{c.JWTPublicKey, c.JWTSigningKey, c.MasterKey, c.OracleClientSecret, c.TLSCert, c.TLSKey} {
		if s.SSM != "" {
			return true
		}
	}
	return false
}

// Secrets holds loaded secret data in memory. Unset sources leave their
// field empty.
type Secrets struct {
	JWTPublicKey       string
	JWTSigningKey      string
	MasterKey          []byte
	OracleClientSecret string
	TLSCert            []byte
	TLSKey             []byte
}

// Loader reads secrets from files or SSM.
type Loader struct {
	ssm SSMAPI
}

// NewLoader creates a loader using client for SSM parameters. client may be
// nil when only files are used.
func NewLoader(client SSMAPI) *Loader {
	return &Loader{ssm: client}
}

// Load loads every configured secret, creating an SSM client from the default
// AWS configuration when one is needed.
func Load(ctx context.Context, cfg Config) (*Secrets, error) {
	var client SSMAPI
	if cfg.usesSSM() {
		awsConfig, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = ssm.NewFromConfig(awsConfig)
	}
	return NewLoader(client).Load(ctx, cfg)
}

// Load loads every configured secret.
func (l *Loader) Load(ctx context.Context, cfg Config) (*Secrets, error) {
	out := &Secrets{}

	text := func(src Source, dst *string, name string) error {
		if !src.IsSet() {
			return nil
		}
		v, err := l.Get(ctx, src)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", name, err)
		}
		*dst = string(v)
		return nil
	}
	raw := func(src Source, dst *[]byte, name string) error {
		if !src.IsSet() {
			return nil
		}
		v, err := l.Get(ctx, src)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", name, err)
		}
		*dst = v
		return nil
	}

	if err := text(cfg.JWTPublicKey, &out.JWTPublicKey, "JWT public key"); err != nil {
		return nil, err
	}
	if err := text(cfg.JWTSigningKey, &out.JWTSigningKey, "JWT signing key"); err != nil {
		return nil, err
	}
	if err := text(cfg.OracleClientSecret, &out.OracleClientSecret, "oracle client secret"); err != nil {
		return nil, err
	}
	if err := raw(cfg.TLSCert, &out.TLSCert, "TLS certificate"); err != nil {
		return nil, err
	}
	if err := raw(cfg.TLSKey, &out.TLSKey, "TLS key"); err != nil {
		return nil, err
	}

	if cfg.MasterKey.IsSet() {
		encoded, err := l.Get(ctx, cfg.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load master key: %w", err)
		}
		key, err := DecodeKey(string(encoded))
		if err != nil {
			return nil, fmt.Errorf("invalid master key: %w", err)
		}
		out.MasterKey = key
	}

	return out, nil
}

// Get returns the raw value of one secret with surrounding whitespace
// removed.
func (l *Loader) Get(ctx context.Context, src Source) ([]byte, error) {
	switch {
	case src.SSM != "":
		if l.ssm == nil {
			return nil, fmt.Errorf("no SSM client for parameter %s", src.SSM)
		}
		v, err := getParameter(ctx, l.ssm, src.SSM)
		if err != nil {
			return nil, err
		}
		return []byte(strings.TrimSpace(v)), nil
	case src.File != "":
		data, err := os.ReadFile(src.File)
		if err != nil {
			return nil, err
		}
		return []byte(strings.TrimSpace(string(data))), nil
	default:
		return nil, ErrNotSet
	}
}

// getParameter fetches a parameter from SSM
func getParameter(ctx context.Context, client SSMAPI, name string) (string, error) {
	output, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", err
	}
	if output.Parameter == nil || output.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}
	return *output.Parameter.Value, nil
}

// DecodeKey decodes a base64 encoded key.
func DecodeKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if key, err := base64.StdEncoding.DecodeString(encoded); err == nil {
		return key, nil
	}
	return base64.RawURLEncoding.DecodeString(encoded)
}

// TLSConfig creates a server tls.Config, or nil when no certificate is set.
func (s *Secrets) TLSConfig() (*tls.Config, error) {
	if len(s.TLSCert) == 0 && len(s.TLSKey) == 0 {
		return nil, nil
	}

	serverCert, err := tls.X509KeyPair(s.TLSCert, s.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
