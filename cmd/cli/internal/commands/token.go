package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/wolfeidau/assessd/cmd/cli/internal/credentials"
	"github.com/wolfeidau/assessd/internal/auth"
)

type TokenCmd struct {
	Issue TokenIssueCmd `cmd:"" help:"Issue a signed API token"`
}

type TokenIssueCmd struct {
	Subject        string        `help:"User id the token is issued to" required:""`
	Roles          []string      `help:"Roles granted to the token (candidate, admin)" default:"candidate"`
	TTL            time.Duration `help:"Token lifetime" default:"1h"`
	SigningKey     string        `help:"Name of a signing key created with keygen" default:"default"`
	SigningKeyFile string        `help:"PEM file with the ES256 signing key (overrides --signing-key)" env:"ASSESSD_JWT_SIGNING_KEY_FILE"`
	ConfigDir      string        `help:"Directory holding keys and the saved token" env:"ASSESSD_CONFIG_DIR"`
	Save           bool          `help:"Save the token for session commands"`
	Server         string        `help:"Server the saved token is for" default:"http://localhost:8080" env:"ASSESSD_SERVER"`
}

func (t *TokenIssueCmd) Run(ctx context.Context) error {
	store, err := credentials.NewStore(t.ConfigDir)
	if err != nil {
		return err
	}

	var signingKey string
	if t.SigningKeyFile != "" {
		data, err := os.ReadFile(t.SigningKeyFile)
		if err != nil {
			return fmt.Errorf("failed to read signing key: %w", err)
		}
		signingKey = string(data)
	} else {
		signingKey, err = store.LoadSigningKey(t.SigningKey)
		if err != nil {
			return err
		}
	}

	token, err := auth.IssueToken(signingKey, t.Subject, t.Roles, t.TTL)
	if err != nil {
		return err
	}

	if t.Save {
		if err := store.SaveToken(t.Server, token); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Token saved for %s\n", t.Server)
		return nil
	}

	fmt.Println(token)
	return nil
}
