package commands

import (
	"context"
	"fmt"

	"github.com/wolfeidau/assessd/cmd/cli/internal/credentials"
)

type KeygenCmd struct {
	Signing KeygenSigningCmd `cmd:"" help:"Create an ES256 key pair for issuing API tokens"`
	Master  KeygenMasterCmd  `cmd:"" help:"Print a random base64 master key for the local key manager"`
}

type KeygenSigningCmd struct {
	Name      string `arg:"" optional:"" default:"default" help:"Key name"`
	ConfigDir string `help:"Directory holding keys and the saved token" env:"ASSESSD_CONFIG_DIR"`
}

func (k *KeygenSigningCmd) Run(ctx context.Context) error {
	store, err := credentials.NewStore(k.ConfigDir)
	if err != nil {
		return err
	}

	key, err := store.CreateSigningKey(k.Name)
	if err != nil {
		return err
	}

	fmt.Printf("Name:        %s\n", key.Name)
	fmt.Printf("Fingerprint: %s\n", key.Fingerprint)
	fmt.Printf("Private key: %s\n", key.PrivateKeyPath)
	fmt.Printf("Public key:  %s\n\n", key.PublicKeyPath)
	fmt.Printf("Start the server with --jwt-public-key-file %s\n", key.PublicKeyPath)
	return nil
}

type KeygenMasterCmd struct{}

func (k *KeygenMasterCmd) Run(ctx context.Context) error {
	key, err := credentials.GenerateMasterKey()
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}
