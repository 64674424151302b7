package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// MasterKeyAlias returns the alias of the session master key for env.
func MasterKeyAlias(env string) string {
	return fmt.Sprintf("alias/%s-assessd-sessions", env)
}

// CreateMasterKey creates the symmetric key that wraps session data keys
// and returns its alias. An existing alias is reused.
func CreateMasterKey(ctx context.Context, client *kms.Client, env string) (string, error) {
	alias := MasterKeyAlias(env)

	_, err := client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(alias)})
	if err == nil {
		return alias, nil
	}
	var notFound *types.NotFoundException
	if !errors.As(err, &notFound) {
		return "", fmt.Errorf("failed to describe key %s: %w", alias, err)
	}

	created, err := client.CreateKey(ctx, &kms.CreateKeyInput{
		Description: aws.String("assessd session envelope master key"),
		KeySpec:     types.KeySpecSymmetricDefault,
		KeyUsage:    types.KeyUsageTypeEncryptDecrypt,
		Tags: []types.Tag{
			{TagKey: aws.String("environment"), TagValue: aws.String(env)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create key: %w", err)
	}

	if _, err := client.CreateAlias(ctx, &kms.CreateAliasInput{
		AliasName:   aws.String(alias),
		TargetKeyId: created.KeyMetadata.KeyId,
	}); err != nil {
		return "", fmt.Errorf("failed to create alias %s: %w", alias, err)
	}

	return alias, nil
}
