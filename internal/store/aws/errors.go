package aws

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/wolfeidau/assessd/internal/store"
)

// wrapAWSError wraps AWS SDK errors, identifying throttling errors
// Returns store.ErrThrottled for throttling errors, otherwise wraps the original error
func wrapAWSError(err error, msg string) error {
	if err == nil {
		return nil
	}

	// Check for DynamoDB throttling errors
	var provisionedErr *types.ProvisionedThroughputExceededException
	if errors.As(err, &provisionedErr) {
		return fmt.Errorf("%s: %w: %v", msg, store.ErrThrottled, err)
	}

	// AWS SDK v2 doesn't always use typed errors for all services
	errMsg := err.Error()
	if strings.Contains(errMsg, "ThrottlingException") ||
		strings.Contains(errMsg, "RequestLimitExceeded") ||
		strings.Contains(errMsg, "TooManyRequestsException") ||
		strings.Contains(errMsg, "Throttling") {
		return fmt.Errorf("%s: %w: %v", msg, store.ErrThrottled, err)
	}

	return fmt.Errorf("%s: %w", msg, err)
}
