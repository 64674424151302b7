package assessment

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/assessd/internal/store"
)

// DefaultConflictRetries bounds how often a lost optimistic-lock race is retried.
const DefaultConflictRetries = 5

// RetryConflicts re-runs op with exponential backoff while it fails with
// store.ErrConcurrencyConflict. op must re-read the session on every call.
// Any other error ends the retry loop immediately.
func RetryConflicts[T any](ctx context.Context, maxTries uint, op func() (T, error)) (T, error) {
	if maxTries == 0 {
		maxTries = DefaultConflictRetries
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	return backoff.Retry(ctx, func() (T, error) {
		res, err := op()
		if err == nil {
			return res, nil
		}
		if errors.Is(err, store.ErrConcurrencyConflict) {
			return res, err
		}
		return res, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Ctx(ctx).Debug().Err(err).Dur("retry_in", next).Msg("retrying after session conflict")
		}),
	)
}
