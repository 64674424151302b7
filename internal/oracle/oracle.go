// Package oracle holds HTTP clients for the external scoring and speech
// services. Both are treated as opaque: requests go out, results come back.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConfigured = errors.New("oracle not configured")
	ErrUnavailable   = errors.New("oracle unavailable")
	ErrRejected      = errors.New("oracle rejected request")
)

// Config holds the oracle endpoints and client credentials.
type Config struct {
	ScoringURL   string        `help:"Scoring service endpoint" env:"SCORING_URL"`
	VoiceURL     string        `help:"Speech synthesis endpoint" env:"VOICE_URL"`
	TokenURL     string        `help:"OAuth2 token endpoint for client credentials" env:"TOKEN_URL"`
	ClientID     string        `help:"OAuth2 client id" env:"CLIENT_ID"`
	ClientSecret string        `help:"OAuth2 client secret" env:"CLIENT_SECRET"`
	Scopes       []string      `help:"OAuth2 scopes" env:"SCOPES"`
	Timeout      time.Duration `help:"Per request timeout" env:"TIMEOUT" default:"30s"`
	MaxRetries   uint          `help:"Attempts for retryable failures" env:"MAX_RETRIES" default:"3"`
	CacheDir     string        `help:"Directory for cached speech responses (memory when empty)" env:"CACHE_DIR"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// StatusError is a non-2xx oracle response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("oracle returned %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 {
		return ErrUnavailable
	}
	return ErrRejected
}

// do sends the request built by newReq until it succeeds, fails permanently
// or runs out of attempts. 429 and 5xx responses and transport errors are
// retried.
func do(ctx context.Context, client *http.Client, maxTries uint, newReq func() (*http.Request, error)) (*http.Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	return backoff.Retry(ctx, func() (*http.Response, error) {
		req, err := newReq()
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()

		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		if errors.Is(statusErr, ErrUnavailable) {
			return nil, statusErr
		}
		return nil, backoff.Permanent(statusErr)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Ctx(ctx).Warn().Err(err).Dur("retry_in", next).Msg("oracle request failed, retrying")
		}),
	)
}
