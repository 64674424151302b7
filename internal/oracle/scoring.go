package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Evaluation is the band score breakdown returned for a writing response.
type Evaluation struct {
	TaskAchievement   float64 `json:"task_achievement"`
	CoherenceCohesion float64 `json:"coherence_cohesion"`
	LexicalResource   float64 `json:"lexical_resource"`
	GrammaticalRange  float64 `json:"grammatical_range"`
	Overall           float64 `json:"overall"`
	Feedback          string  `json:"feedback"`
}

// ScoringClient calls the scoring oracle.
type ScoringClient struct {
	url        string
	httpClient *http.Client
	maxTries   uint
}

// NewScoringClient creates a scoring client. Requests are authenticated with
// client credentials when cfg.TokenURL is set.
func NewScoringClient(ctx context.Context, cfg Config) (*ScoringClient, error) {
	cfg.ApplyDefaults()
	if cfg.ScoringURL == "" {
		return nil, fmt.Errorf("%w: scoring url is required", ErrNotConfigured)
	}

	return &ScoringClient{
		url: cfg.ScoringURL,
		httpClient: &http.Client{
			Transport: authenticatedTransport(ctx, cfg, nil),
			Timeout:   cfg.Timeout,
		},
		maxTries: cfg.MaxRetries,
	}, nil
}

type evaluateRequest struct {
	Text   string `json:"text"`
	Prompt string `json:"prompt"`
}

// Evaluate scores a written response against its prompt.
func (c *ScoringClient) Evaluate(ctx context.Context, text, prompt string) (*Evaluation, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty response text", ErrRejected)
	}

	body, err := json.Marshal(evaluateRequest{Text: text, Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal evaluation request: %w", err)
	}

	resp, err := do(ctx, c.httpClient, c.maxTries, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate response: %w", err)
	}
	defer resp.Body.Close()

	var eval Evaluation
	if err := json.NewDecoder(resp.Body).Decode(&eval); err != nil {
		return nil, fmt.Errorf("failed to decode evaluation: %w", err)
	}
	return &eval, nil
}
