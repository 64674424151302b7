package oracle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxAudioBytes caps a synthesized clip.
const maxAudioBytes = 20 << 20

// Audio is a synthesized speech clip.
type Audio struct {
	ContentType string
	Data        []byte
	Cached      bool
}

// VoiceClient calls the speech synthesis oracle. Responses are cached
// according to their Cache-Control headers since the same prompts are read
// out for every candidate.
type VoiceClient struct {
	url        *url.URL
	httpClient *http.Client
	maxTries   uint
}

// NewVoiceClient creates a voice client backed by a memory or disk cache.
func NewVoiceClient(ctx context.Context, cfg Config) (*VoiceClient, error) {
	cfg.ApplyDefaults()
	if cfg.VoiceURL == "" {
		return nil, fmt.Errorf("%w: voice url is required", ErrNotConfigured)
	}

	u, err := url.Parse(cfg.VoiceURL)
	if err != nil {
		return nil, fmt.Errorf("invalid voice url: %w", err)
	}

	return &VoiceClient{
		url: u,
		httpClient: &http.Client{
			Transport: cachingTransport(cfg.CacheDir, authenticatedTransport(ctx, cfg, nil)),
			Timeout:   cfg.Timeout,
		},
		maxTries: cfg.MaxRetries,
	}, nil
}

// Synthesize returns audio for text.
func (c *VoiceClient) Synthesize(ctx context.Context, text string) (*Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", ErrRejected)
	}

	u := *c.url
	q := u.Query()
	q.Set("text", text)
	u.RawQuery = q.Encode()

	resp, err := do(ctx, c.httpClient, c.maxTries, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to synthesize speech: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}

	return &Audio{
		ContentType: contentType,
		Data:        data,
		Cached:      resp.Header.Get("X-From-Cache") == "1",
	}, nil
}
