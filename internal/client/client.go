// Package client is a Go client for the session HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config holds common client configuration
type Config struct {
	ServerURL string
	Token     string
	Timeout   time.Duration
	Tracing   bool
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		ServerURL: "http://localhost:8080",
		Timeout:   30 * time.Second,
	}
}

// APIError is a non-2xx API response.
type APIError struct {
	StatusCode int              `json:"-"`
	Code       string           `json:"error"`
	Message    string           `json:"message"`
	Details    *TransitionError `json:"details,omitempty"`
}

// TransitionError describes a rejected lifecycle operation.
type TransitionError struct {
	Op            string `json:"op"`
	SessionStatus string `json:"session_status"`
	SectionID     string `json:"section_id,omitempty"`
	SectionStatus string `json:"section_status,omitempty"`
}

func (e *APIError) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s (%d): %s [op=%s session=%s section=%s:%s]", e.Code, e.StatusCode, e.Message,
			e.Details.Op, e.Details.SessionStatus, e.Details.SectionID, e.Details.SectionStatus)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Section is one section of a session as returned by the API.
type Section struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Kind             string     `json:"kind"`
	Status           string     `json:"status"`
	DurationSeconds  float64    `json:"duration_seconds"`
	RemainingSeconds float64    `json:"remaining_seconds"`
	AutoAdvance      bool       `json:"auto_advance"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

// Session is an assessment session as returned by the API.
type Session struct {
	SessionID            string    `json:"session_id"`
	UserID               string    `json:"user_id"`
	AssessmentType       string    `json:"assessment_type"`
	Status               string    `json:"status"`
	CurrentSection       *string   `json:"current_section"`
	Sections             []Section `json:"sections"`
	TotalDurationSeconds float64   `json:"total_duration_seconds"`
	Version              int64     `json:"version"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// TimeRemaining is the response of the time-remaining endpoint.
type TimeRemaining struct {
	SessionID        string  `json:"session_id"`
	SessionStatus    string  `json:"session_status"`
	CurrentSection   *string `json:"current_section"`
	SectionID        string  `json:"section_id,omitempty"`
	SectionStatus    string  `json:"section_status,omitempty"`
	RemainingSeconds float64 `json:"remaining_seconds"`
}

// Client calls the session API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client.
func New(config Config) (*Client, error) {
	if config.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	if _, err := url.Parse(config.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	var transport http.RoundTripper = http.DefaultTransport
	if config.Tracing {
		transport = otelhttp.NewTransport(transport)
	}

	return &Client{
		baseURL: strings.TrimRight(config.ServerURL, "/"),
		token:   config.Token,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// CreateSession creates a session of assessmentType.
func (c *Client) CreateSession(ctx context.Context, assessmentType, entitlementID string) (*Session, error) {
	body := map[string]string{"assessment_type": assessmentType}
	if entitlementID != "" {
		body["entitlement_id"] = entitlementID
	}
	var s Session
	return &s, c.do(ctx, http.MethodPost, "/v1/sessions", body, &s)
}

// GetSession returns the reconciled session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	return &s, c.do(ctx, http.MethodGet, sessionPath(sessionID), nil, &s)
}

// StartSession starts the first section.
func (c *Client) StartSession(ctx context.Context, sessionID string) (*Session, error) {
	return c.sessionAction(ctx, sessionID, "start")
}

// PauseSession pauses the running section.
func (c *Client) PauseSession(ctx context.Context, sessionID string) (*Session, error) {
	return c.sessionAction(ctx, sessionID, "pause")
}

// ResumeSession resumes a paused session.
func (c *Client) ResumeSession(ctx context.Context, sessionID string) (*Session, error) {
	return c.sessionAction(ctx, sessionID, "resume")
}

// StartSection starts sectionID.
func (c *Client) StartSection(ctx context.Context, sessionID, sectionID string) (*Session, error) {
	var s Session
	return &s, c.do(ctx, http.MethodPost, sectionPath(sessionID, sectionID, "start"), nil, &s)
}

// CompleteSection completes sectionID.
func (c *Client) CompleteSection(ctx context.Context, sessionID, sectionID string) (*Session, error) {
	var s Session
	return &s, c.do(ctx, http.MethodPost, sectionPath(sessionID, sectionID, "complete"), nil, &s)
}

// Terminate ends a session owned by ownerID. Requires the admin role.
func (c *Client) Terminate(ctx context.Context, sessionID, ownerID, reason string) (*Session, error) {
	var s Session
	body := map[string]string{"user_id": ownerID, "reason": reason}
	return &s, c.do(ctx, http.MethodPost, sessionPath(sessionID)+"/terminate", body, &s)
}

// TimeRemaining returns the remaining time of sectionID, or of the current
// section when sectionID is empty.
func (c *Client) TimeRemaining(ctx context.Context, sessionID, sectionID string) (*TimeRemaining, error) {
	path := sessionPath(sessionID) + "/time-remaining"
	if sectionID != "" {
		path += "?section=" + url.QueryEscape(sectionID)
	}
	var tr TimeRemaining
	return &tr, c.do(ctx, http.MethodGet, path, nil, &tr)
}

func (c *Client) sessionAction(ctx context.Context, sessionID, action string) (*Session, error) {
	var s Session
	return &s, c.do(ctx, http.MethodPost, sessionPath(sessionID)+"/"+action, nil, &s)
}

func sessionPath(sessionID string) string {
	return "/v1/sessions/" + url.PathEscape(sessionID)
}

func sectionPath(sessionID, sectionID, action string) string {
	return sessionPath(sessionID) + "/sections/" + url.PathEscape(sectionID) + "/" + action
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeAPIError reads an error body. Handler errors carry "error"; the
// authentication middleware writes a connect error with "code" instead.
func decodeAPIError(resp *http.Response) *APIError {
	var body struct {
		APIError
		WireCode string `json:"code"`
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		apiErr.Code = http.StatusText(resp.StatusCode)
		return apiErr
	}

	apiErr.Code = body.Code
	apiErr.Message = body.Message
	apiErr.Details = body.Details
	if apiErr.Code == "" {
		apiErr.Code = body.WireCode
	}
	return apiErr
}
