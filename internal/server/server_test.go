package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/assessd/internal/assessment"
	"github.com/wolfeidau/assessd/internal/auth"
	"github.com/wolfeidau/assessd/internal/entitlement"
	"github.com/wolfeidau/assessd/internal/envelope"
	"github.com/wolfeidau/assessd/internal/models"
	"github.com/wolfeidau/assessd/internal/oracle"
	"github.com/wolfeidau/assessd/internal/sessionstore"
	"github.com/wolfeidau/assessd/internal/store"
	"github.com/wolfeidau/assessd/internal/store/memory"
	"github.com/wolfeidau/assessd/internal/timing"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubScorer struct {
	calls int
}

func (s *stubScorer) Evaluate(ctx context.Context, text, prompt string) (*oracle.Evaluation, error) {
	s.calls++
	if text == "" {
		return nil, oracle.ErrRejected
	}
	return &oracle.Evaluation{Overall: 7, Feedback: "well organised"}, nil
}

type stubVoice struct{}

func (stubVoice) Synthesize(ctx context.Context, text string) (*oracle.Audio, error) {
	return &oracle.Audio{ContentType: "audio/ogg", Data: []byte("audio:" + text), Cached: text == "cached"}, nil
}

type testEnv struct {
	t            *testing.T
	clock        *clock
	entitlements *memory.EntitlementStore
	scorer       *stubScorer
	server       *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		t:            t,
		clock:        &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		entitlements: memory.NewEntitlementStore(),
		scorer:       &stubScorer{},
	}

	keys, err := envelope.NewLocalKeyManager(bytes.Repeat([]byte{4}, 32))
	require.NoError(t, err)

	sessions, err := sessionstore.New(memory.NewSessionStore(), envelope.NewService(keys, "assessd-test"), sessionstore.Config{Now: env.clock.Now})
	require.NoError(t, err)

	machine, err := assessment.NewMachine(assessment.Config{
		Sessions:    sessions,
		Gate:        entitlement.NewGateWithClock(env.entitlements, env.clock.Now),
		Clock:       timing.NewWithClock(env.clock.Now),
		StartWindow: 24 * time.Hour,
	})
	require.NoError(t, err)

	srv, err := New(Config{
		Sessions:     machine,
		Scorer:       env.scorer,
		Voice:        stubVoice{},
		Authenticate: auth.HeaderIdentityMiddleware,
		CORSOrigins:  []string{"https://app.example.com"},
		Now:          env.clock.Now,
	})
	require.NoError(t, err)

	env.server = httptest.NewServer(srv.Handler(zerolog.Nop()))
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) grant(userID string, product models.AssessmentType) {
	require.NoError(e.t, e.entitlements.Grant(context.Background(), &store.Entitlement{
		UserID:        userID,
		ProductID:     string(product),
		EntitlementID: "ent-" + userID,
		RemainingUses: 1,
		ExpiresAt:     e.clock.Now().Add(24 * time.Hour),
	}))
}

func (e *testEnv) do(method, path, userID string, body any, roles ...string) *http.Response {
	e.t.Helper()

	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, e.server.URL+path, rdr)
	require.NoError(e.t, err)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if len(roles) > 0 {
		req.Header.Set("X-User-Roles", strings.Join(roles, ","))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) createStarted(userID string) sessionResponse {
	e.t.Helper()
	e.grant(userID, models.AssessmentAcademicWriting)

	resp := e.do(http.MethodPost, "/v1/sessions", userID, createSessionRequest{AssessmentType: "academic_writing"})
	require.Equal(e.t, http.StatusCreated, resp.StatusCode)
	created := decode[sessionResponse](e.t, resp)

	resp = e.do(http.MethodPost, "/v1/sessions/"+created.SessionID+"/start", userID, nil)
	require.Equal(e.t, http.StatusOK, resp.StatusCode)
	return decode[sessionResponse](e.t, resp)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, map[string]string{"status": "ok"}, decode[map[string]string](t, resp))
}

func TestUnauthenticated(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodPost, "/v1/sessions", "", createSessionRequest{AssessmentType: "listening"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "unauthenticated", decode[errorResponse](t, resp).Error)
}

func TestCreateSession(t *testing.T) {
	env := newTestEnv(t)

	t.Run("created", func(t *testing.T) {
		env.grant("user-1", models.AssessmentListening)

		resp := env.do(http.MethodPost, "/v1/sessions", "user-1", createSessionRequest{AssessmentType: "listening", EntitlementID: "ent-user-1"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		got := decode[sessionResponse](t, resp)
		require.Equal(t, "/v1/sessions/"+got.SessionID, resp.Header.Get("Location"))
		require.Equal(t, "NOT_STARTED", got.Status)
		require.Nil(t, got.CurrentSection)
		require.Len(t, got.Sections, 4)
		require.Equal(t, 600.0, got.Sections[0].RemainingSeconds)
		require.Equal(t, 2400.0, got.TotalDurationSeconds)
		require.Equal(t, int64(1), got.Version)
	})

	t.Run("entitlement held by another user", func(t *testing.T) {
		env.grant("user-2", models.AssessmentListening)
		env.grant("user-3", models.AssessmentListening)

		resp := env.do(http.MethodPost, "/v1/sessions", "user-3", createSessionRequest{AssessmentType: "listening", EntitlementID: "ent-user-2"})
		require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
		require.Equal(t, "no_entitlement", decode[errorResponse](t, resp).Error)
	})

	t.Run("no entitlement", func(t *testing.T) {
		resp := env.do(http.MethodPost, "/v1/sessions", "user-2", createSessionRequest{AssessmentType: "listening"})
		require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
		require.Equal(t, "no_entitlement", decode[errorResponse](t, resp).Error)
	})

	t.Run("unknown type", func(t *testing.T) {
		resp := env.do(http.MethodPost, "/v1/sessions", "user-1", createSessionRequest{AssessmentType: "poetry"})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown field", func(t *testing.T) {
		resp := env.do(http.MethodPost, "/v1/sessions", "user-1", map[string]string{"assessment": "listening"})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, "validation_failed", decode[errorResponse](t, resp).Error)
	})
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	started := env.createStarted("user-1")
	base := "/v1/sessions/" + started.SessionID

	require.Equal(t, "IN_PROGRESS", started.Status)
	require.Equal(t, "task1", *started.CurrentSection)
	require.NotNil(t, started.Sections[0].StartedAt)

	env.clock.Advance(5 * time.Minute)
	resp := env.do(http.MethodGet, base+"/time-remaining", "user-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	tr := decode[timeRemainingResponse](t, resp)
	require.Equal(t, "task1", tr.SectionID)
	require.Equal(t, 900.0, tr.RemainingSeconds)

	resp = env.do(http.MethodPost, base+"/pause", "user-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "PAUSED", decode[sessionResponse](t, resp).Status)

	env.clock.Advance(time.Hour)
	resp = env.do(http.MethodPost, base+"/resume", "user-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(http.MethodGet, base+"/time-remaining?section=task1", "user-1", nil)
	require.Equal(t, 900.0, decode[timeRemainingResponse](t, resp).RemainingSeconds)

	resp = env.do(http.MethodPost, base+"/sections/task1/complete", "user-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[sessionResponse](t, resp)
	require.Equal(t, "task2", *got.CurrentSection)
	require.Equal(t, "COMPLETED", got.Sections[0].Status)
	require.Equal(t, 900.0, got.Sections[0].RemainingSeconds)

	env.clock.Advance(41 * time.Minute)
	resp = env.do(http.MethodGet, base, "user-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got = decode[sessionResponse](t, resp)
	require.Equal(t, "COMPLETED", got.Status)
	require.Nil(t, got.CurrentSection)
	require.Equal(t, "EXPIRED", got.Sections[1].Status)
	require.Equal(t, 0.0, got.Sections[1].RemainingSeconds)
}

func TestInvalidTransition(t *testing.T) {
	env := newTestEnv(t)
	started := env.createStarted("user-1")

	resp := env.do(http.MethodPost, "/v1/sessions/"+started.SessionID+"/sections/task2/start", "user-1", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	body := decode[errorResponse](t, resp)
	require.Equal(t, "invalid_transition", body.Error)
	require.Equal(t, &transitionError{
		Op:            assessment.OpStartSection,
		SessionStatus: "IN_PROGRESS",
		SectionID:     "task2",
		SectionStatus: "NOT_STARTED",
	}, body.Details)
}

func TestOtherUserSeesNotFound(t *testing.T) {
	env := newTestEnv(t)
	started := env.createStarted("user-1")

	resp := env.do(http.MethodGet, "/v1/sessions/"+started.SessionID, "user-2", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "session_not_found", decode[errorResponse](t, resp).Error)

	resp = env.do(http.MethodGet, "/v1/sessions/missing", "user-1", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTerminate(t *testing.T) {
	env := newTestEnv(t)
	started := env.createStarted("user-1")
	path := "/v1/sessions/" + started.SessionID + "/terminate"

	resp := env.do(http.MethodPost, path, "user-1", terminateRequest{UserID: "user-1", Reason: "self"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(http.MethodPost, path, "ops", terminateRequest{Reason: "missing owner"}, auth.RoleAdmin)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(http.MethodPost, path, "ops", terminateRequest{UserID: "user-1", Reason: "malpractice"}, auth.RoleAdmin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[sessionResponse](t, resp)
	require.Equal(t, "TERMINATED", got.Status)
	require.Equal(t, "SKIPPED", got.Sections[1].Status)
}

func TestEvaluateSection(t *testing.T) {
	env := newTestEnv(t)
	started := env.createStarted("user-1")
	base := "/v1/sessions/" + started.SessionID

	req := evaluateRequest{Text: "The graph illustrates...", Prompt: "Summarise the graph"}

	resp := env.do(http.MethodPost, base+"/sections/task1/evaluate", "user-1", req)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Zero(t, env.scorer.calls)

	resp = env.do(http.MethodPost, base+"/sections/task1/complete", "user-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(http.MethodPost, base+"/sections/task1/evaluate", "user-1", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[evaluationResponse](t, resp)
	require.Equal(t, "task1", got.SectionID)
	require.Equal(t, 7.0, got.Evaluation.Overall)

	resp = env.do(http.MethodPost, base+"/sections/task1/evaluate", "user-1", evaluateRequest{Prompt: "x"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = env.do(http.MethodPost, base+"/sections/task9/evaluate", "user-1", req)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSpeech(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodPost, "/v1/speech", "user-1", speechRequest{Text: "cached"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "audio/ogg", resp.Header.Get("Content-Type"))
	require.Equal(t, "HIT", resp.Header.Get("X-Cache"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "audio:cached", string(body))
}

func TestOraclesNotConfigured(t *testing.T) {
	srv, err := New(Config{Sessions: &conflictingSessions{}, Authenticate: auth.HeaderIdentityMiddleware})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/speech", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("X-User-ID", "user-1")
	srv.Handler(zerolog.Nop()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/v1/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

// conflictingSessions fails PauseSession with a conflict a fixed number of
// times.
type conflictingSessions struct {
	Sessions
	mu        sync.Mutex
	conflicts int
	calls     int
}

func (c *conflictingSessions) PauseSession(ctx context.Context, sessionID, userID string) (*models.AssessmentSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.conflicts {
		return nil, store.ErrConcurrencyConflict
	}
	return &models.AssessmentSession{SessionID: sessionID, UserID: userID, Status: models.SessionStatusPaused}, nil
}

func TestConflictRetry(t *testing.T) {
	tests := []struct {
		name       string
		conflicts  int
		wantStatus int
		wantCalls  int
	}{
		{name: "retried until it succeeds", conflicts: 2, wantStatus: http.StatusOK, wantCalls: 3},
		{name: "exhausted", conflicts: 10, wantStatus: http.StatusConflict, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := &conflictingSessions{conflicts: tt.conflicts}
			srv, err := New(Config{Sessions: sessions, Authenticate: auth.HeaderIdentityMiddleware, ConflictRetries: 3})
			require.NoError(t, err)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/sessions/s-1/pause", nil)
			req.Header.Set("X-User-ID", "user-1")
			srv.Handler(zerolog.Nop()).ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			require.Equal(t, tt.wantCalls, sessions.calls)
		})
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/v2/nothing", "user-1", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
