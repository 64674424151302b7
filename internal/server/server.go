// Package server exposes the assessment session engine over JSON HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/assessd/internal/assessment"
	"github.com/wolfeidau/assessd/internal/logger"
	"github.com/wolfeidau/assessd/internal/models"
	"github.com/wolfeidau/assessd/internal/oracle"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Sessions is the lifecycle API served over HTTP.
type Sessions interface {
	CreateSession(ctx context.Context, userID string, assessmentType models.AssessmentType, entitlementID string) (*models.AssessmentSession, error)
	StartSession(ctx context.Context, sessionID, userID string) (*models.AssessmentSession, error)
	StartSection(ctx context.Context, sessionID, userID, sectionID string) (*models.AssessmentSession, error)
	CompleteSection(ctx context.Context, sessionID, userID, sectionID string) (*models.AssessmentSession, error)
	PauseSession(ctx context.Context, sessionID, userID string) (*models.AssessmentSession, error)
	ResumeSession(ctx context.Context, sessionID, userID string) (*models.AssessmentSession, error)
	GetTimeRemaining(ctx context.Context, sessionID, userID, sectionID string) (*assessment.TimeRemaining, error)
	Terminate(ctx context.Context, sessionID, userID, reason string) (*models.AssessmentSession, error)
	Reconcile(ctx context.Context, sessionID, userID string) (*models.AssessmentSession, error)
}

// Scorer evaluates written responses.
type Scorer interface {
	Evaluate(ctx context.Context, text, prompt string) (*oracle.Evaluation, error)
}

// Synthesizer turns text into speech.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*oracle.Audio, error)
}

// Config wires a Server. Scorer and Voice are optional; their endpoints
// answer 503 when unset.
type Config struct {
	Sessions Sessions
	Scorer   Scorer
	Voice    Synthesizer

	// Authenticate sets the caller identity on the request context.
	Authenticate func(http.Handler) http.Handler

	CORSOrigins     []string
	ConflictRetries uint
	Tracing         bool
	Now             func() time.Time
}

// Server serves the session API.
type Server struct {
	sessions     Sessions
	scorer       Scorer
	voice        Synthesizer
	authenticate func(http.Handler) http.Handler
	corsOrigins  []string
	retries      uint
	tracing      bool
	now          func() time.Time
}

// New creates a server.
func New(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("sessions are required")
	}
	if cfg.Authenticate == nil {
		return nil, errors.New("an authentication middleware is required")
	}
	if cfg.ConflictRetries == 0 {
		cfg.ConflictRetries = assessment.DefaultConflictRetries
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Server{
		sessions:     cfg.Sessions,
		scorer:       cfg.Scorer,
		voice:        cfg.Voice,
		authenticate: cfg.Authenticate,
		corsOrigins:  cfg.CORSOrigins,
		retries:      cfg.ConflictRetries,
		tracing:      cfg.Tracing,
		now:          cfg.Now,
	}, nil
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler(log zerolog.Logger) http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Message: "no such route"})
	})

	// Health check endpoint for load balancer
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(s.authenticate, requireIdentity)

	api.HandleFunc("/sessions", s.createSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.getSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/start", s.startSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/pause", s.pauseSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/resume", s.resumeSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/terminate", s.terminateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/time-remaining", s.timeRemaining).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/sections/{section}/start", s.startSection).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/sections/{section}/complete", s.completeSection).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/sections/{section}/evaluate", s.evaluateSection).Methods(http.MethodPost)
	api.HandleFunc("/speech", s.synthesizeSpeech).Methods(http.MethodPost)

	var handler http.Handler = r
	handler = withCORS(s.corsOrigins, handler)
	handler = logger.HTTPRequests(log)(handler)
	if s.tracing {
		handler = otelhttp.NewHandler(handler, "assessd")
	}
	return handler
}

// withCORS adds CORS support for browser clients of the API.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		return h
	}
	middleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         600,
	})
	return middleware.Handler(h)
}

// retry runs op again on concurrency conflicts. Every attempt re-reads the
// session inside the machine.
func retry[T any](ctx context.Context, s *Server, op func() (T, error)) (T, error) {
	return assessment.RetryConflicts(ctx, s.retries, op)
}
