package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/assessd/internal/assessment"
	"github.com/wolfeidau/assessd/internal/auth"
	"github.com/wolfeidau/assessd/internal/models"
	"github.com/wolfeidau/assessd/internal/oracle"
)

const (
	maxBodyBytes = 1 << 20
	opEvaluate   = "evaluate_section"
)

// requireIdentity rejects requests the authentication middleware did not
// attach an identity to.
func requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			writeError(w, r, auth.ErrUnauthenticated)
			return
		}
		ctx := zerolog.Ctx(r.Context()).With().Str("user_id", id.UserID).Logger().WithContext(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerID(r *http.Request) string {
	id, _ := auth.IdentityFromContext(r.Context())
	return id.UserID
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid request body: %w", assessment.ErrValidation, err)
	}
	return nil
}

func (s *Server) writeSession(w http.ResponseWriter, status int, session *models.AssessmentSession) {
	writeJSON(w, status, newSessionResponse(session, s.now()))
}

// sessionOp serves an operation that takes the session id from the path and
// returns the updated session.
func (s *Server) sessionOp(w http.ResponseWriter, r *http.Request, op func(sessionID, userID string) (*models.AssessmentSession, error)) {
	sessionID := mux.Vars(r)["id"]
	userID := callerID(r)

	session, err := retry(r.Context(), s, func() (*models.AssessmentSession, error) {
		return op(sessionID, userID)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeSession(w, http.StatusOK, session)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	session, err := s.sessions.CreateSession(r.Context(), callerID(r), models.AssessmentType(req.AssessmentType), req.EntitlementID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/sessions/"+session.SessionID)
	s.writeSession(w, http.StatusCreated, session)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	s.sessionOp(w, r, func(sessionID, userID string) (*models.AssessmentSession, error) {
		return s.sessions.Reconcile(r.Context(), sessionID, userID)
	})
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	s.sessionOp(w, r, func(sessionID, userID string) (*models.AssessmentSession, error) {
		return s.sessions.StartSession(r.Context(), sessionID, userID)
	})
}

func (s *Server) pauseSession(w http.ResponseWriter, r *http.Request) {
	s.sessionOp(w, r, func(sessionID, userID string) (*models.AssessmentSession, error) {
		return s.sessions.PauseSession(r.Context(), sessionID, userID)
	})
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	s.sessionOp(w, r, func(sessionID, userID string) (*models.AssessmentSession, error) {
		return s.sessions.ResumeSession(r.Context(), sessionID, userID)
	})
}

func (s *Server) startSection(w http.ResponseWriter, r *http.Request) {
	sectionID := mux.Vars(r)["section"]
	s.sessionOp(w, r, func(sessionID, userID string) (*models.AssessmentSession, error) {
		return s.sessions.StartSection(r.Context(), sessionID, userID, sectionID)
	})
}

func (s *Server) completeSection(w http.ResponseWriter, r *http.Request) {
	sectionID := mux.Vars(r)["section"]
	s.sessionOp(w, r, func(sessionID, userID string) (*models.AssessmentSession, error) {
		return s.sessions.CompleteSection(r.Context(), sessionID, userID, sectionID)
	})
}

func (s *Server) terminateSession(w http.ResponseWriter, r *http.Request) {
	admin, err := auth.RequireRole(r.Context(), auth.RoleAdmin)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req terminateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.UserID == "" {
		writeError(w, r, fmt.Errorf("%w: user_id of the session owner is required", assessment.ErrValidation))
		return
	}

	sessionID := mux.Vars(r)["id"]
	zerolog.Ctx(r.Context()).Info().
		Str("admin", admin.UserID).
		Str("session_id", sessionID).
		Msg("terminate requested")

	session, err := retry(r.Context(), s, func() (*models.AssessmentSession, error) {
		return s.sessions.Terminate(r.Context(), sessionID, req.UserID, req.Reason)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeSession(w, http.StatusOK, session)
}

func (s *Server) timeRemaining(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	sectionID := r.URL.Query().Get("section")
	userID := callerID(r)

	tr, err := retry(r.Context(), s, func() (*assessment.TimeRemaining, error) {
		return s.sessions.GetTimeRemaining(r.Context(), sessionID, userID, sectionID)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, newTimeRemainingResponse(tr))
}

// evaluateSection scores the text written for a finished writing section.
func (s *Server) evaluateSection(w http.ResponseWriter, r *http.Request) {
	if s.scorer == nil {
		writeError(w, r, oracle.ErrNotConfigured)
		return
	}

	var req evaluateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	sessionID := mux.Vars(r)["id"]
	sectionID := mux.Vars(r)["section"]
	userID := callerID(r)

	session, err := retry(r.Context(), s, func() (*models.AssessmentSession, error) {
		return s.sessions.Reconcile(r.Context(), sessionID, userID)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	sec, ok := session.Section(sectionID)
	if !ok {
		writeError(w, r, fmt.Errorf("%w: unknown section %q", assessment.ErrValidation, sectionID))
		return
	}
	if sec.Kind != models.SectionKindWriting {
		writeError(w, r, fmt.Errorf("%w: section %s is not a writing section", assessment.ErrValidation, sectionID))
		return
	}

	status, _ := session.SectionStatus(sectionID)
	if status != models.SectionStatusCompleted && status != models.SectionStatusExpired {
		writeError(w, r, &assessment.InvalidTransitionError{
			Op:            opEvaluate,
			SessionStatus: session.Status,
			SectionID:     sectionID,
			SectionStatus: status,
		})
		return
	}

	eval, err := s.scorer.Evaluate(r.Context(), req.Text, req.Prompt)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, evaluationResponse{SessionID: session.SessionID, SectionID: sectionID, Evaluation: eval})
}

func (s *Server) synthesizeSpeech(w http.ResponseWriter, r *http.Request) {
	if s.voice == nil {
		writeError(w, r, oracle.ErrNotConfigured)
		return
	}

	var req speechRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	audio, err := s.voice.Synthesize(r.Context(), req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", audio.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(audio.Data)))
	if audio.Cached {
		w.Header().Set("X-Cache", "HIT")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio.Data)
}
