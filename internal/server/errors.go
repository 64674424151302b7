package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/assessd/internal/assessment"
	"github.com/wolfeidau/assessd/internal/auth"
	"github.com/wolfeidau/assessd/internal/envelope"
	"github.com/wolfeidau/assessd/internal/oracle"
	"github.com/wolfeidau/assessd/internal/store"
)

type errorResponse struct {
	Error   string           `json:"error"`
	Message string           `json:"message"`
	Details *transitionError `json:"details,omitempty"`
}

type transitionError struct {
	Op            string `json:"op"`
	SessionStatus string `json:"session_status"`
	SectionID     string `json:"section_id,omitempty"`
	SectionStatus string `json:"section_status,omitempty"`
}

// errorStatus maps an error to its HTTP status and a stable error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, assessment.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, assessment.ErrEntitlement):
		return http.StatusPaymentRequired, "no_entitlement"
	case errors.Is(err, store.ErrSessionNotFound), errors.Is(err, envelope.ErrAccessDenied):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, assessment.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, store.ErrConcurrencyConflict):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, oracle.ErrNotConfigured):
		return http.StatusServiceUnavailable, "oracle_not_configured"
	case errors.Is(err, oracle.ErrRejected):
		return http.StatusUnprocessableEntity, "oracle_rejected"
	case errors.Is(err, oracle.ErrUnavailable):
		return http.StatusBadGateway, "oracle_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	resp := errorResponse{Error: code, Message: err.Error()}

	var ite *assessment.InvalidTransitionError
	if errors.As(err, &ite) {
		resp.Details = &transitionError{
			Op:            ite.Op,
			SessionStatus: string(ite.SessionStatus),
			SectionID:     ite.SectionID,
			SectionStatus: string(ite.SectionStatus),
		}
	}

	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("code", code).Msg("request failed")
		if status == http.StatusInternalServerError {
			// encryption and storage failures stay out of responses
			resp.Message = "internal error"
		}
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
