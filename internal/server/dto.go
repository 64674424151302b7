package server

import (
	"time"

	"github.com/wolfeidau/assessd/internal/assessment"
	"github.com/wolfeidau/assessd/internal/models"
	"github.com/wolfeidau/assessd/internal/oracle"
	"github.com/wolfeidau/assessd/internal/timing"
)

type createSessionRequest struct {
	AssessmentType string `json:"assessment_type"`
	EntitlementID  string `json:"entitlement_id,omitempty"`
}

type terminateRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

type evaluateRequest struct {
	Text   string `json:"text"`
	Prompt string `json:"prompt"`
}

type speechRequest struct {
	Text string `json:"text"`
}

type sectionResponse struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Kind             string  `json:"kind"`
	Status           string  `json:"status"`
	DurationSeconds  float64 `json:"duration_seconds"`
	RemainingSeconds float64 `json:"remaining_seconds"`
	AutoAdvance      bool    `json:"auto_advance"`
	StartedAt        *string `json:"started_at,omitempty"`
	ExpiresAt        *string `json:"expires_at,omitempty"`
}

type sessionResponse struct {
	SessionID            string            `json:"session_id"`
	UserID               string            `json:"user_id"`
	AssessmentType       string            `json:"assessment_type"`
	Status               string            `json:"status"`
	CurrentSection       *string           `json:"current_section"`
	Sections             []sectionResponse `json:"sections"`
	TotalDurationSeconds float64           `json:"total_duration_seconds"`
	Version              int64             `json:"version"`
	CreatedAt            string            `json:"created_at"`
	UpdatedAt            string            `json:"updated_at"`
}

type timeRemainingResponse struct {
	SessionID        string  `json:"session_id"`
	SessionStatus    string  `json:"session_status"`
	CurrentSection   *string `json:"current_section"`
	SectionID        string  `json:"section_id,omitempty"`
	SectionStatus    string  `json:"section_status,omitempty"`
	RemainingSeconds float64 `json:"remaining_seconds"`
}

type evaluationResponse struct {
	SessionID  string             `json:"session_id"`
	SectionID  string             `json:"section_id"`
	Evaluation *oracle.Evaluation `json:"evaluation"`
}

func newSessionResponse(s *models.AssessmentSession, now time.Time) sessionResponse {
	resp := sessionResponse{
		SessionID:            s.SessionID,
		UserID:               s.UserID,
		AssessmentType:       string(s.AssessmentType),
		Status:               string(s.Status),
		CurrentSection:       optional(s.CurrentSection),
		TotalDurationSeconds: s.Metadata.TotalDuration.Seconds(),
		Version:              s.Version,
		CreatedAt:            formatTime(s.CreatedAt),
		UpdatedAt:            formatTime(s.UpdatedAt),
	}

	for _, p := range s.SectionProgress {
		sec, _ := s.Section(p.SectionID)
		timer := s.Timers[p.SectionID]

		out := sectionResponse{
			ID:               p.SectionID,
			Name:             sec.Name,
			Kind:             string(sec.Kind),
			Status:           string(p.Status),
			DurationSeconds:  sec.Duration.Seconds(),
			RemainingSeconds: timing.RemainingAt(timer, p.Status, now).Seconds(),
			AutoAdvance:      sec.AutoAdvance,
		}
		if timer != nil {
			out.StartedAt = formatTimePtr(timer.StartedAt)
			out.ExpiresAt = formatTimePtr(timer.ExpiresAt)
		}
		resp.Sections = append(resp.Sections, out)
	}
	return resp
}

func newTimeRemainingResponse(tr *assessment.TimeRemaining) timeRemainingResponse {
	return timeRemainingResponse{
		SessionID:        tr.Session.SessionID,
		SessionStatus:    string(tr.Session.Status),
		CurrentSection:   optional(tr.Session.CurrentSection),
		SectionID:        tr.SectionID,
		SectionStatus:    string(tr.SectionStatus),
		RemainingSeconds: tr.Remaining.Seconds(),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
