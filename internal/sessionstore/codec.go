package sessionstore

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/wolfeidau/assessd/internal/models"
)

// document is the plaintext layout sealed inside the envelope. Field names
// and formats are persisted, so they must stay stable.
type document struct {
	SessionID       string              `json:"session_id"`
	UserID          string              `json:"user_id"`
	AssessmentType  string              `json:"assessment_type"`
	Status          string              `json:"status"`
	CurrentSection  *string             `json:"current_section"`
	SectionProgress map[string]string   `json:"section_progress"`
	Timers          map[string]timerDoc `json:"timers"`
	Metadata        metadataDoc         `json:"metadata"`
	CreatedAt       string              `json:"created_at"`
	UpdatedAt       string              `json:"updated_at"`
}

type timerDoc struct {
	StartedAt      *string `json:"started_at"`
	ExpiresAt      *string `json:"expires_at"`
	PausedAt       *string `json:"paused_at"`
	PausedDuration float64 `json:"paused_duration"`
	TimeRemaining  float64 `json:"time_remaining"`
	AutoAdvanceAt  *string `json:"auto_advance_at"`
}

type metadataDoc struct {
	Sections      []sectionDoc `json:"sections"`
	TotalDuration float64      `json:"totalDuration"`
	EntitlementID string       `json:"entitlementId"`
	ProductID     string       `json:"productId,omitempty"`
}

type sectionDoc struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Kind        string  `json:"kind"`
	Duration    float64 `json:"duration"`
	AutoAdvance bool    `json:"auto_advance"`
	AllowReturn bool    `json:"allow_return"`
}

// marshalSession encodes a session as canonical JSON. Map keys are sorted by
// encoding/json, so equal sessions encode to equal bytes.
func marshalSession(s *models.AssessmentSession) ([]byte, error) {
	doc := document{
		SessionID:       s.SessionID,
		UserID:          s.UserID,
		AssessmentType:  string(s.AssessmentType),
		Status:          string(s.Status),
		SectionProgress: make(map[string]string, len(s.SectionProgress)),
		Timers:          make(map[string]timerDoc, len(s.Timers)),
		Metadata: metadataDoc{
			Sections:      make([]sectionDoc, 0, len(s.Metadata.Sections)),
			TotalDuration: s.Metadata.TotalDuration.Seconds(),
			EntitlementID: s.Metadata.EntitlementID,
			ProductID:     s.Metadata.ProductID,
		},
		CreatedAt: formatTime(s.CreatedAt),
		UpdatedAt: formatTime(s.UpdatedAt),
	}
	if s.CurrentSection != "" {
		current := s.CurrentSection
		doc.CurrentSection = &current
	}
	for _, p := range s.SectionProgress {
		doc.SectionProgress[p.SectionID] = string(p.Status)
	}
	for id, t := range s.Timers {
		if t == nil {
			continue
		}
		doc.Timers[id] = timerDoc{
			StartedAt:      formatTimePtr(t.StartedAt),
			ExpiresAt:      formatTimePtr(t.ExpiresAt),
			PausedAt:       formatTimePtr(t.PausedAt),
			PausedDuration: t.PausedDuration.Seconds(),
			TimeRemaining:  t.TimeRemaining.Seconds(),
			AutoAdvanceAt:  formatTimePtr(t.AutoAdvanceAt),
		}
	}
	for _, sec := range s.Metadata.Sections {
		doc.Metadata.Sections = append(doc.Metadata.Sections, sectionDoc{
			ID:          sec.ID,
			Name:        sec.Name,
			Kind:        string(sec.Kind),
			Duration:    sec.Duration.Seconds(),
			AutoAdvance: sec.AutoAdvance,
			AllowReturn: sec.AllowReturn,
		})
	}

	return json.Marshal(doc)
}

// unmarshalSession decodes a document. Section order comes from the
// metadata snapshot since the progress object is unordered.
func unmarshalSession(data []byte) (*models.AssessmentSession, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode session document: %w", err)
	}

	s := &models.AssessmentSession{
		SessionID:      doc.SessionID,
		UserID:         doc.UserID,
		AssessmentType: models.AssessmentType(doc.AssessmentType),
		Status:         models.SessionStatus(doc.Status),
		Timers:         make(map[string]*models.SectionTimer, len(doc.Timers)),
		Metadata: models.SessionMetadata{
			TotalDuration: seconds(doc.Metadata.TotalDuration),
			EntitlementID: doc.Metadata.EntitlementID,
			ProductID:     doc.Metadata.ProductID,
		},
	}
	if !s.Status.Valid() {
		return nil, fmt.Errorf("invalid session status %q", doc.Status)
	}
	if doc.CurrentSection != nil {
		s.CurrentSection = *doc.CurrentSection
	}

	var err error
	if s.CreatedAt, err = parseTime(doc.CreatedAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(doc.UpdatedAt); err != nil {
		return nil, err
	}

	for _, sec := range doc.Metadata.Sections {
		s.Metadata.Sections = append(s.Metadata.Sections, models.SectionConfig{
			ID:          sec.ID,
			Name:        sec.Name,
			Kind:        models.SectionKind(sec.Kind),
			Duration:    seconds(sec.Duration),
			AutoAdvance: sec.AutoAdvance,
			AllowReturn: sec.AllowReturn,
		})

		status := models.SectionStatus(doc.SectionProgress[sec.ID])
		if !status.Valid() {
			return nil, fmt.Errorf("invalid status %q for section %s", status, sec.ID)
		}
		s.SectionProgress = append(s.SectionProgress, models.SectionProgress{SectionID: sec.ID, Status: status})
	}
	if len(doc.SectionProgress) != len(s.SectionProgress) {
		return nil, fmt.Errorf("section progress does not match configured sections")
	}

	for id, t := range doc.Timers {
		timer := &models.SectionTimer{
			PausedDuration: seconds(t.PausedDuration),
			TimeRemaining:  seconds(t.TimeRemaining),
		}
		if timer.StartedAt, err = parseTimePtr(t.StartedAt); err != nil {
			return nil, err
		}
		if timer.ExpiresAt, err = parseTimePtr(t.ExpiresAt); err != nil {
			return nil, err
		}
		if timer.PausedAt, err = parseTimePtr(t.PausedAt); err != nil {
			return nil, err
		}
		if timer.AutoAdvanceAt, err = parseTimePtr(t.AutoAdvanceAt); err != nil {
			return nil, err
		}
		s.Timers[id] = timer
	}

	return s, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", v, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(v *string) (*time.Time, error) {
	if v == nil {
		return nil, nil
	}
	t, err := parseTime(*v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// seconds converts float seconds back to a duration, rounding to the
// nearest nanosecond to absorb float error.
func seconds(v float64) time.Duration {
	return time.Duration(math.Round(v * float64(time.Second)))
}
