package assessment

import (
	"errors"
	"fmt"

	"github.com/wolfeidau/assessd/internal/models"
)

// Sentinel errors for rejected operations. Concurrency conflicts surface as
// store.ErrConcurrencyConflict and are the only retryable outcome.
var (
	ErrValidation        = errors.New("validation failed")
	ErrEntitlement       = errors.New("no remaining entitlement")
	ErrInvalidTransition = errors.New("invalid transition")
)

// InvalidTransitionError reports the state an operation was rejected in.
type InvalidTransitionError struct {
	Op            string
	SessionStatus models.SessionStatus
	SectionID     string
	SectionStatus models.SectionStatus
}

func (e *InvalidTransitionError) Error() string {
	if e.SectionID == "" {
		return fmt.Sprintf("%s not allowed: session is %s", e.Op, e.SessionStatus)
	}
	return fmt.Sprintf("%s not allowed: session is %s, section %s is %s",
		e.Op, e.SessionStatus, e.SectionID, e.SectionStatus)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

func invalidSession(op string, s *models.AssessmentSession) error {
	return &InvalidTransitionError{Op: op, SessionStatus: s.Status}
}

func invalidSection(op string, s *models.AssessmentSession, sectionID string) error {
	status, _ := s.SectionStatus(sectionID)
	return &InvalidTransitionError{Op: op, SessionStatus: s.Status, SectionID: sectionID, SectionStatus: status}
}
