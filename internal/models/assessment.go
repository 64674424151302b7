package models

import (
	"time"
)

// SessionStatus is the lifecycle state of an assessment session.
type SessionStatus string

const (
	SessionStatusNotStarted SessionStatus = "NOT_STARTED"
	SessionStatusInProgress SessionStatus = "IN_PROGRESS"
	SessionStatusPaused     SessionStatus = "PAUSED"
	SessionStatusCompleted  SessionStatus = "COMPLETED"
	SessionStatusExpired    SessionStatus = "EXPIRED"
	SessionStatusTerminated SessionStatus = "TERMINATED"
)

// IsTerminal returns true once no further transition is possible.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusExpired, SessionStatusTerminated:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known session states.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusNotStarted, SessionStatusInProgress, SessionStatusPaused,
		SessionStatusCompleted, SessionStatusExpired, SessionStatusTerminated:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the session may move from s to target.
func (s SessionStatus) CanTransitionTo(target SessionStatus) bool {
	switch s {
	case SessionStatusNotStarted:
		return target == SessionStatusInProgress ||
			target == SessionStatusExpired ||
			target == SessionStatusTerminated
	case SessionStatusInProgress:
		return target == SessionStatusPaused ||
			target == SessionStatusCompleted ||
			target == SessionStatusExpired ||
			target == SessionStatusTerminated
	case SessionStatusPaused:
		return target == SessionStatusInProgress ||
			target == SessionStatusExpired ||
			target == SessionStatusTerminated
	default:
		return false
	}
}

// SectionStatus is the lifecycle state of a single section.
type SectionStatus string

const (
	SectionStatusNotStarted SectionStatus = "NOT_STARTED"
	SectionStatusInProgress SectionStatus = "IN_PROGRESS"
	SectionStatusCompleted  SectionStatus = "COMPLETED"
	SectionStatusExpired    SectionStatus = "EXPIRED"
	SectionStatusSkipped    SectionStatus = "SKIPPED"
)

// IsTerminal returns true for sections that can never be restarted.
func (s SectionStatus) IsTerminal() bool {
	switch s {
	case SectionStatusCompleted, SectionStatusExpired, SectionStatusSkipped:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known section states.
func (s SectionStatus) Valid() bool {
	switch s {
	case SectionStatusNotStarted, SectionStatusInProgress, SectionStatusCompleted,
		SectionStatusExpired, SectionStatusSkipped:
		return true
	default:
		return false
	}
}

// SectionTimer tracks wall-clock timing for one section.
//
// TimeRemaining is the baseline at StartedAt and is only rewritten when the
// section stops. ExpiresAt and AutoAdvanceAt are pushed back by every pause so
// they always hold the live deadline.
type SectionTimer struct {
	StartedAt      *time.Time
	ExpiresAt      *time.Time
	PausedAt       *time.Time
	PausedDuration time.Duration
	TimeRemaining  time.Duration
	AutoAdvanceAt  *time.Time
}

// Clone returns a deep copy of the timer.
func (t *SectionTimer) Clone() *SectionTimer {
	if t == nil {
		return nil
	}
	return &SectionTimer{
		StartedAt:      cloneTime(t.StartedAt),
		ExpiresAt:      cloneTime(t.ExpiresAt),
		PausedAt:       cloneTime(t.PausedAt),
		PausedDuration: t.PausedDuration,
		TimeRemaining:  t.TimeRemaining,
		AutoAdvanceAt:  cloneTime(t.AutoAdvanceAt),
	}
}

// SectionProgress is the status of one section, kept in configured order.
type SectionProgress struct {
	SectionID string
	Status    SectionStatus
}

// SessionMetadata is the configuration snapshot taken at creation time.
type SessionMetadata struct {
	Sections      []SectionConfig
	TotalDuration time.Duration
	EntitlementID string
	ProductID     string
}

// AssessmentSession is one paid attempt at an assessment.
type AssessmentSession struct {
	SessionID       string // UUIDv7
	UserID          string
	AssessmentType  AssessmentType
	Status          SessionStatus
	CurrentSection  string // empty when no section is active
	SectionProgress []SectionProgress
	Timers          map[string]*SectionTimer
	Metadata        SessionMetadata
	CreatedAt       time.Time
	UpdatedAt       time.Time

	// Version is the optimistic concurrency token of the stored record. It is
	// not part of the encrypted payload.
	Version int64
}

// SectionStatus returns the status of a section and whether it exists.
func (s *AssessmentSession) SectionStatus(sectionID string) (SectionStatus, bool) {
	for _, p := range s.SectionProgress {
		if p.SectionID == sectionID {
			return p.Status, true
		}
	}
	return "", false
}

// SetSectionStatus updates a section status in place.
func (s *AssessmentSession) SetSectionStatus(sectionID string, status SectionStatus) bool {
	for i := range s.SectionProgress {
		if s.SectionProgress[i].SectionID == sectionID {
			s.SectionProgress[i].Status = status
			return true
		}
	}
	return false
}

// Section returns the configuration snapshot for a section.
func (s *AssessmentSession) Section(sectionID string) (SectionConfig, bool) {
	for _, sec := range s.Metadata.Sections {
		if sec.ID == sectionID {
			return sec, true
		}
	}
	return SectionConfig{}, false
}

// NextSection returns the first section after sectionID in configured order.
func (s *AssessmentSession) NextSection(sectionID string) (string, bool) {
	for i, p := range s.SectionProgress {
		if p.SectionID == sectionID && i+1 < len(s.SectionProgress) {
			return s.SectionProgress[i+1].SectionID, true
		}
	}
	return "", false
}

// FirstPendingSection returns the first NOT_STARTED section in configured order.
func (s *AssessmentSession) FirstPendingSection() (string, bool) {
	for _, p := range s.SectionProgress {
		if p.Status == SectionStatusNotStarted {
			return p.SectionID, true
		}
	}
	return "", false
}

// ActiveSections returns every section currently IN_PROGRESS.
func (s *AssessmentSession) ActiveSections() []string {
	var active []string
	for _, p := range s.SectionProgress {
		if p.Status == SectionStatusInProgress {
			active = append(active, p.SectionID)
		}
	}
	return active
}

// Deadline returns the instant at which the session next needs an automatic
// transition, or nil when nothing is scheduled.
func (s *AssessmentSession) Deadline(startWindow time.Duration) *time.Time {
	switch s.Status {
	case SessionStatusNotStarted:
		if startWindow <= 0 {
			return nil
		}
		d := s.CreatedAt.Add(startWindow)
		return &d
	case SessionStatusInProgress:
		if s.CurrentSection == "" {
			return nil
		}
		timer := s.Timers[s.CurrentSection]
		if timer == nil || timer.PausedAt != nil || timer.ExpiresAt == nil {
			return nil
		}
		return cloneTime(timer.ExpiresAt)
	default:
		return nil
	}
}

// Clone returns a deep copy of the session.
func (s *AssessmentSession) Clone() *AssessmentSession {
	if s == nil {
		return nil
	}
	clone := *s
	clone.SectionProgress = append([]SectionProgress(nil), s.SectionProgress...)
	clone.Metadata.Sections = append([]SectionConfig(nil), s.Metadata.Sections...)
	clone.Timers = make(map[string]*SectionTimer, len(s.Timers))
	for id, timer := range s.Timers {
		clone.Timers[id] = timer.Clone()
	}
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
