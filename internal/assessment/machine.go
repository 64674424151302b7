// Package assessment implements the session and section lifecycle.
//
// Every operation loads the session, applies any timer expiry that is due,
// applies the requested change and saves conditionally on the version it
// loaded. A rejected operation saves nothing. Events are published only after
// the save succeeds.
package assessment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/assessd/internal/events"
	"github.com/wolfeidau/assessd/internal/models"
	"github.com/wolfeidau/assessd/internal/telemetry"
	"github.com/wolfeidau/assessd/internal/timing"
	"go.opentelemetry.io/otel/attribute"
)

// Operation names used in errors, logs and metrics.
const (
	OpCreateSession    = "create_session"
	OpStartSession     = "start_session"
	OpStartSection     = "start_section"
	OpCompleteSection  = "complete_section"
	OpPauseSession     = "pause_session"
	OpResumeSession    = "resume_session"
	OpGetTimeRemaining = "get_time_remaining"
	OpTerminate        = "terminate"
	OpReconcile        = "reconcile"
)

// SessionStore persists sessions with optimistic concurrency.
type SessionStore interface {
	Create(ctx context.Context, session *models.AssessmentSession) error
	Save(ctx context.Context, session *models.AssessmentSession) error
	Load(ctx context.Context, sessionID, userID string) (*models.AssessmentSession, error)
}

// EntitlementGate consumes one use of a product.
type EntitlementGate interface {
	Consume(ctx context.Context, userID, productID, entitlementID string) (string, bool, error)
}

// Config wires a Machine.
type Config struct {
	Sessions  SessionStore
	Gate      EntitlementGate
	Catalog   *models.Catalog
	Clock     *timing.Engine
	Publisher events.Publisher

	// StartWindow is how long a created session may stay NOT_STARTED. Zero
	// disables start window expiry.
	StartWindow time.Duration
}

// Machine applies lifecycle operations to stored sessions.
type Machine struct {
	sessions    SessionStore
	gate        EntitlementGate
	catalog     *models.Catalog
	clock       *timing.Engine
	publisher   events.Publisher
	startWindow time.Duration
	metrics     *telemetry.Metrics
}

// NewMachine creates a state machine from its collaborators.
func NewMachine(cfg Config) (*Machine, error) {
	if cfg.Sessions == nil || cfg.Gate == nil {
		return nil, fmt.Errorf("sessions and gate are required")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = models.DefaultCatalog()
	}
	if cfg.Clock == nil {
		cfg.Clock = timing.New()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.LogPublisher{}
	}

	return &Machine{
		sessions:    cfg.Sessions,
		gate:        cfg.Gate,
		catalog:     cfg.Catalog,
		clock:       cfg.Clock,
		publisher:   cfg.Publisher,
		startWindow: cfg.StartWindow,
		metrics:     telemetry.GetMetrics(),
	}, nil
}

// TimeRemaining is the result of GetTimeRemaining.
type TimeRemaining struct {
	Session       *models.AssessmentSession
	SectionID     string
	SectionStatus models.SectionStatus
	Remaining     time.Duration
}

// change collects the effects of one operation before it is saved.
type change struct {
	now     time.Time
	changed bool
	events  []events.Event
}

func (c *change) emit(s *models.AssessmentSession, typ events.Type, sectionID string) {
	c.changed = true
	e := events.Event{
		ID:             newID(),
		Type:           typ,
		SessionID:      s.SessionID,
		UserID:         s.UserID,
		AssessmentType: string(s.AssessmentType),
		SectionID:      sectionID,
		OccurredAt:     c.now.UTC(),
	}
	if sec, ok := s.Section(sectionID); ok {
		e.SectionKind = string(sec.Kind)
	}
	c.events = append(c.events, e)
}

// CreateSession validates the assessment type, consumes an entitlement and
// stores a new NOT_STARTED session.
func (m *Machine) CreateSession(ctx context.Context, userID string, assessmentType models.AssessmentType, entitlementID string) (*models.AssessmentSession, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	cfg, err := m.catalog.Lookup(assessmentType)
	if err != nil {
		telemetry.Inc(ctx, m.metrics.SessionsRejectedTotal, attribute.String("reason", "validation"))
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	consumedID, ok, err := m.gate.Consume(ctx, userID, cfg.ProductID, entitlementID)
	if err != nil {
		return nil, err
	}
	if !ok {
		telemetry.Inc(ctx, m.metrics.SessionsRejectedTotal, attribute.String("reason", "entitlement"))
		if entitlementID != "" {
			return nil, fmt.Errorf("%w: entitlement %s is not usable for product %s", ErrEntitlement, entitlementID, cfg.ProductID)
		}
		return nil, fmt.Errorf("%w: product %s", ErrEntitlement, cfg.ProductID)
	}

	sessionID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	now := m.clock.Now()
	session := &models.AssessmentSession{
		SessionID:      sessionID.String(),
		UserID:         userID,
		AssessmentType: cfg.Type,
		Status:         models.SessionStatusNotStarted,
		Timers:         make(map[string]*models.SectionTimer, len(cfg.Sections)),
		Metadata: models.SessionMetadata{
			Sections:      append([]models.SectionConfig(nil), cfg.Sections...),
			TotalDuration: cfg.TotalDuration(),
			EntitlementID: consumedID,
			ProductID:     cfg.ProductID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, sec := range cfg.Sections {
		session.SectionProgress = append(session.SectionProgress, models.SectionProgress{
			SectionID: sec.ID,
			Status:    models.SectionStatusNotStarted,
		})
		session.Timers[sec.ID] = &models.SectionTimer{TimeRemaining: sec.Duration}
	}

	// The use is not refunded if this fails.
	if err := m.sessions.Create(ctx, session); err != nil {
		log.Ctx(ctx).Error().Err(err).
			Str("user_id", userID).
			Str("product_id", cfg.ProductID).
			Msg("entitlement consumed but session not stored")
		return nil, err
	}

	telemetry.Inc(ctx, m.metrics.SessionsCreatedTotal, attribute.String("assessment_type", string(cfg.Type)))

	c := &change{now: now}
	c.emit(session, events.SessionCreated, "")
	m.publish(ctx, session, c)

	log.Ctx(ctx).Info().
		Str("session_id", session.SessionID).
		Str("assessment_type", string(cfg.Type)).
		Msg("assessment session created")

	return session, nil
}

// StartSession moves a NOT_STARTED session to IN_PROGRESS and starts its
// first section.
func (m *Machine) StartSession(ctx context.Context, sessionID, userID string) (*models.AssessmentSession, error) {
	return m.apply(ctx, OpStartSession, sessionID, userID, func(s *models.AssessmentSession, c *change) error {
		if s.Status != models.SessionStatusNotStarted {
			return invalidSession(OpStartSession, s)
		}

		s.Status = models.SessionStatusInProgress
		c.emit(s, events.SessionStarted, "")

		first, ok := s.FirstPendingSection()
		if !ok {
			m.completeSession(s, c)
			return nil
		}
		m.startSection(s, first, c)
		return nil
	})
}

// StartSection starts the next section in configured order. Starting a
// section that is already running succeeds without touching its timer.
func (m *Machine) StartSection(ctx context.Context, sessionID, userID, sectionID string) (*models.AssessmentSession, error) {
	return m.apply(ctx, OpStartSection, sessionID, userID, func(s *models.AssessmentSession, c *change) error {
		status, ok := s.SectionStatus(sectionID)
		if !ok {
			return fmt.Errorf("%w: unknown section %q", ErrValidation, sectionID)
		}

		switch {
		case status == models.SectionStatusInProgress:
			return nil
		case status.IsTerminal():
			return invalidSection(OpStartSection, s, sectionID)
		case s.Status != models.SessionStatusInProgress:
			return invalidSection(OpStartSection, s, sectionID)
		case len(s.ActiveSections()) > 0:
			return invalidSection(OpStartSection, s, sectionID)
		}

		if next, _ := s.FirstPendingSection(); next != sectionID {
			return invalidSection(OpStartSection, s, sectionID)
		}

		m.startSection(s, sectionID, c)
		return nil
	})
}

// CompleteSection completes a running section and starts the next one, or
// completes the session after the last section. Completing a section that is
// already COMPLETED or EXPIRED succeeds without changes.
func (m *Machine) CompleteSection(ctx context.Context, sessionID, userID, sectionID string) (*models.AssessmentSession, error) {
	return m.apply(ctx, OpCompleteSection, sessionID, userID, func(s *models.AssessmentSession, c *change) error {
		status, ok := s.SectionStatus(sectionID)
		if !ok {
			return fmt.Errorf("%w: unknown section %q", ErrValidation, sectionID)
		}

		switch status {
		case models.SectionStatusCompleted, models.SectionStatusExpired:
			return nil
		case models.SectionStatusInProgress:
		default:
			return invalidSection(OpCompleteSection, s, sectionID)
		}

		if s.Status != models.SessionStatusInProgress {
			return invalidSection(OpCompleteSection, s, sectionID)
		}

		m.finishSection(s, sectionID, models.SectionStatusCompleted, c)
		c.emit(s, events.SectionCompleted, sectionID)
		m.advance(s, true, c)
		return nil
	})
}

// PauseSession freezes the running section timer.
func (m *Machine) PauseSession(ctx context.Context, sessionID, userID string) (*models.AssessmentSession, error) {
	return m.apply(ctx, OpPauseSession, sessionID, userID, func(s *models.AssessmentSession, c *change) error {
		if s.Status != models.SessionStatusInProgress {
			return invalidSession(OpPauseSession, s)
		}

		s.Status = models.SessionStatusPaused
		if timer := m.activeTimer(s); timer != nil {
			pausedAt := c.now
			timer.PausedAt = &pausedAt
		}
		c.emit(s, events.SessionPaused, s.CurrentSection)
		return nil
	})
}

// ResumeSession restarts the section timer. The paused interval is excluded
// from elapsed time and pushes the section deadline back.
func (m *Machine) ResumeSession(ctx context.Context, sessionID, userID string) (*models.AssessmentSession, error) {
	return m.apply(ctx, OpResumeSession, sessionID, userID, func(s *models.AssessmentSession, c *change) error {
		if s.Status != models.SessionStatusPaused {
			return invalidSession(OpResumeSession, s)
		}

		s.Status = models.SessionStatusInProgress
		if timer := m.activeTimer(s); timer != nil && timer.PausedAt != nil {
			interval := c.now.Sub(*timer.PausedAt)
			if interval < 0 {
				interval = 0
			}
			timer.PausedDuration += interval
			timer.ExpiresAt = shift(timer.ExpiresAt, interval)
			timer.AutoAdvanceAt = shift(timer.AutoAdvanceAt, interval)
			timer.PausedAt = nil
		}
		c.emit(s, events.SessionResumed, s.CurrentSection)
		return nil
	})
}

// GetTimeRemaining reports the time left on sectionID, or on the current
// section when sectionID is empty. A section found out of time is expired and
// the session advanced before the answer is returned.
func (m *Machine) GetTimeRemaining(ctx context.Context, sessionID, userID, sectionID string) (*TimeRemaining, error) {
	var result TimeRemaining

	session, err := m.apply(ctx, OpGetTimeRemaining, sessionID, userID, func(s *models.AssessmentSession, c *change) error {
		id := sectionID
		if id == "" {
			id = s.CurrentSection
		}
		if id == "" {
			return nil
		}

		status, ok := s.SectionStatus(id)
		if !ok {
			return fmt.Errorf("%w: unknown section %q", ErrValidation, id)
		}

		result.SectionID = id
		result.SectionStatus = status
		result.Remaining = timing.RemainingAt(s.Timers[id], status, c.now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// expiry ended the session before the section was read
	if sectionID != "" && result.SectionID == "" {
		status, ok := session.SectionStatus(sectionID)
		if !ok {
			return nil, fmt.Errorf("%w: unknown section %q", ErrValidation, sectionID)
		}
		result.SectionID = sectionID
		result.SectionStatus = status
		result.Remaining = timing.RemainingAt(session.Timers[sectionID], status, session.UpdatedAt)
	}

	result.Session = session
	return &result, nil
}

// Terminate ends a non-terminal session administratively.
func (m *Machine) Terminate(ctx context.Context, sessionID, userID, reason string) (*models.AssessmentSession, error) {
	return m.apply(ctx, OpTerminate, sessionID, userID, func(s *models.AssessmentSession, c *change) error {
		if !s.Status.CanTransitionTo(models.SessionStatusTerminated) {
			return invalidSession(OpTerminate, s)
		}

		m.closeSections(s, c)
		s.Status = models.SessionStatusTerminated
		c.emit(s, events.SessionTerminated, "")
		c.events[len(c.events)-1].Reason = reason

		log.Ctx(ctx).Warn().
			Str("session_id", s.SessionID).
			Str("reason", reason).
			Msg("assessment session terminated")
		return nil
	})
}

// Reconcile applies any due expiry without reading a section. It is the
// entry point for the expiry sweep.
func (m *Machine) Reconcile(ctx context.Context, sessionID, userID string) (*models.AssessmentSession, error) {
	return m.apply(ctx, OpReconcile, sessionID, userID, func(*models.AssessmentSession, *change) error {
		return nil
	})
}

// apply runs the load, reconcile, mutate, save cycle for one operation.
func (m *Machine) apply(ctx context.Context, op, sessionID, userID string, fn func(*models.AssessmentSession, *change) error) (*models.AssessmentSession, error) {
	if sessionID == "" || userID == "" {
		return nil, fmt.Errorf("%w: session id and user id are required", ErrValidation)
	}

	session, err := m.sessions.Load(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	c := &change{now: m.clock.Now()}
	before := session.Status
	m.reconcile(ctx, session, c)

	// expiry reached a terminal state; that is the answer for any operation
	if session.Status.IsTerminal() && !before.IsTerminal() {
		return m.save(ctx, op, session, c)
	}

	if err := fn(session, c); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			telemetry.Inc(ctx, m.metrics.InvalidTransitionTotal, attribute.String("op", op))
			log.Ctx(ctx).Debug().Err(err).Str("session_id", sessionID).Msg("operation rejected")
		}
		return nil, err
	}

	if !c.changed {
		return session, nil
	}
	return m.save(ctx, op, session, c)
}

func (m *Machine) save(ctx context.Context, op string, s *models.AssessmentSession, c *change) (*models.AssessmentSession, error) {
	s.UpdatedAt = c.now
	if err := m.sessions.Save(ctx, s); err != nil {
		return nil, err
	}

	telemetry.Inc(ctx, m.metrics.TransitionsTotal, attribute.String("op", op))
	m.publish(ctx, s, c)
	return s, nil
}

// publish sends events for a durable change. Failures are logged; the state
// change itself has already been committed.
func (m *Machine) publish(ctx context.Context, s *models.AssessmentSession, c *change) {
	if len(c.events) == 0 {
		return
	}
	for i := range c.events {
		c.events[i].Version = s.Version
	}
	if err := m.publisher.Publish(ctx, c.events...); err != nil {
		log.Ctx(ctx).Error().Err(err).
			Str("session_id", s.SessionID).
			Int("events", len(c.events)).
			Msg("failed to publish lifecycle events")
	}
}

// reconcile applies expiries due at c.now.
func (m *Machine) reconcile(ctx context.Context, s *models.AssessmentSession, c *change) {
	switch s.Status {
	case models.SessionStatusNotStarted:
		if m.startWindow > 0 && !c.now.Before(s.CreatedAt.Add(m.startWindow)) {
			m.closeSections(s, c)
			s.Status = models.SessionStatusExpired
			c.emit(s, events.SessionExpired, "")
		}

	case models.SessionStatusInProgress:
		for s.CurrentSection != "" {
			id := s.CurrentSection
			status, _ := s.SectionStatus(id)
			if !timing.ExpiredAt(s.Timers[id], status, c.now) {
				return
			}

			m.finishSection(s, id, models.SectionStatusExpired, c)
			c.emit(s, events.SectionExpired, id)
			telemetry.Inc(ctx, m.metrics.SectionsExpiredTotal)

			sec, _ := s.Section(id)
			m.advance(s, sec.AutoAdvance, c)
		}
	}
}

// startSection initialises the timer of a NOT_STARTED section at c.now.
func (m *Machine) startSection(s *models.AssessmentSession, sectionID string, c *change) {
	sec, _ := s.Section(sectionID)
	timer := s.Timers[sectionID]
	if timer == nil {
		timer = &models.SectionTimer{TimeRemaining: sec.Duration}
		s.Timers[sectionID] = timer
	}

	started := c.now
	expires := started.Add(timer.TimeRemaining)
	timer.StartedAt = &started
	timer.ExpiresAt = &expires
	timer.PausedAt = nil
	timer.PausedDuration = 0
	timer.AutoAdvanceAt = nil
	if sec.AutoAdvance {
		autoAdvance := expires
		timer.AutoAdvanceAt = &autoAdvance
	}

	s.SetSectionStatus(sectionID, models.SectionStatusInProgress)
	s.CurrentSection = sectionID
	c.emit(s, events.SectionStarted, sectionID)
}

// finishSection freezes the remaining time of a running section and moves it
// to a terminal status.
func (m *Machine) finishSection(s *models.AssessmentSession, sectionID string, status models.SectionStatus, c *change) {
	if timer := s.Timers[sectionID]; timer != nil {
		timer.TimeRemaining = timing.RemainingAt(timer, models.SectionStatusInProgress, c.now)
		timer.PausedAt = nil
		timer.AutoAdvanceAt = nil
	}
	s.SetSectionStatus(sectionID, status)
	if s.CurrentSection == sectionID {
		s.CurrentSection = ""
	}
	c.changed = true
}

// advance starts the next pending section when startNext is set, or
// completes the session when nothing is pending.
func (m *Machine) advance(s *models.AssessmentSession, startNext bool, c *change) {
	next, ok := s.FirstPendingSection()
	if !ok {
		m.completeSession(s, c)
		return
	}
	if startNext {
		m.startSection(s, next, c)
	}
}

func (m *Machine) completeSession(s *models.AssessmentSession, c *change) {
	s.Status = models.SessionStatusCompleted
	s.CurrentSection = ""
	c.emit(s, events.SessionCompleted, "")
}

// closeSections stops a running section and skips pending ones before the
// session enters a terminal state.
func (m *Machine) closeSections(s *models.AssessmentSession, c *change) {
	for _, p := range s.SectionProgress {
		switch p.Status {
		case models.SectionStatusInProgress:
			m.finishSection(s, p.SectionID, models.SectionStatusExpired, c)
		case models.SectionStatusNotStarted:
			s.SetSectionStatus(p.SectionID, models.SectionStatusSkipped)
		}
	}
	s.CurrentSection = ""
	c.changed = true
}

func (m *Machine) activeTimer(s *models.AssessmentSession) *models.SectionTimer {
	if s.CurrentSection == "" {
		return nil
	}
	return s.Timers[s.CurrentSection]
}

func shift(t *time.Time, d time.Duration) *time.Time {
	if t == nil {
		return nil
	}
	v := t.Add(d)
	return &v
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
