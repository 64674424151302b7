// Package timing computes section time budgets.
//
// Nothing here mutates a timer. The state machine consults the engine and
// applies the resulting transition itself.
package timing

import (
	"time"

	"github.com/wolfeidau/assessd/internal/models"
)

// Engine computes remaining time from the wall clock.
type Engine struct {
	now func() time.Time
}

// New returns an engine reading time.Now.
func New() *Engine {
	return &Engine{now: time.Now}
}

// NewWithClock returns an engine reading the supplied clock. Only the process
// wiring and tests use this; request inputs never carry a time.
func NewWithClock(now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{now: now}
}

// Now returns the current time from the engine clock. Readings from time.Now
// keep their monotonic component, so intervals measured within a request do
// not jump with wall clock changes. Persisted and rendered times are
// converted to UTC when formatted.
func (e *Engine) Now() time.Time {
	return e.now()
}

// Remaining returns the time left on a section at the engine's current time.
func (e *Engine) Remaining(timer *models.SectionTimer, status models.SectionStatus) time.Duration {
	return RemainingAt(timer, status, e.now())
}

// Expired reports whether an active, unpaused section has no time left.
func (e *Engine) Expired(timer *models.SectionTimer, status models.SectionStatus) bool {
	return ExpiredAt(timer, status, e.now())
}

// Elapsed returns the running time of a section excluding pauses.
func (e *Engine) Elapsed(timer *models.SectionTimer) time.Duration {
	return ElapsedAt(timer, e.now())
}

// ElapsedAt returns how long the timer has run at now, excluding pauses.
// A paused timer is frozen at its pause instant.
func ElapsedAt(timer *models.SectionTimer, now time.Time) time.Duration {
	if timer == nil || timer.StartedAt == nil {
		return 0
	}

	effective := now
	if timer.PausedAt != nil {
		effective = *timer.PausedAt
	}

	elapsed := effective.Sub(*timer.StartedAt) - timer.PausedDuration
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// RemainingAt computes remaining time at now. Sections that are not running
// report their frozen baseline. The result is never negative.
func RemainingAt(timer *models.SectionTimer, status models.SectionStatus, now time.Time) time.Duration {
	if timer == nil {
		return 0
	}
	if status != models.SectionStatusInProgress || timer.StartedAt == nil {
		return clamp(timer.TimeRemaining)
	}
	return clamp(timer.TimeRemaining - ElapsedAt(timer, now))
}

// ExpiredAt reports whether a running, unpaused section is out of time at now.
func ExpiredAt(timer *models.SectionTimer, status models.SectionStatus, now time.Time) bool {
	if timer == nil || status != models.SectionStatusInProgress || timer.StartedAt == nil {
		return false
	}
	if timer.PausedAt != nil {
		return false
	}
	return RemainingAt(timer, status, now) == 0
}

func clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
