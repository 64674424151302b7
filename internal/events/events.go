// Package events publishes session lifecycle notifications. Events carry
// identifiers and states only, never assessment content.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Type names a lifecycle event.
type Type string

const (
	SessionCreated    Type = "session.created"
	SessionStarted    Type = "session.started"
	SessionPaused     Type = "session.paused"
	SessionResumed    Type = "session.resumed"
	SessionCompleted  Type = "session.completed"
	SessionExpired    Type = "session.expired"
	SessionTerminated Type = "session.terminated"
	SectionStarted    Type = "section.started"
	SectionCompleted  Type = "section.completed"
	SectionExpired    Type = "section.expired"
)

// Event is a single lifecycle notification.
type Event struct {
	ID             string    `json:"id"`
	Type           Type      `json:"type"`
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	AssessmentType string    `json:"assessment_type"`
	SectionID      string    `json:"section_id,omitempty"`
	SectionKind    string    `json:"section_kind,omitempty"`
	Version        int64     `json:"version"`
	OccurredAt     time.Time `json:"occurred_at"`
	Reason         string    `json:"reason,omitempty"`
}

// Publisher delivers events after the state change they describe is durable.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// LogPublisher writes events to the structured log.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, events ...Event) error {
	for _, e := range events {
		log.Ctx(ctx).Info().
			Str("event_id", e.ID).
			Str("event_type", string(e.Type)).
			Str("session_id", e.SessionID).
			Str("section_id", e.SectionID).
			Int64("version", e.Version).
			Msg("lifecycle event")
	}
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ctx context.Context, events ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]Type, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}

// Reset drops recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
