package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/assessd"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Session lifecycle metrics
	SessionsCreatedTotal   metric.Int64Counter
	SessionsRejectedTotal  metric.Int64Counter
	TransitionsTotal       metric.Int64Counter
	SectionsExpiredTotal   metric.Int64Counter
	InvalidTransitionTotal metric.Int64Counter

	// Store metrics
	ConcurrencyConflictsTotal metric.Int64Counter
	SessionSaveDuration       metric.Float64Histogram
	SessionPayloadBytes       metric.Int64Histogram

	// Envelope metrics
	EnvelopeOperationsTotal metric.Int64Counter
	EnvelopeErrorsTotal     metric.Int64Counter
	AccessDeniedTotal       metric.Int64Counter

	// Event metrics
	EventPublishTotal       metric.Int64Counter
	EventPublishErrorsTotal metric.Int64Counter

	// Sweep metrics
	SweepReconciledTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.SessionsCreatedTotal, _ = meter.Int64Counter(
		"assessd.sessions.created.total",
		metric.WithDescription("Total number of assessment sessions created"),
		metric.WithUnit("{session}"),
	)

	m.SessionsRejectedTotal, _ = meter.Int64Counter(
		"assessd.sessions.rejected.total",
		metric.WithDescription("Session creations refused for validation or entitlement"),
		metric.WithUnit("{session}"),
	)

	m.TransitionsTotal, _ = meter.Int64Counter(
		"assessd.transitions.total",
		metric.WithDescription("Total number of applied lifecycle transitions"),
		metric.WithUnit("{transition}"),
	)

	m.SectionsExpiredTotal, _ = meter.Int64Counter(
		"assessd.sections.expired.total",
		metric.WithDescription("Sections auto-advanced after their timer reached zero"),
		metric.WithUnit("{section}"),
	)

	m.InvalidTransitionTotal, _ = meter.Int64Counter(
		"assessd.transitions.invalid.total",
		metric.WithDescription("Operations rejected as illegal from the current state"),
		metric.WithUnit("{operation}"),
	)

	m.ConcurrencyConflictsTotal, _ = meter.Int64Counter(
		"assessd.store.conflicts.total",
		metric.WithDescription("Conditional writes lost to a concurrent writer"),
		metric.WithUnit("{conflict}"),
	)

	m.SessionSaveDuration, _ = meter.Float64Histogram(
		"assessd.store.save.duration",
		metric.WithDescription("Duration of encrypt and conditional save"),
		metric.WithUnit("ms"),
	)

	m.SessionPayloadBytes, _ = meter.Int64Histogram(
		"assessd.store.payload.bytes",
		metric.WithDescription("Compressed session payload size before encryption"),
		metric.WithUnit("By"),
	)

	m.EnvelopeOperationsTotal, _ = meter.Int64Counter(
		"assessd.envelope.operations.total",
		metric.WithDescription("Total number of envelope encrypt and decrypt calls"),
		metric.WithUnit("{operation}"),
	)

	m.EnvelopeErrorsTotal, _ = meter.Int64Counter(
		"assessd.envelope.errors.total",
		metric.WithDescription("Envelope operations that failed in key management or authentication"),
		metric.WithUnit("{error}"),
	)

	m.AccessDeniedTotal, _ = meter.Int64Counter(
		"assessd.envelope.access_denied.total",
		metric.WithDescription("Decrypt attempts refused for an owner mismatch"),
		metric.WithUnit("{attempt}"),
	)

	m.EventPublishTotal, _ = meter.Int64Counter(
		"assessd.events.publish.total",
		metric.WithDescription("Total number of lifecycle event publish attempts"),
		metric.WithUnit("{event}"),
	)

	m.EventPublishErrorsTotal, _ = meter.Int64Counter(
		"assessd.events.publish.errors.total",
		metric.WithDescription("Total number of lifecycle event publish errors"),
		metric.WithUnit("{error}"),
	)

	m.SweepReconciledTotal, _ = meter.Int64Counter(
		"assessd.sweep.reconciled.total",
		metric.WithDescription("Sessions reconciled by the expiry sweep"),
		metric.WithUnit("{session}"),
	)

	return m
}

// Inc adds one to a counter with the given attributes.
func Inc(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
