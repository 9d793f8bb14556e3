// Package telemetry defines the OpenTelemetry instruments recorded by the
// record store and builds the meter provider that exports them.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/roach88/recstore"

// Write outcomes recorded by RecordWrite.
const (
	OutcomeCreated    = "created"
	OutcomeExisting   = "existing"
	OutcomeRemediated = "remediated"
	OutcomeFailed     = "failed"
)

// Rollback kinds recorded by RecordRollback.
const (
	ScopeTop    = "top"
	ScopeNested = "nested"
)

// Metrics holds the store's metric instruments. A nil *Metrics records
// nothing, so components take one unconditionally.
type Metrics struct {
	recordsWritten      metric.Int64Counter
	digestCollisions    metric.Int64Counter
	digestEscalations   metric.Int64Counter
	poolAcquireDuration metric.Float64Histogram
	poolTimeouts        metric.Int64Counter
	poolInUse           metric.Int64UpDownCounter
	poolDiscarded       metric.Int64Counter
	scopeRollbacks      metric.Int64Counter
}

// NewMetrics creates the instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	recordsWritten, err := meter.Int64Counter(
		"recstore_records_written_total",
		metric.WithDescription("Record writes by outcome"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	digestCollisions, err := meter.Int64Counter(
		"recstore_digest_collisions_total",
		metric.WithDescription("Digest collisions detected, by algorithm in use"),
		metric.WithUnit("{collision}"),
	)
	if err != nil {
		return nil, err
	}

	digestEscalations, err := meter.Int64Counter(
		"recstore_digest_escalations_total",
		metric.WithDescription("Active digest algorithm escalations"),
		metric.WithUnit("{escalation}"),
	)
	if err != nil {
		return nil, err
	}

	poolAcquireDuration, err := meter.Float64Histogram(
		"recstore_pool_acquire_duration_seconds",
		metric.WithDescription("Time spent waiting for a pooled connection"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	poolTimeouts, err := meter.Int64Counter(
		"recstore_pool_timeouts_total",
		metric.WithDescription("Acquisitions that timed out"),
		metric.WithUnit("{acquire}"),
	)
	if err != nil {
		return nil, err
	}

	poolInUse, err := meter.Int64UpDownCounter(
		"recstore_pool_in_use",
		metric.WithDescription("Connections currently checked out"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	poolDiscarded, err := meter.Int64Counter(
		"recstore_pool_discarded_total",
		metric.WithDescription("Broken connections discarded at release"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	scopeRollbacks, err := meter.Int64Counter(
		"recstore_scope_rollbacks_total",
		metric.WithDescription("Transaction scope rollbacks by kind"),
		metric.WithUnit("{rollback}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		recordsWritten:      recordsWritten,
		digestCollisions:    digestCollisions,
		digestEscalations:   digestEscalations,
		poolAcquireDuration: poolAcquireDuration,
		poolTimeouts:        poolTimeouts,
		poolInUse:           poolInUse,
		poolDiscarded:       poolDiscarded,
		scopeRollbacks:      scopeRollbacks,
	}, nil
}

// RecordWrite counts a record write with its outcome.
func (m *Metrics) RecordWrite(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.recordsWritten.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCollision counts a collision detected under algorithm.
func (m *Metrics) RecordCollision(ctx context.Context, algorithm string) {
	if m == nil {
		return
	}
	m.digestCollisions.Add(ctx, 1, metric.WithAttributes(attribute.String("algorithm", algorithm)))
}

// RecordEscalation counts an escalation of the active algorithm.
func (m *Metrics) RecordEscalation(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.digestEscalations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordAcquire records the wait of a successful acquisition.
func (m *Metrics) RecordAcquire(ctx context.Context, wait time.Duration) {
	if m == nil {
		return
	}
	m.poolAcquireDuration.Record(ctx, wait.Seconds())
}

// RecordPoolTimeout counts an acquisition that timed out.
func (m *Metrics) RecordPoolTimeout(ctx context.Context) {
	if m == nil {
		return
	}
	m.poolTimeouts.Add(ctx, 1)
}

// AddInUse adjusts the checked-out connection gauge.
func (m *Metrics) AddInUse(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.poolInUse.Add(ctx, delta)
}

// RecordDiscard counts a discarded connection.
func (m *Metrics) RecordDiscard(ctx context.Context) {
	if m == nil {
		return
	}
	m.poolDiscarded.Add(ctx, 1)
}

// RecordRollback counts a scope rollback of the given kind.
func (m *Metrics) RecordRollback(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.scopeRollbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
