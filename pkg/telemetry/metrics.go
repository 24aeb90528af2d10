// SPDX-License-Identifier: Apache-2.0
// Package telemetry provides observability for the Praxis engine.
// See docs/configuration.md for exporter settings.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/praxislabs/praxis/pkg/errors"
)

// EngineMetrics tracks run outcomes, step dispatch, and recovery activity
// for production monitoring.
type EngineMetrics struct {
	// runCounter tracks finished runs by terminal status
	runCounter metric.Int64Counter

	// stepCounter tracks dispatched steps by capability and outcome
	stepCounter metric.Int64Counter

	// retryCounter tracks step retries by capability
	retryCounter metric.Int64Counter

	// replanCounter tracks replanning rounds by trigger
	replanCounter metric.Int64Counter

	// suspensionCounter tracks runs parked for human approval
	suspensionCounter metric.Int64Counter

	// decisionCounter tracks resume decisions by kind
	decisionCounter metric.Int64Counter

	// failureCounter tracks errors by code and severity
	failureCounter metric.Int64Counter

	// expiredCounter tracks approval requests that timed out unanswered
	expiredCounter metric.Int64Counter

	// runDuration records wall time per run in seconds
	runDuration metric.Float64Histogram

	// stepDuration records wall time per step attempt in seconds
	stepDuration metric.Float64Histogram

	// healthStatusGauge tracks component health (0=unhealthy, 1=degraded, 2=healthy)
	healthStatusGauge metric.Int64Gauge

	mu sync.RWMutex
}

// NewEngineMetrics creates an engine metrics tracker with OTEL meters.
func NewEngineMetrics(ctx context.Context) (*EngineMetrics, error) {
	meter := otel.Meter("praxis/engine")

	runCounter, err := meter.Int64Counter(
		"praxis.engine.runs",
		metric.WithDescription("Finished runs by terminal status"),
	)
	if err != nil {
		return nil, err
	}

	stepCounter, err := meter.Int64Counter(
		"praxis.engine.steps",
		metric.WithDescription("Dispatched steps by capability and outcome"),
	)
	if err != nil {
		return nil, err
	}

	retryCounter, err := meter.Int64Counter(
		"praxis.engine.retries",
		metric.WithDescription("Step retries by capability"),
	)
	if err != nil {
		return nil, err
	}

	replanCounter, err := meter.Int64Counter(
		"praxis.engine.replans",
		metric.WithDescription("Replanning rounds by trigger"),
	)
	if err != nil {
		return nil, err
	}

	suspensionCounter, err := meter.Int64Counter(
		"praxis.engine.suspensions",
		metric.WithDescription("Runs suspended pending approval"),
	)
	if err != nil {
		return nil, err
	}

	decisionCounter, err := meter.Int64Counter(
		"praxis.engine.decisions",
		metric.WithDescription("Resume decisions by kind"),
	)
	if err != nil {
		return nil, err
	}

	failureCounter, err := meter.Int64Counter(
		"praxis.engine.failures",
		metric.WithDescription("Errors by code and severity"),
	)
	if err != nil {
		return nil, err
	}

	expiredCounter, err := meter.Int64Counter(
		"praxis.engine.approvals.expired",
		metric.WithDescription("Approval requests expired unanswered"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"praxis.engine.run.duration",
		metric.WithDescription("Run wall time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram(
		"praxis.engine.step.duration",
		metric.WithDescription("Step attempt wall time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	healthStatusGauge, err := meter.Int64Gauge(
		"praxis.health.status",
		metric.WithDescription("Component health status (0=unhealthy, 1=degraded, 2=healthy)"),
	)
	if err != nil {
		return nil, err
	}

	return &EngineMetrics{
		runCounter:        runCounter,
		stepCounter:       stepCounter,
		retryCounter:      retryCounter,
		replanCounter:     replanCounter,
		suspensionCounter: suspensionCounter,
		decisionCounter:   decisionCounter,
		failureCounter:    failureCounter,
		expiredCounter:    expiredCounter,
		runDuration:       runDuration,
		stepDuration:      stepDuration,
		healthStatusGauge: healthStatusGauge,
	}, nil
}

// RecordRun records a finished run with its terminal status and wall time.
func (em *EngineMetrics) RecordRun(ctx context.Context, status string, seconds float64) {
	if em == nil {
		return
	}

	em.mu.RLock()
	defer em.mu.RUnlock()

	attrs := metric.WithAttributes(attribute.String(AttrRunStatus, status))
	em.runCounter.Add(ctx, 1, attrs)
	em.runDuration.Record(ctx, seconds, attrs)
}

// RecordStep records a finished step attempt with its outcome and wall time.
func (em *EngineMetrics) RecordStep(ctx context.Context, capability, status string, seconds float64) {
	if em == nil {
		return
	}

	em.mu.RLock()
	defer em.mu.RUnlock()

	attrs := metric.WithAttributes(
		attribute.String(AttrCapabilityName, capability),
		attribute.String(AttrStepStatus, status),
	)
	em.stepCounter.Add(ctx, 1, attrs)
	em.stepDuration.Record(ctx, seconds, attrs)
}

// RecordRetry increments the retry counter for a capability.
func (em *EngineMetrics) RecordRetry(ctx context.Context, capability string) {
	if em == nil {
		return
	}

	em.mu.RLock()
	defer em.mu.RUnlock()

	em.retryCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String(AttrCapabilityName, capability),
		),
	)
}

// RecordReplan increments the replan counter with the triggering step.
func (em *EngineMetrics) RecordReplan(ctx context.Context, trigger string) {
	if em == nil {
		return
	}

	em.mu.RLock()
	defer em.mu.RUnlock()

	em.replanCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String(AttrStepKey, trigger),
		),
	)
}

// RecordSuspension increments the suspension counter for a capability.
func (em *EngineMetrics) RecordSuspension(ctx context.Context, capability string) {
	if em == nil {
		return
	}

	em.mu.RLock()
	defer em.mu.RUnlock()

	em.suspensionCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String(AttrCapabilityName, capability),
		),
	)
}

// RecordDecision increments the decision counter by kind (approve, deny, edit).
func (em *EngineMetrics) RecordDecision(ctx context.Context, kind string) {
	if em == nil {
		return
	}

	em.mu.RLock()
	defer em.mu.RUnlock()

	em.decisionCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String(AttrDecisionKind, kind),
		),
	)
}

// RecordFailure increments the failure counter for the given error and severity.
// This is called by recovery code after classifying a step error.
func (em *EngineMetrics) RecordFailure(ctx context.Context, err error, severity string) {
	if em == nil || err == nil {
		return
	}

	em.mu.RLock()
	defer em.mu.RUnlock()

	ee := errors.AsEngineError(err)
	em.failureCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("error.code", string(ee.Code)),
			attribute.String(AttrSeverity, severity),
			attribute.String("recoverable", ee.RecoverableString()),
		),
	)
}

// RecordApprovalExpired adds to the expired-approval counter.
func (em *EngineMetrics) RecordApprovalExpired(ctx context.Context, count int64) {
	if em == nil || count <= 0 {
		return
	}

	em.mu.RLock()
	defer em.mu.RUnlock()

	em.expiredCounter.Add(ctx, count)
}

// RecordHealthStatus records the health status of a component (0=unhealthy, 1=degraded, 2=healthy).
func (em *EngineMetrics) RecordHealthStatus(ctx context.Context, component string, status int64) {
	if em == nil {
		return
	}

	em.mu.RLock()
	defer em.mu.RUnlock()

	em.healthStatusGauge.Record(ctx, status,
		metric.WithAttributes(
			attribute.String("component", component),
		),
	)
}
