package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ApprovalExpirer is implemented by services that can expire pending
// approvals. The router is one; hosts may add their own.
type ApprovalExpirer interface {
	ExpireApprovals(ctx context.Context) (int, error)
}

// AddApprovalExpirer registers an expirer to be swept on the configured
// interval. Must be called before Start.
func (r *Runtime) AddApprovalExpirer(expirer ApprovalExpirer) {
	if expirer == nil {
		return
	}
	r.approvalExpirers = append(r.approvalExpirers, expirer)
}

// SetApprovalSweepInterval defines how often to sweep for expired
// approvals. Set to 0 to disable.
func (r *Runtime) SetApprovalSweepInterval(interval time.Duration) {
	r.approvalSweepInterval = interval
}

// SetApprovalSweepTimeout defines a per-sweep timeout.
func (r *Runtime) SetApprovalSweepTimeout(timeout time.Duration) {
	r.approvalSweepTimeout = timeout
}

func (r *Runtime) startApprovalSweeper() {
	if r.approvalSweepInterval <= 0 || len(r.approvalExpirers) == 0 {
		slog.Default().Info("runtime.approval.sweeper.disabled",
			slog.Duration("interval", r.approvalSweepInterval),
			slog.Int("expirers", len(r.approvalExpirers)),
		)
		return
	}
	if r.approvalSweepCancel != nil {
		r.stopApprovalSweeper()
	}
	initSweepMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.approvalSweepCancel = cancel
	r.approvalSweepDone = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.approvalSweepInterval)
		defer ticker.Stop()
		log := slog.Default()
		log.Info("runtime.approval.sweeper.start",
			slog.Duration("interval", r.approvalSweepInterval),
			slog.Int("expirers", len(r.approvalExpirers)),
		)
		for {
			select {
			case <-ctx.Done():
				log.Info("runtime.approval.sweeper.stop")
				return
			case <-ticker.C:
				r.sweep(ctx, log)
			}
		}
	}()
}

func (r *Runtime) sweep(ctx context.Context, log *slog.Logger) {
	sweepStart := time.Now()
	sweepCtx := ctx
	var cancel context.CancelFunc
	if r.approvalSweepTimeout > 0 {
		sweepCtx, cancel = context.WithTimeout(ctx, r.approvalSweepTimeout)
		defer cancel()
	}
	sweepCtx, sweepSpan := otel.Tracer("praxis/runtime").Start(sweepCtx, "Runtime.ApprovalSweep",
		trace.WithAttributes(
			attribute.Int("expirers", len(r.approvalExpirers)),
			attribute.String("timeout", r.approvalSweepTimeout.String()),
		),
	)
	defer sweepSpan.End()

	for _, expirer := range r.approvalExpirers {
		name := expirerName(expirer)
		start := time.Now()
		expired, err := expirer.ExpireApprovals(sweepCtx)
		durationMs := time.Since(start).Seconds() * 1000
		sweepCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("expirer", name)))
		sweepLatencyMs.Record(ctx, durationMs, metric.WithAttributes(attribute.String("expirer", name)))
		if err != nil {
			sweepErrorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("expirer", name)))
			sweepSpan.RecordError(err)
			log.Warn("runtime.approval.expire.error",
				slog.String("expirer", name),
				slog.Float64("duration_ms", durationMs),
				slog.String("error", err.Error()),
			)
			continue
		}
		if expired > 0 {
			expiredCounter.Add(ctx, int64(expired), metric.WithAttributes(attribute.String("expirer", name)))
			log.Info("runtime.approval.expire",
				slog.String("expirer", name),
				slog.Int("expired", expired),
				slog.Float64("duration_ms", durationMs),
			)
		}
	}
	sweepTotalLatencyMs.Record(ctx, time.Since(sweepStart).Seconds()*1000, metric.WithAttributes(
		attribute.Int("expirers", len(r.approvalExpirers)),
	))
}

func (r *Runtime) stopApprovalSweeper() {
	if r.approvalSweepCancel == nil {
		return
	}
	r.approvalSweepCancel()
	if r.approvalSweepDone != nil {
		<-r.approvalSweepDone
	}
	r.approvalSweepCancel = nil
	r.approvalSweepDone = nil
}

var (
	sweepMetricsOnce    sync.Once
	sweepCounter        metric.Int64Counter
	sweepErrorCounter   metric.Int64Counter
	expiredCounter      metric.Int64Counter
	sweepLatencyMs      metric.Float64Histogram
	sweepTotalLatencyMs metric.Float64Histogram
)

func initSweepMetrics() {
	sweepMetricsOnce.Do(func() {
		meter := otel.Meter("praxis/runtime")
		sweepCounter, _ = meter.Int64Counter("praxis.runtime.approval.sweeps")
		sweepErrorCounter, _ = meter.Int64Counter("praxis.runtime.approval.sweep.errors")
		expiredCounter, _ = meter.Int64Counter("praxis.runtime.approval.expired")
		sweepLatencyMs, _ = meter.Float64Histogram("praxis.runtime.approval.sweep.latency_ms")
		sweepTotalLatencyMs, _ = meter.Float64Histogram("praxis.runtime.approval.sweep.total_latency_ms")
	})
}

func expirerName(expirer ApprovalExpirer) string {
	if expirer == nil {
		return "unknown"
	}
	return fmt.Sprintf("%T", expirer)
}
