// SPDX-License-Identifier: Apache-2.0
// Praxis Engine Observability Dashboards
// This file documents dashboard templates for an OpenTelemetry UI or Grafana.
//
// DASHBOARD: Run Outcomes
//   Shows run volume and how runs end, split by status and failure code.
//
//   Queries:
//   - praxis.engine.runs{status} (rate 5m)
//     Metric: Run completions by terminal status (done, failed, suspended)
//     Display: Stacked area chart
//     Alert Threshold: failed/total > 5% over 15m
//
//   - praxis.engine.runs{code} (rate 5m)
//     Metric: Failed runs by failure code (unsatisfiable, planner_failure,
//     capability_failure, timeout, cancelled, internal)
//     Display: Line chart with legend
//     Insight: A spike in planner_failure usually means a model regression;
//     a spike in timeout means approvals are expiring unanswered.
//
//   - praxis.engine.run.duration (histogram, ms)
//     Metric: End-to-end run latency, suspension time excluded
//     Display: p50/p95/p99 percentile lines
//
//   - praxis.engine.failures{code, severity} (rate 5m)
//     Metric: Classified step failures before recovery is applied
//     Display: Line chart; compare against praxis.engine.retries to see
//     what recovery absorbed.
//
// DASHBOARD: Step Recovery
//   Shows how much work the recovery ladder is absorbing.
//
//   Queries:
//   - praxis.engine.steps{capability, status} (rate 5m)
//     Metric: Step dispatches by capability and outcome
//     Display: Heatmap, capability x status
//
//   - praxis.engine.retries{capability} (rate 5m)
//     Metric: Retry volume per capability
//     Display: Line chart
//     Alert Threshold: retries/steps > 30% for any capability over 15m,
//     which means a dependency is degraded and the retry budget is nearly
//     masking it.
//
//   - praxis.engine.replans (rate 5m)
//     Metric: Plans rebuilt after a non-retriable step failure
//     Display: Single stat plus 24h sparkline
//     Goal: replans/runs < 10%; higher means capability descriptions and
//     the planner prompt are drifting apart.
//
// DASHBOARD: Approvals
//   Shows the human-in-the-loop queue.
//
//   Queries:
//   - praxis.engine.suspensions (rate 1h)
//     Metric: Runs suspended waiting for an approval decision
//     Display: Single stat
//
//   - praxis.engine.decisions{decision} (rate 1h)
//     Metric: Resume decisions by kind (approve, deny, edit)
//     Display: Stacked bar per day
//
//   - praxis.runtime.approval.expired (rate 1h)
//     Metric: Approvals that timed out before anyone answered
//     Display: Single stat, red when > 0
//     Insight: Expiries are silent failures for the requester; page the
//     owning team rather than tuning the TTL upward.
//
//   - praxis.runtime.approval.sweeps vs praxis.runtime.approval.sweep.errors
//     Metric: Sweeper liveness and error rate
//     Display: Two stats side by side; errors > 0 means the checkpoint
//     store is rejecting the expiry scan.
//
//   - praxis.runtime.approval.sweep.latency_ms (histogram)
//     Metric: Per-expirer sweep latency
//     Display: p95 line; a climbing p95 tracks checkpoint store growth.
//
// DASHBOARD: Component Health
//   Shows the health of the stores and the model provider.
//
//   Queries:
//   - praxis.health.status{component}
//     Metric: Current health (2=healthy, 1=degraded, 0=unhealthy)
//     Display: Status grid with color coding
//     Components: checkpoint-store, audit-store, provider:<name>
//
// INTEGRATION PATTERNS:
//
// 1. Failure Triage:
//    - Every failed run carries a failure code and a failing step key in
//      its checkpoint; the audit trail (praxis audit <thread>) holds the
//      per-step timeline the dashboards aggregate away.
//    - Join trace_id from the run span with the slog records; the log
//      handler injects trace_id/span_id on every line inside a span.
//
// 2. Approval SLO:
//    - expired/suspensions < 1% per week, or approvals are landing in a
//      queue nobody watches.
//    - Track time-to-decision from engine.run.suspended to
//      engine.run.resumed audit rows.
//
// 3. Budget Tuning:
//    - praxis.engine.replans and the step budget failures (code
//      unsatisfiable with "step budget exhausted" detail) bound
//      engine.max_steps and engine.max_plan_attempts; raise budgets only
//      when the extra attempts actually succeed.
package internal

// This file is documentation only; see pkg/telemetry/metrics.go for the
// instrument definitions and docs/configuration.md for exporter settings.
