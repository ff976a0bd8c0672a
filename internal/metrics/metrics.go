// Package metrics exposes runtime counters via OpenTelemetry.
//
// Instruments are created from the global meter provider, so they start
// exporting once telemetry.Setup installs a real provider and are no-ops
// until then.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dwsmith1983/planrunner"

var (
	meter = otel.Meter(meterName)

	TriggersTotal         = mustCounter("planrunner.triggers", "Phase jobs triggered")
	TriggersFailed        = mustCounter("planrunner.trigger_failures", "Phase job creations that failed")
	PollsTotal            = mustCounter("planrunner.polls", "Job status fetches")
	PollErrors            = mustCounter("planrunner.poll_errors", "Transient job status fetch errors")
	Invalidations         = mustCounter("planrunner.invalidations", "Project snapshot invalidations issued")
	SnapshotFetches       = mustCounter("planrunner.snapshot_fetches", "Project snapshot fetches")
	SnapshotFetchErrors   = mustCounter("planrunner.snapshot_fetch_errors", "Project snapshot fetches that failed")
	SnapshotAdoptions     = mustCounter("planrunner.snapshot_adoptions", "Phase results adopted from a snapshot")
	StaleResponsesDropped = mustCounter("planrunner.stale_responses_dropped", "Responses dropped for a superseded job")
	JobsFinished          = mustCounter("planrunner.jobs_finished", "Phase jobs that reached a terminal state")
)

func mustCounter(name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		// The global delegating meter only fails on invalid names.
		panic(err)
	}
	return c
}

// Inc adds one to c, tagged with the given phase.
func Inc(ctx context.Context, c metric.Int64Counter, phase int) {
	c.Add(ctx, 1, metric.WithAttributes(attribute.Int("phase", phase)))
}

// IncStatus adds one to c, tagged with phase and a status.
func IncStatus(ctx context.Context, c metric.Int64Counter, phase int, status string) {
	c.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("phase", phase),
		attribute.String("status", status),
	))
}
