package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/paperoo/spool/internal/core"
)

const meterName = "github.com/paperoo/spool"

// StatsFunc returns the current queue counts. It is called on every scrape.
type StatsFunc func() core.Stats

// PrinterFunc returns the cached printer target without probing.
type PrinterFunc func() core.PrinterTarget

// JobMetrics counts delivery events and observes queue depth on scrape.
type JobMetrics struct {
	events   metric.Int64Counter
	attempts metric.Int64Histogram
}

// NewJobMetrics registers the job instruments on mp. stats and printer may be
// nil, in which case the matching gauges are not registered.
func NewJobMetrics(mp metric.MeterProvider, stats StatsFunc, printer PrinterFunc) (*JobMetrics, error) {
	meter := mp.Meter(meterName)

	events, err := meter.Int64Counter("spool.jobs.events",
		metric.WithDescription("Job lifecycle events by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events counter: %w", err)
	}

	attempts, err := meter.Int64Histogram("spool.jobs.attempts",
		metric.WithDescription("Delivery attempts used by finished jobs"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempts histogram: %w", err)
	}

	if stats != nil {
		_, err = meter.Int64ObservableGauge("spool.queue.jobs",
			metric.WithDescription("Jobs currently held by the store, by state"),
			metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
				s := stats()
				for state, n := range map[core.JobState]int{
					core.StatePending:   s.Pending,
					core.StatePrinting:  s.Printing,
					core.StatePrinted:   s.Printed,
					core.StateFailed:    s.Failed,
					core.StateAbandoned: s.Abandoned,
				} {
					obs.Observe(int64(n), metric.WithAttributes(attribute.String("state", string(state))))
				}
				return nil
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to register queue gauge: %w", err)
		}

		_, err = meter.Int64ObservableCounter("spool.printed",
			metric.WithDescription("Receipts printed since the store was created"),
			metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
				obs.Observe(int64(stats().PrintedTotal))
				return nil
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to register printed counter: %w", err)
		}
	}

	if printer != nil {
		_, err = meter.Int64ObservableGauge("spool.printer.reachable",
			metric.WithDescription("1 when the last probe or delivery reached the printer"),
			metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
				t := printer()
				obs.Observe(boolValue(t.Reachable), metric.WithAttributes(attribute.String("kind", t.Kind)))
				return nil
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to register printer gauge: %w", err)
		}
	}

	return &JobMetrics{events: events, attempts: attempts}, nil
}

// Publish implements core.EventSink.
func (m *JobMetrics) Publish(ev core.Event) {
	ctx := context.Background()
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event", ev.Type)))
	if ev.Type == core.EventJobPrinted || ev.Type == core.EventJobAbandoned {
		m.attempts.Record(ctx, int64(ev.Job.Attempts), metric.WithAttributes(attribute.String("outcome", string(ev.Job.State))))
	}
}

func boolValue(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
