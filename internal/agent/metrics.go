package agent

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/marromugi/gch4-sub003/internal/agent"

// metrics holds the runner's instruments.
type metrics struct {
	sessions  metric.Int64Counter
	turns     metric.Int64Counter
	timeouts  metric.Int64Counter
	fallbacks metric.Int64Counter
	conflicts metric.Int64Counter
	duration  metric.Float64Histogram
}

func newMetrics(m metric.Meter) (*metrics, error) {
	if m == nil {
		m = otel.Meter(meterName)
	}
	var (
		out metrics
		err error
	)
	if out.sessions, err = m.Int64Counter("intake.sessions.created",
		metric.WithDescription("Sessions created")); err != nil {
		return nil, err
	}
	if out.turns, err = m.Int64Counter("intake.turns",
		metric.WithDescription("Completed turns")); err != nil {
		return nil, err
	}
	if out.timeouts, err = m.Int64Counter("intake.turns.timed_out",
		metric.WithDescription("Turns where the agent runtime timed out")); err != nil {
		return nil, err
	}
	if out.fallbacks, err = m.Int64Counter("intake.fallbacks",
		metric.WithDescription("Sessions forced onto the fallback agent")); err != nil {
		return nil, err
	}
	if out.conflicts, err = m.Int64Counter("intake.conflicts",
		metric.WithDescription("Turns rejected by a concurrent writer")); err != nil {
		return nil, err
	}
	if out.duration, err = m.Float64Histogram("intake.turn.duration",
		metric.WithDescription("Turn duration including the runtime call"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *metrics) turn(ctx context.Context, agent string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("agent", agent))
	m.turns.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}

func (m *metrics) fallback(ctx context.Context, reason string) {
	m.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
