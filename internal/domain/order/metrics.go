package order

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/xenking/bagmarket/internal/domain/order"

// Webhook outcomes recorded on the notifications counter.
const (
	outcomeApplied  = "applied"
	outcomeNoop     = "noop"
	outcomeRejected = "rejected"
	outcomeNotFound = "not_found"
	outcomeStale    = "stale_attempt"
)

type serviceMetrics struct {
	created       metric.Int64Counter
	notifications metric.Int64Counter
	transitions   metric.Int64Counter
}

func newServiceMetrics(mp metric.MeterProvider) *serviceMetrics {
	m := &serviceMetrics{
		created:       noop.Int64Counter{},
		notifications: noop.Int64Counter{},
		transitions:   noop.Int64Counter{},
	}
	if mp == nil {
		return m
	}
	meter := mp.Meter(meterName)

	if c, err := meter.Int64Counter("bagmarket.orders.created",
		metric.WithDescription("Orders persisted by the creation pipeline"),
	); err == nil {
		m.created = c
	}
	if c, err := meter.Int64Counter("bagmarket.payment.notifications",
		metric.WithDescription("Payment notifications by outcome"),
	); err == nil {
		m.notifications = c
	}
	if c, err := meter.Int64Counter("bagmarket.orders.transitions",
		metric.WithDescription("Applied order status transitions"),
	); err == nil {
		m.transitions = c
	}
	return m
}

func (m *serviceMetrics) notification(ctx context.Context, outcome string) {
	m.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *serviceMetrics) transition(ctx context.Context, from, to Status) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}
