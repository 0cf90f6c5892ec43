package twofactor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/voidshard/twofactor"

// tracer follows the global provider, so spans start flowing once setupOTelSDK has run.
var tracer trace.Tracer = otel.Tracer(instrumentationName)

// verification outcomes, recorded as the "outcome" attribute.
const (
	outcomeOK        = "ok"
	outcomeMismatch  = "mismatch"
	outcomeMalformed = "malformed"
	outcomeNoSecret  = "no_secret"
)

type metrics struct {
	verifications metric.Int64Counter
	enrollments   metric.Int64Counter
	resets        metric.Int64Counter
	bypassChanges metric.Int64Counter
}

func newMetrics(m metric.Meter) (*metrics, error) {
	verifications, err := m.Int64Counter("twofactor.verifications",
		metric.WithDescription("TOTP verification attempts by outcome"))
	if err != nil {
		return nil, err
	}
	enrollments, err := m.Int64Counter("twofactor.enrollments",
		metric.WithDescription("Users that completed TOTP enrollment"))
	if err != nil {
		return nil, err
	}
	resets, err := m.Int64Counter("twofactor.resets",
		metric.WithDescription("TOTP configuration resets"))
	if err != nil {
		return nil, err
	}
	bypassChanges, err := m.Int64Counter("twofactor.bypass.changes",
		metric.WithDescription("Bypass list additions and removals"))
	if err != nil {
		return nil, err
	}
	return &metrics{
		verifications: verifications,
		enrollments:   enrollments,
		resets:        resets,
		bypassChanges: bypassChanges,
	}, nil
}

func (m *metrics) verification(ctx context.Context, outcome string) {
	m.verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) bypass(ctx context.Context, op string) {
	m.bypassChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
