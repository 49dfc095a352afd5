// Package app contains the catalog use cases. Each use case is bound to the
// repository ports it is constructed with and holds no other state.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/mir00r/bluegreen/internal/catalog/ports"
	apperrors "github.com/mir00r/bluegreen/internal/errors"
	"github.com/mir00r/bluegreen/internal/metrics"
	"github.com/mir00r/bluegreen/internal/telemetry"
	"github.com/mir00r/bluegreen/pkg/logger"
	"go.opentelemetry.io/otel/attribute"
)

// Option configures the ambient collaborators of a use case.
type Option func(*observer)

// WithLogger routes use case logs to log.
func WithLogger(log *logger.Logger) Option {
	return func(o *observer) {
		o.log = log
	}
}

// WithMetrics records executions on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *observer) {
		o.metrics = m
	}
}

// observer wraps an execution in a span, a log line and a metric sample.
// It never alters the returned error.
type observer struct {
	name    string
	log     *logger.Logger
	metrics *metrics.Metrics
}

func newObserver(name string, opts []Option) observer {
	o := observer{name: name, log: logger.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = o.log.UseCaseLogger(name)
	return o
}

func (o observer) run(ctx context.Context, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := telemetry.StartSpan(ctx, "usecase."+o.name, attrs...)
	start := time.Now()

	err := fn(ctx)

	telemetry.EndSpan(span, err)
	outcome := outcomeOf(err)
	o.metrics.ObserveUseCase(o.name, outcome, time.Since(start))

	log := o.log.WithField("outcome", outcome).WithField("duration_ms", time.Since(start).Milliseconds())
	switch outcome {
	case "success":
		log.Debug("Use case executed")
	case "validation_failed", "not_found":
		log.WithError(err).Info("Use case rejected input")
	default:
		log.WithError(err).Error("Use case failed")
	}

	return err
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case apperrors.HasCode(err, apperrors.ErrCodeValidation):
		return "validation_failed"
	case errors.Is(err, ports.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
