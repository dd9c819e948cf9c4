package llm

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	gradeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "photograder",
		Subsystem: "llm",
		Name:      "grade_duration_seconds",
		Help:      "Duration of grading requests to the model provider",
		Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 60, 90, 120, 180},
	}, []string{"provider", "model"})

	gradeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "photograder",
		Subsystem: "llm",
		Name:      "grade_failures_total",
		Help:      "Number of failed grading requests",
	}, []string{"provider", "model"})
)

var tracer = otel.Tracer("github.com/pavelanni/photograder/internal/llm")

// observation wraps one grading call in a span and records its duration and
// outcome when end is called.
type observation struct {
	provider string
	model    string
	start    time.Time
	span     trace.Span
}

func observe(ctx context.Context, provider, model string, reference, submission int) (context.Context, *observation) {
	ctx, span := tracer.Start(ctx, provider+".grade", trace.WithAttributes(
		attribute.String("model", model),
		attribute.Int("reference_images", reference),
		attribute.Int("submission_images", submission),
	))
	return ctx, &observation{provider: provider, model: model, start: time.Now(), span: span}
}

func (o *observation) end(err error) {
	gradeDuration.WithLabelValues(o.provider, o.model).Observe(time.Since(o.start).Seconds())
	if err != nil {
		gradeFailures.WithLabelValues(o.provider, o.model).Inc()
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, err.Error())
	}
	o.span.End()
}
