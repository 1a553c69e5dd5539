package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// Metrics is safe to use as a nil pointer, in which case nothing is recorded.
type Metrics struct {
	registry *promclient.Registry
	provider *metric.MeterProvider

	apiTimeMetric   api.Float64Histogram
	generationTime  api.Float64Histogram
	modelLoadTime   api.Float64Histogram
	oomRetries      api.Int64Counter
	sourceAttempts  api.Int64Counter
	generatedImages api.Int64Counter
}

// SetupMetrics bootstraps the OpenTelemetry pipeline on a dedicated Prometheus registry.
func SetupMetrics() (*Metrics, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry), prometheus.WithNamespace("sdxl"))
	if err != nil {
		return nil, err
	}
	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	meter := provider.Meter("github.com/mudler/sdxl-worker")

	m := &Metrics{registry: registry, provider: provider}

	if m.apiTimeMetric, err = meter.Float64Histogram("api_call", api.WithDescription("api calls"), api.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.generationTime, err = meter.Float64Histogram("generation", api.WithDescription("image generation time"), api.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.modelLoadTime, err = meter.Float64Histogram("model_load", api.WithDescription("pipeline load time"), api.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.oomRetries, err = meter.Int64Counter("oom_retries", api.WithDescription("generations retried in degraded mode after running out of device memory")); err != nil {
		return nil, err
	}
	if m.sourceAttempts, err = meter.Int64Counter("model_source_attempts", api.WithDescription("model source load attempts")); err != nil {
		return nil, err
	}
	if m.generatedImages, err = meter.Int64Counter("generated_images", api.WithDescription("images returned to callers")); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// APIMiddleware observes the latency of every request but /metrics.
func APIMiddleware(m *Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil || c.Path() == "/metrics" {
				return next(c)
			}
			start := time.Now()
			err := next(c)
			m.ObserveAPICall(c.Request().Method, c.Path(), time.Since(start).Seconds())
			return err
		}
	}
}

func (m *Metrics) ObserveAPICall(method string, path string, duration float64) {
	if m == nil {
		return
	}
	opts := api.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	)
	m.apiTimeMetric.Record(context.Background(), duration, opts)
}

func (m *Metrics) ObserveGeneration(outcome string, degraded bool, images int, duration time.Duration) {
	if m == nil {
		return
	}
	opts := api.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("degraded", degraded),
	)
	m.generationTime.Record(context.Background(), duration.Seconds(), opts)
	if images > 0 {
		m.generatedImages.Add(context.Background(), int64(images))
	}
}

func (m *Metrics) ObserveModelLoad(success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.modelLoadTime.Record(context.Background(), duration.Seconds(), api.WithAttributes(attribute.Bool("success", success)))
}

func (m *Metrics) IncOOMRetry() {
	if m == nil {
		return
	}
	m.oomRetries.Add(context.Background(), 1)
}

func (m *Metrics) IncSourceAttempt(kind string, success bool) {
	if m == nil {
		return
	}
	m.sourceAttempts.Add(context.Background(), 1, api.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
	))
}
