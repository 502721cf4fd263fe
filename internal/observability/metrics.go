// Package observability exposes queue metrics through OpenTelemetry with a
// Prometheus exporter.
package observability

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
)

// Metrics owns the meter provider and the registry scraped by Handler.
type Metrics struct {
	provider *metric.MeterProvider
	handler  http.Handler
}

// InitMetrics creates a meter provider backed by its own Prometheus registry
// and installs it as the global provider.
func InitMetrics() (*Metrics, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	return &Metrics{
		provider: provider,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, nil
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler { return m.handler }

func (m *Metrics) Provider() *metric.MeterProvider { return m.provider }

func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
