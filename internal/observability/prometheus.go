package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// newPrometheusReader creates an OTel reader exporting into a private
// Prometheus registry and the handler scraping that registry.
func newPrometheusReader() (sdkmetric.Reader, http.Handler, error) {
	registry := prometheus.NewRegistry()

	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	return exporter, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// PrometheusHandler returns a standalone /metrics handler backed by its own
// MeterProvider. Each call creates an independent registry.
func PrometheusHandler() (http.Handler, error) {
	reader, handler, err := newPrometheusReader()
	if err != nil {
		return nil, err
	}

	_ = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	return handler, nil
}
