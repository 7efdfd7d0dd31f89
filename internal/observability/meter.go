package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// setupMeter bridges OTel instruments into the Prometheus registry, so
// components recording through the OTel metric API land on the same
// /metrics endpoint as the native collectors.
func setupMeter(registry *prometheus.Registry) (metric.Meter, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return provider.Meter("atp-server"), nil
}

// registerRuntimeInstruments adds the always-on OTel instruments.
func registerRuntimeInstruments(meter metric.Meter) error {
	start := time.Now()
	_, err := meter.Float64ObservableGauge("atp_uptime_seconds",
		metric.WithDescription("Seconds since the server process started."),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(time.Since(start).Seconds())
			return nil
		}))
	return err
}
