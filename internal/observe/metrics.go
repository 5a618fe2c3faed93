// Package observe provides application-wide observability primitives for
// twowayaudio: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together. The audio engine carries its
// own instruments in package duplex; this package covers the admin server
// and the voice-agent bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all twowayaudio metrics.
const meterName = "github.com/MrWong99/twowayaudio"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Counters ---

	// AgentMessages counts voice-agent bridge messages. Use with attributes:
	//   attribute.String("direction", "sent"|"received"), attribute.String("type", "audio"|"text")
	AgentMessages metric.Int64Counter

	// AgentReconnects counts bridge reconnect attempts.
	AgentReconnects metric.Int64Counter

	// --- Error counters ---

	// DroppedFrames counts frames dropped at a bounded queue. Use with attribute:
	//   attribute.String("queue", "uplink")
	DroppedFrames metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration is admin server latency by method, route and
	// status, recorded by [Middleware].
	HTTPRequestDuration metric.Float64Histogram
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.AgentMessages, err = m.Int64Counter("twowayaudio.agent.messages",
		metric.WithDescription("Total voice-agent messages by direction and type."),
	); err != nil {
		return nil, err
	}
	if met.AgentReconnects, err = m.Int64Counter("twowayaudio.agent.reconnects",
		metric.WithDescription("Total voice-agent reconnect attempts."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DroppedFrames, err = m.Int64Counter("twowayaudio.dropped_frames",
		metric.WithDescription("Total frames dropped at bounded queues by queue."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("twowayaudio.http.request.duration",
		metric.WithDescription("Admin HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordDroppedFrame records a frame dropped at a bounded queue.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, queue string) {
	m.DroppedFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("queue", queue)),
	)
}

// RecordAgentMessage records a voice-agent bridge message.
func (m *Metrics) RecordAgentMessage(ctx context.Context, direction, kind string) {
	m.AgentMessages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("type", kind),
		),
	)
}
