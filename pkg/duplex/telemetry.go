package duplex

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/twowayaudio/pkg/audio"
)

// instrumentationName is the meter and tracer scope of the engine.
const instrumentationName = "github.com/MrWong99/twowayaudio/pkg/duplex"

// handlerBuckets are histogram boundaries (seconds) for callback latency,
// which must stay well below one 64 ms capture buffer.
var handlerBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1,
}

// metrics holds the engine's OpenTelemetry instruments.
type metrics struct {
	// handlerDuration is time spent in subscriber callbacks, by direction.
	handlerDuration metric.Float64Histogram

	// framesCaptured counts capture buffers by status (forwarded|discarded).
	framesCaptured metric.Int64Counter
	framesPlayed   metric.Int64Counter
	// bytesPlayed counts wire-form bytes written to the output device.
	bytesPlayed   metric.Int64Counter
	interruptions metric.Int64Counter
	routeChanges  metric.Int64Counter

	pipelineFailures metric.Int64Counter
	// referenceDropped counts render frames a full echo-reference queue
	// could not take.
	referenceDropped metric.Int64Counter

	queueDepth    metric.Int64UpDownCounter
	activeEngines metric.Int64UpDownCounter
}

// newMetrics creates the engine instruments on mp.
func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	m := mp.Meter(instrumentationName)
	var err error
	met := &metrics{}

	if met.handlerDuration, err = m.Float64Histogram("twowayaudio.handler.duration",
		metric.WithDescription("Time spent inside subscriber callbacks on the audio loops."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(handlerBuckets...),
	); err != nil {
		return nil, err
	}
	if met.framesCaptured, err = m.Int64Counter("twowayaudio.capture.frames",
		metric.WithDescription("Total capture buffers by status."),
	); err != nil {
		return nil, err
	}
	if met.framesPlayed, err = m.Int64Counter("twowayaudio.playback.frames",
		metric.WithDescription("Total frames written to the output device."),
	); err != nil {
		return nil, err
	}
	if met.bytesPlayed, err = m.Int64Counter("twowayaudio.playback.bytes",
		metric.WithDescription("Total PCM bytes written to the output device."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.interruptions, err = m.Int64Counter("twowayaudio.session.interruptions",
		metric.WithDescription("Total audio session interruptions by kind."),
	); err != nil {
		return nil, err
	}
	if met.routeChanges, err = m.Int64Counter("twowayaudio.session.route_changes",
		metric.WithDescription("Total output route changes by device kind."),
	); err != nil {
		return nil, err
	}
	if met.pipelineFailures, err = m.Int64Counter("twowayaudio.pipeline.failures",
		metric.WithDescription("Total hardware runtime failures by direction."),
	); err != nil {
		return nil, err
	}
	if met.referenceDropped, err = m.Int64Counter("twowayaudio.playback.reference_dropped",
		metric.WithDescription("Render frames dropped because the echo reference queue was full."),
	); err != nil {
		return nil, err
	}
	if met.queueDepth, err = m.Int64UpDownCounter("twowayaudio.playback.queue_depth",
		metric.WithDescription("Number of frames waiting for playback."),
	); err != nil {
		return nil, err
	}
	if met.activeEngines, err = m.Int64UpDownCounter("twowayaudio.active_engines",
		metric.WithDescription("Number of initialised audio engines."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// mustMetrics builds instruments on mp, falling back to a no-op provider when
// mp rejects them.
func mustMetrics(mp metric.MeterProvider) *metrics {
	m, err := newMetrics(mp)
	if err == nil {
		return m
	}
	slog.Warn("duplex: metric instruments unavailable, metrics disabled", "err", err)
	m, _ = newMetrics(noop.NewMeterProvider())
	return m
}

func (m *metrics) recordCapturedFrame(ctx context.Context, discarded bool) {
	status := "forwarded"
	if discarded {
		status = "discarded"
	}
	m.framesCaptured.Add(ctx, 1, withKV("status", status))
}

func (m *metrics) recordPipelineFailure(ctx context.Context, d audio.Direction) {
	m.pipelineFailures.Add(ctx, 1, withDirection(d))
}

func (m *metrics) recordInterruption(ctx context.Context, kind Interruption) {
	m.interruptions.Add(ctx, 1, withKV("kind", string(kind)))
}

func withDirection(d audio.Direction) metric.MeasurementOption {
	return withKV("direction", string(d))
}

func withKV(key, value string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String(key, value))
}

// startSpan starts a span on the engine's tracer.
func (e *Engine) startSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, opts...)
}

func defaultTracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(instrumentationName)
}

// spanLogger returns the default logger with the trace and span IDs of ctx
// attached, so lifecycle logs line up with the control operation's span.
func spanLogger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	return l.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
