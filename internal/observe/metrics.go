// Package observe provides observability primitives for the parlo server:
// OpenTelemetry metrics, tracing helpers, and HTTP middleware tying them
// together.
//
// Metrics go through the OpenTelemetry Metrics API; [InitProvider] installs a
// Prometheus exporter bridge so they are scrapeable at /metrics. A
// package-level default [Metrics] instance ([DefaultMetrics]) exists for
// convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all parlo metrics.
const meterName = "github.com/parlovoice/parlo"

// Metrics holds the metric instruments for the voice pipeline. All fields are
// safe for concurrent use; the OTel types synchronise internally.
type Metrics struct {
	// --- Per-stage latency histograms ---

	// STTFinalLatency measures utterance end (speech-end) to final
	// transcript.
	STTFinalLatency metric.Float64Histogram

	// LLMFirstTokenLatency measures final transcript to first LLM delta.
	LLMFirstTokenLatency metric.Float64Histogram

	// TTSFirstAudioLatency measures first sentence fragment to first
	// synthesized audio chunk.
	TTSFirstAudioLatency metric.Float64Histogram

	// TurnLatency measures speech-end to AudioComplete for the whole turn.
	TurnLatency metric.Float64Histogram

	// --- Counters ---

	// DroppedFrames counts audio frames discarded under back-pressure.
	// Attributes: attribute.String("stage", "ring"|"queue").
	DroppedFrames metric.Int64Counter

	// BargeIns counts user interruptions of in-progress replies.
	BargeIns metric.Int64Counter

	// Turns counts completed turns. Attributes:
	//   attribute.String("status", "ok"|"fallback"|"clarification"|"error")
	Turns metric.Int64Counter

	// ProviderErrors counts provider failures. Attributes:
	//   attribute.String("provider", ...), attribute.String("stage", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries (seconds) tuned for conversational
// latencies: sub-100 ms matters for first audio, whole turns run to ~20 s.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.STTFinalLatency, err = m.Float64Histogram("parlo.stt.final.latency",
		metric.WithDescription("Latency from speech end to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstTokenLatency, err = m.Float64Histogram("parlo.llm.first_token.latency",
		metric.WithDescription("Latency from final transcript to first LLM token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstAudioLatency, err = m.Float64Histogram("parlo.tts.first_audio.latency",
		metric.WithDescription("Latency from first sentence fragment to first audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnLatency, err = m.Float64Histogram("parlo.turn.latency",
		metric.WithDescription("Latency from speech end to audio complete."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.DroppedFrames, err = m.Int64Counter("parlo.audio.dropped_frames",
		metric.WithDescription("Audio frames discarded under back-pressure, by stage."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("parlo.turn.barge_ins",
		metric.WithDescription("User interruptions of in-progress replies."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("parlo.turn.completed",
		metric.WithDescription("Completed turns by outcome status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("parlo.provider.errors",
		metric.WithDescription("Provider failures by provider and pipeline stage."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("parlo.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("parlo.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], created on first call
// from [otel.GetMeterProvider]. Panics if instrument creation fails, which
// cannot happen with the global provider.
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

// RecordTurn increments the completed-turn counter with an outcome status.
func (m *Metrics) RecordTurn(ctx context.Context, status string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordBargeIn increments the barge-in counter.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordDroppedFrames adds n to the dropped-frame counter for a stage.
func (m *Metrics) RecordDroppedFrames(ctx context.Context, n int64, stage string) {
	if n <= 0 {
		return
	}
	m.DroppedFrames.Add(ctx, n,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordProviderError increments the provider-error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, stage string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("stage", stage),
		),
	)
}
