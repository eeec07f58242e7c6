// Package observe holds the observability plumbing shared by every earshot
// component: OpenTelemetry instruments, span helpers, trace-aware logging and
// the HTTP middleware of the diagnostics server.
//
// Instruments are created through [NewMetrics] against any
// [metric.MeterProvider]. Production wiring installs an SDK provider with a
// Prometheus reader via [InitProvider]; tests pass a provider backed by a
// manual reader instead.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/earshot"

// Metrics holds the speech core's instruments. Safe for concurrent use.
type Metrics struct {
	// TranscriptionDuration is the latency of one backend call.
	// Attributes: provider, status.
	TranscriptionDuration metric.Float64Histogram

	// CalibrationDuration is how long a noise calibration took.
	CalibrationDuration metric.Float64Histogram

	// Windows counts finished listening windows. Attribute: end.
	Windows metric.Int64Counter

	// WakeDetections counts wake matches. Attributes: identity, phonetic.
	WakeDetections metric.Int64Counter

	// Utterances counts dispatched utterances. Attribute: identity.
	Utterances metric.Int64Counter

	// Escalations counts silence escalations. Attribute: level.
	Escalations metric.Int64Counter

	// ReadErrors counts failed frame reads.
	ReadErrors metric.Int64Counter

	// ProviderErrors counts backend failures. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// ConversationState is 0 while sleeping and 1 while listening.
	ConversationState metric.Int64Gauge

	// SilenceThreshold is the threshold currently used by the VAD.
	SilenceThreshold metric.Float64Gauge

	// HTTPRequestDuration is the diagnostics server latency.
	// Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranscriptionDuration, err = m.Float64Histogram("earshot.transcription.duration",
		metric.WithDescription("Latency of one transcription backend call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CalibrationDuration, err = m.Float64Histogram("earshot.calibration.duration",
		metric.WithDescription("Duration of an ambient noise calibration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Windows, err = m.Int64Counter("earshot.windows",
		metric.WithDescription("Listening windows by how they ended."),
	); err != nil {
		return nil, err
	}
	if met.WakeDetections, err = m.Int64Counter("earshot.wake.detections",
		metric.WithDescription("Wake-word matches by identity."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("earshot.utterances",
		metric.WithDescription("Utterances handed to collaborators."),
	); err != nil {
		return nil, err
	}
	if met.Escalations, err = m.Int64Counter("earshot.silence.escalations",
		metric.WithDescription("Silence escalations by ladder level."),
	); err != nil {
		return nil, err
	}
	if met.ReadErrors, err = m.Int64Counter("earshot.audio.read_errors",
		metric.WithDescription("Failed audio frame reads."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("earshot.provider.errors",
		metric.WithDescription("Backend failures by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.ConversationState, err = m.Int64Gauge("earshot.conversation.state",
		metric.WithDescription("0 while sleeping, 1 while listening."),
	); err != nil {
		return nil, err
	}
	if met.SilenceThreshold, err = m.Float64Gauge("earshot.vad.silence_threshold",
		metric.WithDescription("Silence threshold in use by the amplitude VAD."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("earshot.http.request.duration",
		metric.WithDescription("Diagnostics HTTP request latency by method and path."),
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

// DefaultMetrics returns a process-wide instance built on the global meter
// provider. It panics if instrument creation fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTranscription records the latency of one backend call.
func (m *Metrics) RecordTranscription(ctx context.Context, provider, status string, seconds float64) {
	m.TranscriptionDuration.Record(ctx, seconds,
		metric.WithAttributes(Attr("provider", provider), Attr("status", status)),
	)
}

// RecordProviderError counts a backend failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)),
	)
}

// RecordWindow counts a finished listening window.
func (m *Metrics) RecordWindow(ctx context.Context, end string, readErrors int) {
	m.Windows.Add(ctx, 1, metric.WithAttributes(Attr("end", end)))
	if readErrors > 0 {
		m.ReadErrors.Add(ctx, int64(readErrors))
	}
}

// RecordWake counts a wake match.
func (m *Metrics) RecordWake(ctx context.Context, identity string, phonetic bool) {
	m.WakeDetections.Add(ctx, 1,
		metric.WithAttributes(Attr("identity", identity), attribute.Bool("phonetic", phonetic)),
	)
}

// RecordUtterance counts a dispatched utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, identity string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(Attr("identity", identity)))
}

// RecordEscalation counts a silence escalation.
func (m *Metrics) RecordEscalation(ctx context.Context, level int) {
	m.Escalations.Add(ctx, 1, metric.WithAttributes(attribute.Int("level", level)))
}

// RecordState publishes the conversation state.
func (m *Metrics) RecordState(ctx context.Context, listening bool) {
	var v int64
	if listening {
		v = 1
	}
	m.ConversationState.Record(ctx, v)
}

// RecordThreshold publishes the silence threshold.
func (m *Metrics) RecordThreshold(ctx context.Context, threshold float64) {
	m.SilenceThreshold.Record(ctx, threshold)
}
