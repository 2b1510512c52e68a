// Package observe provides observability primitives for the echogate
// gateway: OpenTelemetry metrics with a Prometheus exporter bridge so the
// standard /metrics endpoint keeps working.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/loftwall/echogate"

// Metrics holds all OpenTelemetry metric instruments for the gateway. All
// fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// SessionsAdmitted counts accepted client sessions.
	SessionsAdmitted metric.Int64Counter

	// SessionsRejected counts connections turned away while a session was
	// live.
	SessionsRejected metric.Int64Counter

	// WakeTriggers counts accepted wake-word triggers.
	WakeTriggers metric.Int64Counter

	// CapturesCompleted counts captures that reached their endpoint.
	CapturesCompleted metric.Int64Counter

	// CommandsPublished counts command messages published to the bus.
	CommandsPublished metric.Int64Counter

	// RepliesDelivered counts bus replies played back to the client.
	RepliesDelivered metric.Int64Counter

	// SpeechErrors counts failed STT/TTS calls. Use with
	// attribute.String("kind", "stt"|"tts").
	SpeechErrors metric.Int64Counter

	// ActiveSessions tracks the number of live sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// batch speech-service calls.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.STTDuration, err = m.Float64Histogram("echogate.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("echogate.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionsAdmitted, err = m.Int64Counter("echogate.sessions.admitted",
		metric.WithDescription("Total admitted client sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionsRejected, err = m.Int64Counter("echogate.sessions.rejected",
		metric.WithDescription("Total connections rejected while busy."),
	); err != nil {
		return nil, err
	}
	if met.WakeTriggers, err = m.Int64Counter("echogate.wake.triggers",
		metric.WithDescription("Total accepted wake-word triggers."),
	); err != nil {
		return nil, err
	}
	if met.CapturesCompleted, err = m.Int64Counter("echogate.captures.completed",
		metric.WithDescription("Total captures that reached their endpoint."),
	); err != nil {
		return nil, err
	}
	if met.CommandsPublished, err = m.Int64Counter("echogate.commands.published",
		metric.WithDescription("Total command messages published to the bus."),
	); err != nil {
		return nil, err
	}
	if met.RepliesDelivered, err = m.Int64Counter("echogate.replies.delivered",
		metric.WithDescription("Total bus replies played back to the client."),
	); err != nil {
		return nil, err
	}
	if met.SpeechErrors, err = m.Int64Counter("echogate.speech.errors",
		metric.WithDescription("Total failed STT/TTS calls by kind."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("echogate.active_sessions",
		metric.WithDescription("Number of live sessions."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call from the global meter provider. Panics if instrument
// creation fails, which should not happen with the global provider.
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
