package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	rejectFull    = "full"
	rejectOptions = "invalid_options"
)

// Metrics are registered on a registry owned by one server.
type Metrics struct {
	registry *prometheus.Registry

	ActiveClients       prometheus.Gauge
	SessionsTotal       prometheus.Counter
	RejectedConnections *prometheus.CounterVec
	SessionDuration     prometheus.Histogram
	AudioReceived       prometheus.Counter
	VADDroppedFrames    prometheus.Counter
	InferenceDuration   prometheus.Histogram
	SegmentsCompleted   prometheus.Counter
	EngineErrors        prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "livewhisper_active_clients",
			Help: "Clients currently holding a transcription slot",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "livewhisper_sessions_total",
			Help: "Sessions that were assigned a slot",
		}),
		RejectedConnections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livewhisper_rejected_connections_total",
			Help: "Connections turned away before a session started",
		}, []string{"reason"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "livewhisper_session_duration_seconds",
			Help:    "Wall clock length of sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11),
		}),
		AudioReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "livewhisper_audio_received_seconds_total",
			Help: "Audio received from clients",
		}),
		VADDroppedFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "livewhisper_vad_dropped_frames_total",
			Help: "Frames discarded because they carried no speech",
		}),
		InferenceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "livewhisper_inference_duration_seconds",
			Help:    "Time the backend took per window",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		SegmentsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "livewhisper_segments_completed_total",
			Help: "Transcript segments marked completed",
		}),
		EngineErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "livewhisper_engine_errors_total",
			Help: "Backend calls that failed",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
