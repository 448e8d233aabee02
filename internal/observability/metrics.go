package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage names recorded in the rolling perf window.
const (
	StageFirstChunkLatencyMS = "first_chunk_latency_ms"
	StageRTF                 = "rtf"
)

// Metrics groups all Prometheus instruments used by the gateway.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ConnectionEvents  *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	StreamRequests    *prometheus.CounterVec
	GenerationErrors  *prometheus.CounterVec
	FramesSent        prometheus.Counter
	AudioSecondsSent  prometheus.Counter
	FirstChunkLatency prometheus.Histogram

	perf *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of live streaming connections.",
		}),
		ConnectionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_events_total",
			Help:      "Connection lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		StreamRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_requests_total",
			Help:      "Stream requests by terminal outcome.",
		}, []string{"outcome"}),
		GenerationErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_errors_total",
			Help:      "Request failures by error code.",
		}, []string{"code"}),
		FramesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_sent_total",
			Help:      "Audio frames written to outbound channels.",
		}),
		AudioSecondsSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_seconds_sent_total",
			Help:      "Seconds of audio written to outbound channels.",
		}),
		FirstChunkLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_chunk_latency_ms",
			Help:      "Latency from request admission to first audio fragment in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000},
		}),
		perf: newStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstChunkLatency(d time.Duration) {
	ms := float64(d.Milliseconds())
	m.FirstChunkLatency.Observe(ms)
	m.perf.Observe(StageFirstChunkLatencyMS, ms)
}

// ObserveRTF records a request's final real-time factor. RTF is an
// observability signal only; no correctness threshold is derived from it.
func (m *Metrics) ObserveRTF(rtf float64) {
	m.perf.Observe(StageRTF, rtf)
}

func (m *Metrics) SnapshotPerf() PerfSnapshot {
	return m.perf.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
