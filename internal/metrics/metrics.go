package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Frame pipeline counters
	FramesRead      atomic.Uint64
	FramesProcessed atomic.Uint64
	FramesDropped   atomic.Uint64
	FramesSent      atomic.Uint64

	// SEI injection counters
	SEIMessagesQueued   atomic.Uint64
	SEIMessagesRejected atomic.Uint64
	SEIMessagesDropped  atomic.Uint64 // Evicted by queue overflow
	SEIUnitsInserted    atomic.Uint64
	SEIBytesAdded       atomic.Uint64
	SEIQueueDepth       atomic.Uint64

	// Error counters
	ReadErrors   atomic.Uint64
	InjectErrors atomic.Uint64
	WebRTCErrors atomic.Uint64

	// Latency tracking
	InjectLatencyUs atomic.Uint64 // Last injection pass latency in microseconds

	// WebRTC client tracking
	ActiveClients atomic.Uint64
	TotalClients  atomic.Uint64

	// Recording state
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes  atomic.Uint64

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name string
		help string
		load func() uint64
	}{
		{"sei_frames_read_total", "Total frames read from the capture process", m.FramesRead.Load},
		{"sei_frames_processed_total", "Total frames run through the SEI hook", m.FramesProcessed.Load},
		{"sei_frames_dropped_total", "Total frames dropped on channel backpressure", m.FramesDropped.Load},
		{"sei_frames_sent_total", "Total frames sent to WebRTC clients", m.FramesSent.Load},
		{"sei_messages_queued_total", "Total SEI messages accepted for injection", m.SEIMessagesQueued.Load},
		{"sei_messages_rejected_total", "Total SEI messages rejected (oversized payload)", m.SEIMessagesRejected.Load},
		{"sei_messages_dropped_total", "Total SEI messages evicted by queue overflow", m.SEIMessagesDropped.Load},
		{"sei_units_inserted_total", "Total SEI NAL units spliced into frames", m.SEIUnitsInserted.Load},
		{"sei_bytes_added_total", "Total SEI bytes added to the stream", m.SEIBytesAdded.Load},
		{"sei_queue_depth", "Current pending SEI message count", m.SEIQueueDepth.Load},
		{"sei_read_errors_total", "Total capture read errors", m.ReadErrors.Load},
		{"sei_inject_errors_total", "Total SEI injection errors", m.InjectErrors.Load},
		{"sei_webrtc_errors_total", "Total WebRTC errors", m.WebRTCErrors.Load},
		{"sei_inject_latency_us", "Last injection pass latency in microseconds", m.InjectLatencyUs.Load},
		{"sei_active_clients", "Number of active WebRTC clients", m.ActiveClients.Load},
		{"sei_total_clients", "Total WebRTC clients connected", m.TotalClients.Load},
		{"sei_recording_active", "Recording active (0=inactive, 1=active)", m.RecordingActive.Load},
		{"sei_recording_bytes", "Total bytes written to recording", m.RecordingBytes.Load},
	}

	for _, g := range gauges {
		load := g.load
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(load()) },
		))
	}
}

// UpdateInjectLatency records the duration of one injection pass
func (m *Metrics) UpdateInjectLatency(d time.Duration) {
	m.InjectLatencyUs.Store(uint64(d.Microseconds()))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
