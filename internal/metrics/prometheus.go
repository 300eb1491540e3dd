package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the voice client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Capture metrics
	FramesCaptured prometheus.Counter
	FramesDropped  prometheus.Counter
	CaptureErrors  prometheus.Counter
	InputPeak      prometheus.Gauge

	// Socket metrics
	FramesSent       prometheus.Counter
	MessagesReceived *prometheus.CounterVec
	ConnectionState  *prometheus.GaugeVec
	ConnectAttempts  prometheus.Counter
	ConnectFailures  prometheus.Counter

	// Playback metrics
	ChunksEnqueued prometheus.Counter
	ChunksPlayed   prometheus.Counter
	DecodeFailures prometheus.Counter
	BargeIns       prometheus.Counter
	QueueDepth     prometheus.Gauge

	// Conversation metrics
	ServerErrors     *prometheus.CounterVec
	ResponseDuration prometheus.Histogram
}

// NewMetrics creates all metrics on a dedicated registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FramesCaptured: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_capture_frames_total",
			Help: "Total number of microphone frames captured",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_capture_frames_dropped_total",
			Help: "Total number of microphone frames dropped because the consumer was behind",
		}),
		CaptureErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_capture_errors_total",
			Help: "Total number of capture start or device failures",
		}),
		InputPeak: f.NewGauge(prometheus.GaugeOpts{
			Name: "voice_capture_input_peak",
			Help: "Peak sample level of the last captured frame after gain",
		}),

		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_socket_frames_sent_total",
			Help: "Total number of audio messages written to the socket",
		}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_socket_messages_received_total",
			Help: "Total number of inbound protocol messages by type",
		}, []string{"type"}),
		ConnectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voice_connection_state",
			Help: "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),
		ConnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_connect_attempts_total",
			Help: "Total number of connect attempts",
		}),
		ConnectFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_connect_failures_total",
			Help: "Total number of failed connections",
		}),

		ChunksEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_playback_chunks_enqueued_total",
			Help: "Total number of audio chunks queued for playback",
		}),
		ChunksPlayed: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_playback_chunks_played_total",
			Help: "Total number of audio chunks played to completion",
		}),
		DecodeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_playback_decode_failures_total",
			Help: "Total number of audio chunks skipped because they could not be decoded",
		}),
		BargeIns: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_playback_barge_ins_total",
			Help: "Total number of times playback was interrupted by the user",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "voice_playback_queue_depth",
			Help: "Current number of chunks waiting to play",
		}),

		ServerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_server_errors_total",
			Help: "Total number of server reported errors by category",
		}, []string{"category"}),
		ResponseDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_response_duration_seconds",
			Help:    "Server reported response time per assistant turn",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordFrameCaptured increments the captured frames counter
func (m *Metrics) RecordFrameCaptured() {
	if m == nil {
		return
	}
	m.FramesCaptured.Inc()
}

// RecordFrameDropped increments the dropped frames counter
func (m *Metrics) RecordFrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

// SetInputPeak records the peak level of the last captured frame
func (m *Metrics) SetInputPeak(level float64) {
	if m == nil {
		return
	}
	m.InputPeak.Set(level)
}

// RecordCaptureError increments the capture error counter
func (m *Metrics) RecordCaptureError() {
	if m == nil {
		return
	}
	m.CaptureErrors.Inc()
}

// RecordFrameSent increments the sent frames counter
func (m *Metrics) RecordFrameSent() {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
}

// RecordMessageReceived counts an inbound message by type
func (m *Metrics) RecordMessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

// SetConnectionState marks state as the only active connection state
func (m *Metrics) SetConnectionState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		if s == state {
			m.ConnectionState.WithLabelValues(s).Set(1)
		} else {
			m.ConnectionState.WithLabelValues(s).Set(0)
		}
	}
}

// RecordConnectAttempt increments the connect attempts counter
func (m *Metrics) RecordConnectAttempt() {
	if m == nil {
		return
	}
	m.ConnectAttempts.Inc()
}

// RecordConnectFailure increments the connect failures counter
func (m *Metrics) RecordConnectFailure() {
	if m == nil {
		return
	}
	m.ConnectFailures.Inc()
}

// RecordChunkEnqueued counts a queued chunk and updates the queue depth
func (m *Metrics) RecordChunkEnqueued(depth int) {
	if m == nil {
		return
	}
	m.ChunksEnqueued.Inc()
	m.QueueDepth.Set(float64(depth))
}

// RecordChunkPlayed counts a played chunk and updates the queue depth
func (m *Metrics) RecordChunkPlayed(depth int) {
	if m == nil {
		return
	}
	m.ChunksPlayed.Inc()
	m.QueueDepth.Set(float64(depth))
}

// RecordDecodeFailure increments the decode failures counter
func (m *Metrics) RecordDecodeFailure() {
	if m == nil {
		return
	}
	m.DecodeFailures.Inc()
}

// RecordBargeIn increments the barge-in counter
func (m *Metrics) RecordBargeIn() {
	if m == nil {
		return
	}
	m.BargeIns.Inc()
}

// SetQueueDepth sets the current playback queue depth
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// RecordServerError counts a server error by category
func (m *Metrics) RecordServerError(category string) {
	if m == nil {
		return
	}
	m.ServerErrors.WithLabelValues(category).Inc()
}

// RecordResponseDuration records the server reported response time
func (m *Metrics) RecordResponseDuration(seconds float64) {
	if m == nil {
		return
	}
	m.ResponseDuration.Observe(seconds)
}
