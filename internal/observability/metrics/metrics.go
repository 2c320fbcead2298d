package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder aggregates Prometheus collectors for HTTP traffic, stream
// lifecycle events, encoder launches, and relay status transitions.
type Recorder struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	activeStreams       prometheus.Gauge
	streamsStartedTotal prometheus.Counter
	streamsEndedTotal   prometheus.Counter
	sweepReapsTotal     prometheus.Counter

	encoderStartsTotal *prometheus.CounterVec
	activeRelays       prometheus.Gauge
	relayTransitions   *prometheus.CounterVec
}

var defaultRecorder = New()

// New constructs a Recorder backed by its own registry so tests and embedded
// servers do not collide on collector registration.
func New() *Recorder {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcast_http_requests_total",
			Help: "HTTP requests by method, path, and status code.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamcast_http_request_duration_seconds",
			Help:    "HTTP request latency by method and path.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamcast_active_streams",
			Help: "Number of stream keys with a running HLS conversion.",
		}),
		streamsStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcast_streams_started_total",
			Help: "Total accepted RTMP publishes.",
		}),
		streamsEndedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcast_streams_ended_total",
			Help: "Total streams torn down, whether by publisher disconnect or sweep.",
		}),
		sweepReapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcast_sweep_reaps_total",
			Help: "Conversions reaped by the inactivity sweep.",
		}),
		encoderStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcast_encoder_starts_total",
			Help: "Encoder process launches by kind and outcome.",
		}, []string{"kind", "outcome"}),
		activeRelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamcast_active_relays",
			Help: "Platform relays currently in CONNECTING or LIVE state.",
		}),
		relayTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcast_relay_transitions_total",
			Help: "Relay status transitions by platform and resulting status.",
		}, []string{"platform", "status"}),
	}

	registry.MustRegister(
		r.requestsTotal,
		r.requestDuration,
		r.activeStreams,
		r.streamsStartedTotal,
		r.streamsEndedTotal,
		r.sweepReapsTotal,
		r.encoderStartsTotal,
		r.activeRelays,
		r.relayTransitions,
	)
	return r
}

// Default returns the shared Recorder used by packages that are not handed an
// explicit instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest records one completed HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, seconds float64) {
	r.requestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(seconds)
}

// StreamStarted records an accepted publish and bumps the active gauge.
func (r *Recorder) StreamStarted() {
	r.streamsStartedTotal.Inc()
	r.activeStreams.Inc()
}

// StreamEnded records a completed teardown and decrements the active gauge.
func (r *Recorder) StreamEnded() {
	r.streamsEndedTotal.Inc()
	r.activeStreams.Dec()
}

// SweepReaped counts a conversion removed by the inactivity sweep.
func (r *Recorder) SweepReaped() {
	r.sweepReapsTotal.Inc()
}

// EncoderStart records an encoder launch attempt. Kind distinguishes hls,
// relay, and clip processes; outcome is "ok" or "error".
func (r *Recorder) EncoderStart(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.encoderStartsTotal.WithLabelValues(kind, outcome).Inc()
}

// RelayStarted bumps the active relay gauge.
func (r *Recorder) RelayStarted() {
	r.activeRelays.Inc()
}

// RelayStopped decrements the active relay gauge.
func (r *Recorder) RelayStopped() {
	r.activeRelays.Dec()
}

// RelayTransition records one relay status change.
func (r *Recorder) RelayTransition(platform, status string) {
	r.relayTransitions.WithLabelValues(platform, status).Inc()
}

// Handler exposes the recorder's registry in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
