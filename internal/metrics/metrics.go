// Package metrics exposes the relay's domain and host metrics to
// Prometheus. Collector implements broker.Metrics so the broker reports
// wire-level events without importing this package's concrete type.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectionsOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dglab_connections_opened_total",
		Help: "Total WebSocket connections accepted by the broker.",
	})

	connectionsClosedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dglab_connections_closed_total",
		Help: "Total WebSocket connections closed, for any reason.",
	})

	bindsSucceededTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dglab_binds_succeeded_total",
		Help: "Total successful bind handshakes.",
	})

	bindsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dglab_binds_rejected_total",
		Help: "Total rejected bind handshakes, by error code.",
	}, []string{"code"})

	framesForwardedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dglab_frames_forwarded_total",
		Help: "Total wire frames forwarded between a paired controller and app.",
	})

	errorsRepliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dglab_errors_replied_total",
		Help: "Total wire-protocol error replies sent to a peer, by code.",
	}, []string{"code"})

	heartbeatsSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dglab_heartbeats_sent_total",
		Help: "Total heartbeat frames broadcast to connected endpoints.",
	})

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dglab_active_sessions",
		Help: "Current number of device sessions in the Session store.",
	})

	activePairings = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dglab_active_pairings",
		Help: "Current number of controller/app pairs in the broker.",
	})

	playbackActiveStates = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dglab_playback_active_states",
		Help: "Current number of active continuous-playback states.",
	})

	playbackSendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dglab_playback_send_latency_seconds",
		Help:    "Distribution of continuous-playback waveform send latency.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	hostCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dglab_process_cpu_percent",
		Help: "Process CPU usage percentage, sampled via gopsutil.",
	})

	hostRSSBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dglab_process_rss_bytes",
		Help: "Process resident set size in bytes, sampled via gopsutil.",
	})
)

func init() {
	prometheus.MustRegister(
		connectionsOpenedTotal,
		connectionsClosedTotal,
		bindsSucceededTotal,
		bindsRejectedTotal,
		framesForwardedTotal,
		errorsRepliedTotal,
		heartbeatsSentTotal,
		activeSessions,
		activePairings,
		playbackActiveStates,
		playbackSendLatency,
		hostCPUPercent,
		hostRSSBytes,
	)
}

// Collector implements broker.Metrics plus the extra session/playback/host
// gauges the rest of the server updates directly.
type Collector struct{}

// New creates a Collector. All state lives in package-level Prometheus
// collectors, so multiple Collector values are interchangeable.
func New() *Collector { return &Collector{} }

func (c *Collector) ConnectionOpened()        { connectionsOpenedTotal.Inc() }
func (c *Collector) ConnectionClosed()        { connectionsClosedTotal.Inc() }
func (c *Collector) BindSucceeded()           { bindsSucceededTotal.Inc() }
func (c *Collector) BindRejected(code string) { bindsRejectedTotal.WithLabelValues(code).Inc() }
func (c *Collector) FrameForwarded()          { framesForwardedTotal.Inc() }
func (c *Collector) ErrorReplied(code string) { errorsRepliedTotal.WithLabelValues(code).Inc() }
func (c *Collector) HeartbeatSent()           { heartbeatsSentTotal.Inc() }

// SetActiveSessions reports the current Session store size.
func (c *Collector) SetActiveSessions(n int) { activeSessions.Set(float64(n)) }

// SetActivePairings reports the current number of broker pairings.
func (c *Collector) SetActivePairings(n int) { activePairings.Set(float64(n)) }

// SetPlaybackActiveStates reports the current number of live
// continuous-playback states.
func (c *Collector) SetPlaybackActiveStates(n int) { playbackActiveStates.Set(float64(n)) }

// ObservePlaybackSendLatencySeconds records one waveform-send latency
// sample, in seconds.
func (c *Collector) ObservePlaybackSendLatencySeconds(s float64) { playbackSendLatency.Observe(s) }

// SetProcessCPUPercent reports the latest sampled process CPU percentage.
func (c *Collector) SetProcessCPUPercent(pct float64) { hostCPUPercent.Set(pct) }

// SetProcessRSSBytes reports the latest sampled process RSS.
func (c *Collector) SetProcessRSSBytes(bytes uint64) { hostRSSBytes.Set(float64(bytes)) }

// Handler returns the HTTP handler that serves the Prometheus text
// exposition format, meant to be mounted on the MetricsAddr listener.
func Handler() http.Handler { return promhttp.Handler() }
