package monitoring

import (
	"net/http"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector records call, relay and media metrics on its own
// registry.
type PrometheusCollector struct {
	registry *prometheus.Registry

	// call client
	callsStarted       *prometheus.CounterVec
	callsEnded         *prometheus.CounterVec
	callDuration       prometheus.Histogram
	peerConnections    prometheus.Gauge
	peerStates         *prometheus.CounterVec
	negotiationSeconds *prometheus.HistogramVec
	iceRestarts        prometheus.Counter
	candidatesBuffered prometheus.Histogram
	signalingMessages  *prometheus.CounterVec
	signalingDropped   *prometheus.CounterVec
	mediaFailures      *prometheus.CounterVec

	// relay
	relayConnections prometheus.Gauge
	relayCallsOpened prometheus.Counter
	relayCallsClosed *prometheus.CounterVec
	relayMessages    *prometheus.CounterVec
	relayRejected    *prometheus.CounterVec

	// media transport
	rtpBytes     *prometheus.CounterVec
	rtcpFeedback *prometheus.CounterVec
}

var (
	_ ports.CallMetrics  = (*PrometheusCollector)(nil)
	_ ports.RelayMetrics = (*PrometheusCollector)(nil)
)

func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		callsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_calls_started_total",
			Help: "Calls started, by type and direction",
		}, []string{"type", "direction"}),

		callsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_calls_ended_total",
			Help: "Calls ended, by reason",
		}, []string{"reason"}),

		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshcall_call_duration_seconds",
			Help:    "Duration of answered calls",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		}),

		peerConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcall_peer_connections",
			Help: "Open peer connections",
		}),

		peerStates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_peer_state_changes_total",
			Help: "Peer connection state transitions",
		}, []string{"state"}),

		negotiationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshcall_negotiation_duration_seconds",
			Help:    "Time from local offer to stable signaling state",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"kind"}),

		iceRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_ice_restarts_total",
			Help: "ICE restarts triggered by failed or lost connections",
		}),

		candidatesBuffered: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshcall_candidates_buffered",
			Help:    "Remote candidates queued before a connection could take them",
			Buckets: []float64{1, 2, 4, 8, 16, 32},
		}),

		signalingMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_signaling_messages_total",
			Help: "Signaling messages by direction and event",
		}, []string{"direction", "event"}),

		signalingDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_signaling_dropped_total",
			Help: "Outbound signaling messages dropped while disconnected",
		}, []string{"event"}),

		mediaFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_media_acquisition_failures_total",
			Help: "Failed capture requests by error code",
		}, []string{"code"}),

		relayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcall_relay_connections",
			Help: "Websocket connections held by this relay",
		}),

		relayCallsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_relay_calls_opened_total",
			Help: "Call sessions created",
		}),

		relayCallsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_relay_calls_closed_total",
			Help: "Call sessions closed, by outcome",
		}, []string{"outcome"}),

		relayMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_relay_messages_total",
			Help: "Frames delivered by the relay, by event",
		}, []string{"event"}),

		relayRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_relay_rejected_total",
			Help: "Frames or connections refused by the relay, by reason",
		}, []string{"reason"}),

		rtpBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_rtp_received_bytes_total",
			Help: "RTP payload bytes received from remote peers",
		}, []string{"kind"}),

		rtcpFeedback: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_rtcp_packets_total",
			Help: "RTCP packets read, by type",
		}, []string{"type"}),
	}
}

func (p *PrometheusCollector) Registry() *prometheus.Registry { return p.registry }

func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *PrometheusCollector) CallStarted(callType domain.CallType, direction string) {
	p.callsStarted.WithLabelValues(string(callType), direction).Inc()
}

func (p *PrometheusCollector) CallEnded(reason domain.EndReason, duration time.Duration) {
	p.callsEnded.WithLabelValues(string(reason)).Inc()
	if duration > 0 {
		p.callDuration.Observe(duration.Seconds())
	}
}

func (p *PrometheusCollector) PeerConnectionsChanged(count int) {
	p.peerConnections.Set(float64(count))
}

func (p *PrometheusCollector) PeerStateChanged(state string) {
	p.peerStates.WithLabelValues(state).Inc()
}

func (p *PrometheusCollector) NegotiationCompleted(kind string, duration time.Duration) {
	p.negotiationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

func (p *PrometheusCollector) ICERestarted() {
	p.iceRestarts.Inc()
}

func (p *PrometheusCollector) CandidatesBuffered(count int) {
	p.candidatesBuffered.Observe(float64(count))
}

func (p *PrometheusCollector) SignalingMessage(direction, event string) {
	p.signalingMessages.WithLabelValues(direction, event).Inc()
}

func (p *PrometheusCollector) SignalingDropped(event string) {
	p.signalingDropped.WithLabelValues(event).Inc()
}

func (p *PrometheusCollector) MediaAcquisitionFailed(code string) {
	p.mediaFailures.WithLabelValues(code).Inc()
}

func (p *PrometheusCollector) ConnectionsChanged(count int) {
	p.relayConnections.Set(float64(count))
}

func (p *PrometheusCollector) CallSessionOpened() {
	p.relayCallsOpened.Inc()
}

func (p *PrometheusCollector) CallSessionClosed(outcome string) {
	p.relayCallsClosed.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) MessageRelayed(event string) {
	p.relayMessages.WithLabelValues(event).Inc()
}

func (p *PrometheusCollector) MessageRejected(reason string) {
	p.relayRejected.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RTPReceived(kind string, bytes int) {
	p.rtpBytes.WithLabelValues(kind).Add(float64(bytes))
}

func (p *PrometheusCollector) RTCPFeedback(packetType string) {
	p.rtcpFeedback.WithLabelValues(packetType).Inc()
}
