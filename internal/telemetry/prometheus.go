package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// Latency buckets in seconds.
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30,
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

type bridgeMetrics struct {
	connectionsActive  prometheus.Gauge
	connectionRejected prometheus.Counter
	malformedFrames    prometheus.Counter
	planShards         prometheus.Gauge
	planGroups         prometheus.Gauge
	plansComputed      prometheus.Counter
	queueLength        prometheus.Gauge
	claimsTotal        *prometheus.CounterVec
	groupsRequeued     prometheus.Counter
	handlerDuration    *prometheus.HistogramVec
	handlersTotal      *prometheus.CounterVec
}

// NewBridgeMetrics registers the bridge collectors with reg.
func NewBridgeMetrics(reg prometheus.Registerer) BridgeMetrics {
	m := &bridgeMetrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardbridge_connections_active",
			Help: "Number of authenticated agent connections",
		}),
		connectionRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardbridge_connections_rejected_total",
			Help: "Total number of handshakes rejected",
		}),
		malformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardbridge_malformed_frames_total",
			Help: "Total number of frames that failed to decode",
		}),
		planShards: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardbridge_plan_total_shards",
			Help: "Total shards of the current plan",
		}),
		planGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardbridge_plan_machine_groups",
			Help: "Machine groups of the current plan",
		}),
		plansComputed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardbridge_plans_computed_total",
			Help: "Total number of plan computations",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardbridge_claim_queue_length",
			Help: "Machine groups waiting to be claimed",
		}),
		claimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardbridge_claims_total",
			Help: "Total number of claim requests",
		}, []string{"success"}),
		groupsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardbridge_groups_requeued_total",
			Help: "Machine groups returned to the queue by disconnects",
		}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardbridge_handler_duration_seconds",
			Help:    "Inbound request handling time in seconds",
			Buckets: defaultBuckets,
		}, []string{"kind"}),
		handlersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardbridge_handlers_total",
			Help: "Total number of inbound requests handled",
		}, []string{"kind", "success"}),
	}

	reg.MustRegister(
		m.connectionsActive,
		m.connectionRejected,
		m.malformedFrames,
		m.planShards,
		m.planGroups,
		m.plansComputed,
		m.queueLength,
		m.claimsTotal,
		m.groupsRequeued,
		m.handlerDuration,
		m.handlersTotal,
	)
	return m
}

func (m *bridgeMetrics) ConnectionsActive(count int) { m.connectionsActive.Set(float64(count)) }
func (m *bridgeMetrics) ConnectionRejected()         { m.connectionRejected.Inc() }
func (m *bridgeMetrics) MalformedFrame()             { m.malformedFrames.Inc() }

func (m *bridgeMetrics) PlanComputed(totalShards, groups int) {
	m.plansComputed.Inc()
	m.planShards.Set(float64(totalShards))
	m.planGroups.Set(float64(groups))
}

func (m *bridgeMetrics) QueueLength(count int) { m.queueLength.Set(float64(count)) }

func (m *bridgeMetrics) ClaimCompleted(success bool) {
	m.claimsTotal.WithLabelValues(boolToStr(success)).Inc()
}

func (m *bridgeMetrics) GroupRequeued() { m.groupsRequeued.Inc() }

func (m *bridgeMetrics) HandlerDuration(kind string) Timer {
	return newTimer(m.handlerDuration.WithLabelValues(kind))
}

func (m *bridgeMetrics) HandlerCompleted(kind string, success bool) {
	m.handlersTotal.WithLabelValues(kind, boolToStr(success)).Inc()
}

var _ BridgeMetrics = (*bridgeMetrics)(nil)

type clientMetrics struct {
	connected       prometheus.Gauge
	reconnects      prometheus.Counter
	heartbeatMisses prometheus.Counter
	shardsOwned     prometheus.Gauge
	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
}

// NewClientMetrics registers the client collectors with reg. agent is
// attached as a constant label so several clients can share a registry.
func NewClientMetrics(reg prometheus.Registerer, agent string) ClientMetrics {
	labels := prometheus.Labels{"agent": agent}
	m := &clientMetrics{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "shardbridge_client_connected",
			Help:        "1 while the client holds a bridge connection",
			ConstLabels: labels,
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shardbridge_client_reconnects_total",
			Help:        "Total number of reconnect attempts",
			ConstLabels: labels,
		}),
		heartbeatMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shardbridge_client_heartbeat_missed_total",
			Help:        "Heartbeats that were not acknowledged in time",
			ConstLabels: labels,
		}),
		shardsOwned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "shardbridge_client_shards_owned",
			Help:        "Shards hosted by the client",
			ConstLabels: labels,
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "shardbridge_client_request_duration_seconds",
			Help:        "Request round-trip time in seconds",
			Buckets:     defaultBuckets,
			ConstLabels: labels,
		}, []string{"kind"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "shardbridge_client_requests_total",
			Help:        "Total number of requests sent to the bridge",
			ConstLabels: labels,
		}, []string{"kind", "success"}),
	}

	reg.MustRegister(
		m.connected,
		m.reconnects,
		m.heartbeatMisses,
		m.shardsOwned,
		m.requestDuration,
		m.requestsTotal,
	)
	return m
}

func (m *clientMetrics) Connected(up bool) {
	if up {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func (m *clientMetrics) Reconnect()            { m.reconnects.Inc() }
func (m *clientMetrics) HeartbeatMissed()      { m.heartbeatMisses.Inc() }
func (m *clientMetrics) ShardsOwned(count int) { m.shardsOwned.Set(float64(count)) }

func (m *clientMetrics) RequestDuration(kind string) Timer {
	return newTimer(m.requestDuration.WithLabelValues(kind))
}

func (m *clientMetrics) RequestCompleted(kind string, success bool) {
	m.requestsTotal.WithLabelValues(kind, boolToStr(success)).Inc()
}

var _ ClientMetrics = (*clientMetrics)(nil)
