package handler

import (
	"time"

	"echonet-controller/echonet_lite"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "echonet"

// 受信フレームの分類
const (
	FrameMatched     = "matched"
	FrameUnsolicited = "unsolicited"
	FrameDecodeError = "decode_error"
)

// 要求の結果
const (
	OutcomeResponse  = "response"
	OutcomeSNA       = "sna"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeSendError = "send_error"
)

// Metrics はセッションと探索の Prometheus メトリクスです。
// nil のレシーバでもメソッドを呼び出せます。
type Metrics struct {
	FramesReceived  *prometheus.CounterVec
	Requests        *prometheus.CounterVec
	RequestOutcomes *prometheus.CounterVec
	Pending         prometheus.Gauge
	RoundTrip       prometheus.Histogram
	DiscoveryRuns   prometheus.Counter
	PropertyMaps    *prometheus.CounterVec
}

// NewMetrics はメトリクスを作成し、reg が nil でなければ登録します。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "session",
				Name:      "frames_received_total",
				Help:      "Total number of received datagrams by dispatch result",
			},
			[]string{"result"},
		),
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "session",
				Name:      "requests_total",
				Help:      "Total number of requests sent by ESV",
			},
			[]string{"esv"},
		),
		RequestOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "session",
				Name:      "request_outcomes_total",
				Help:      "Total number of completed requests by outcome",
			},
			[]string{"outcome"},
		),
		Pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "session",
				Name:      "pending_requests",
				Help:      "Number of requests waiting for a response",
			},
		),
		RoundTrip: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "session",
				Name:      "round_trip_seconds",
				Help:      "Time from send to matched response in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		DiscoveryRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "discovery",
				Name:      "runs_total",
				Help:      "Total number of instance list processing runs",
			},
		),
		PropertyMaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "discovery",
				Name:      "property_maps_total",
				Help:      "Total number of property map acquisitions by result",
			},
			[]string{"result"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.FramesReceived,
			m.Requests,
			m.RequestOutcomes,
			m.Pending,
			m.RoundTrip,
			m.DiscoveryRuns,
			m.PropertyMaps,
		)
	}
	return m
}

func (m *Metrics) frameReceived(result string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(result).Inc()
}

func (m *Metrics) requestSent(esv echonet_lite.ESVType) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(esv.String()).Inc()
}

func (m *Metrics) requestDone(outcome string) {
	if m == nil {
		return
	}
	m.RequestOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) pendingAdd(delta float64) {
	if m == nil {
		return
	}
	m.Pending.Add(delta)
}

func (m *Metrics) observeRoundTrip(d time.Duration) {
	if m == nil {
		return
	}
	m.RoundTrip.Observe(d.Seconds())
}

func (m *Metrics) discoveryRun() {
	if m == nil {
		return
	}
	m.DiscoveryRuns.Inc()
}

func (m *Metrics) propertyMap(acquired bool) {
	if m == nil {
		return
	}
	if acquired {
		m.PropertyMaps.WithLabelValues("acquired").Inc()
	} else {
		m.PropertyMaps.WithLabelValues("failed").Inc()
	}
}
