package metrics

import (
	"context"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/seamgate/seamgate/audit"
	"github.com/seamgate/seamgate/intercept"
)

// Metrics carries the prometheus instruments of the proxy core on a
// dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	flowsTotal   *prometheus.CounterVec
	bytesUp      *prometheus.CounterVec
	bytesDown    *prometheus.CounterVec
	flowDuration *prometheus.HistogramVec
	exchanges    *prometheus.CounterVec
	certMints    prometheus.Counter
}

// New builds the instrument set. activeFlows feeds the in-flight gauge.
func New(activeFlows func() float64) *Metrics {
	host, _ := os.Hostname()
	constLabels := prometheus.Labels{"host": host}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		flowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "seamgate_flows_total",
				Help:        "Total number of finished flows",
				ConstLabels: constLabels,
			},
			[]string{"inbound", "outbound", "reason"}),
		bytesUp: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "seamgate_transfer_up_bytes_total",
				Help:        "Total client to upstream transfer size in bytes",
				ConstLabels: constLabels,
			},
			[]string{"outbound"}),
		bytesDown: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "seamgate_transfer_down_bytes_total",
				Help:        "Total upstream to client transfer size in bytes",
				ConstLabels: constLabels,
			},
			[]string{"outbound"}),
		flowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "seamgate_flow_duration_seconds",
				Help: "Distribution of flow lifetimes",
				Buckets: []float64{
					.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300, 900,
				},
				ConstLabels: constLabels,
			},
			[]string{"inbound"}),
		exchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "seamgate_intercepted_exchanges_total",
				Help:        "Total intercepted HTTP exchanges",
				ConstLabels: constLabels,
			},
			[]string{"proto", "blocked"}),
		certMints: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "seamgate_cert_mints_total",
				Help:        "Total leaf certificates minted (pool misses)",
				ConstLabels: constLabels,
			}),
	}

	m.registry.MustRegister(
		m.flowsTotal,
		m.bytesUp,
		m.bytesDown,
		m.flowDuration,
		m.exchanges,
		m.certMints,
		collectors.NewGoCollector(),
	)
	if activeFlows != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        "seamgate_flows_active",
				Help:        "Current number of in-flight flows",
				ConstLabels: constLabels,
			},
			activeFlows))
	}

	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCertMint counts one minted leaf certificate.
func (m *Metrics) ObserveCertMint(serverName string) {
	m.certMints.Inc()
}

// ObserveExchange counts one intercepted HTTP exchange.
func (m *Metrics) ObserveExchange(ex *intercept.Exchange) {
	m.exchanges.WithLabelValues(ex.Proto, strconv.FormatBool(ex.Blocked)).Inc()
}

// Sink returns an audit sink that feeds the flow instruments; chain it
// with the real sinks via audit.MultiSink.
func (m *Metrics) Sink() audit.Sink {
	return &metricsSink{m: m}
}

type metricsSink struct {
	m *Metrics
}

func (s *metricsSink) Record(ctx context.Context, rec *audit.Record) error {
	s.m.flowsTotal.WithLabelValues(rec.Inbound, rec.Outbound, rec.CloseReason).Inc()
	s.m.bytesUp.WithLabelValues(rec.Outbound).Add(float64(rec.BytesUp))
	s.m.bytesDown.WithLabelValues(rec.Outbound).Add(float64(rec.BytesDown))
	s.m.flowDuration.WithLabelValues(rec.Inbound).Observe(rec.Duration.Seconds())
	return nil
}

func (s *metricsSink) Close() error { return nil }
