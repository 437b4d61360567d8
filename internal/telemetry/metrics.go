// Package telemetry exposes Prometheus collectors for the streaming client.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "glimpse"

// Recorder is what the session machine reports into. A nil *Metrics is a
// valid Recorder that records nothing.
type Recorder interface {
	PayloadReceived()
	DecodeFailed()
	ConnectAttempt(cause string)
	ConnectFailed(cause string)
	StreamFailed()
	SetConnected(ok bool)
	SetSeriesLength(n int)
}

type Metrics struct {
	registry        *prometheus.Registry
	payloads        prometheus.Counter
	decodeFailures  prometheus.Counter
	connectAttempts *prometheus.CounterVec
	connectFailures *prometheus.CounterVec
	streamFailures  prometheus.Counter
	connected       prometheus.Gauge
	seriesLength    prometheus.Gauge
}

var _ Recorder = (*Metrics)(nil)

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		payloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "payloads_total",
			Help:      "Inbound payloads received while connected",
		}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "decode_failures_total",
			Help:      "Inbound payloads rejected by the decoder",
		}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by cause",
		}, []string{"cause"}),
		connectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "connect_failures_total",
			Help:      "Failed connection attempts by cause",
		}, []string{"cause"}),
		streamFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "stream_failures_total",
			Help:      "Streams that closed without a caller asking",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "connected",
			Help:      "1 while the stream is connected",
		}),
		seriesLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "series_length",
			Help:      "Samples in the current series",
		}),
	}
	m.registry.MustRegister(
		m.payloads,
		m.decodeFailures,
		m.connectAttempts,
		m.connectFailures,
		m.streamFailures,
		m.connected,
		m.seriesLength,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) PayloadReceived() {
	if m == nil {
		return
	}
	m.payloads.Inc()
}

func (m *Metrics) DecodeFailed() {
	if m == nil {
		return
	}
	m.decodeFailures.Inc()
}

func (m *Metrics) ConnectAttempt(cause string) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(cause).Inc()
}

func (m *Metrics) ConnectFailed(cause string) {
	if m == nil {
		return
	}
	m.connectFailures.WithLabelValues(cause).Inc()
}

func (m *Metrics) StreamFailed() {
	if m == nil {
		return
	}
	m.streamFailures.Inc()
}

func (m *Metrics) SetConnected(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func (m *Metrics) SetSeriesLength(n int) {
	if m == nil {
		return
	}
	m.seriesLength.Set(float64(n))
}
