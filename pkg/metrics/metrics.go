// Package metrics exposes pipeline counters to Prometheus. All methods are
// safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "iqscope"

// Metrics owns a private registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	spectra         prometheus.Counter
	delivery        *prometheus.CounterVec
	snapshotBytes   prometheus.Counter
	snapshots       *prometheus.CounterVec
	acquisitionErrs *prometheus.CounterVec
	reconnects      prometheus.Counter
	wsClients       prometheus.Gauge
	wsMessages      *prometheus.CounterVec

	measuredFPS prometheus.Gauge
	targetFPS   prometheus.Gauge
	ackLag      prometheus.Gauge
	fftSize     prometheus.Gauge
}

// New registers every collector, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		spectra: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "spectra_total",
			Help: "Spectra computed from acquired blocks.",
		}),
		delivery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivery_decisions_total",
			Help: "Delivery decisions by result (held, forwarded, backpressure).",
		}, []string{"result"}),
		snapshotBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshot_bytes_total",
			Help: "Sample bytes written to snapshot files.",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshots_total",
			Help: "Snapshot recordings by outcome.",
		}, []string{"outcome"}),
		acquisitionErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "acquisition_errors_total",
			Help: "Acquisition errors by kind.",
		}, []string{"kind"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "source_reconnects_total",
			Help: "Source reconnect attempts.",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "websocket_clients",
			Help: "Connected WebSocket clients.",
		}),
		wsMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "websocket_messages_total",
			Help: "WebSocket messages by direction.",
		}, []string{"direction"}),
		measuredFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "delivery_measured_fps",
			Help: "Measured forward rate over the last second of capture time.",
		}),
		targetFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "delivery_target_fps",
			Help: "Effective target forward rate.",
		}),
		ackLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "consumer_ack_lag_seconds",
			Help: "Capture time of the newest frame minus the consumer's last rendered time.",
		}),
		fftSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "fft_size",
			Help: "Current FFT size in bins.",
		}),
	}
	m.registry.MustRegister(
		m.spectra, m.delivery, m.snapshotBytes, m.snapshots, m.acquisitionErrs,
		m.reconnects, m.wsClients, m.wsMessages,
		m.measuredFPS, m.targetFPS, m.ackLag, m.fftSize,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordSpectrum(bins int) {
	if m == nil {
		return
	}
	m.spectra.Inc()
	m.fftSize.Set(float64(bins))
}

// RecordDelivery counts one Offer result by its name.
func (m *Metrics) RecordDelivery(result string) {
	if m == nil {
		return
	}
	m.delivery.WithLabelValues(result).Inc()
}

func (m *Metrics) UpdateDelivery(measuredFPS, targetFPS, lagSec float64) {
	if m == nil {
		return
	}
	m.measuredFPS.Set(measuredFPS)
	m.targetFPS.Set(targetFPS)
	m.ackLag.Set(lagSec)
}

func (m *Metrics) RecordSnapshotBytes(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.snapshotBytes.Add(float64(n))
}

// RecordSnapshot counts a finished recording: "completed" or "failed".
func (m *Metrics) RecordSnapshot(outcome string) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordAcquisitionError(kind string) {
	if m == nil {
		return
	}
	m.acquisitionErrs.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) RecordWSConnection() {
	if m == nil {
		return
	}
	m.wsClients.Inc()
}

func (m *Metrics) RecordWSDisconnect() {
	if m == nil {
		return
	}
	m.wsClients.Dec()
}

// RecordWSMessage counts a message in direction "sent" or "received".
func (m *Metrics) RecordWSMessage(direction string) {
	if m == nil {
		return
	}
	m.wsMessages.WithLabelValues(direction).Inc()
}
