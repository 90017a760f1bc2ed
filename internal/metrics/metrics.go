// Package metrics exports sampler activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iobeam/rssibeam/internal/sampling"
)

const namespace = "rssibeam"

// Metrics holds the collectors for one process. Each instance has its
// own registry so tests do not collide with the global one.
type Metrics struct {
	reg *prometheus.Registry

	signal       *prometheus.GaugeVec
	buffered     *prometheus.GaugeVec
	samples      *prometheus.CounterVec
	skipped      prometheus.Counter
	uploads      *prometheus.CounterVec
	uploadErrors *prometheus.CounterVec
	registered   prometheus.Gauge
	lastUpload   prometheus.Gauge
}

// New registers the collectors, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		signal: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signal_dbm",
			Help:      "Most recent sampled value per series.",
		}, []string{"series"}),
		buffered: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_samples",
			Help:      "Samples waiting for upload per series.",
		}, []string{"series"}),
		samples: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Samples taken per series.",
		}, []string{"series"}),
		skipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_skipped_total",
			Help:      "Ticks that produced no sample.",
		}),
		uploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "total",
			Help:      "Completed upload attempts by result.",
		}, []string{"result"}),
		uploadErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "errors_total",
			Help:      "Failed uploads by error kind.",
		}, []string{"kind"}),
		registered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered",
			Help:      "1 when the device has an identity, else 0.",
		}),
		lastUpload: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful upload.",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// SetRegistered records whether the device currently has an identity.
func (m *Metrics) SetRegistered(ok bool) {
	if ok {
		m.registered.Set(1)
	} else {
		m.registered.Set(0)
	}
}

// Handle implements [sampling.Sink].
func (m *Metrics) Handle(e sampling.Event) {
	switch ev := e.(type) {
	case sampling.Sampled:
		m.samples.WithLabelValues(ev.Series).Inc()
		m.signal.WithLabelValues(ev.Series).Set(float64(ev.Sample.Value))
		m.buffered.WithLabelValues(ev.Series).Set(float64(ev.Buffered))
	case sampling.SampleSkipped:
		m.skipped.Inc()
	case sampling.Registered:
		m.SetRegistered(true)
	case sampling.RegistrationFailed:
		m.SetRegistered(false)
	case sampling.Uploaded:
		m.buffered.WithLabelValues(ev.Series).Set(float64(ev.Buffered))
		if ev.Success {
			m.uploads.WithLabelValues("success").Inc()
			m.lastUpload.Set(float64(ev.Stats.LastSuccess.Unix()))
			return
		}
		m.uploads.WithLabelValues("failure").Inc()
		m.uploadErrors.WithLabelValues(errorKind(ev.Signature)).Inc()
	}
}

// errorKind keeps label cardinality low by dropping the message part
// of the error signature.
func errorKind(signature string) string {
	kind, _, _ := strings.Cut(signature, ": ")
	if kind == "" {
		return "unknown"
	}
	return kind
}
