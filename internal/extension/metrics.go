package extension

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type hostMetrics struct {
	extensions    prometheus.Gauge
	catalogEvents *prometheus.CounterVec
	loads         *prometheus.CounterVec
	invocations   *prometheus.CounterVec
	handlerTime   prometheus.Observer
}

var (
	hostMetricsOnce sync.Once
	hostMetricsInst *hostMetrics
)

func globalHostMetrics() *hostMetrics {
	hostMetricsOnce.Do(func() {
		hostMetricsInst = newHostMetrics()
	})
	return hostMetricsInst
}

func newHostMetrics() *hostMetrics {
	return &hostMetrics{
		extensions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "extensionhost",
			Subsystem: "registry",
			Name:      "extensions",
			Help:      "Extensions currently registered",
		}),
		catalogEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "extensionhost",
			Subsystem: "registry",
			Name:      "catalog_events_total",
			Help:      "Catalog lifecycle events handled, labeled by kind",
		}, []string{"kind"}),
		loads: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "extensionhost",
			Subsystem: "extension",
			Name:      "loads_total",
			Help:      "Extension load attempts, labeled by result",
		}, []string{"result"}),
		invocations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "extensionhost",
			Subsystem: "extension",
			Name:      "invocations_total",
			Help:      "Extension invocations, labeled by mode and result",
		}, []string{"mode", "result"}),
		handlerTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "extensionhost",
			Subsystem: "registry",
			Name:      "task_duration_seconds",
			Help:      "Time spent running tasks on the registry thread",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *hostMetrics) setExtensions(n int) {
	if m == nil {
		return
	}
	m.extensions.Set(float64(n))
}

func (m *hostMetrics) recordEvent(kind string) {
	if m == nil {
		return
	}
	m.catalogEvents.WithLabelValues(kind).Inc()
}

func (m *hostMetrics) recordLoad(result string) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(result).Inc()
}

func (m *hostMetrics) recordInvocation(mode string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.invocations.WithLabelValues(mode, result).Inc()
}

func (m *hostMetrics) timeTask() func() {
	if m == nil {
		return func() {}
	}
	timer := prometheus.NewTimer(m.handlerTime)
	return func() {
		timer.ObserveDuration()
	}
}
