// Package metrics exports connector counters and resource samples to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Schera-ole/cloudconnector/internal/resource"
)

// PromObs implements the delivery and sample observers on top of Prometheus
// collectors.
type PromObs struct {
	gatherer prometheus.Gatherer

	published *prometheus.CounterVec
	confirmed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	cpu       prometheus.Gauge
	heapUsed  prometheus.Gauge
	heapMax   prometheus.Gauge
}

// NewPromObs creates the collectors and registers them with reg.
func NewPromObs(reg *prometheus.Registry) *PromObs {
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "connector_published_total",
		Help: "Data points submitted to the broker.",
	}, []string{"device"})
	confirmed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "connector_confirmed_total",
		Help: "Delivery confirmations received from the broker.",
	}, []string{"device"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "connector_failed_total",
		Help: "Publishes the broker client refused to submit.",
	}, []string{"device"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "connector_delivery_latency_seconds",
		Help:    "Time from submission to delivery confirmation.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"device"})
	cpu := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "connector_process_cpu_percent",
		Help: "Most recent process CPU usage sample.",
	})
	heapUsed := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "connector_heap_used_bytes",
		Help: "Most recent heap usage sample.",
	})
	heapMax := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "connector_heap_max_bytes",
		Help: "Heap limit reported by the heap source, -1 when unknown.",
	})

	reg.MustRegister(published, confirmed, failed, latency, cpu, heapUsed, heapMax)

	return &PromObs{
		gatherer:  reg,
		published: published,
		confirmed: confirmed,
		failed:    failed,
		latency:   latency,
		cpu:       cpu,
		heapUsed:  heapUsed,
		heapMax:   heapMax,
	}
}

func (p *PromObs) Published(device string) {
	p.published.WithLabelValues(device).Inc()
}

func (p *PromObs) Failed(device string) {
	p.failed.WithLabelValues(device).Inc()
}

func (p *PromObs) Confirmed(device string) {
	p.confirmed.WithLabelValues(device).Inc()
}

func (p *PromObs) Latency(device string, latency time.Duration) {
	p.latency.WithLabelValues(device).Observe(latency.Seconds())
}

func (p *PromObs) ObserveSample(s resource.Sample) {
	if s.HasCPU {
		p.cpu.Set(s.CPUPercent)
	}
	if s.HasHeap {
		p.heapUsed.Set(float64(s.Heap.Used))
		p.heapMax.Set(float64(s.Heap.Max))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PromObs) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}
