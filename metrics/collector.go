// Package metrics exposes Prometheus collectors for model loads, component
// repairs, generations and device fallbacks.
//
// All Collector methods are safe on a nil receiver, so components take an
// optional *Collector and record unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "picgo"

// Collector owns a private registry and the application's metrics.
type Collector struct {
	registry *prometheus.Registry

	loads              *prometheus.CounterVec
	loadDuration       *prometheus.HistogramVec
	repairs            *prometheus.CounterVec
	generations        *prometheus.CounterVec
	generationDuration prometheus.Histogram
	deviceFallbacks    prometheus.Counter
	queueDepth         prometheus.Gauge
	modelLoaded        prometheus.Gauge

	gpuUtilization prometheus.Gauge
	gpuTemperature prometheus.Gauge
	gpuMemoryUsed  prometheus.Gauge
	gpuMemoryTotal prometheus.Gauge
}

// NewCollector creates a Collector with Go runtime and process collectors
// registered alongside the application metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_loads_total",
			Help:      "Model load attempts by resolved family and result.",
		}, []string{"family", "result"}),
		loadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_load_duration_seconds",
			Help:      "Time spent resolving and loading a model, including repairs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"result"}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "component_repairs_total",
			Help:      "Missing components fetched from a canonical source.",
		}, []string{"component", "result"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Text-to-image generations by result.",
		}, []string{"result"}),
		generationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Wall time of successful generations.",
			Buckets:   []float64{1, 2, 5, 10, 20, 40, 80, 160, 320, 640},
		}),
		deviceFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_fallbacks_total",
			Help:      "GPU requests served on CPU because no accelerator was found.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks waiting for the generation worker.",
		}),
		modelLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_loaded",
			Help:      "1 while a pipeline is installed.",
		}),
		gpuUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gpu", Name: "utilization_percent",
			Help: "GPU utilization reported by nvidia-smi.",
		}),
		gpuTemperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gpu", Name: "temperature_celsius",
			Help: "GPU temperature reported by nvidia-smi.",
		}),
		gpuMemoryUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gpu", Name: "memory_used_bytes",
			Help: "GPU memory in use.",
		}),
		gpuMemoryTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gpu", Name: "memory_total_bytes",
			Help: "GPU memory installed.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.loads, c.loadDuration, c.repairs,
		c.generations, c.generationDuration,
		c.deviceFallbacks, c.queueDepth, c.modelLoaded,
		c.gpuUtilization, c.gpuTemperature, c.gpuMemoryUsed, c.gpuMemoryTotal,
	)
	return c
}

// Registry returns the registry backing /metrics.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// ObserveLoad records one load attempt.
func (c *Collector) ObserveLoad(family string, ok bool, d time.Duration) {
	if c == nil {
		return
	}
	if family == "" {
		family = "unknown"
	}
	c.loads.WithLabelValues(family, result(ok)).Inc()
	c.loadDuration.WithLabelValues(result(ok)).Observe(d.Seconds())
	if ok {
		c.modelLoaded.Set(1)
	}
}

// ObserveRepair records one component fetch.
func (c *Collector) ObserveRepair(component string, ok bool) {
	if c == nil {
		return
	}
	c.repairs.WithLabelValues(component, result(ok)).Inc()
}

// ObserveGeneration records one generation.
func (c *Collector) ObserveGeneration(ok bool, d time.Duration) {
	if c == nil {
		return
	}
	c.generations.WithLabelValues(result(ok)).Inc()
	if ok {
		c.generationDuration.Observe(d.Seconds())
	}
}

// DeviceFallback records a GPU request downgraded to CPU.
func (c *Collector) DeviceFallback() {
	if c == nil {
		return
	}
	c.deviceFallbacks.Inc()
}

// SetQueueDepth sets the number of waiting tasks.
func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// ModelUnloaded clears the loaded gauge.
func (c *Collector) ModelUnloaded() {
	if c == nil {
		return
	}
	c.modelLoaded.Set(0)
}

// ObserveGPU records a GPU sample.
func (c *Collector) ObserveGPU(s GPUSample) {
	if c == nil {
		return
	}
	c.gpuUtilization.Set(s.Utilization)
	c.gpuTemperature.Set(s.Temperature)
	c.gpuMemoryUsed.Set(float64(s.MemoryUsed))
	c.gpuMemoryTotal.Set(float64(s.MemoryTotal))
}
