// Package prom exports registry metrics to Prometheus. Sink creates one
// collector per metric name on first use; the label names are fixed by
// the tags of that first observation.
package prom

import (
	"maps"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink implements registry.MetricsSink.
type Sink struct {
	reg       prometheus.Registerer
	namespace string

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	dropped    prometheus.Counter
}

// New registers collectors on reg under namespace, e.g. "cas".
func New(reg prometheus.Registerer, namespace string) *Sink {
	s := &Sink{
		reg:        reg,
		namespace:  namespace,
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metrics_dropped_total",
			Help:      "Observations dropped because their labels did not match the collector.",
		}),
	}
	reg.MustRegister(s.dropped)
	return s
}

func labelNames(tags map[string]string) []string {
	return slices.Sorted(maps.Keys(tags))
}

func (s *Sink) IncCounter(name string, tags map[string]string) {
	s.mu.Lock()
	vec, ok := s.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      name + "_total",
			Help:      "Ticket registry counter " + name + ".",
		}, labelNames(tags))
		s.reg.MustRegister(vec)
		s.counters[name] = vec
	}
	s.mu.Unlock()

	c, err := vec.GetMetricWith(tags)
	if err != nil {
		s.dropped.Inc()
		return
	}
	c.Inc()
}

func (s *Sink) ObserveHistogram(name string, value float64, tags map[string]string) {
	s.mu.Lock()
	vec, ok := s.histograms[name]
	if !ok {
		buckets := prometheus.DefBuckets
		if name == "cascade_size" {
			buckets = prometheus.ExponentialBuckets(1, 2, 10)
		}
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: s.namespace,
			Name:      name,
			Help:      "Ticket registry histogram " + name + ".",
			Buckets:   buckets,
		}, labelNames(tags))
		s.reg.MustRegister(vec)
		s.histograms[name] = vec
	}
	s.mu.Unlock()

	h, err := vec.GetMetricWith(tags)
	if err != nil {
		s.dropped.Inc()
		return
	}
	h.Observe(value)
}
