package telemetry

import (
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Label is a single metric label.
type Label struct {
	Key   string
	Value string
}

// Labels is an ordered label set; NormalizeLabels returns a
// deterministic, deduplicated copy sorted by key.
type Labels []Label

func (ls Labels) NormalizeLabels() Labels {
	seen := make(map[string]string, len(ls))
	for _, l := range ls {
		k := strings.TrimSpace(l.Key)
		if k == "" {
			continue
		}
		seen[k] = l.Value
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(Labels, 0, len(keys))
	for _, k := range keys {
		out = append(out, Label{Key: k, Value: seen[k]})
	}
	return out
}

func (ls Labels) names() []string {
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = l.Key
	}
	return out
}

func (ls Labels) values() prometheus.Labels {
	m := make(prometheus.Labels, len(ls))
	for _, l := range ls {
		m[l.Key] = l.Value
	}
	return m
}

// Meter is the mediator's metrics-emission contract. Every subsystem
// depends on this interface, never on prometheus directly.
type Meter interface {
	IncCounter(name string, labels Labels, delta float64)
	SetGauge(name string, labels Labels, value float64)
	ObserveHistogram(name string, labels Labels, value float64)
}

// NopMeter discards every observation.
type NopMeter struct{}

func (NopMeter) IncCounter(string, Labels, float64)        {}
func (NopMeter) SetGauge(string, Labels, float64)          {}
func (NopMeter) ObserveHistogram(string, Labels, float64)  {}

// DefaultHistogramBuckets returns latency-shaped buckets in seconds.
func DefaultHistogramBuckets() []float64 {
	return []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
}

// PromMeter is a Meter backed by a prometheus.Registry. Metrics are
// registered lazily on first use, keyed by metric name alone, since
// the set of label keys used for a given metric name is fixed for the
// life of the process.
type PromMeter struct {
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPromMeter(reg *prometheus.Registry) *PromMeter {
	return &PromMeter{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (m *PromMeter) IncCounter(name string, labels Labels, delta float64) {
	ls := labels.NormalizeLabels()
	c, ok := m.counters[name]
	if !ok {
		c = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, ls.names())
		m.reg.MustRegister(c)
		m.counters[name] = c
	}
	c.With(ls.values()).Add(delta)
}

func (m *PromMeter) SetGauge(name string, labels Labels, value float64) {
	ls := labels.NormalizeLabels()
	g, ok := m.gauges[name]
	if !ok {
		g = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, ls.names())
		m.reg.MustRegister(g)
		m.gauges[name] = g
	}
	g.With(ls.values()).Set(value)
}

func (m *PromMeter) ObserveHistogram(name string, labels Labels, value float64) {
	ls := labels.NormalizeLabels()
	h, ok := m.histograms[name]
	if !ok {
		h = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Buckets: DefaultHistogramBuckets(),
		}, ls.names())
		m.reg.MustRegister(h)
		m.histograms[name] = h
	}
	h.With(ls.values()).Observe(value)
}
