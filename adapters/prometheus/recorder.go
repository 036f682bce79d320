// Package prometheus exposes pool metrics through a Prometheus registry.
package prometheus

import (
	"context"
	"strings"
	"sync"

	"github.com/goliatone/go-tokenpool/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// DefaultLabels is the label set carried by every counter and histogram.
// Tags outside the set are dropped and missing tags are exported empty.
var DefaultLabels = []string{"operation", "status", "capability", "outcome"}

// DefaultBuckets covers millisecond durations from a cache hit to a slow
// upstream exchange.
var DefaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

type RecorderOption func(*Recorder)

func WithLabels(labels ...string) RecorderOption {
	return func(r *Recorder) {
		if len(labels) > 0 {
			r.labels = append([]string(nil), labels...)
		}
	}
}

func WithBuckets(buckets ...float64) RecorderOption {
	return func(r *Recorder) {
		if len(buckets) > 0 {
			r.buckets = append([]float64(nil), buckets...)
		}
	}
}

// Recorder implements core.MetricsRecorder, creating one vector per metric
// name on first use.
type Recorder struct {
	registerer prom.Registerer
	labels     []string
	buckets    []float64

	mu         sync.Mutex
	counters   map[string]*prom.CounterVec
	histograms map[string]*prom.HistogramVec
}

func NewRecorder(registerer prom.Registerer, opts ...RecorderOption) *Recorder {
	if registerer == nil {
		registerer = prom.DefaultRegisterer
	}
	recorder := &Recorder{
		registerer: registerer,
		labels:     append([]string(nil), DefaultLabels...),
		buckets:    append([]float64(nil), DefaultBuckets...),
		counters:   map[string]*prom.CounterVec{},
		histograms: map[string]*prom.HistogramVec{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(recorder)
		}
	}
	for i, label := range recorder.labels {
		recorder.labels[i] = MetricName(label)
	}
	return recorder
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value < 0 {
		return
	}
	counter := r.counter(MetricName(name))
	if counter == nil {
		return
	}
	counter.With(r.labelValues(tags)).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	histogram := r.histogram(MetricName(name))
	if histogram == nil {
		return
	}
	histogram.With(r.labelValues(tags)).Observe(value)
}

func (r *Recorder) counter(name string) *prom.CounterVec {
	if name == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.counters[name]; ok {
		return existing
	}
	vec := prom.NewCounterVec(prom.CounterOpts{
		Name: name,
		Help: "Pool counter " + name + ".",
	}, r.labels)
	vec = registerOrReuse(r.registerer, vec)
	r.counters[name] = vec
	return vec
}

func (r *Recorder) histogram(name string) *prom.HistogramVec {
	if name == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.histograms[name]; ok {
		return existing
	}
	vec := prom.NewHistogramVec(prom.HistogramOpts{
		Name:    name,
		Help:    "Pool histogram " + name + ".",
		Buckets: r.buckets,
	}, r.labels)
	vec = registerOrReuse(r.registerer, vec)
	r.histograms[name] = vec
	return vec
}

func (r *Recorder) labelValues(tags map[string]string) prom.Labels {
	values := make(prom.Labels, len(r.labels))
	for _, label := range r.labels {
		values[label] = ""
	}
	for key, value := range tags {
		key = MetricName(key)
		if _, ok := values[key]; ok {
			values[key] = strings.TrimSpace(value)
		}
	}
	return values
}

func registerOrReuse[C prom.Collector](registerer prom.Registerer, collector C) C {
	if err := registerer.Register(collector); err != nil {
		if already, ok := err.(prom.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}

// MetricName maps a dotted pool metric name onto the Prometheus charset.
func MetricName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

var _ core.MetricsRecorder = (*Recorder)(nil)
