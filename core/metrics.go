package core

import "context"

const metricsPrefix = "tokenpool."

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

// TaggedMetricsRecorder adds a fixed set of tags to every observation.
type TaggedMetricsRecorder struct {
	Next MetricsRecorder
	Tags map[string]string
}

func (r TaggedMetricsRecorder) IncCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	if r.Next == nil {
		return
	}
	r.Next.IncCounter(ctx, name, value, r.merge(tags))
}

func (r TaggedMetricsRecorder) ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if r.Next == nil {
		return
	}
	r.Next.ObserveHistogram(ctx, name, value, r.merge(tags))
}

func (r TaggedMetricsRecorder) merge(tags map[string]string) map[string]string {
	merged := cloneTags(r.Tags)
	for key, value := range tags {
		merged[key] = value
	}
	return merged
}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

var (
	_ MetricsRecorder = NopMetricsRecorder{}
	_ MetricsRecorder = TaggedMetricsRecorder{}
)
