package prometheus

import (
	"context"
	"time"

	"github.com/goliatone/go-tokenpool/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// StatsSource is satisfied by core.Service.
type StatsSource interface {
	Stats(ctx context.Context) (core.PoolStats, error)
}

// PoolCollector exports a pool snapshot on every scrape.
type PoolCollector struct {
	source  StatsSource
	timeout time.Duration

	credentials *prom.Desc
	inFlight    *prom.Desc
	requests    *prom.Desc
	scrapeError *prom.Desc
}

func NewPoolCollector(source StatsSource, timeout time.Duration) *PoolCollector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PoolCollector{
		source:  source,
		timeout: timeout,
		credentials: prom.NewDesc("tokenpool_credentials",
			"Credentials in the pool by state.", []string{"state"}, nil),
		inFlight: prom.NewDesc("tokenpool_in_flight",
			"Admitted requests not yet released, by capability.", []string{"capability"}, nil),
		requests: prom.NewDesc("tokenpool_requests",
			"Recorded request outcomes by kind and window.", []string{"kind", "window"}, nil),
		scrapeError: prom.NewDesc("tokenpool_stats_scrape_error",
			"1 when the last stats snapshot failed.", nil, nil),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.credentials
	ch <- c.inFlight
	ch <- c.requests
	ch <- c.scrapeError
}

func (c *PoolCollector) Collect(ch chan<- prom.Metric) {
	if c == nil || c.source == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	stats, err := c.source.Stats(ctx)
	if err != nil {
		ch <- prom.MustNewConstMetric(c.scrapeError, prom.GaugeValue, 1)
		return
	}
	ch <- prom.MustNewConstMetric(c.scrapeError, prom.GaugeValue, 0)

	ch <- prom.MustNewConstMetric(c.credentials, prom.GaugeValue, float64(stats.TotalCredentials), "total")
	ch <- prom.MustNewConstMetric(c.credentials, prom.GaugeValue, float64(stats.ActiveCredentials), "active")
	for _, capability := range core.Capabilities() {
		ch <- prom.MustNewConstMetric(c.inFlight, prom.GaugeValue, float64(stats.InFlight[capability]), string(capability))
	}

	for _, sample := range []struct {
		kind, window string
		value        int
	}{
		{"image", "today", stats.TodayImageCount},
		{"video", "today", stats.TodayVideoCount},
		{"error", "today", stats.TodayErrorCount},
		{"image", "total", stats.TotalImageCount},
		{"video", "total", stats.TotalVideoCount},
		{"error", "total", stats.TotalErrorCount},
	} {
		ch <- prom.MustNewConstMetric(c.requests, prom.GaugeValue, float64(sample.value), sample.kind, sample.window)
	}
}

var _ prom.Collector = (*PoolCollector)(nil)
