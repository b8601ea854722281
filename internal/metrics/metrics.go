// Package metrics exposes publishing and scheduler metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the scheduler and services report into.
type Recorder interface {
	RecordPublish(platform, outcome, kind string)
	RecordPublishLatency(platform string, d time.Duration)
	RecordTick(duration time.Duration, due int)
	RecordTickSkipped()
	RecordTransition(status string)
	RecordMediaCleanup(ok bool)
	RecordTokenRefresh(platform string, ok bool)
}

type Collector struct {
	publishes      *prometheus.CounterVec
	publishLatency *prometheus.HistogramVec
	tickDuration   prometheus.Histogram
	duePosts       prometheus.Gauge
	ticksSkipped   prometheus.Counter
	transitions    *prometheus.CounterVec
	mediaCleanup   *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postflow_publish_total",
			Help: "Platform publish calls by outcome and error kind.",
		}, []string{"platform", "outcome", "kind"}),
		publishLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "postflow_publish_latency_seconds",
			Help:    "Latency of platform publish calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"platform"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "postflow_scheduler_tick_seconds",
			Help:    "Duration of scheduler reconciliation ticks.",
			Buckets: prometheus.DefBuckets,
		}),
		duePosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postflow_scheduler_due_posts",
			Help: "Due posts found by the last tick.",
		}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postflow_scheduler_ticks_skipped_total",
			Help: "Ticks skipped because a previous tick still held the run lock.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postflow_post_transitions_total",
			Help: "Post status transitions by target status.",
		}, []string{"status"}),
		mediaCleanup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postflow_media_cleanup_total",
			Help: "Blob deletions for terminal posts.",
		}, []string{"result"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postflow_token_refresh_total",
			Help: "OAuth token refreshes by platform and result.",
		}, []string{"platform", "result"}),
	}

	reg.MustRegister(
		c.publishes,
		c.publishLatency,
		c.tickDuration,
		c.duePosts,
		c.ticksSkipped,
		c.transitions,
		c.mediaCleanup,
		c.tokenRefreshes,
	)
	return c
}

func (c *Collector) RecordPublish(platform, outcome, kind string) {
	c.publishes.WithLabelValues(platform, outcome, kind).Inc()
}

func (c *Collector) RecordPublishLatency(platform string, d time.Duration) {
	c.publishLatency.WithLabelValues(platform).Observe(d.Seconds())
}

func (c *Collector) RecordTick(duration time.Duration, due int) {
	c.tickDuration.Observe(duration.Seconds())
	c.duePosts.Set(float64(due))
}

func (c *Collector) RecordTickSkipped() {
	c.ticksSkipped.Inc()
}

func (c *Collector) RecordTransition(status string) {
	c.transitions.WithLabelValues(status).Inc()
}

func (c *Collector) RecordMediaCleanup(ok bool) {
	c.mediaCleanup.WithLabelValues(result(ok)).Inc()
}

func (c *Collector) RecordTokenRefresh(platform string, ok bool) {
	c.tokenRefreshes.WithLabelValues(platform, result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// Handler serves the registry for Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordPublish(string, string, string)       {}
func (Nop) RecordPublishLatency(string, time.Duration) {}
func (Nop) RecordTick(time.Duration, int)              {}
func (Nop) RecordTickSkipped()                         {}
func (Nop) RecordTransition(string)                    {}
func (Nop) RecordMediaCleanup(bool)                    {}
func (Nop) RecordTokenRefresh(string, bool)            {}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Nop{}
)
