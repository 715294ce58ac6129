// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	DispatchCycles     prometheus.Counter
	PublishesSucceeded prometheus.Counter
	PublishesFailed    prometheus.Counter
	PublishesDeferred  prometheus.Counter
	RateLimitDeferrals prometheus.Counter
	MediaUploads       prometheus.Counter
	MediaUploadsFailed prometheus.Counter

	// Histograms (seconds)
	PublishDuration     prometheus.Observer
	MediaUploadDuration prometheus.Observer

	// Gauges
	QueueDepthGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		DispatchCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "post_dispatch_cycles_total", Help: "Number of dispatch poll passes"})
		PublishesSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "post_publishes_succeeded_total", Help: "Number of posts published"})
		PublishesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "post_publishes_failed_total", Help: "Number of posts terminally failed"})
		PublishesDeferred = promauto.NewCounter(prometheus.CounterOpts{Name: "post_publishes_deferred_total", Help: "Number of posts deferred for backoff retry"})
		RateLimitDeferrals = promauto.NewCounter(prometheus.CounterOpts{Name: "post_rate_limit_deferrals_total", Help: "Number of posts deferred by destination rate limits"})
		MediaUploads = promauto.NewCounter(prometheus.CounterOpts{Name: "media_uploads_total", Help: "Number of media assets uploaded"})
		MediaUploadsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "media_uploads_failed_total", Help: "Number of media uploads failed"})
		PublishDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "post_publish_duration_seconds", Help: "Publish call duration seconds", Buckets: prometheus.DefBuckets})
		MediaUploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "media_upload_duration_seconds", Help: "Media upload duration seconds", Buckets: prometheus.DefBuckets})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "post_queue_depth", Help: "Current number of posts awaiting dispatch"})
	})
}

// SetQueueDepth records the current number of posts awaiting dispatch.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
