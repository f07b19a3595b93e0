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
	OnlineTransitions  prometheus.Counter
	OfflineTransitions prometheus.Counter
	CapturesStarted    prometheus.Counter
	CapturesFailed     prometheus.Counter
	CapturesSucceeded  prometheus.Counter
	ArchiveSucceeded   prometheus.Counter
	ArchiveFailed      prometheus.Counter
	WatcherPolls       prometheus.Counter
	SignalEvents       prometheus.Counter

	// Labeled counters
	pathRejections *prometheus.CounterVec

	// Histograms (seconds)
	CaptureDuration     prometheus.Observer
	PostprocessDuration prometheus.Observer
	ArchiveDuration     prometheus.Observer

	// Gauges
	LiveStreamersGauge  prometheus.Gauge
	ActiveCapturesGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		OnlineTransitions = promauto.NewCounter(prometheus.CounterOpts{Name: "streamvault_online_transitions_total", Help: "Number of offline-to-live transitions recorded"})
		OfflineTransitions = promauto.NewCounter(prometheus.CounterOpts{Name: "streamvault_offline_transitions_total", Help: "Number of live-to-offline transitions recorded"})
		CapturesStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "streamvault_captures_started_total", Help: "Number of stream captures started"})
		CapturesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "streamvault_captures_failed_total", Help: "Number of stream captures failed"})
		CapturesSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "streamvault_captures_succeeded_total", Help: "Number of stream captures completed"})
		ArchiveSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "streamvault_archive_uploads_succeeded_total", Help: "Number of recordings archived to object storage"})
		ArchiveFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "streamvault_archive_uploads_failed_total", Help: "Number of archive uploads failed"})
		WatcherPolls = promauto.NewCounter(prometheus.CounterOpts{Name: "streamvault_watcher_polls_total", Help: "Number of Helix poll sweeps"})
		SignalEvents = promauto.NewCounter(prometheus.CounterOpts{Name: "streamvault_signal_events_total", Help: "Lifecycle events consumed from the signal feed"})
		pathRejections = promauto.NewCounterVec(prometheus.CounterOpts{Name: "streamvault_path_rejections_total", Help: "Paths rejected by the resolver"}, []string{"op", "reason"})
		CaptureDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "streamvault_capture_duration_seconds", Help: "Capture duration seconds", Buckets: prometheus.ExponentialBuckets(60, 2, 10)})
		PostprocessDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "streamvault_postprocess_duration_seconds", Help: "Remux and thumbnail duration seconds", Buckets: prometheus.DefBuckets})
		ArchiveDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "streamvault_archive_duration_seconds", Help: "Archive upload duration seconds", Buckets: prometheus.DefBuckets})
		LiveStreamersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "streamvault_live_streamers", Help: "Streamers currently live"})
		ActiveCapturesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "streamvault_active_captures", Help: "Captures currently running"})
	})
}

// IncPathRejection counts a resolver denial. Safe to call before Init.
func IncPathRejection(op, reason string) {
	if pathRejections != nil {
		pathRejections.WithLabelValues(op, reason).Inc()
	}
}

// SetLiveStreamers records the current number of live channels.
func SetLiveStreamers(n int) {
	if LiveStreamersGauge != nil {
		LiveStreamersGauge.Set(float64(n))
	}
}

// AddActiveCaptures moves the running-capture gauge by delta (+1/-1).
func AddActiveCaptures(delta int) {
	if ActiveCapturesGauge != nil {
		ActiveCapturesGauge.Add(float64(delta))
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

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
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
