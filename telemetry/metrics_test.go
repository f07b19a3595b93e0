package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCountersInitialized(t *testing.T) {
	Init()

	if OnlineTransitions == nil || OfflineTransitions == nil {
		t.Error("transition counters not initialized")
	}
	if CapturesStarted == nil || CapturesFailed == nil || CapturesSucceeded == nil {
		t.Error("capture counters not initialized")
	}
	if CaptureDuration == nil || PostprocessDuration == nil {
		t.Error("duration histograms not initialized")
	}
}

func TestNilGuardedHelpers(t *testing.T) {
	// Helpers must be callable regardless of Init having run; after Init they
	// must not panic either.
	IncPathRejection("read", "escapes root")
	SetLiveStreamers(3)
	AddActiveCaptures(1)
	AddActiveCaptures(-1)

	Init()

	IncPathRejection("write", "parent not writable")
	SetLiveStreamers(0)
	AddActiveCaptures(1)
	AddActiveCaptures(-1)
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	Init()

	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})
	prometheus.MustRegister(testHistogram)
	defer prometheus.Unregister(testHistogram)

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})

	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}

	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}

	metric := &dto.Metric{}
	if err := testHistogram.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}

	if metric.Histogram == nil {
		t.Fatal("Histogram metric is nil")
	}

	if *metric.Histogram.SampleCount == 0 {
		t.Error("TimeFunc did not record observation in histogram")
	}
}

func TestCorrelationRoundTrip(t *testing.T) {
	ctx := WithCorrelation(t.Context(), "corr-123")
	if got := GetCorrelation(ctx); got != "corr-123" {
		t.Errorf("GetCorrelation = %q, want corr-123", got)
	}
	if got := GetCorrelation(t.Context()); got != "" {
		t.Errorf("GetCorrelation on bare context = %q, want empty", got)
	}
	if l := LoggerWithCorr(ctx); l == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
