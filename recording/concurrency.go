package recording

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
)

// captureSemaphore bounds concurrent captures across all live streamers. Sized
// once from MAX_CONCURRENT_CAPTURES (default 2); each capture holds a slot for
// the full length of the broadcast.
var (
	captureSemaphore     chan struct{}
	captureSemaphoreOnce sync.Once
)

func initCaptureSemaphore() {
	captureSemaphoreOnce.Do(func() {
		maxConcurrent := 2
		if s := os.Getenv("MAX_CONCURRENT_CAPTURES"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				maxConcurrent = n
			}
		}
		captureSemaphore = make(chan struct{}, maxConcurrent)
		slog.Info("capture concurrency limit initialized", slog.Int("max_concurrent", maxConcurrent))
	})
}

// acquireCaptureSlot blocks until a capture slot is free or the context is
// canceled. Returns false on cancellation.
func acquireCaptureSlot(ctx context.Context) bool {
	initCaptureSemaphore()
	select {
	case captureSemaphore <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func releaseCaptureSlot() {
	initCaptureSemaphore()
	select {
	case <-captureSemaphore:
	default:
		slog.Warn("capture slot release called without corresponding acquire")
	}
}

// GetActiveCaptureCount returns how many captures currently hold a slot.
func GetActiveCaptureCount() int {
	initCaptureSemaphore()
	return len(captureSemaphore)
}

// GetMaxConcurrentCaptures returns the configured capture slot count.
func GetMaxConcurrentCaptures() int {
	initCaptureSemaphore()
	return cap(captureSemaphore)
}
