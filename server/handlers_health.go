package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Serph91P/StreamVault-sub006/db"
	"github.com/Serph91P/StreamVault-sub006/recording"
	"github.com/Serph91P/StreamVault-sub006/signals"
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.DB.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system
// checks. Optional backends (redis, object storage, kafka) are only checked
// when configured.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	type check struct {
		name string
		fn   func() error
	}
	checks := []check{
		{"database", func() error { return h.deps.DB.PingContext(r.Context()) }},
		{"recordings_root", func() error { return writableDir(h.deps.Records.Root()) }},
		{"thumbnails_root", func() error { return writableDir(h.deps.Thumbs.Root()) }},
	}
	if h.deps.Cache.Enabled() {
		checks = append(checks, check{"live_cache", func() error { return h.deps.Cache.Ping(r.Context()) }})
	}
	if h.deps.Uploader != nil {
		checks = append(checks, check{"archive", func() error { return h.deps.Uploader.Ping(r.Context()) }})
	}
	if len(h.deps.KafkaBrokers) > 0 {
		checks = append(checks, check{"signal_feed", func() error { return signals.Ping(r.Context(), h.deps.KafkaBrokers) }})
	}

	for _, c := range checks {
		if err := c.fn(); err != nil {
			// The probe is unauthenticated, so only the check name goes out.
			// Paths, DSNs and driver detail stay in the log.
			slog.Warn("readiness check failed", slog.String("check", c.name), slog.Any("err", err))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": c.name,
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// writableDir verifies the path exists, is a directory, and is writable by
// the process.
func writableDir(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	if err := unix.Access(path, unix.W_OK); err != nil {
		return fmt.Errorf("%s not writable: %w", path, err)
	}
	return nil
}

type statusView struct {
	Version        string   `json:"version"`
	UptimeSeconds  int64    `json:"uptime_seconds"`
	Streamers      int      `json:"streamers"`
	LiveStreamers  int      `json:"live_streamers"`
	Sessions       int      `json:"sessions"`
	OpenSessions   int      `json:"open_sessions"`
	ActiveCaptures []string `json:"active_captures"`
	CaptureSlots   struct {
		Active int `json:"active"`
		Max    int `json:"max"`
	} `json:"capture_slots"`
	Pipeline struct {
		AvgCaptureMs     int64  `json:"avg_capture_ms,omitempty"`
		AvgPostprocessMs int64  `json:"avg_postprocess_ms,omitempty"`
		AvgTotalMs       int64  `json:"avg_total_ms,omitempty"`
		LastFinished     string `json:"capture_last_finished,omitempty"`
	} `json:"pipeline"`
}

// HandleStatus reports a service overview: version, uptime, tracked counts,
// capture slot usage, and the rolling pipeline timings journaled in kv.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := r.Context()

	view := statusView{
		Version:       h.deps.Version,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}
	counts := []struct {
		query string
		dst   *int
	}{
		{"SELECT COUNT(*) FROM streamers", &view.Streamers},
		{"SELECT COUNT(*) FROM streamers WHERE is_live", &view.LiveStreamers},
		{"SELECT COUNT(*) FROM stream_sessions", &view.Sessions},
		{"SELECT COUNT(*) FROM stream_sessions WHERE ended_at IS NULL", &view.OpenSessions},
	}
	for _, c := range counts {
		if err := h.deps.DB.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			serverError(w, r, err)
			return
		}
	}

	view.ActiveCaptures = h.deps.Capturer.Active()
	if view.ActiveCaptures == nil {
		view.ActiveCaptures = []string{}
	}
	view.CaptureSlots.Active = recording.GetActiveCaptureCount()
	view.CaptureSlots.Max = recording.GetMaxConcurrentCaptures()

	for _, stat := range []struct {
		key string
		dst *int64
	}{
		{"avg_capture_ms", &view.Pipeline.AvgCaptureMs},
		{"avg_postprocess_ms", &view.Pipeline.AvgPostprocessMs},
		{"avg_total_ms", &view.Pipeline.AvgTotalMs},
	} {
		if v, ok, err := db.GetKV(ctx, h.deps.DB, stat.key); err == nil && ok {
			*stat.dst, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	if v, ok, err := db.GetKV(ctx, h.deps.DB, "capture_last_finished"); err == nil && ok {
		view.Pipeline.LastFinished = v
	}

	writeJSON(w, http.StatusOK, view)
}
