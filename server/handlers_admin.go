package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/Serph91P/StreamVault-sub006/recording"
)

// HandleAdminScan runs one disk/database reconcile pass and returns the report.
func (h *Handlers) HandleAdminScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	report, err := h.deps.Scanner.Reconcile(r.Context())
	if err != nil {
		serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleAdminRetentionRun runs one retention sweep and returns the report. The
// policy comes from the environment; without one the report comes back empty.
func (h *Handlers) HandleAdminRetentionRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	report, err := h.deps.Retention.Cleanup(r.Context())
	if err != nil {
		serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleAdminSessionsDispatcher routes /admin/sessions/{id}/reprocess.
func (h *Handlers) HandleAdminSessionsDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/sessions/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "reprocess" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sess, err := h.deps.Store.Get(r.Context(), id)
	if errors.Is(err, recording.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		serverError(w, r, err)
		return
	}
	if !sess.RecordingPath.Valid || sess.RecordingPath.String == "" {
		writeError(w, http.StatusConflict, "session has no recording")
		return
	}

	// Remux and thumbnail extraction can outlast any sane request timeout, so
	// the work is detached and the caller gets a queued acknowledgement.
	go func() {
		ctx := context.WithoutCancel(r.Context())
		if err := h.deps.Capturer.Reprocess(ctx, id); err != nil {
			slog.Error("reprocess failed",
				slog.Int64("session_id", id),
				slog.Any("err", err),
				slog.String("component", "http"))
			return
		}
		slog.Info("reprocess finished", slog.Int64("session_id", id), slog.String("component", "http"))
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "queued",
		"session_id": id,
	})
}

// HandleAdminCapturesDispatcher routes /admin/captures/{streamer}/cancel.
func (h *Handlers) HandleAdminCapturesDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/captures/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "cancel" || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	username := strings.ToLower(parts[0])
	if !h.deps.Capturer.Cancel(username) {
		writeError(w, http.StatusNotFound, "no active capture")
		return
	}
	slog.Info("capture cancel requested", slog.String("streamer", username), slog.String("component", "http"))
	writeJSON(w, http.StatusOK, map[string]any{
		"canceled": true,
		"streamer": username,
	})
}
