package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Serph91P/StreamVault-sub006/livecache"
	"github.com/Serph91P/StreamVault-sub006/streamstate"
	"github.com/Serph91P/StreamVault-sub006/twitchapi"
)

// HandleLive serves the current live set from the cache, falling back to the
// database when the cache is disabled or unreachable.
func (h *Handlers) HandleLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.deps.Cache.Enabled() {
		entries, err := h.deps.Cache.SnapshotAll(r.Context())
		if err == nil {
			writeJSON(w, http.StatusOK, entries)
			return
		}
		slog.Warn("live cache snapshot failed, serving from database", slog.Any("err", err), slog.String("component", "http"))
	}
	streamers, err := h.deps.Recorder.ListLiveStreamers(r.Context())
	if err != nil {
		serverError(w, r, err)
		return
	}
	entries := make([]livecache.Entry, 0, len(streamers))
	for _, s := range streamers {
		entries = append(entries, livecache.Entry{
			Username:    s.Username,
			Title:       s.Title.String,
			Category:    s.Category.String,
			ViewerCount: int(s.ViewerCount.Int64),
			StartedAt:   s.LiveSince.Time,
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleStreamers serves GET /streamers (projected list) and POST /streamers.
func (h *Handlers) HandleStreamers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		streamers, err := h.deps.Recorder.ListStreamers(r.Context())
		if err != nil {
			serverError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, streamstate.ProjectAll(streamers))
	case http.MethodPost:
		h.handleStreamerCreate(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleStreamerCreate adds a tracked streamer by username. The Twitch id is
// resolved through Helix when credentials are configured; when the login does
// not exist on Twitch the create is rejected.
func (h *Handlers) handleStreamerCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" {
		writeError(w, http.StatusBadRequest, "username required")
		return
	}

	if _, err := h.deps.Recorder.GetStreamerByUsername(r.Context(), username); err == nil {
		writeError(w, http.StatusConflict, "streamer already tracked")
		return
	} else if !errors.Is(err, streamstate.ErrNotFound) {
		serverError(w, r, err)
		return
	}

	var twitchID string
	if h.deps.Helix != nil {
		user, err := h.deps.Helix.GetUser(r.Context(), username)
		if err != nil {
			if errors.Is(err, twitchapi.ErrUserNotFound) {
				writeError(w, http.StatusNotFound, "twitch user not found")
				return
			}
			// Helix being down should not block tracking; the id can be
			// backfilled later.
			slog.Warn("helix user lookup failed",
				slog.String("username", username),
				slog.Any("err", err),
				slog.String("component", "http"))
		} else {
			twitchID = user.ID
		}
	}

	s, err := h.deps.Recorder.CreateStreamer(r.Context(), username, twitchID)
	if err != nil {
		serverError(w, r, err)
		return
	}
	slog.Info("streamer added",
		slog.Int64("streamer_id", s.ID),
		slog.String("username", s.Username),
		slog.String("component", "http"))
	writeJSON(w, http.StatusCreated, streamstate.Project(s))
}

// HandleStreamersDispatcher routes /streamers/{id} and its sub-resources.
func (h *Handlers) HandleStreamersDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/streamers/")
	parts := strings.Split(rest, "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case len(parts) == 1:
		h.handleStreamerByID(w, r, id)
	case len(parts) == 2 && parts[1] == "online":
		h.handleLifecycleSignal(w, r, id, true)
	case len(parts) == 2 && parts[1] == "offline":
		h.handleLifecycleSignal(w, r, id, false)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handlers) handleStreamerByID(w http.ResponseWriter, r *http.Request, id int64) {
	switch r.Method {
	case http.MethodGet:
		s, err := h.deps.Recorder.GetStreamer(r.Context(), id)
		if errors.Is(err, streamstate.ErrNotFound) {
			writeError(w, http.StatusNotFound, "streamer not found")
			return
		}
		if err != nil {
			serverError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, streamstate.Project(s))
	case http.MethodPatch:
		var req struct {
			RecordEnabled *bool `json:"record_enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RecordEnabled == nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		err := h.deps.Recorder.SetRecordEnabled(r.Context(), id, *req.RecordEnabled)
		if errors.Is(err, streamstate.ErrNotFound) {
			writeError(w, http.StatusNotFound, "streamer not found")
			return
		}
		if err != nil {
			serverError(w, r, err)
			return
		}
		s, err := h.deps.Recorder.GetStreamer(r.Context(), id)
		if err != nil {
			serverError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, streamstate.Project(s))
	case http.MethodDelete:
		s, err := h.deps.Recorder.GetStreamer(r.Context(), id)
		if errors.Is(err, streamstate.ErrNotFound) {
			writeError(w, http.StatusNotFound, "streamer not found")
			return
		}
		if err != nil {
			serverError(w, r, err)
			return
		}
		if err := h.deps.Recorder.DeleteStreamer(r.Context(), id); err != nil {
			serverError(w, r, err)
			return
		}
		// Best effort: drop any stale live entry for the removed channel.
		if err := h.deps.Cache.SetOffline(r.Context(), s.Username); err != nil {
			slog.Warn("clear live cache entry", slog.String("username", s.Username), slog.Any("err", err), slog.String("component", "http"))
		}
		slog.Info("streamer removed",
			slog.Int64("streamer_id", id),
			slog.String("username", s.Username),
			slog.String("component", "http"))
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleLifecycleSignal applies a manual online/offline event through the
// same transition path the watcher uses, so it is idempotent and honors the
// configured hooks.
func (h *Handlers) handleLifecycleSignal(w http.ResponseWriter, r *http.Request, id int64, online bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s, err := h.deps.Recorder.GetStreamer(r.Context(), id)
	if errors.Is(err, streamstate.ErrNotFound) {
		writeError(w, http.StatusNotFound, "streamer not found")
		return
	}
	if err != nil {
		serverError(w, r, err)
		return
	}

	// Optional body with snapshot metadata.
	var req struct {
		Title       string    `json:"title"`
		Category    string    `json:"category"`
		ViewerCount int       `json:"viewer_count"`
		StartedAt   time.Time `json:"started_at"`
	}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	snap := streamstate.LiveSnapshot{
		Title:       req.Title,
		Category:    req.Category,
		ViewerCount: req.ViewerCount,
		StartedAt:   req.StartedAt,
	}

	if err := h.deps.Watcher.Notify(r.Context(), s.Username, online, snap); err != nil {
		if errors.Is(err, streamstate.ErrNotFound) {
			writeError(w, http.StatusNotFound, "streamer not found")
			return
		}
		serverError(w, r, err)
		return
	}

	s, err = h.deps.Recorder.GetStreamer(r.Context(), id)
	if err != nil {
		serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, streamstate.Project(s))
}
