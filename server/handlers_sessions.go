package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Serph91P/StreamVault-sub006/media"
	"github.com/Serph91P/StreamVault-sub006/recording"
	"github.com/Serph91P/StreamVault-sub006/safepath"
)

// sessionView is the JSON shape of a stream session. File locations stay
// internal; media comes through the video and thumbnail endpoints.
type sessionView struct {
	ID              int64      `json:"id"`
	StreamerID      int64      `json:"streamer_id"`
	Title           *string    `json:"title,omitempty"`
	Category        *string    `json:"category,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
	FileSizeBytes   int64      `json:"file_size_bytes"`
	HasVideo        bool       `json:"has_video"`
	HasThumbnail    bool       `json:"has_thumbnail"`
	ArchivedURL     *string    `json:"archived_url,omitempty"`
	Pinned          bool       `json:"pinned"`
	Live            bool       `json:"live"`
}

func projectSession(s recording.Session) sessionView {
	v := sessionView{
		ID:            s.ID,
		StreamerID:    s.StreamerID,
		StartedAt:     s.StartedAt.UTC(),
		FileSizeBytes: s.FileSize,
		HasVideo:      s.RecordingPath.Valid && s.RecordingPath.String != "",
		HasThumbnail:  s.ThumbnailPath.Valid && s.ThumbnailPath.String != "",
		Pinned:        s.Pinned,
		Live:          s.Open(),
	}
	if s.Title.Valid && s.Title.String != "" {
		v.Title = &s.Title.String
	}
	if s.Category.Valid && s.Category.String != "" {
		v.Category = &s.Category.String
	}
	if s.EndedAt.Valid {
		t := s.EndedAt.Time.UTC()
		v.EndedAt = &t
	}
	if s.DurationSeconds.Valid {
		v.DurationSeconds = &s.DurationSeconds.Int64
	}
	if s.ArchivedURL.Valid && s.ArchivedURL.String != "" {
		v.ArchivedURL = &s.ArchivedURL.String
	}
	return v
}

// HandleSessions serves GET /sessions?streamer_id=&limit=&offset=.
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	streamerID := int64(parseIntQuery(r, "streamer_id", 0))
	limit := parseIntQuery(r, "limit", 50)
	offset := parseIntQuery(r, "offset", 0)

	sessions, err := h.deps.Store.List(r.Context(), streamerID, limit, offset)
	if err != nil {
		serverError(w, r, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, projectSession(s))
	}
	writeJSON(w, http.StatusOK, views)
}

// HandleSessionsDispatcher routes /sessions/{id} and its sub-resources.
func (h *Handlers) HandleSessionsDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(rest, "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case len(parts) == 1:
		h.handleSessionByID(w, r, id)
	case len(parts) == 2 && parts[1] == "video":
		h.handleSessionVideo(w, r, id)
	case len(parts) == 2 && parts[1] == "thumbnail":
		h.handleSessionThumbnail(w, r, id)
	case len(parts) == 2 && parts[1] == "chat":
		h.handleChatJSON(w, r, id)
	case len(parts) == 3 && parts[1] == "chat" && parts[2] == "stream":
		h.handleChatSSE(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handlers) handleSessionByID(w http.ResponseWriter, r *http.Request, id int64) {
	switch r.Method {
	case http.MethodGet:
		sess, err := h.deps.Store.Get(r.Context(), id)
		if errors.Is(err, recording.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		if err != nil {
			serverError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, projectSession(sess))
	case http.MethodPatch:
		var req struct {
			Pinned *bool `json:"pinned"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Pinned == nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		err := h.deps.Store.SetPinned(r.Context(), id, *req.Pinned)
		if errors.Is(err, recording.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		if err != nil {
			serverError(w, r, err)
			return
		}
		sess, err := h.deps.Store.Get(r.Context(), id)
		if err != nil {
			serverError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, projectSession(sess))
	case http.MethodDelete:
		h.handleSessionDelete(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleSessionDelete removes the files, the archived object if any, and the
// row. Open sessions are refused; cancel the capture or wait for the stream
// to end first.
func (h *Handlers) handleSessionDelete(w http.ResponseWriter, r *http.Request, id int64) {
	sess, err := h.deps.Store.Get(r.Context(), id)
	if errors.Is(err, recording.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		serverError(w, r, err)
		return
	}
	if sess.Open() {
		writeError(w, http.StatusConflict, "session still open")
		return
	}

	if h.deps.Uploader != nil && sess.ArchivedURL.Valid && sess.ArchivedURL.String != "" {
		s, err := h.deps.Recorder.GetStreamer(r.Context(), sess.StreamerID)
		if err != nil {
			serverError(w, r, err)
			return
		}
		if err := h.deps.Uploader.Remove(r.Context(), id, s.Username, sess.ArchivedURL.String); err != nil {
			slog.Warn("remove archived object",
				slog.Int64("session_id", id),
				slog.Any("err", err),
				slog.String("component", "http"))
		}
	}

	if err := recording.RemoveSession(r.Context(), h.deps.Store, h.deps.Records, h.deps.Thumbs, id); err != nil {
		serverError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleSessionVideo(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
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
		writeError(w, http.StatusNotFound, "no recording for session")
		return
	}
	h.serveMedia(w, r, h.deps.Records, sess.RecordingPath.String)
}

func (h *Handlers) handleSessionThumbnail(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
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
	if !sess.ThumbnailPath.Valid || sess.ThumbnailPath.String == "" {
		writeError(w, http.StatusNotFound, "no thumbnail for session")
		return
	}
	h.serveMedia(w, r, h.deps.Thumbs, sess.ThumbnailPath.String)
}

// serveMedia resolves a stored relative path inside its root and streams the
// file with range support. Stored paths are trusted input, so a containment
// failure here means the database or disk drifted and is logged as an error.
func (h *Handlers) serveMedia(w http.ResponseWriter, r *http.Request, root *safepath.Resolver, rel string) {
	abs, err := root.Resolve(r.Context(), rel, safepath.OpRead)
	switch {
	case err == nil:
	case errors.Is(err, safepath.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
		return
	default:
		serverError(w, r, err)
		return
	}
	if err := media.ServeFile(w, r, abs); err != nil {
		if errors.Is(err, media.ErrBecameUnavailable) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		serverError(w, r, err)
	}
}
