package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// handleChatJSON returns chat messages for a session within an optional
// relative-time range.
func (h *Handlers) handleChatJSON(w http.ResponseWriter, r *http.Request, sessionID int64) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	// Params: from, to (seconds into the stream), limit (default 1000)
	from := parseFloat64Query(r, "from", 0)
	to := parseFloat64Query(r, "to", 0)
	limit := parseIntQuery(r, "limit", 1000)
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	var rows *sql.Rows
	var err error
	if to > 0 {
		rows, err = h.deps.DB.QueryContext(r.Context(), `SELECT username, message, abs_timestamp, rel_timestamp, badges, emotes, color FROM chat_messages WHERE session_id=$1 AND rel_timestamp>=$2 AND rel_timestamp<=$3 ORDER BY rel_timestamp ASC LIMIT $4`, sessionID, from, to, limit)
	} else {
		rows, err = h.deps.DB.QueryContext(r.Context(), `SELECT username, message, abs_timestamp, rel_timestamp, badges, emotes, color FROM chat_messages WHERE session_id=$1 AND rel_timestamp>=$2 ORDER BY rel_timestamp ASC LIMIT $3`, sessionID, from, limit)
	}
	if err != nil {
		serverError(w, r, err)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err), slog.String("component", "http"))
		}
	}()
	type msg struct {
		Abs    time.Time `json:"abs_timestamp"`
		User   string    `json:"username"`
		Text   string    `json:"message"`
		Badges string    `json:"badges"`
		Emotes string    `json:"emotes"`
		Color  string    `json:"color"`
		Rel    float64   `json:"rel_timestamp"`
	}
	out := make([]msg, 0)
	for rows.Next() {
		var m msg
		if err := rows.Scan(&m.User, &m.Text, &m.Abs, &m.Rel, &m.Badges, &m.Emotes, &m.Color); err != nil {
			serverError(w, r, err)
			return
		}
		out = append(out, m)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleChatSSE replays messages using Server-Sent Events at a given playback
// speed, pacing events by their relative timestamps.
func (h *Handlers) handleChatSSE(w http.ResponseWriter, r *http.Request, sessionID int64) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	from := parseFloat64Query(r, "from", 0)
	speed := parseFloat64Query(r, "speed", 1.0)
	if speed <= 0 {
		speed = 1.0
	}
	ctx := r.Context()
	rows, err := h.deps.DB.QueryContext(ctx, `SELECT username, message, abs_timestamp, rel_timestamp, badges, emotes, color FROM chat_messages WHERE session_id=$1 AND rel_timestamp>=$2 ORDER BY rel_timestamp ASC`, sessionID, from)
	if err != nil {
		serverError(w, r, err)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err), slog.String("component", "http"))
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	type row struct {
		Abs    time.Time
		User   string
		Text   string
		Badges string
		Emotes string
		Color  string
		Rel    float64
	}
	prev := from
	enc := json.NewEncoder(w)
	for rows.Next() {
		var m row
		if err := rows.Scan(&m.User, &m.Text, &m.Abs, &m.Rel, &m.Badges, &m.Emotes, &m.Color); err != nil {
			return
		}
		// sleep for the delta scaled by speed
		if m.Rel > prev {
			delay := time.Duration(((m.Rel - prev) / speed) * float64(time.Second))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		// write SSE event
		if _, err := w.Write([]byte("data: ")); err != nil {
			slog.Warn("failed to write SSE data prefix", slog.Any("err", err), slog.String("component", "http"))
			return
		}
		_ = enc.Encode(map[string]any{
			"username":      m.User,
			"message":       m.Text,
			"abs_timestamp": m.Abs,
			"rel_timestamp": m.Rel,
			"badges":        m.Badges,
			"emotes":        m.Emotes,
			"color":         m.Color,
		})
		if _, err := w.Write([]byte("\n")); err != nil {
			slog.Warn("failed to write SSE newline", slog.Any("err", err), slog.String("component", "http"))
			return
		}
		flusher.Flush()
		prev = m.Rel
	}
}
