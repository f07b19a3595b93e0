package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Serph91P/StreamVault-sub006/archive"
	"github.com/Serph91P/StreamVault-sub006/livecache"
	"github.com/Serph91P/StreamVault-sub006/recording"
	"github.com/Serph91P/StreamVault-sub006/safepath"
	"github.com/Serph91P/StreamVault-sub006/streamstate"
	"github.com/Serph91P/StreamVault-sub006/twitchapi"
	"github.com/Serph91P/StreamVault-sub006/watcher"
)

// UserResolver is the Helix surface used to resolve a login when a streamer
// is added through the API.
type UserResolver interface {
	GetUser(ctx context.Context, login string) (twitchapi.User, error)
}

// Deps carries everything the handlers need. Cache, Uploader, Helix, and
// KafkaBrokers are optional; nil or empty disables the matching behavior.
type Deps struct {
	DB        *sql.DB
	Recorder  *streamstate.Recorder
	Store     *recording.Store
	Records   *safepath.Resolver
	Thumbs    *safepath.Resolver
	Watcher   *watcher.Watcher
	Capturer  *recording.Capturer
	Scanner   *recording.Scanner
	Retention *recording.Retention
	Cache     *livecache.Cache
	Uploader  *archive.Uploader
	Helix     UserResolver

	KafkaBrokers []string
	Version      string
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps      Deps
	startedAt time.Time
}

// NewHandlers creates a Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps, startedAt: time.Now().UTC()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError sends a generic JSON error body. Whatever went wrong internally
// belongs in the logs, not in the response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// serverError logs the real error and responds with a generic 500.
func serverError(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Any("err", err),
		slog.String("component", "http"))
	writeError(w, http.StatusInternalServerError, "internal error")
}
