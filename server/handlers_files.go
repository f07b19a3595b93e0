package server

import (
	"errors"
	"net/http"

	"github.com/Serph91P/StreamVault-sub006/media"
	"github.com/Serph91P/StreamVault-sub006/safepath"
)

// HandleFiles serves GET /files?path=&root=&op=. The path is raw client input,
// so every rejection category gets its own status: bad input 400, traversal or
// permission 403, missing 404. With op=inspect the validation verdict itself is
// returned instead of file content.
func (h *Handlers) HandleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	raw := r.URL.Query().Get("path")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "path parameter required")
		return
	}

	root := h.deps.Records
	switch r.URL.Query().Get("root") {
	case "", "recordings":
	case "thumbnails":
		root = h.deps.Thumbs
	default:
		writeError(w, http.StatusBadRequest, "unknown root")
		return
	}

	switch r.URL.Query().Get("op") {
	case "", "read":
	case "inspect":
		res := root.Check(r.Context(), raw, safepath.OpInspect)
		writeJSON(w, http.StatusOK, map[string]any{
			"allowed": res.Allowed,
			"reason":  res.Reason,
			"op":      res.Op,
		})
		return
	default:
		writeError(w, http.StatusBadRequest, "unknown op")
		return
	}

	abs, err := root.Resolve(r.Context(), raw, safepath.OpRead)
	switch {
	case err == nil:
	case errors.Is(err, safepath.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	case errors.Is(err, safepath.ErrOutsideRoot):
		writeError(w, http.StatusForbidden, "forbidden")
		return
	case errors.Is(err, safepath.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
		return
	case errors.Is(err, safepath.ErrPermission):
		writeError(w, http.StatusForbidden, "forbidden")
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
