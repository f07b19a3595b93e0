// Package media streams recording artifacts over HTTP with byte-range
// support. Callers pass canonical paths that already went through safepath;
// this package only handles the open-to-response half and the window where a
// validated file vanishes before it is opened.
package media

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrBecameUnavailable reports a file that passed validation but could not be
// opened or was no longer a regular file by the time it was served.
var ErrBecameUnavailable = errors.New("file became unavailable")

// contentTypes is the fixed extension allow-list. Types are pinned up front so
// net/http never sniffs response bodies.
var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".ts":   "video/mp2t",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
}

// ContentTypeFor maps a file extension to its served content type. Unknown
// extensions fall back to application/octet-stream.
func ContentTypeFor(path string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// ServeFile writes the file at path to the response, honoring Range and HEAD
// via http.ServeContent. The path must be absolute and pre-validated; open or
// stat failures are reported as ErrBecameUnavailable so handlers can answer
// 404 without leaking detail.
func ServeFile(w http.ResponseWriter, r *http.Request, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, ErrBecameUnavailable)
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("close served file", slog.String("path", path), slog.Any("err", err))
		}
	}()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, ErrBecameUnavailable)
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("not a regular file %s: %w", path, ErrBecameUnavailable)
	}

	w.Header().Set("Content-Type", ContentTypeFor(path))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	// The empty name keeps ServeContent from re-deriving the type; range
	// parsing, 206/416 statuses and Content-Range all come from it. The
	// deadline wrapper keeps hour-long playback alive while still cutting
	// off clients that stop reading.
	dw := &deadlineWriter{ResponseWriter: w, rc: http.NewResponseController(w)}
	http.ServeContent(dw, r, "", fi.ModTime(), f)
	return nil
}

// writeTimeout bounds each write to the client rather than the whole
// response. A playback session holds a single range request open for as long
// as the viewer watches, so the server-wide WriteTimeout stays unset and
// stalls are detected here, one write at a time.
const writeTimeout = 30 * time.Second

// deadlineWriter pushes the connection's write deadline forward before every
// write. Writers without deadline support, such as test recorders, pass
// through untouched.
type deadlineWriter struct {
	http.ResponseWriter
	rc *http.ResponseController
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	if err := w.rc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return 0, err
	}
	return w.ResponseWriter.Write(p)
}

// Unwrap lets the response controller keep reaching the real connection when
// handlers stack further wrappers on top.
func (w *deadlineWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
