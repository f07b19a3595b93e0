package recording

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Serph91P/StreamVault-sub006/db"
	"github.com/Serph91P/StreamVault-sub006/telemetry"
)

// writeStub drops an executable shell script standing in for an external binary.
func writeStub(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub %s: %v", name, err)
	}
	return path
}

// stubStreamlink parses -o like the real binary and writes payload to it.
const stubStreamlink = `#!/bin/sh
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-o" ]; then out="$a"; fi
  prev="$a"
done
printf 'tsdata-tsdata' > "$out"
`

// stubFFmpeg copies the -i input to the last argument, covering both the remux
// and thumbnail invocations.
const stubFFmpeg = `#!/bin/sh
in=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-i" ]; then in="$a"; fi
  prev="$a"
done
for a in "$@"; do out="$a"; done
cp "$in" "$out"
`

const stubFFprobe = `#!/bin/sh
echo 42.5
`

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func stubOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	return Options{
		StreamlinkPath: writeStub(t, dir, "streamlink", stubStreamlink),
		FFmpegPath:     writeStub(t, dir, "ffmpeg", stubFFmpeg),
		FFprobePath:    writeStub(t, dir, "ffprobe", stubFFprobe),
		MaxAttempts:    1,
		BackoffBase:    time.Millisecond,
	}
}

func TestCaptureEndToEnd(t *testing.T) {
	requireSh(t)
	telemetry.Init()
	env := newPipelineEnv(t)
	ctx := context.Background()

	c := NewCapturer(env.store, env.records, env.thumbs, stubOptions(t))
	sess, err := env.store.OpenSession(ctx, env.streamerID, "Stubbed Run", "Games", time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	if err := c.Capture(ctx, sess, "teststreamer"); err != nil {
		t.Fatalf("capture: %v", err)
	}

	got, err := env.store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !strings.HasSuffix(got.RecordingPath.String, ".mp4") {
		t.Fatalf("recording path = %q, want remuxed mp4", got.RecordingPath.String)
	}
	if got.FileSize != int64(len("tsdata-tsdata")) {
		t.Fatalf("file size = %d, want %d", got.FileSize, len("tsdata-tsdata"))
	}
	if !strings.HasSuffix(got.ThumbnailPath.String, ".jpg") {
		t.Fatalf("thumbnail path = %q, want jpg", got.ThumbnailPath.String)
	}

	if _, err := os.Stat(filepath.Join(env.recRoot, got.RecordingPath.String)); err != nil {
		t.Fatalf("mp4 missing on disk: %v", err)
	}
	raw := strings.TrimSuffix(got.RecordingPath.String, ".mp4") + ".ts"
	if _, err := os.Stat(filepath.Join(env.recRoot, raw)); !os.IsNotExist(err) {
		t.Fatalf("raw capture not removed after remux: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.thumbRoot, got.ThumbnailPath.String)); err != nil {
		t.Fatalf("thumbnail missing on disk: %v", err)
	}

	if _, ok, _ := db.GetKV(ctx, env.dbc, "avg_capture_ms"); !ok {
		t.Fatal("capture stats not journaled")
	}
	if active := c.Active(); len(active) != 0 {
		t.Fatalf("active captures after finish = %v", active)
	}
}

func TestCaptureRetriesStartupFailure(t *testing.T) {
	requireSh(t)
	telemetry.Init()
	env := newPipelineEnv(t)
	ctx := context.Background()

	// Fails once with a playlist-lag error, then records normally.
	marker := filepath.Join(t.TempDir(), "first-attempt")
	opts := stubOptions(t)
	opts.MaxAttempts = 3
	opts.StreamlinkPath = writeStub(t, t.TempDir(), "streamlink", fmt.Sprintf(`#!/bin/sh
if [ ! -f %q ]; then
  touch %q
  echo "error: No playable streams found on this URL" >&2
  exit 1
fi
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-o" ]; then out="$a"; fi
  prev="$a"
done
printf 'late-start' > "$out"
`, marker, marker))

	c := NewCapturer(env.store, env.records, env.thumbs, opts)
	sess, err := env.store.OpenSession(ctx, env.streamerID, "Flaky Start", "Games", time.Now().UTC())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := c.Capture(ctx, sess, "teststreamer"); err != nil {
		t.Fatalf("capture should recover from startup failure: %v", err)
	}
	got, err := env.store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.FileSize != int64(len("late-start")) {
		t.Fatalf("file size = %d, want %d", got.FileSize, len("late-start"))
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatal("first attempt never ran")
	}
}

func TestCaptureFatalErrorStopsRetrying(t *testing.T) {
	requireSh(t)
	telemetry.Init()
	env := newPipelineEnv(t)
	ctx := context.Background()

	opts := stubOptions(t)
	opts.MaxAttempts = 3
	opts.BackoffBase = 5 * time.Second
	opts.StreamlinkPath = writeStub(t, t.TempDir(), "streamlink", `#!/bin/sh
echo "error: No plugin can handle URL: https://example.com/live" >&2
exit 1
`)

	c := NewCapturer(env.store, env.records, env.thumbs, opts)
	sess, err := env.store.OpenSession(ctx, env.streamerID, "Bad URL", "Games", time.Now().UTC())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	start := time.Now()
	err = c.Capture(ctx, sess, "teststreamer")
	if err == nil {
		t.Fatal("capture should fail on fatal error")
	}
	if !strings.Contains(strings.ToLower(err.Error()), "no plugin can handle url") {
		t.Fatalf("err = %v, want plugin error", err)
	}
	// A fatal classification must return before any backoff sleep.
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("fatal error still retried, took %v", elapsed)
	}
}

func TestCaptureCancelKeepsPartialFile(t *testing.T) {
	requireSh(t)
	telemetry.Init()
	env := newPipelineEnv(t)
	ctx := context.Background()

	opts := stubOptions(t)
	// Writes a partial file, then blocks until killed. exec keeps the pipe
	// ownership with the process so cmd.Run returns promptly on kill.
	opts.StreamlinkPath = writeStub(t, t.TempDir(), "streamlink", `#!/bin/sh
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-o" ]; then out="$a"; fi
  prev="$a"
done
printf 'partial' > "$out"
exec sleep 30
`)

	c := NewCapturer(env.store, env.records, env.thumbs, opts)
	sess, err := env.store.OpenSession(ctx, env.streamerID, "Canceled", "Games", time.Now().UTC())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Capture(ctx, sess, "teststreamer") }()

	deadline := time.After(5 * time.Second)
	for len(c.Active()) == 0 {
		select {
		case <-deadline:
			t.Fatal("capture never registered as active")
		case err := <-done:
			t.Fatalf("capture returned early: %v", err)
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !c.Cancel("teststreamer") {
		t.Fatal("cancel found no active capture")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("canceled capture should keep its footage: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("capture did not return after cancel")
	}

	got, err := env.store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !got.RecordingPath.Valid {
		t.Fatal("partial recording was not attached")
	}
	if got.FileSize != int64(len("partial")) {
		t.Fatalf("file size = %d, want %d", got.FileSize, len("partial"))
	}
}

func TestCancelWithoutActiveCapture(t *testing.T) {
	env := newPipelineEnv(t)
	c := NewCapturer(env.store, env.records, env.thumbs, Options{})
	if c.Cancel("nobody") {
		t.Fatal("cancel reported success with nothing running")
	}
	if active := c.Active(); len(active) != 0 {
		t.Fatalf("active = %v, want empty", active)
	}
}

func TestPlanOutput(t *testing.T) {
	env := newPipelineEnv(t)
	c := NewCapturer(env.store, env.records, env.thumbs, Options{})
	ctx := context.Background()

	sess := Session{ID: 1, StartedAt: time.Date(2024, 6, 1, 18, 30, 0, 0, time.UTC)}
	sess.Title.String, sess.Title.Valid = "Cooking Stream! (live)", true

	rel, abs, err := c.planOutput(ctx, sess, "Some Streamer")
	if err != nil {
		t.Fatalf("plan output: %v", err)
	}
	want := filepath.Join("Some_Streamer", "20240601-183000-Cooking_Stream_live.ts")
	if rel != want {
		t.Fatalf("rel = %q, want %q", rel, want)
	}
	if !strings.HasSuffix(abs, rel) {
		t.Fatalf("abs %q does not end with %q", abs, rel)
	}
	if fi, err := os.Stat(filepath.Join(env.recRoot, "Some_Streamer")); err != nil || !fi.IsDir() {
		t.Fatalf("streamer directory not created: %v", err)
	}
}

func TestPlanOutputEmptyTitle(t *testing.T) {
	env := newPipelineEnv(t)
	c := NewCapturer(env.store, env.records, env.thumbs, Options{})

	sess := Session{ID: 2, StartedAt: time.Date(2024, 6, 1, 18, 30, 0, 0, time.UTC)}
	rel, _, err := c.planOutput(context.Background(), sess, "streamer")
	if err != nil {
		t.Fatalf("plan output: %v", err)
	}
	if !strings.HasSuffix(rel, "-stream.ts") {
		t.Fatalf("rel = %q, want fallback -stream.ts", rel)
	}
}

func TestTailWriterKeepsTail(t *testing.T) {
	var tw tailWriter
	if _, err := tw.Write(make([]byte, 5000)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := tw.Write([]byte("END")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := tw.String()
	if len(got) > tailWriterMax {
		t.Fatalf("tail length = %d, want <= %d", len(got), tailWriterMax)
	}
	if !strings.HasSuffix(got, "END") {
		t.Fatalf("tail %q does not end with END", got[len(got)-10:])
	}
}
