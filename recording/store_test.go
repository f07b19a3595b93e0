package recording

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/Serph91P/StreamVault-sub006/db"
	"github.com/Serph91P/StreamVault-sub006/streamstate"
	"github.com/Serph91P/StreamVault-sub006/testutil"
)

func newStoreEnv(t *testing.T) (*Store, *sql.DB, int64) {
	t.Helper()
	dbc := testutil.SetupSQLiteDB(t)
	rec := streamstate.NewRecorder(dbc)
	st, err := rec.CreateStreamer(context.Background(), "teststreamer", "")
	if err != nil {
		t.Fatalf("create streamer: %v", err)
	}
	return NewStore(dbc), dbc, st.ID
}

func TestOpenSessionIdempotent(t *testing.T) {
	store, _, streamerID := newStoreEnv(t)
	ctx := context.Background()
	started := time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)

	first, err := store.OpenSession(ctx, streamerID, "Speedrun Night", "Games", started)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if first.StreamerID != streamerID {
		t.Fatalf("streamer id = %d, want %d", first.StreamerID, streamerID)
	}
	if !first.Open() {
		t.Fatal("new session should be open")
	}

	second, err := store.OpenSession(ctx, streamerID, "Speedrun Night (dup)", "Games", started.Add(time.Minute))
	if err != nil {
		t.Fatalf("reopen session: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate open created new session %d, want %d", second.ID, first.ID)
	}
	if second.Title.String != "Speedrun Night" {
		t.Fatalf("title = %q, duplicate open should not rewrite it", second.Title.String)
	}
}

func TestCloseSessionIdempotent(t *testing.T) {
	store, _, streamerID := newStoreEnv(t)
	ctx := context.Background()
	started := time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)

	sess, err := store.OpenSession(ctx, streamerID, "Long Stream", "Chat", started)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	ended := started.Add(90 * time.Minute)
	closed, err := store.CloseSession(ctx, sess.ID, ended)
	if err != nil {
		t.Fatalf("close session: %v", err)
	}
	if closed.Open() {
		t.Fatal("session still open after close")
	}
	if got := closed.DurationSeconds.Int64; got != 5400 {
		t.Fatalf("duration = %d, want 5400", got)
	}

	again, err := store.CloseSession(ctx, sess.ID, ended.Add(time.Hour))
	if err != nil {
		t.Fatalf("double close: %v", err)
	}
	if !again.EndedAt.Time.Equal(closed.EndedAt.Time) {
		t.Fatalf("double close moved ended_at from %v to %v", closed.EndedAt.Time, again.EndedAt.Time)
	}
}

func TestCloseOpenSession(t *testing.T) {
	store, _, streamerID := newStoreEnv(t)
	ctx := context.Background()

	if _, closed, err := store.CloseOpenSession(ctx, streamerID, time.Now().UTC()); err != nil || closed {
		t.Fatalf("close with nothing open: closed=%v err=%v", closed, err)
	}

	sess, err := store.OpenSession(ctx, streamerID, "A", "B", time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	got, closed, err := store.CloseOpenSession(ctx, streamerID, time.Now().UTC())
	if err != nil {
		t.Fatalf("close open session: %v", err)
	}
	if !closed || got.ID != sess.ID {
		t.Fatalf("closed=%v id=%d, want true/%d", closed, got.ID, sess.ID)
	}
}

func TestAttachAndClearArtifacts(t *testing.T) {
	store, _, streamerID := newStoreEnv(t)
	ctx := context.Background()

	sess, err := store.OpenSession(ctx, streamerID, "VOD", "Games", time.Now().UTC())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := store.AttachRecording(ctx, sess.ID, "teststreamer/20240601-180000-vod.mp4", 2048); err != nil {
		t.Fatalf("attach recording: %v", err)
	}
	if err := store.AttachThumbnail(ctx, sess.ID, "teststreamer/20240601-180000-vod.jpg"); err != nil {
		t.Fatalf("attach thumbnail: %v", err)
	}
	if err := store.SetPinned(ctx, sess.ID, true); err != nil {
		t.Fatalf("pin session: %v", err)
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.RecordingPath.String != "teststreamer/20240601-180000-vod.mp4" || got.FileSize != 2048 {
		t.Fatalf("recording = %q size %d", got.RecordingPath.String, got.FileSize)
	}
	if got.ThumbnailPath.String != "teststreamer/20240601-180000-vod.jpg" {
		t.Fatalf("thumbnail = %q", got.ThumbnailPath.String)
	}
	if !got.Pinned {
		t.Fatal("session not pinned")
	}

	if err := store.ClearArtifacts(ctx, sess.ID); err != nil {
		t.Fatalf("clear artifacts: %v", err)
	}
	got, err = store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get after clear: %v", err)
	}
	if got.RecordingPath.Valid || got.ThumbnailPath.Valid {
		t.Fatalf("references survived clear: %q %q", got.RecordingPath.String, got.ThumbnailPath.String)
	}
	if !got.Pinned {
		t.Fatal("clearing artifacts should not unpin")
	}
}

func TestAttachRecordingUnknownSession(t *testing.T) {
	store, _, _ := newStoreEnv(t)
	err := store.AttachRecording(context.Background(), 9999, "x/y.mp4", 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListSessionsOrderAndPaging(t *testing.T) {
	store, _, streamerID := newStoreEnv(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	var ids []int64
	for i := 0; i < 3; i++ {
		sess, err := store.OpenSession(ctx, streamerID, "Stream "+strconv.Itoa(i), "Games", base.Add(time.Duration(i)*24*time.Hour))
		if err != nil {
			t.Fatalf("open session %d: %v", i, err)
		}
		if _, err := store.CloseSession(ctx, sess.ID, sess.StartedAt.Add(time.Hour)); err != nil {
			t.Fatalf("close session %d: %v", i, err)
		}
		ids = append(ids, sess.ID)
	}

	all, err := store.List(ctx, streamerID, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d sessions, want 3", len(all))
	}
	if all[0].ID != ids[2] || all[2].ID != ids[0] {
		t.Fatalf("list not newest-first: %d %d %d", all[0].ID, all[1].ID, all[2].ID)
	}

	page, err := store.List(ctx, streamerID, 1, 1)
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 1 || page[0].ID != ids[1] {
		t.Fatalf("page = %+v, want session %d", page, ids[1])
	}

	across, err := store.List(ctx, 0, 0, 0)
	if err != nil {
		t.Fatalf("list all streamers: %v", err)
	}
	if len(across) != 3 {
		t.Fatalf("cross-streamer list got %d, want 3", len(across))
	}
}

func TestListOpenJoinsUsername(t *testing.T) {
	store, _, streamerID := newStoreEnv(t)
	ctx := context.Background()

	if _, err := store.OpenSession(ctx, streamerID, "Live Now", "Games", time.Now().UTC()); err != nil {
		t.Fatalf("open session: %v", err)
	}
	open, err := store.ListOpen(ctx)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("got %d open sessions, want 1", len(open))
	}
	if open[0].Username != "teststreamer" {
		t.Fatalf("username = %q, want teststreamer", open[0].Username)
	}
}

func TestRecordedPaths(t *testing.T) {
	store, _, streamerID := newStoreEnv(t)
	ctx := context.Background()

	sess, err := store.OpenSession(ctx, streamerID, "A", "B", time.Now().UTC())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := store.AttachRecording(ctx, sess.ID, "teststreamer/a.mp4", 10); err != nil {
		t.Fatalf("attach: %v", err)
	}
	paths, err := store.RecordedPaths(ctx)
	if err != nil {
		t.Fatalf("recorded paths: %v", err)
	}
	if id, ok := paths["teststreamer/a.mp4"]; !ok || id != sess.ID {
		t.Fatalf("paths = %v, want teststreamer/a.mp4 -> %d", paths, sess.ID)
	}
}

func TestDeleteSession(t *testing.T) {
	store, _, streamerID := newStoreEnv(t)
	ctx := context.Background()

	sess, err := store.OpenSession(ctx, streamerID, "A", "B", time.Now().UTC())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := store.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete = %v, want ErrNotFound", err)
	}
}

func TestJournalCaptureMovingAverage(t *testing.T) {
	store, dbc, _ := newStoreEnv(t)
	ctx := context.Background()

	store.JournalCapture(ctx, 10*time.Second, 2*time.Second)
	v, ok, err := db.GetKV(ctx, dbc, "avg_capture_ms")
	if err != nil || !ok {
		t.Fatalf("avg_capture_ms missing: ok=%v err=%v", ok, err)
	}
	if v != "10000" {
		t.Fatalf("first avg = %s, want 10000", v)
	}

	// Second sample folds in at alpha 0.2: 0.2*20000 + 0.8*10000 = 12000.
	store.JournalCapture(ctx, 20*time.Second, 2*time.Second)
	v, _, err = db.GetKV(ctx, dbc, "avg_capture_ms")
	if err != nil {
		t.Fatalf("get avg: %v", err)
	}
	if v != "12000" {
		t.Fatalf("second avg = %s, want 12000", v)
	}

	if _, ok, _ := db.GetKV(ctx, dbc, "capture_last_finished"); !ok {
		t.Fatal("capture_last_finished not stamped")
	}
}
