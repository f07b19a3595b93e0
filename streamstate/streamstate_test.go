package streamstate

import (
	"context"
	"testing"
	"time"

	"github.com/Serph91P/StreamVault-sub006/testutil"
)

func seedStreamer(t *testing.T, r *Recorder, username string) Streamer {
	t.Helper()
	s, err := r.CreateStreamer(context.Background(), username, "")
	if err != nil {
		t.Fatalf("create streamer: %v", err)
	}
	return s
}

func TestRecordOnlineTransition(t *testing.T) {
	db := testutil.SetupSQLiteDB(t)
	r := NewRecorder(db)
	ctx := context.Background()
	s := seedStreamer(t, r, "pikachu")

	started := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	res, err := r.RecordOnline(ctx, s.ID, LiveSnapshot{
		Title: "drift practice", Category: "iRacing", ViewerCount: 42, StartedAt: started,
	})
	if err != nil {
		t.Fatalf("RecordOnline: %v", err)
	}
	if !res.Transitioned {
		t.Fatalf("expected transition on first online event")
	}

	got, err := r.GetStreamer(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsLive {
		t.Errorf("is_live = false, want true")
	}
	if got.Title.String != "drift practice" || got.Category.String != "iRacing" {
		t.Errorf("live fields = %q/%q, want snapshot values", got.Title.String, got.Category.String)
	}
	if got.ViewerCount.Int64 != 42 {
		t.Errorf("viewer_count = %d, want 42", got.ViewerCount.Int64)
	}
	if !got.LiveSince.Valid || !got.LiveSince.Time.UTC().Equal(started) {
		t.Errorf("live_since = %v, want %v", got.LiveSince.Time, started)
	}
}

func TestRecordOnlineAlreadyLiveRefreshesMetadata(t *testing.T) {
	db := testutil.SetupSQLiteDB(t)
	r := NewRecorder(db)
	ctx := context.Background()
	s := seedStreamer(t, r, "pikachu")

	started := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	if _, err := r.RecordOnline(ctx, s.ID, LiveSnapshot{Title: "before", Category: "Art", ViewerCount: 1, StartedAt: started}); err != nil {
		t.Fatalf("first RecordOnline: %v", err)
	}

	// Duplicate online event with newer metadata: no transition, fields refreshed,
	// live_since untouched.
	res, err := r.RecordOnline(ctx, s.ID, LiveSnapshot{Title: "after", Category: "Art", ViewerCount: 9, StartedAt: started.Add(time.Hour)})
	if err != nil {
		t.Fatalf("second RecordOnline: %v", err)
	}
	if res.Transitioned {
		t.Errorf("expected no transition for already-live streamer")
	}

	got, _ := r.GetStreamer(ctx, s.ID)
	if got.Title.String != "after" || got.ViewerCount.Int64 != 9 {
		t.Errorf("metadata not refreshed: title=%q viewers=%d", got.Title.String, got.ViewerCount.Int64)
	}
	if !got.LiveSince.Time.UTC().Equal(started) {
		t.Errorf("live_since changed on refresh: %v, want %v", got.LiveSince.Time, started)
	}
}

func TestRecordOfflineTransition(t *testing.T) {
	db := testutil.SetupSQLiteDB(t)
	r := NewRecorder(db)
	ctx := context.Background()
	s := seedStreamer(t, r, "pikachu")

	if _, err := r.RecordOnline(ctx, s.ID, LiveSnapshot{Title: "speedrun", Category: "Celeste", ViewerCount: 7}); err != nil {
		t.Fatalf("RecordOnline: %v", err)
	}

	res, err := r.RecordOffline(ctx, s.ID, LastSnapshot{Title: "speedrun", Category: "Celeste", ThumbnailURL: "thumb.jpg"})
	if err != nil {
		t.Fatalf("RecordOffline: %v", err)
	}
	if !res.Transitioned {
		t.Fatalf("expected transition on first offline event")
	}

	got, _ := r.GetStreamer(ctx, s.ID)
	if got.IsLive {
		t.Errorf("is_live = true after offline transition")
	}
	if got.Title.Valid || got.Category.Valid || got.ViewerCount.Valid || got.LiveSince.Valid {
		t.Errorf("live fields not cleared: %+v", got)
	}
	if got.LastStreamTitle.String != "speedrun" || got.LastStreamCategory.String != "Celeste" {
		t.Errorf("last-known fields = %q/%q, want snapshot values", got.LastStreamTitle.String, got.LastStreamCategory.String)
	}
	if !got.LastStreamEndedAt.Valid {
		t.Fatalf("last_stream_ended_at not set")
	}
	if since := time.Since(got.LastStreamEndedAt.Time); since < 0 || since > time.Minute {
		t.Errorf("last_stream_ended_at not a recent UTC timestamp: %v", got.LastStreamEndedAt.Time)
	}
}

func TestRecordOfflineIdempotent(t *testing.T) {
	db := testutil.SetupSQLiteDB(t)
	r := NewRecorder(db)
	ctx := context.Background()
	s := seedStreamer(t, r, "pikachu")

	if _, err := r.RecordOnline(ctx, s.ID, LiveSnapshot{Title: "first", Category: "Art", ViewerCount: 3}); err != nil {
		t.Fatalf("RecordOnline: %v", err)
	}
	if _, err := r.RecordOffline(ctx, s.ID, LastSnapshot{Title: "first", Category: "Art"}); err != nil {
		t.Fatalf("RecordOffline: %v", err)
	}

	before, _ := r.GetStreamer(ctx, s.ID)

	// Duplicate offline delivery with a different snapshot must be a no-op.
	res, err := r.RecordOffline(ctx, s.ID, LastSnapshot{Title: "second", Category: "Music"})
	if err != nil {
		t.Fatalf("duplicate RecordOffline returned error: %v", err)
	}
	if res.Transitioned {
		t.Errorf("duplicate offline event reported a transition")
	}

	after, _ := r.GetStreamer(ctx, s.ID)
	if after.LastStreamTitle.String != before.LastStreamTitle.String ||
		!after.LastStreamEndedAt.Time.Equal(before.LastStreamEndedAt.Time) {
		t.Errorf("duplicate offline event mutated last-known fields: before=%q/%v after=%q/%v",
			before.LastStreamTitle.String, before.LastStreamEndedAt.Time,
			after.LastStreamTitle.String, after.LastStreamEndedAt.Time)
	}
}

func TestTransitionsUnknownStreamer(t *testing.T) {
	db := testutil.SetupSQLiteDB(t)
	r := NewRecorder(db)
	ctx := context.Background()

	if _, err := r.RecordOffline(ctx, 9999, LastSnapshot{}); err != ErrNotFound {
		t.Errorf("RecordOffline unknown id: err = %v, want ErrNotFound", err)
	}
	if _, err := r.RecordOnline(ctx, 9999, LiveSnapshot{Title: "x"}); err != ErrNotFound {
		t.Errorf("RecordOnline unknown id: err = %v, want ErrNotFound", err)
	}
}

func TestDeleteStreamer(t *testing.T) {
	db := testutil.SetupSQLiteDB(t)
	r := NewRecorder(db)
	ctx := context.Background()
	s := seedStreamer(t, r, "pikachu")

	if err := r.DeleteStreamer(ctx, s.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.DeleteStreamer(ctx, s.ID); err != ErrNotFound {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
	if _, err := r.GetStreamer(ctx, s.ID); err != ErrNotFound {
		t.Errorf("get after delete err = %v, want ErrNotFound", err)
	}
}

func TestListLiveStreamers(t *testing.T) {
	db := testutil.SetupSQLiteDB(t)
	r := NewRecorder(db)
	ctx := context.Background()
	a := seedStreamer(t, r, "alpha")
	b := seedStreamer(t, r, "beta")
	seedStreamer(t, r, "gamma")

	if _, err := r.RecordOnline(ctx, a.ID, LiveSnapshot{Title: "a", ViewerCount: 10}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RecordOnline(ctx, b.ID, LiveSnapshot{Title: "b", ViewerCount: 99}); err != nil {
		t.Fatal(err)
	}

	live, err := r.ListLiveStreamers(ctx)
	if err != nil {
		t.Fatalf("list live: %v", err)
	}
	if len(live) != 2 {
		t.Fatalf("live count = %d, want 2", len(live))
	}
	if live[0].Username != "beta" {
		t.Errorf("live order = %s first, want beta (most viewers)", live[0].Username)
	}
}

func TestSetRecordEnabled(t *testing.T) {
	db := testutil.SetupSQLiteDB(t)
	r := NewRecorder(db)
	ctx := context.Background()
	s := seedStreamer(t, r, "somestreamer")

	if !s.RecordEnabled {
		t.Fatal("new streamer not record-enabled by default")
	}
	if err := r.SetRecordEnabled(ctx, s.ID, false); err != nil {
		t.Fatalf("disable recording: %v", err)
	}
	got, err := r.GetStreamer(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RecordEnabled {
		t.Error("record_enabled still set after disable")
	}
	if err := r.SetRecordEnabled(ctx, 9999, true); err != ErrNotFound {
		t.Errorf("unknown streamer err = %v, want ErrNotFound", err)
	}
}

func TestCreateStreamerFoldsCase(t *testing.T) {
	db := testutil.SetupSQLiteDB(t)
	r := NewRecorder(db)
	ctx := context.Background()

	s, err := r.CreateStreamer(ctx, "SomeStreamer", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Username != "somestreamer" {
		t.Errorf("stored username = %q, want somestreamer", s.Username)
	}
	got, err := r.GetStreamerByUsername(ctx, "SOMESTREAMER")
	if err != nil {
		t.Fatalf("lookup mixed case: %v", err)
	}
	if got.ID != s.ID {
		t.Errorf("lookup returned id %d, want %d", got.ID, s.ID)
	}
}
