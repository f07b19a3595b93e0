package chat

import (
	"context"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/Serph91P/StreamVault-sub006/recording"
	"github.com/Serph91P/StreamVault-sub006/streamstate"
	"github.com/Serph91P/StreamVault-sub006/testutil"
)

func newChatEnv(t *testing.T) (*Recorder, int64, time.Time) {
	t.Helper()
	dbc := testutil.SetupSQLiteDB(t)
	ctx := context.Background()

	streamer, err := streamstate.NewRecorder(dbc).CreateStreamer(ctx, "teststreamer", "")
	if err != nil {
		t.Fatalf("CreateStreamer: %v", err)
	}
	start := time.Now().UTC().Add(-90 * time.Second)
	sess, err := recording.NewStore(dbc).OpenSession(ctx, streamer.ID, "title", "category", start)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	return NewRecorder(dbc), sess.ID, start
}

func TestInsertStoresRelativeTimestamp(t *testing.T) {
	rec, sessionID, start := newChatEnv(t)

	msg := twitch.PrivateMessage{
		Message: "hello chat",
		User: twitch.User{
			Name:   "someviewer",
			Color:  "#FF0000",
			Badges: map[string]int{"subscriber": 12, "vip": 1},
		},
		Emotes: []*twitch.Emote{{Name: "Kappa"}, {Name: "PogChamp"}},
	}
	rec.insert(sessionID, start, msg)

	var (
		gotSession int64
		username   string
		message    string
		rel        float64
		badges     string
		emotes     string
		color      string
	)
	err := rec.db.QueryRow(`SELECT session_id, username, message, rel_timestamp, badges, emotes, color FROM chat_messages`).
		Scan(&gotSession, &username, &message, &rel, &badges, &emotes, &color)
	if err != nil {
		t.Fatalf("query chat message: %v", err)
	}
	if gotSession != sessionID {
		t.Errorf("session_id = %d, want %d", gotSession, sessionID)
	}
	if username != "someviewer" || message != "hello chat" || color != "#FF0000" {
		t.Errorf("unexpected row: %q %q %q", username, message, color)
	}
	// The session started 90s ago, so the relative offset lands near that.
	if rel < 89 || rel > 95 {
		t.Errorf("rel_timestamp = %f, want ~90", rel)
	}
	if badges != "subscriber:12,vip:1" {
		t.Errorf("badges = %q", badges)
	}
	if emotes != "Kappa,PogChamp" {
		t.Errorf("emotes = %q", emotes)
	}
}

func TestInsertEmptyBadgesAndEmotes(t *testing.T) {
	rec, sessionID, start := newChatEnv(t)

	rec.insert(sessionID, start, twitch.PrivateMessage{
		Message: "plain",
		User:    twitch.User{Name: "lurker"},
	})

	var badges, emotes string
	if err := rec.db.QueryRow(`SELECT badges, emotes FROM chat_messages`).Scan(&badges, &emotes); err != nil {
		t.Fatalf("query chat message: %v", err)
	}
	if badges != "" || emotes != "" {
		t.Errorf("badges=%q emotes=%q, want empty", badges, emotes)
	}
}

func TestStartStopBookkeeping(t *testing.T) {
	rec, sessionID, _ := newChatEnv(t)

	if rec.Stop(sessionID) {
		t.Fatal("Stop before Start reported an active recorder")
	}

	// Register a fake active entry the way Start would, without dialing IRC.
	ctx, cancel := context.WithCancel(context.Background())
	rec.mu.Lock()
	rec.active[sessionID] = cancel
	rec.mu.Unlock()

	ids := rec.Active()
	if len(ids) != 1 || ids[0] != sessionID {
		t.Fatalf("Active() = %v, want [%d]", ids, sessionID)
	}
	if !rec.Stop(sessionID) {
		t.Fatal("Stop did not find the active recorder")
	}
	if ctx.Err() == nil {
		t.Fatal("Stop did not cancel the recorder context")
	}
}

func TestFlattenBadgesStableOrder(t *testing.T) {
	got := flattenBadges(map[string]int{"vip": 1, "moderator": 1, "subscriber": 24})
	want := "moderator:1,subscriber:24,vip:1"
	if got != want {
		t.Errorf("flattenBadges = %q, want %q", got, want)
	}
}
