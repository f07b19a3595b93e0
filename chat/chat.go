// Package chat records live Twitch chat alongside stream sessions so replays
// can line messages up with the recording timeline.
package chat

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// Recorder manages one anonymous IRC connection per live session and persists
// every message with both the wall-clock and the session-relative timestamp.
type Recorder struct {
	db *sql.DB

	mu     sync.Mutex
	active map[int64]context.CancelFunc
}

func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db, active: make(map[int64]context.CancelFunc)}
}

// Start launches a recorder goroutine for the session. Starting a session that
// is already being recorded is a no-op.
func (r *Recorder) Start(ctx context.Context, sessionID int64, channel string, sessionStart time.Time) {
	r.mu.Lock()
	if _, ok := r.active[sessionID]; ok {
		r.mu.Unlock()
		return
	}
	cctx, cancel := context.WithCancel(ctx)
	r.active[sessionID] = cancel
	r.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.active, sessionID)
			r.mu.Unlock()
		}()
		r.record(cctx, sessionID, channel, sessionStart)
	}()
}

// Stop disconnects the recorder for the session. It reports whether one was
// running.
func (r *Recorder) Stop(sessionID int64) bool {
	r.mu.Lock()
	cancel, ok := r.active[sessionID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active returns the session IDs currently being recorded, sorted.
func (r *Recorder) Active() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// record blocks until the context is canceled or the connection drops.
// Reading chat needs no credentials, so the client connects anonymously.
func (r *Recorder) record(ctx context.Context, sessionID int64, channel string, sessionStart time.Time) {
	client := twitch.NewAnonymousClient()

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		r.insert(sessionID, sessionStart, msg)
	})

	go func() {
		<-ctx.Done()
		client.Disconnect()
	}()

	client.Join(channel)
	slog.Info("chat recorder started",
		slog.Int64("session_id", sessionID),
		slog.String("channel", channel),
		slog.String("component", "chat"))
	if err := client.Connect(); err != nil && ctx.Err() == nil {
		slog.Error("twitch chat connect error",
			slog.Any("err", err),
			slog.String("channel", channel),
			slog.String("component", "chat"))
	}
	slog.Info("chat recorder stopped",
		slog.Int64("session_id", sessionID),
		slog.String("channel", channel),
		slog.String("component", "chat"))
}

func (r *Recorder) insert(sessionID int64, sessionStart time.Time, msg twitch.PrivateMessage) {
	absTime := time.Now().UTC()
	relTime := absTime.Sub(sessionStart).Seconds()
	if _, err := r.db.Exec(`INSERT INTO chat_messages (session_id, username, message, abs_timestamp, rel_timestamp, badges, emotes, color, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sessionID, msg.User.Name, msg.Message, absTime, relTime,
		flattenBadges(msg.User.Badges), flattenEmotes(msg.Emotes), msg.User.Color, absTime); err != nil {
		slog.Error("failed to insert chat message",
			slog.Any("err", err),
			slog.Int64("session_id", sessionID))
	}
}

// flattenBadges renders badges as "subscriber:12,vip:1" in stable key order.
func flattenBadges(badges map[string]int) string {
	if len(badges) == 0 {
		return ""
	}
	keys := make([]string, 0, len(badges))
	for k := range badges {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, badges[k]))
	}
	return strings.Join(parts, ",")
}

func flattenEmotes(emotes []*twitch.Emote) string {
	if len(emotes) == 0 {
		return ""
	}
	names := make([]string, 0, len(emotes))
	for _, e := range emotes {
		names = append(names, e.Name)
	}
	return strings.Join(names, ",")
}
