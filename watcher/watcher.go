// Package watcher polls Twitch Helix for the live state of every tracked
// streamer and drives the online/offline transitions. Detection is
// edge-triggered: a streamer absent from the poll result must stay absent for
// a configurable number of consecutive sweeps before the offline transition
// fires, which rides out Helix flapping near stream end.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Serph91P/StreamVault-sub006/streamstate"
	"github.com/Serph91P/StreamVault-sub006/telemetry"
	"github.com/Serph91P/StreamVault-sub006/twitchapi"
)

// Thumbnails are concretized from Helix's template at a size that looks fine
// in list views without pulling full previews.
const (
	thumbWidth  = 640
	thumbHeight = 360
)

// StreamChecker is the Helix surface the watcher needs.
type StreamChecker interface {
	GetStreams(ctx context.Context, logins []string) ([]twitchapi.Stream, error)
}

// Hooks receive confirmed observations. All callbacks are optional and run
// synchronously on the watcher goroutine; anything slow should hand off.
type Hooks struct {
	// OnLive fires once per offline-to-live transition.
	OnLive func(ctx context.Context, s streamstate.Streamer, snap streamstate.LiveSnapshot)
	// OnUpdate fires on every later sweep while the streamer stays live.
	OnUpdate func(ctx context.Context, s streamstate.Streamer, snap streamstate.LiveSnapshot)
	// OnOffline fires once per confirmed live-to-offline transition.
	OnOffline func(ctx context.Context, s streamstate.Streamer, last streamstate.LastSnapshot)
}

// Watcher owns the poll loop. Sweep and Notify share the transition state
// under an internal mutex, so the signal feed may inject events while Run
// polls.
type Watcher struct {
	recorder      *streamstate.Recorder
	helix         StreamChecker
	interval      time.Duration
	confirmations int
	hooks         Hooks

	// mu serializes the poll loop with externally fed events.
	mu sync.Mutex
	// misses counts consecutive sweeps a live streamer was absent from the
	// Helix result. lastSeen keeps the newest live metadata so the offline
	// transition can persist what the stream looked like just before it ended.
	misses   map[int64]int
	lastSeen map[int64]streamstate.LastSnapshot
}

func New(recorder *streamstate.Recorder, helix StreamChecker, interval time.Duration, confirmations int, hooks Hooks) *Watcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if confirmations < 1 {
		confirmations = 1
	}
	return &Watcher{
		recorder:      recorder,
		helix:         helix,
		interval:      interval,
		confirmations: confirmations,
		hooks:         hooks,
		misses:        make(map[int64]int),
		lastSeen:      make(map[int64]streamstate.LastSnapshot),
	}
}

// Run polls until ctx is canceled. The first sweep happens immediately.
func (w *Watcher) Run(ctx context.Context) {
	slog.Info("watcher started",
		slog.Duration("interval", w.interval),
		slog.Int("offline_confirmations", w.confirmations),
		slog.String("component", "watcher"))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("sweep failed", slog.Any("err", err), slog.String("component", "watcher"))
		}
		select {
		case <-ctx.Done():
			slog.Info("watcher stopped", slog.String("component", "watcher"))
			return
		case <-ticker.C:
		}
	}
}

// Sweep performs one poll pass over every tracked streamer. The tracked set is
// reloaded from the database each call so additions and removals take effect
// on the next sweep without a restart.
func (w *Watcher) Sweep(ctx context.Context) error {
	streamers, err := w.recorder.ListStreamers(ctx)
	if err != nil {
		return fmt.Errorf("list streamers: %w", err)
	}
	telemetry.WatcherPolls.Inc()
	if len(streamers) == 0 {
		telemetry.SetLiveStreamers(0)
		return nil
	}

	logins := make([]string, 0, len(streamers))
	for _, s := range streamers {
		logins = append(logins, s.Username)
	}
	streams, err := w.helix.GetStreams(ctx, logins)
	if err != nil {
		// A Helix failure says nothing about who went offline; keep all state
		// and miss counters untouched until the next successful poll.
		return fmt.Errorf("get streams: %w", err)
	}
	live := make(map[string]twitchapi.Stream, len(streams))
	for _, st := range streams {
		live[strings.ToLower(st.UserLogin)] = st
	}

	w.mu.Lock()
	liveCount := 0
	for _, s := range streamers {
		if st, ok := live[strings.ToLower(s.Username)]; ok {
			liveCount++
			w.observeLive(ctx, s, st)
		} else {
			w.observeAbsent(ctx, s)
		}
	}
	w.mu.Unlock()
	telemetry.SetLiveStreamers(liveCount)
	return nil
}

// Notify applies an externally sourced observation through the same
// transition path the poll loop uses. Offline notifications are authoritative
// and skip the absence-confirmation counter.
func (w *Watcher) Notify(ctx context.Context, username string, online bool, snap streamstate.LiveSnapshot) error {
	s, err := w.recorder.GetStreamerByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("lookup streamer %s: %w", username, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if online {
		return w.applyLive(ctx, s, snap)
	}
	delete(w.misses, s.ID)
	last, ok := w.lastSeen[s.ID]
	if !ok {
		last = streamstate.LastSnapshot{Title: snap.Title, Category: snap.Category}
	}
	if last.Title == "" {
		last.Title = s.Title.String
	}
	if last.Category == "" {
		last.Category = s.Category.String
	}
	if err := w.applyOffline(ctx, s, last); err != nil {
		// Keep the snapshot so a retried delivery still has the final live
		// metadata to persist.
		w.lastSeen[s.ID] = last
		return err
	}
	delete(w.lastSeen, s.ID)
	return nil
}

func (w *Watcher) observeLive(ctx context.Context, s streamstate.Streamer, st twitchapi.Stream) {
	err := w.applyLive(ctx, s, streamstate.LiveSnapshot{
		Title:        st.Title,
		Category:     st.GameName,
		ViewerCount:  int(st.ViewerCount),
		ThumbnailURL: twitchapi.ConcreteThumbnailURL(st.ThumbnailURL, thumbWidth, thumbHeight),
		StartedAt:    st.StartedAt,
	})
	if err != nil {
		// The poll loop retries on the next sweep; the row is unchanged.
		slog.Warn("record online", slog.String("username", s.Username), slog.Any("err", err), slog.String("component", "watcher"))
	}
}

// applyLive commits the online transition or metadata refresh. A returned
// error means the durable write failed and no state changed; callers decide
// whether to surface it or wait for the next sweep.
func (w *Watcher) applyLive(ctx context.Context, s streamstate.Streamer, snap streamstate.LiveSnapshot) error {
	delete(w.misses, s.ID)
	w.lastSeen[s.ID] = streamstate.LastSnapshot{
		Title:        snap.Title,
		Category:     snap.Category,
		ThumbnailURL: snap.ThumbnailURL,
	}

	res, err := w.recorder.RecordOnline(ctx, s.ID, snap)
	if err != nil {
		return fmt.Errorf("record online %s: %w", s.Username, err)
	}
	if res.Transitioned {
		telemetry.OnlineTransitions.Inc()
		if w.hooks.OnLive != nil {
			w.hooks.OnLive(ctx, s, snap)
		}
		return nil
	}
	if w.hooks.OnUpdate != nil {
		w.hooks.OnUpdate(ctx, s, snap)
	}
	return nil
}

func (w *Watcher) observeAbsent(ctx context.Context, s streamstate.Streamer) {
	if !s.IsLive {
		delete(w.misses, s.ID)
		return
	}
	w.misses[s.ID]++
	if w.misses[s.ID] < w.confirmations {
		slog.Debug("offline unconfirmed",
			slog.String("username", s.Username),
			slog.Int("misses", w.misses[s.ID]),
			slog.Int("required", w.confirmations),
			slog.String("component", "watcher"))
		return
	}

	last, ok := w.lastSeen[s.ID]
	if !ok {
		// Process restarted mid-stream: the live row is the best record left.
		last = streamstate.LastSnapshot{Title: s.Title.String, Category: s.Category.String}
	}
	if err := w.applyOffline(ctx, s, last); err != nil {
		// The row is still live and the miss counter stays saturated, so the
		// next absent sweep retries immediately with the same snapshot.
		w.lastSeen[s.ID] = last
		slog.Warn("record offline", slog.String("username", s.Username), slog.Any("err", err), slog.String("component", "watcher"))
		return
	}
	delete(w.misses, s.ID)
	delete(w.lastSeen, s.ID)
}

// applyOffline commits the offline transition. A returned error means the
// durable write failed and the live flag is unchanged; retrying with the same
// snapshot is safe.
func (w *Watcher) applyOffline(ctx context.Context, s streamstate.Streamer, last streamstate.LastSnapshot) error {
	res, err := w.recorder.RecordOffline(ctx, s.ID, last)
	if err != nil {
		return fmt.Errorf("record offline %s: %w", s.Username, err)
	}
	if res.Transitioned {
		telemetry.OfflineTransitions.Inc()
		if w.hooks.OnOffline != nil {
			w.hooks.OnOffline(ctx, s, last)
		}
	}
	return nil
}
