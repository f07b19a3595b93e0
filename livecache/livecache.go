// Package livecache mirrors the currently-live streams into a Redis hash so
// the /live endpoint can answer without touching the database.
package livecache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	liveKey = "live:streams"
	// Refreshed on every write; entries age out if the process dies mid-stream.
	liveTTL = 10 * time.Minute
)

// Entry is the projected view of one live stream stored per username.
type Entry struct {
	Username    string    `json:"username"`
	SessionID   int64     `json:"session_id"`
	Title       string    `json:"title,omitempty"`
	Category    string    `json:"category,omitempty"`
	ViewerCount int       `json:"viewer_count,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// Cache is the Redis-backed live set. A nil Cache or nil client disables it:
// every method becomes a no-op so callers never need to branch.
type Cache struct {
	client *redis.Client
}

func New(client *redis.Client) *Cache { return &Cache{client: client} }

// Connect dials Redis and verifies the connection before returning the client.
func Connect(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (c *Cache) Enabled() bool { return c != nil && c.client != nil }

// Ping checks the Redis connection. Disabled caches report healthy.
func (c *Cache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// SetLive upserts one entry and refreshes the hash TTL.
func (c *Cache) SetLive(ctx context.Context, e Entry) error {
	if !c.Enabled() {
		return nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal live entry %s: %w", e.Username, err)
	}
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, liveKey, strings.ToLower(e.Username), string(b))
	pipe.Expire(ctx, liveKey, liveTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline exec %s: %w", liveKey, err)
	}
	return nil
}

// SetOffline removes the entry for a username.
func (c *Cache) SetOffline(ctx context.Context, username string) error {
	if !c.Enabled() {
		return nil
	}
	if err := c.client.HDel(ctx, liveKey, strings.ToLower(username)).Err(); err != nil {
		return fmt.Errorf("redis HDEL %s: %w", liveKey, err)
	}
	return nil
}

// Sync replaces the hash with exactly the given entries. Anything not in
// `entries` is removed, so the hash remains a clean current view even after
// missed offline edges.
func (c *Cache) Sync(ctx context.Context, entries []Entry) error {
	if !c.Enabled() {
		return nil
	}
	existing, err := c.client.HKeys(ctx, liveKey).Result()
	if err != nil {
		return fmt.Errorf("redis HKEYS %s: %w", liveKey, err)
	}

	pipe := c.client.Pipeline()
	keep := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		field := strings.ToLower(e.Username)
		keep[field] = struct{}{}
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal live entry %s: %w", e.Username, err)
		}
		pipe.HSet(ctx, liveKey, field, string(b))
	}

	var stale []string
	for _, field := range existing {
		if _, ok := keep[field]; !ok {
			stale = append(stale, field)
		}
	}
	if len(stale) > 0 {
		pipe.HDel(ctx, liveKey, stale...)
	}
	pipe.Expire(ctx, liveKey, liveTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline exec %s: %w", liveKey, err)
	}
	return nil
}

// SnapshotAll returns every cached live entry sorted by username.
func (c *Cache) SnapshotAll(ctx context.Context) ([]Entry, error) {
	if !c.Enabled() {
		return nil, nil
	}
	vals, err := c.client.HGetAll(ctx, liveKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %s: %w", liveKey, err)
	}
	entries := make([]Entry, 0, len(vals))
	for field, raw := range vals {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			slog.Warn("skipping malformed live cache entry",
				slog.String("field", field),
				slog.Any("err", err),
				slog.String("component", "livecache"))
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Username < entries[j].Username })
	return entries, nil
}
