// Package signals consumes stream lifecycle events from Kafka and feeds them
// into the watcher, so external producers (EventSub bridges, other pollers)
// can drive online/offline transitions without waiting for the next Helix
// sweep.
package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Serph91P/StreamVault-sub006/telemetry"
)

// Event values accepted on the topic.
const (
	EventOnline  = "online"
	EventOffline = "offline"
)

// LifecycleEvent is the wire format of one message on the lifecycle topic.
type LifecycleEvent struct {
	Username    string    `json:"username"`
	Event       string    `json:"event"`
	Title       string    `json:"title,omitempty"`
	Category    string    `json:"category,omitempty"`
	ViewerCount int       `json:"viewer_count,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Handler receives each valid event. It runs on the consumer goroutine. A
// returned error leaves the message uncommitted so the group redelivers it;
// transitions are idempotent, so replays are safe.
type Handler func(ctx context.Context, ev LifecycleEvent) error

// Consumer reads lifecycle events from one topic with a consumer group.
type Consumer struct {
	reader  *kafka.Reader
	handler Handler
}

func New(brokers []string, topic, groupID string, handler Handler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
	})
	return &Consumer{reader: reader, handler: handler}
}

// Run consumes until ctx is canceled, then closes the reader. Malformed or
// unknown messages are logged, committed and skipped; a handler error leaves
// the offset uncommitted so the event is redelivered instead of lost. Read
// errors back off a second so a broker outage does not spin the loop.
func (c *Consumer) Run(ctx context.Context) {
	slog.Info("signal feed started",
		slog.String("topic", c.reader.Config().Topic),
		slog.String("group", c.reader.Config().GroupID),
		slog.String("component", "signals"))
	defer func() {
		if err := c.reader.Close(); err != nil {
			slog.Warn("failed to close kafka reader", slog.Any("err", err), slog.String("component", "signals"))
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("signal feed stopped", slog.String("component", "signals"))
				return
			}
			slog.Warn("read lifecycle event", slog.Any("err", err), slog.String("component", "signals"))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		ev, err := decodeEvent(msg.Value)
		if err != nil {
			slog.Warn("skipping lifecycle event",
				slog.Any("err", err),
				slog.Int64("offset", msg.Offset),
				slog.String("component", "signals"))
			c.commit(ctx, msg)
			continue
		}
		telemetry.SignalEvents.Inc()
		if err := c.handler(ctx, ev); err != nil {
			// Uncommitted: the group offset stays behind this message, so it
			// is redelivered after a rebalance or restart instead of lost.
			slog.Warn("lifecycle event failed, leaving uncommitted",
				slog.String("username", ev.Username),
				slog.String("event", ev.Event),
				slog.Int64("offset", msg.Offset),
				slog.Any("err", err),
				slog.String("component", "signals"))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		c.commit(ctx, msg)
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
		slog.Warn("commit lifecycle event", slog.Int64("offset", msg.Offset), slog.Any("err", err), slog.String("component", "signals"))
	}
}

// Ping dials the first broker, for readiness checks. No brokers configured
// means the feed is off and counts as healthy.
func Ping(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return nil
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker %s: %w", brokers[0], err)
	}
	return conn.Close()
}

func decodeEvent(value []byte) (LifecycleEvent, error) {
	var ev LifecycleEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return LifecycleEvent{}, fmt.Errorf("unmarshal: %w", err)
	}
	if ev.Username == "" {
		return LifecycleEvent{}, fmt.Errorf("missing username")
	}
	if ev.Event != EventOnline && ev.Event != EventOffline {
		return LifecycleEvent{}, fmt.Errorf("unknown event %q", ev.Event)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return ev, nil
}
