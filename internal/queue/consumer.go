package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// SyncQueue is the durable queue carrying SyncEvent messages.
const SyncQueue = "sync.events"

// StartSyncConsumer consumes SyncQueue and appends one line per event to
// dir/sync.log.  It reconnects with exponential backoff and returns only
// when ctx is cancelled.
func StartSyncConsumer(ctx context.Context, url, dir string) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(url)
		if err != nil {
			slog.Warn("sync-consumer: dial failed", "err", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = consumeLoop(ctx, conn, dir)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("sync-consumer: consume loop ended, reconnecting", "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, dir string) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		slog.Warn("sync-consumer: set QoS failed", "err", err)
	}
	if _, err := ch.QueueDeclare(SyncQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(SyncQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := AppendEvent(dir, d.Body); err != nil {
				slog.Error("sync-consumer: handle message failed", "err", err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// AppendEvent decodes a SyncEvent and appends its log line to dir/sync.log.
func AppendEvent(dir string, body []byte) error {
	var ev SyncEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.Kind == "" {
		return errors.New("event kind missing")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "sync.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(FormatLine(ev)); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// FormatLine renders ev as a single human-readable line.
func FormatLine(ev SyncEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", ev.At, ev.Kind)
	if ev.Device != "" {
		fmt.Fprintf(&b, " | device=%q", ev.Device)
	}
	if ev.Team != "" {
		fmt.Fprintf(&b, " | team=%q", ev.Team)
	}
	if ev.Version != 0 {
		fmt.Fprintf(&b, " | version=%d", ev.Version)
	}
	fmt.Fprintf(&b, " | count=%d", ev.Count)
	if ev.Overwrote {
		fmt.Fprintf(&b, " | overwrote discarded=%d", ev.Discarded)
	}
	b.WriteByte('\n')
	return b.String()
}
