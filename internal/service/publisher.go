// Package service fans sync events out to the message broker and the host
// notification stream.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/regimen-sync/internal/queue"
)

// Sink receives sync events.
type Sink interface {
	Publish(ctx context.Context, ev queue.SyncEvent) error
}

// AMQPPublisher publishes events as persistent JSON messages to the
// sync.events queue.  Each call dials the broker.
type AMQPPublisher struct {
	URL string
}

// Publish declares the durable queue and publishes ev to it.
func (p AMQPPublisher) Publish(ctx context.Context, ev queue.SyncEvent) error {
	conn, err := amqp.Dial(p.URL)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(queue.SyncQueue, true, false, false, false, nil); err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, "", queue.SyncQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Events delivers every event to each sink in the background.  Sink
// failures are logged and never reach the caller.
type Events struct {
	sinks   []Sink
	timeout time.Duration
	now     func() time.Time
}

// NewEvents returns an Events over the non-nil sinks.
func NewEvents(now func() time.Time, sinks ...Sink) *Events {
	if now == nil {
		now = time.Now
	}
	e := &Events{timeout: 5 * time.Second, now: now}
	for _, s := range sinks {
		if s != nil {
			e.sinks = append(e.sinks, s)
		}
	}
	return e
}

// Emit stamps ev and hands it to every sink.  It does not block on sinks.
func (e *Events) Emit(ctx context.Context, ev queue.SyncEvent) {
	if e == nil || len(e.sinks) == 0 {
		return
	}
	if ev.At == "" {
		ev.At = e.now().UTC().Format(time.RFC3339Nano)
	}
	ctx = context.WithoutCancel(ctx)
	for _, s := range e.sinks {
		go func(s Sink) {
			ctx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()
			if err := s.Publish(ctx, ev); err != nil {
				slog.Warn("sync event not delivered", "kind", ev.Kind, "device", ev.Device, "err", err)
			}
		}(s)
	}
}
