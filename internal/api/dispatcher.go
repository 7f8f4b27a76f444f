package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/duelarena/battle-engine/internal/model"
)

// eventStreamName is the JetStream stream holding battle events.
const eventStreamName = "ARENA_BATTLE_EVENTS"

// Dispatcher forwards domain events returned by battle transitions to the
// broadcast collaborators. Dispatch is fire-and-forget: a slow or failed
// delivery never blocks or fails the operation that produced the event.
type Dispatcher struct {
	hub *WSHub
	js  jetstream.JetStream // optional; nil disables NATS publishing
}

// NewDispatcher creates a dispatcher. Pass nil for js if NATS publishing is
// not configured; pass nil for hub if WebSocket broadcasting is not needed.
func NewDispatcher(hub *WSHub, js jetstream.JetStream) *Dispatcher {
	return &Dispatcher{hub: hub, js: js}
}

// Dispatch forwards every event to the hub and, when configured, to NATS.
func (d *Dispatcher) Dispatch(ctx context.Context, events []model.Event) {
	for _, evt := range events {
		if d.hub != nil {
			d.hub.Broadcast(evt)
		}
		if d.js != nil {
			if err := d.publish(ctx, evt); err != nil {
				// Non-fatal: consumers can query the ledger directly.
				slog.Warn("event publish failed",
					"type", string(evt.Type), "battle_id", evt.BattleID, "error", err)
			}
		}
	}
}

// publish sends one event to arena.battles.events.{type}.{battleID}.
func (d *Dispatcher) publish(ctx context.Context, evt model.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("arena.battles.events.%s.%s", evt.Type, evt.BattleID)
	_, err = d.js.Publish(ctx, subject, data)
	return err
}

// EnsureEventStream creates or updates the battle events stream.
func EnsureEventStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      eventStreamName,
		Subjects:  []string{"arena.battles.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create event stream: %w", err)
	}
	return nil
}
