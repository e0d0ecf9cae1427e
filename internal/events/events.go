package events

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

type Type string

const (
	AlertCreated      Type = "alert.created"
	AlertAcknowledged Type = "alert.acknowledged"
	AlertResolved     Type = "alert.resolved"
	EscalationCreated Type = "escalation.created"
	SnapshotUpdated   Type = "snapshot.updated"
	CallUpdated       Type = "call.updated"
)

// Event is a state change published for dashboards and downstream consumers.
type Event struct {
	Type      Type        `json:"event_type"`
	StoreID   uint        `json:"store_id"`
	EntityID  uint        `json:"entity_id"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Bus fans an event out to every sink. A failing sink is logged and does not
// stop delivery to the others; publishing never fails the caller.
type Bus struct {
	sinks []Publisher
	log   logrus.FieldLogger
}

func NewBus(log logrus.FieldLogger, sinks ...Publisher) *Bus {
	return &Bus{sinks: sinks, log: log}
}

func (b *Bus) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	for _, sink := range b.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			b.log.WithError(err).WithField("event_type", event.Type).Warn("failed to publish event")
		}
	}
	return nil
}
