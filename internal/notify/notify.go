// Package notify delivers fire-and-forget payee notifications.
//
// Money code emits events through a Notifier; delivery failures are
// logged and counted but never surface to the caller or roll back state.
package notify

import (
	"context"
	"time"

	"github.com/mbd888/gigescrow/internal/idgen"
)

// EventType names a notification.
type EventType string

const (
	EventBalanceChanged      EventType = "balance.changed"
	EventAgreementHeld       EventType = "agreement.held"
	EventAgreementReleased   EventType = "agreement.released"
	EventAgreementCanceled   EventType = "agreement.canceled"
	EventWithdrawalCompleted EventType = "withdrawal.completed"
	EventWithdrawalFailed    EventType = "withdrawal.failed"
)

// Event is a notification addressed to one profile.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	ProfileID string         `json:"profileId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent builds an event with a fresh ID.
func NewEvent(typ EventType, profileID string, data map[string]any) Event {
	return Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      typ,
		ProfileID: profileID,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Notifier delivers events. Implementations must not block on slow sinks.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Fanout delivers each event to every sink.
type Fanout []Notifier

// NewFanout drops nil sinks.
func NewFanout(sinks ...Notifier) Fanout {
	out := make(Fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (f Fanout) Notify(ctx context.Context, ev Event) {
	for _, s := range f {
		s.Notify(ctx, ev)
	}
}
