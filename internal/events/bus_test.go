package events_test

import (
	"testing"

	"go.uber.org/zap"

	"github.com/raniswara/vitalsync-agent/internal/events"
)

func TestPublish_DeliversInSubscriptionOrder(t *testing.T) {
	bus := events.NewBus(zap.NewNop())

	var order []string
	bus.Subscribe(func(evt events.Event) { order = append(order, "first") })
	bus.Subscribe(func(evt events.Event) { order = append(order, "second") })
	bus.Subscribe(func(evt events.Event) { order = append(order, "third") })

	bus.Publish(events.Event{Type: events.SyncStarted})

	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Errorf("expected subscription order delivery, got %v", order)
	}
}

func TestPublish_PanickingHandlerIsIsolated(t *testing.T) {
	bus := events.NewBus(zap.NewNop())

	delivered := false
	bus.Subscribe(func(evt events.Event) { panic("handler bug") })
	bus.Subscribe(func(evt events.Event) { delivered = true })

	bus.Publish(events.Event{Type: events.SyncCompleted})

	if !delivered {
		t.Error("panic in one handler must not block later handlers")
	}
}

func TestSubscribe_UnsubscribeStopsDelivery(t *testing.T) {
	bus := events.NewBus(zap.NewNop())

	count := 0
	unsubscribe := bus.Subscribe(func(evt events.Event) { count++ })

	bus.Publish(events.Event{Type: events.SyncProgress})
	unsubscribe()
	bus.Publish(events.Event{Type: events.SyncProgress})

	if count != 1 {
		t.Errorf("expected exactly 1 delivery before unsubscribe, got %d", count)
	}
}

func TestPublish_PayloadPassedThrough(t *testing.T) {
	bus := events.NewBus(zap.NewNop())

	var got interface{}
	bus.Subscribe(func(evt events.Event) { got = evt.Payload })

	bus.Publish(events.Event{Type: events.SyncError, Payload: "network unavailable"})

	if got != "network unavailable" {
		t.Errorf("expected payload passed through, got %v", got)
	}
}
