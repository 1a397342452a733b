package events

import (
	"context"
	"testing"
)

func TestMemoryBusDeliversToSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	ch := bus.Subscribe(SessionTopic("s1"))

	evt := Event{Type: "token.rotated", SessionID: "s1"}
	if err := bus.Publish(context.Background(), SessionTopic("s1"), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-ch:
		if got.Type != "token.rotated" {
			t.Errorf("got %q, want token.rotated", got.Type)
		}
	default:
		t.Fatal("subscriber received nothing")
	}
}

func TestMemoryBusTopicsAreIsolated(t *testing.T) {
	bus := NewMemoryBus()
	other := bus.Subscribe(SessionTopic("s2"))

	bus.Publish(context.Background(), SessionTopic("s1"), Event{Type: "session.activated"})

	select {
	case evt := <-other:
		t.Fatalf("wrong topic received %q", evt.Type)
	default:
	}
}

func TestMemoryBusRecordsPublishes(t *testing.T) {
	bus := NewMemoryBus()
	bus.Publish(context.Background(), DashboardTopic("c1"), Event{Type: "dashboard.counts"})
	bus.Publish(context.Background(), DashboardTopic("c1"), Event{Type: "dashboard.counts"})

	if got := len(bus.Published()); got != 2 {
		t.Errorf("Published() = %d entries, want 2", got)
	}
}

func TestTopicNames(t *testing.T) {
	if SessionTopic("abc") != "session:abc" {
		t.Errorf("SessionTopic = %q", SessionTopic("abc"))
	}
	if DashboardTopic("xyz") != "dashboard:xyz" {
		t.Errorf("DashboardTopic = %q", DashboardTopic("xyz"))
	}
	if !isDashboardTopic(DashboardTopic("xyz")) || isDashboardTopic(SessionTopic("abc")) {
		t.Error("isDashboardTopic misclassifies topics")
	}
}
