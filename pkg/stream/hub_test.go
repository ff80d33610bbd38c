package stream

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(2)
	defer h.Unsubscribe(sub)
	h.Publish(NewEvent("request", "t-1", "agent-1", map[string]string{"k": "v"}))
	select {
	case evt := <-sub:
		if evt.Type != "request" || evt.TraceID != "t-1" || evt.AgentID != "agent-1" {
			t.Fatalf("unexpected event %+v", evt)
		}
		if evt.At == "" || len(evt.Data) == 0 {
			t.Fatalf("expected timestamp and data: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected event")
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(1)
	defer h.Unsubscribe(sub)
	h.Publish(NewEvent("request", "t-1", "", nil))
	h.Publish(NewEvent("response", "t-1", "", nil))
	// Buffer of 1: second publish is dropped, not blocked on.
	if got := len(sub); got != 1 {
		t.Fatalf("expected 1 buffered event, got %d", got)
	}
}

func TestUnsubscribeCloses(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(1)
	h.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatalf("expected closed channel")
	}
	// Double unsubscribe is a no-op.
	h.Unsubscribe(sub)
}
