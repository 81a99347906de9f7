package web

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan string) StatusEvent {
	t.Helper()
	select {
	case msg := <-ch:
		var evt StatusEvent
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatalf("unmarshal %q: %v", msg, err)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
	return StatusEvent{}
}

func TestBroadcaster_SubscribeAndReceive(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Broadcast("warn", "ra driver slow")

	evt := receive(t, ch)
	if evt.Msg != "ra driver slow" || evt.Level != "warn" {
		t.Errorf("event = %+v", evt)
	}
	if evt.Time == "" {
		t.Error("event should have a timestamp")
	}
}

func TestBroadcaster_MultipleSubscribers(t *testing.T) {
	b := NewStatusBroadcaster()
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()
	if b.Clients() != 2 {
		t.Fatalf("Clients() = %d, want 2", b.Clients())
	}

	b.BroadcastMsg("multi")
	for _, ch := range []<-chan string{ch1, ch2} {
		if evt := receive(t, ch); evt.Msg != "multi" || evt.Level != "info" {
			t.Errorf("event = %+v", evt)
		}
	}
}

func TestBroadcaster_UnsubscribeTwice(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
	if b.Clients() != 0 {
		t.Errorf("Clients() = %d after unsubscribe", b.Clients())
	}
	b.Broadcast("info", "after unsub")
}

func TestBroadcaster_SlowClientDropsMessages(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < 100; i++ {
		b.Broadcast("info", "fill")
	}
	if got := len(ch); got != cap(ch) {
		t.Errorf("buffered = %d, want %d", got, cap(ch))
	}
}

func TestBroadcaster_BroadcastData(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	if err := b.BroadcastData(map[string]int{"rp": 42}); err != nil {
		t.Fatalf("BroadcastData: %v", err)
	}
	evt := receive(t, ch)
	if evt.Level != "telemetry" {
		t.Errorf("level = %q, want telemetry", evt.Level)
	}
	var data map[string]int
	if err := json.Unmarshal(evt.Data, &data); err != nil || data["rp"] != 42 {
		t.Errorf("data = %s (%v)", evt.Data, err)
	}

	if err := b.BroadcastData(func() {}); err == nil {
		t.Error("expected an error for an unencodable value")
	}
}

func TestBroadcaster_PublishOnlyWithClients(t *testing.T) {
	b := NewStatusBroadcaster()
	calls := make(chan struct{}, 100)
	snapshot := func() any {
		calls <- struct{}{}
		return struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Publish(ctx, time.Millisecond, snapshot) }()

	time.Sleep(20 * time.Millisecond)
	if len(calls) != 0 {
		t.Errorf("snapshot taken %d times without clients", len(calls))
	}

	ch, unsub := b.Subscribe()
	defer unsub()
	if evt := receive(t, ch); evt.Level != "telemetry" {
		t.Errorf("event = %+v", evt)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Publish = %v, want context.Canceled", err)
	}
}

func TestBroadcastWriter(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	w := BroadcastWriter(b)
	line := "  [INFO] ra: driver ready  \n"
	n, err := w.Write([]byte(line))
	if err != nil || n != len(line) {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if evt := receive(t, ch); evt.Msg != "[INFO] ra: driver ready" {
		t.Errorf("msg = %q", evt.Msg)
	}

	w.Write([]byte("   \n"))
	select {
	case <-ch:
		t.Error("expected no message for whitespace-only write")
	case <-time.After(50 * time.Millisecond):
	}
}
