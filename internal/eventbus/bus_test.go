package eventbus

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	t.Parallel()

	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: TypeSchedulesChanged})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != TypeSchedulesChanged {
				t.Errorf("subscriber %d got %q", i, ev.Type)
			}
			if ev.Time.IsZero() {
				t.Errorf("subscriber %d got zero timestamp", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TypeTakenChanged})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	// The buffer held one event; the rest were dropped.
	if got := len(ch); got != 1 {
		t.Errorf("buffered events = %d, want 1", got)
	}
}

func TestUnsubscribeStopsDeliveryAndClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub() // idempotent

	b.Publish(Event{Type: TypeMedicinesChanged})

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received an event after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}
