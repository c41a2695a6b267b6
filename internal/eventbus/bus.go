// Package eventbus carries in-process change signals: the store announces
// mutations, delivery announces reminder outcomes, and the alert pipeline
// announces send results. Snapshot streams and the schedule reconciler
// subscribe; nothing on the bus is durable or ordered across publishers.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypePatientsChanged  = "store.patients.changed"
	TypeMedicinesChanged = "store.medicines.changed"
	TypeSchedulesChanged = "store.schedules.changed"
	TypeTakenChanged     = "store.taken.changed"
	TypeRefillsChanged   = "store.refills.changed"

	TypeReminderFired        = "reminder.fired"
	TypeReminderAcknowledged = "reminder.acknowledged"
	TypeReminderExpired      = "reminder.expired"
	TypeReminderSkipped      = "reminder.skipped"

	TypeAlertSent    = "alert.sent"
	TypeAlertFailed  = "alert.failed"
	TypeAlertDropped = "alert.dropped"
)

// Event is one signal. Time is stamped at publish when left zero. Data is
// an optional typed payload (e.g. reminder.FireEvent); subscribers that
// only care about the type may ignore it.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event, which is fine for every consumer
// here because they all re-query state rather than replay events.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory Bus with no background goroutines.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID atomic.Uint64
}

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	f.mu.RLock()
	targets := make([]chan Event, 0, len(f.subs))
	for _, ch := range f.subs {
		targets = append(targets, ch)
	}
	f.mu.RUnlock()

	for _, ch := range targets {
		deliver(ch, e)
	}
}

// deliver sends without blocking. A concurrent unsubscribe may close the
// channel between the snapshot and the send; the recover absorbs that race.
func deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := f.nextID.Add(1)

	f.mu.Lock()
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}
