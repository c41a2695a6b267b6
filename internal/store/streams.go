package store

import (
	"context"

	"remindme/internal/eventbus"
)

// Streams turns store change events into snapshot subscriptions: each
// subscriber gets the current query result immediately and a fresh snapshot
// after every relevant mutation. Slow consumers miss intermediate snapshots
// but always converge on the latest one.
type Streams struct {
	store *Store
	bus   eventbus.Bus
}

func NewStreams(s *Store, bus eventbus.Bus) *Streams {
	return &Streams{store: s, bus: bus}
}

// Patients streams the patient list. The channel closes when ctx is done.
func (st *Streams) Patients(ctx context.Context) <-chan []Patient {
	return subscribe(ctx, st.bus, []string{eventbus.TypePatientsChanged},
		func(qctx context.Context) ([]Patient, error) {
			return st.store.Patients(qctx)
		})
}

// SchedulesForDay streams the schedules that fire on the given ISO weekday,
// daily schedules included.
func (st *Streams) SchedulesForDay(ctx context.Context, dayOfWeek int) <-chan []Schedule {
	return subscribe(ctx, st.bus,
		[]string{eventbus.TypeSchedulesChanged, eventbus.TypeMedicinesChanged},
		func(qctx context.Context) ([]Schedule, error) {
			return st.store.SchedulesForDay(qctx, dayOfWeek)
		})
}

// TakenForDate streams the adherence records for one calendar day.
func (st *Streams) TakenForDate(ctx context.Context, date Date) <-chan []TakenRecord {
	return subscribe(ctx, st.bus, []string{eventbus.TypeTakenChanged},
		func(qctx context.Context) ([]TakenRecord, error) {
			return st.store.TakenForDate(qctx, date)
		})
}

// RefillsForPatient streams the refill records of one patient.
func (st *Streams) RefillsForPatient(ctx context.Context, patientID int64) <-chan []RefillRecord {
	return subscribe(ctx, st.bus,
		[]string{eventbus.TypeRefillsChanged, eventbus.TypeMedicinesChanged},
		func(qctx context.Context) ([]RefillRecord, error) {
			return st.store.RefillsForPatient(qctx, patientID)
		})
}

// subscribe runs the query once up front, then re-runs it whenever one of
// the listed event types is published. Snapshots are pushed with a buffer of
// one and replace semantics: if the consumer has not drained the previous
// snapshot it is dropped in favor of the newer one.
func subscribe[T any](ctx context.Context, bus eventbus.Bus, types []string, query func(context.Context) ([]T, error)) <-chan []T {
	out := make(chan []T, 1)

	events, cancel := bus.Subscribe(16)
	relevant := make(map[string]struct{}, len(types))
	for _, t := range types {
		relevant[t] = struct{}{}
	}

	push := func() {
		snap, err := query(ctx)
		if err != nil {
			return
		}
		for {
			select {
			case out <- snap:
				return
			default:
			}
			select {
			case <-out:
			default:
			}
		}
	}

	go func() {
		defer cancel()
		defer close(out)
		push()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if _, ok := relevant[ev.Type]; !ok {
					continue
				}
				push()
			}
		}
	}()
	return out
}
