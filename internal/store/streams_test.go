package store

import (
	"context"
	"testing"
	"time"

	"remindme/internal/eventbus"
)

func waitSnapshot[T any](t *testing.T, ch <-chan []T) []T {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatal("stream closed unexpectedly")
		}
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return nil
}

func TestPatientsStreamRefreshesOnChange(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s := openTestStore(t, bus)
	streams := NewStreams(s, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := streams.Patients(ctx)
	if initial := waitSnapshot(t, ch); len(initial) != 0 {
		t.Fatalf("expected empty initial snapshot, got %d patients", len(initial))
	}

	if _, err := s.InsertPatient(ctx, Patient{Name: "Ana", Age: 64, Sex: "F"}); err != nil {
		t.Fatalf("insert patient: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ch:
			if len(snap) == 1 && snap[0].Name == "Ana" {
				return
			}
		case <-deadline:
			t.Fatal("never observed the inserted patient")
		}
	}
}

func TestSchedulesForDayStreamSeesLatestOnly(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s := openTestStore(t, bus)
	streams := NewStreams(s, bus)
	_, mid := seedMedicine(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := streams.SchedulesForDay(ctx, 1)
	waitSnapshot(t, ch)

	// Burst of mutations while the consumer is not draining. The stream must
	// still converge on the final state.
	bctx := context.Background()
	for _, tm := range []string{"06:00", "07:00", "08:00"} {
		if _, err := s.InsertSchedule(bctx, Schedule{MedicineID: mid, DayOfWeek: 1, Time: tm, Dosage: DosageFull}); err != nil {
			t.Fatalf("insert schedule %s: %v", tm, err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ch:
			if len(snap) == 3 {
				return
			}
		case <-deadline:
			t.Fatal("stream never converged on all three schedules")
		}
	}
}

func TestStreamClosesOnContextCancel(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s := openTestStore(t, bus)
	streams := NewStreams(s, bus)

	ctx, cancel := context.WithCancel(context.Background())
	ch := streams.Patients(ctx)
	waitSnapshot(t, ch)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			// One buffered snapshot may still be in flight; the next receive
			// must observe the close.
			if _, ok := <-ch; ok {
				t.Fatal("stream still open after cancel")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after cancel")
	}
}
