package reminder

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"remindme/internal/store"
	logx "remindme/pkg/logx"
)

type fakeSchedStore struct {
	mu        sync.Mutex
	schedules map[int64]store.Schedule
}

func newFakeSchedStore(schedules ...store.Schedule) *fakeSchedStore {
	f := &fakeSchedStore{schedules: map[int64]store.Schedule{}}
	for _, s := range schedules {
		f.schedules[s.ID] = s
	}
	return f
}

func (f *fakeSchedStore) Schedules(context.Context) ([]store.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Schedule, 0, len(f.schedules))
	for _, s := range f.schedules {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeSchedStore) ScheduleByID(_ context.Context, id int64) (*store.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.schedules[id]; ok {
		return &s, nil
	}
	return nil, nil
}

func (f *fakeSchedStore) remove(id int64) {
	f.mu.Lock()
	delete(f.schedules, id)
	f.mu.Unlock()
}

func testScheduler(t *testing.T, st ScheduleStore, fire FireFunc) *Scheduler {
	t.Helper()
	s := NewScheduler(SchedulerConfig{
		Location:         time.UTC,
		RetryMax:         3,
		RetryBase:        time.Minute,
		WatchdogInterval: time.Hour,
	}, st, fire, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		s.Stop(sctx)
		cancel()
	})
	return s
}

func noFire(t *testing.T) FireFunc {
	return func(context.Context, Job) Result {
		t.Error("unexpected fire")
		return ResultSkip
	}
}

func sched(id, medID int64, dow int, at string) store.Schedule {
	return store.Schedule{ID: id, MedicineID: medID, DayOfWeek: dow, Time: at, Dosage: store.DosageFull}
}

func entryState(s *Scheduler, key string) (at time.Time, ver uint64, attempts int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return time.Time{}, 0, 0, false
	}
	return e.at, e.ver, e.attempts, true
}

func TestInstallReplacesByKey(t *testing.T) {
	t.Parallel()
	s := testScheduler(t, newFakeSchedStore(), noFire(t))

	if err := s.Install(sched(1, 9, 1, "08:00")); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := s.Install(sched(2, 9, 1, "08:00")); err != nil {
		t.Fatalf("reinstall: %v", err)
	}

	jobs := s.Snapshot()
	if len(jobs) != 1 {
		t.Fatalf("same key must hold one slot, got %d", len(jobs))
	}
	if jobs[0].Key != "9_08:00_1" {
		t.Errorf("unexpected key %q", jobs[0].Key)
	}
	if jobs[0].Schedule.ID != 2 {
		t.Errorf("replacement should win, got schedule %d", jobs[0].Schedule.ID)
	}
}

func TestRecoverArmsAllAndDropsOrphans(t *testing.T) {
	t.Parallel()
	st := newFakeSchedStore(
		sched(1, 9, 1, "08:00"),
		sched(2, 9, store.DayDaily, "21:00"),
		sched(3, 10, 5, "12:30"),
	)
	s := testScheduler(t, st, noFire(t))

	// Arm a key whose schedule no longer exists.
	if err := s.Install(sched(4, 99, 2, "10:00")); err != nil {
		t.Fatalf("install orphan: %v", err)
	}

	if err := s.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	jobs := s.Snapshot()
	if len(jobs) != 3 {
		t.Fatalf("expected 3 armed jobs after recover, got %d", len(jobs))
	}
	for _, j := range jobs {
		if j.Schedule.MedicineID == 99 {
			t.Error("orphan key survived reconcile")
		}
		if !j.At.After(time.Now().Add(-time.Second)) {
			t.Errorf("job %s armed in the past: %v", j.Key, j.At)
		}
	}
}

func TestRecoverIsIdempotent(t *testing.T) {
	t.Parallel()
	st := newFakeSchedStore(sched(1, 9, 1, "08:00"))
	s := testScheduler(t, st, noFire(t))

	if err := s.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	_, ver1, _, _ := entryState(s, "9_08:00_1")
	if err := s.Recover(context.Background()); err != nil {
		t.Fatalf("second recover: %v", err)
	}
	_, ver2, _, ok := entryState(s, "9_08:00_1")
	if !ok {
		t.Fatal("entry vanished")
	}
	if ver1 != ver2 {
		t.Fatal("recover must not re-arm already armed keys")
	}
	if len(s.Snapshot()) != 1 {
		t.Fatal("duplicate entries after repeated recover")
	}
}

func TestFireRearmsAtFollowingOccurrence(t *testing.T) {
	t.Parallel()
	st := newFakeSchedStore(sched(1, 9, store.DayDaily, "07:00"))
	var fired atomic.Int32
	s := testScheduler(t, st, func(_ context.Context, job Job) Result {
		fired.Add(1)
		return ResultSuccess
	})

	if err := s.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	key := "9_07:00_daily"
	before, ver, _, ok := entryState(s, key)
	if !ok {
		t.Fatal("entry missing")
	}

	s.onFire(key, ver)

	deadline := time.After(2 * time.Second)
	for {
		at, ver2, attempts, ok := entryState(s, key)
		if ok && ver2 > ver {
			if fired.Load() != 1 {
				t.Fatalf("fire count = %d", fired.Load())
			}
			if !at.After(before) {
				t.Fatalf("re-armed at %v, not after previous %v", at, before)
			}
			if attempts != 0 {
				t.Fatalf("attempts should reset, got %d", attempts)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("never re-armed after fire")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestFireStaleVersionIgnored(t *testing.T) {
	t.Parallel()
	st := newFakeSchedStore(sched(1, 9, 1, "08:00"))
	s := testScheduler(t, st, noFire(t))
	if err := s.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	key := "9_08:00_1"
	_, ver, _, _ := entryState(s, key)
	s.onFire(key, ver+100)
	time.Sleep(20 * time.Millisecond) // noFire would flag any delivery
}

func TestRetryBacksOffThenResets(t *testing.T) {
	t.Parallel()
	st := newFakeSchedStore(sched(1, 9, store.DayDaily, "07:00"))
	var fired atomic.Int32
	s := testScheduler(t, st, func(context.Context, Job) Result {
		fired.Add(1)
		return ResultRetry
	})
	if err := s.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	key := "9_07:00_daily"
	_, ver, _, _ := entryState(s, key)

	s.onFire(key, ver)

	deadline := time.After(2 * time.Second)
	for {
		at, ver2, attempts, ok := entryState(s, key)
		if ok && ver2 > ver {
			if attempts != 1 {
				t.Fatalf("attempts = %d, want 1", attempts)
			}
			// Retry slot lands close to now, not a day out.
			if time.Until(at) > 2*time.Minute {
				t.Fatalf("retry armed too far out: %v", at)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("never re-armed for retry")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDeletedScheduleDisarmsAfterFire(t *testing.T) {
	t.Parallel()
	st := newFakeSchedStore(sched(1, 9, store.DayDaily, "07:00"))
	s := testScheduler(t, st, func(context.Context, Job) Result {
		return ResultSkip
	})
	if err := s.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	key := "9_07:00_daily"
	_, ver, _, _ := entryState(s, key)

	st.remove(1)
	s.onFire(key, ver)

	deadline := time.After(2 * time.Second)
	for {
		if _, _, _, ok := entryState(s, key); !ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("deleted schedule never disarmed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCancelMedicine(t *testing.T) {
	t.Parallel()
	s := testScheduler(t, newFakeSchedStore(), noFire(t))
	for _, sc := range []store.Schedule{
		sched(1, 9, 1, "08:00"),
		sched(2, 9, store.DayDaily, "21:00"),
		sched(3, 10, 2, "09:00"),
	} {
		if err := s.Install(sc); err != nil {
			t.Fatalf("install: %v", err)
		}
	}

	if n := s.CancelMedicine(9); n != 2 {
		t.Fatalf("cancelled %d keys, want 2", n)
	}
	jobs := s.Snapshot()
	if len(jobs) != 1 || jobs[0].Schedule.MedicineID != 10 {
		t.Fatalf("unexpected survivors: %+v", jobs)
	}
	if n := s.CancelAll(); n != 1 {
		t.Fatalf("cancel all removed %d, want 1", n)
	}
}
