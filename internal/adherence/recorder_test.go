package adherence

import (
	"context"
	"sync"
	"testing"
	"time"

	"remindme/internal/store"
	logx "remindme/pkg/logx"
)

type memTakenStore struct {
	mu      sync.Mutex
	records map[[2]int64]map[string]bool
}

func newMemTakenStore() *memTakenStore {
	return &memTakenStore{records: map[[2]int64]map[string]bool{}}
}

func (m *memTakenStore) InsertTaken(_ context.Context, t store.TakenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := [2]int64{t.MedicineID, t.ScheduleID}
	if m.records[k] == nil {
		m.records[k] = map[string]bool{}
	}
	m.records[k][t.Date.String()] = true
	return nil
}

func (m *memTakenStore) TakenExists(_ context.Context, medicineID, scheduleID int64, date store.Date) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[[2]int64{medicineID, scheduleID}][date.String()], nil
}

func (m *memTakenStore) PurgeTakenBefore(_ context.Context, cutoff store.Date) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, byDate := range m.records {
		for raw := range byDate {
			d, err := store.ParseDate(raw)
			if err != nil {
				return n, err
			}
			if d.Before(cutoff) {
				delete(byDate, raw)
				n++
			}
		}
	}
	return n, nil
}

func TestRecordThenQuery(t *testing.T) {
	t.Parallel()
	ts := newMemTakenStore()
	rec := NewRecorder(ts, time.UTC, logx.Nop())
	ctx := context.Background()

	taken, err := rec.IsTakenToday(ctx, 7, 3)
	if err != nil || taken {
		t.Fatalf("fresh dose should not be taken: taken=%v err=%v", taken, err)
	}
	if err := rec.RecordTaken(ctx, 7, 3); err != nil {
		t.Fatalf("record: %v", err)
	}
	// Recording again must stay quiet.
	if err := rec.RecordTaken(ctx, 7, 3); err != nil {
		t.Fatalf("duplicate record: %v", err)
	}
	taken, err = rec.IsTakenToday(ctx, 7, 3)
	if err != nil || !taken {
		t.Fatalf("dose should be taken: taken=%v err=%v", taken, err)
	}
	// Another schedule of the same medicine is independent.
	taken, err = rec.IsTakenToday(ctx, 7, 4)
	if err != nil || taken {
		t.Fatalf("other schedule should be untouched: taken=%v err=%v", taken, err)
	}
}

func TestPurgeStaleKeepsYesterday(t *testing.T) {
	t.Parallel()
	ts := newMemTakenStore()
	rec := NewRecorder(ts, time.UTC, logx.Nop())
	ctx := context.Background()

	today := store.Today(time.UTC)
	for _, d := range []store.Date{today.AddDays(-3), today.AddDays(-1), today} {
		if err := ts.InsertTaken(ctx, store.TakenRecord{MedicineID: 1, ScheduleID: 1, Date: d}); err != nil {
			t.Fatalf("seed %s: %v", d, err)
		}
	}

	if err := rec.PurgeStale(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}

	for _, tc := range []struct {
		d    store.Date
		want bool
	}{
		{today.AddDays(-3), false},
		{today.AddDays(-1), true},
		{today, true},
	} {
		got, err := ts.TakenExists(ctx, 1, 1, tc.d)
		if err != nil {
			t.Fatalf("exists %s: %v", tc.d, err)
		}
		if got != tc.want {
			t.Errorf("date %s: exists=%v want %v", tc.d, got, tc.want)
		}
	}
}
