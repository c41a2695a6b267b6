package refill

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"remindme/internal/alert"
	"remindme/internal/store"
	logx "remindme/pkg/logx"
)

type fakeRefillStore struct {
	refills   []store.RefillRecord
	medicines map[int64]store.Medicine
}

func (f *fakeRefillStore) UpcomingRefills(_ context.Context, due store.Date) ([]store.RefillRecord, error) {
	var out []store.RefillRecord
	for _, r := range f.refills {
		if !r.NextRefillDate.After(due) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRefillStore) MedicineByID(_ context.Context, id int64) (*store.Medicine, error) {
	if m, ok := f.medicines[id]; ok {
		return &m, nil
	}
	return nil, nil
}

type captureNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (c *captureNotifier) Notify(_ context.Context, a alert.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, a.Text)
	return nil
}

func TestSweepAlertsDueAndOverdue(t *testing.T) {
	t.Parallel()
	today := store.Today(time.UTC)
	fs := &fakeRefillStore{
		refills: []store.RefillRecord{
			{ID: 1, MedicineID: 9, WeeklyCount: 7, LastRefillDate: today.AddDays(-9), NextRefillDate: today.AddDays(-2)},
			{ID: 2, MedicineID: 10, WeeklyCount: 14, LastRefillDate: today.AddDays(-7), NextRefillDate: today},
			{ID: 3, MedicineID: 11, WeeklyCount: 7, LastRefillDate: today, NextRefillDate: today.AddDays(5)},
		},
		medicines: map[int64]store.Medicine{
			9:  {ID: 9, Name: "Metformin"},
			10: {ID: 10, Name: "Lisinopril"},
			11: {ID: 11, Name: "Aspirin"},
		},
	}
	n := &captureNotifier{}
	tr := NewTracker(Config{Enabled: true, Location: time.UTC}, fs, n, logx.Nop())

	if err := tr.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.texts) != 2 {
		t.Fatalf("expected 2 notices, got %d: %v", len(n.texts), n.texts)
	}
	joined := strings.Join(n.texts, "\n")
	if !strings.Contains(joined, "overdue: Metformin") {
		t.Errorf("overdue refill not flagged: %v", n.texts)
	}
	if !strings.Contains(joined, "due: Lisinopril") {
		t.Errorf("due-today refill missing: %v", n.texts)
	}
	if strings.Contains(joined, "Aspirin") {
		t.Errorf("future refill should stay quiet: %v", n.texts)
	}
}

func TestSweepSkipsOrphanedRefills(t *testing.T) {
	t.Parallel()
	today := store.Today(time.UTC)
	fs := &fakeRefillStore{
		refills: []store.RefillRecord{
			{ID: 1, MedicineID: 99, WeeklyCount: 7, LastRefillDate: today.AddDays(-7), NextRefillDate: today},
		},
		medicines: map[int64]store.Medicine{},
	}
	n := &captureNotifier{}
	tr := NewTracker(Config{Enabled: true, Location: time.UTC}, fs, n, logx.Nop())

	if err := tr.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(n.texts) != 0 {
		t.Fatalf("orphaned refill produced notices: %v", n.texts)
	}
}

func TestStartRejectsBadSweepTime(t *testing.T) {
	t.Parallel()
	tr := NewTracker(Config{Enabled: true, DailyAt: "25:99", Location: time.UTC}, &fakeRefillStore{}, &captureNotifier{}, logx.Nop())
	if err := tr.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid sweep time")
	}
}
