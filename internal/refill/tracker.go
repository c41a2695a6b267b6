// Package refill watches refill records and nudges when a medicine is due
// to be restocked.
package refill

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remindme/internal/alert"
	"remindme/internal/store"
	"remindme/internal/transport"
	logx "remindme/pkg/logx"
)

// RefillStore is the slice of the data store the tracker needs.
type RefillStore interface {
	UpcomingRefills(ctx context.Context, due store.Date) ([]store.RefillRecord, error)
	MedicineByID(ctx context.Context, id int64) (*store.Medicine, error)
}

// Notifier is the outbound side; refill notices are low urgency and go
// through the async pipeline.
type Notifier interface {
	Notify(ctx context.Context, a alert.Alert) error
}

type Config struct {
	Enabled bool
	// DailyAt is the local wall-clock time of the daily sweep, "HH:mm".
	DailyAt  string
	Location *time.Location
	Target   transport.ChatTarget
}

// Tracker runs a daily sweep over refill records and alerts for every
// medicine whose next refill date is today or already behind.
type Tracker struct {
	cfg      Config
	log      logx.Logger
	store    RefillStore
	notifier Notifier

	mu   sync.Mutex
	cron *cron.Cron
}

func NewTracker(cfg Config, st RefillStore, n Notifier, log logx.Logger) *Tracker {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.DailyAt == "" {
		cfg.DailyAt = "09:00"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{cfg: cfg, log: log, store: st, notifier: n}
}

func (t *Tracker) Start(ctx context.Context) error {
	if !t.cfg.Enabled {
		return nil
	}
	tod, err := store.ParseTimeOfDay(t.cfg.DailyAt)
	if err != nil {
		return fmt.Errorf("refill sweep time: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cron != nil {
		return nil
	}
	t.cron = cron.New(cron.WithLocation(t.cfg.Location))
	spec := fmt.Sprintf("%d %d * * *", tod.Minute, tod.Hour)
	if _, err := t.cron.AddFunc(spec, func() {
		if err := t.Sweep(ctx); err != nil {
			t.log.Warn("refill sweep failed", logx.Err(err))
		}
	}); err != nil {
		t.cron = nil
		return err
	}
	t.cron.Start()
	t.log.Info("refill tracker started", logx.String("daily_at", t.cfg.DailyAt))
	return nil
}

func (t *Tracker) Stop() {
	t.mu.Lock()
	c := t.cron
	t.cron = nil
	t.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Sweep alerts once for every refill due on or before today.
func (t *Tracker) Sweep(ctx context.Context) error {
	today := store.Today(t.cfg.Location)
	due, err := t.store.UpcomingRefills(ctx, today)
	if err != nil {
		return err
	}
	for _, r := range due {
		med, err := t.store.MedicineByID(ctx, r.MedicineID)
		if err != nil {
			t.log.Warn("refill medicine lookup failed",
				logx.Int64("medicine_id", r.MedicineID), logx.Err(err))
			continue
		}
		if med == nil {
			// Refill row outlived its medicine; cascade should prevent this.
			continue
		}

		text := fmt.Sprintf("Refill due: %s (next refill %s, %d doses/week)",
			med.Name, r.NextRefillDate, r.WeeklyCount)
		if r.NextRefillDate.Before(today) {
			text = fmt.Sprintf("Refill overdue: %s (was due %s)", med.Name, r.NextRefillDate)
		}

		if err := t.notifier.Notify(ctx, alert.Alert{
			Priority: 5,
			Target:   t.cfg.Target,
			Text:     text,
			Options:  &transport.SendOptions{Silent: true},
		}); err != nil {
			t.log.Warn("refill notice failed", logx.Int64("medicine_id", med.ID), logx.Err(err))
		}
	}
	if len(due) > 0 {
		t.log.Info("refill sweep done", logx.Int("due", len(due)))
	}
	return nil
}
