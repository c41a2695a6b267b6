// Package adherence records whether scheduled doses were actually taken.
package adherence

import (
	"context"
	"time"

	"remindme/internal/store"
	logx "remindme/pkg/logx"
)

// TakenStore is the slice of the data store the recorder needs.
type TakenStore interface {
	InsertTaken(ctx context.Context, t store.TakenRecord) error
	TakenExists(ctx context.Context, medicineID, scheduleID int64, date store.Date) (bool, error)
	PurgeTakenBefore(ctx context.Context, cutoff store.Date) (int64, error)
}

type Recorder struct {
	store TakenStore
	log   logx.Logger
	loc   *time.Location
}

func NewRecorder(s TakenStore, loc *time.Location, log logx.Logger) *Recorder {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: s, log: log, loc: loc}
}

// RecordTaken marks the dose for today as taken. Duplicate acknowledgments
// land on the store's unique constraint and are silently absorbed.
func (r *Recorder) RecordTaken(ctx context.Context, medicineID, scheduleID int64) error {
	today := store.Today(r.loc)
	if err := r.store.InsertTaken(ctx, store.TakenRecord{
		MedicineID: medicineID,
		ScheduleID: scheduleID,
		Date:       today,
	}); err != nil {
		return err
	}
	r.log.Info("dose recorded as taken",
		logx.Int64("medicine_id", medicineID),
		logx.Int64("schedule_id", scheduleID),
		logx.String("date", today.String()))
	return nil
}

// IsTakenToday reports whether the dose has already been acknowledged today.
func (r *Recorder) IsTakenToday(ctx context.Context, medicineID, scheduleID int64) (bool, error) {
	return r.store.TakenExists(ctx, medicineID, scheduleID, store.Today(r.loc))
}

// PurgeStale removes records older than yesterday. Yesterday's records stay
// so a reminder firing just after midnight can still see the previous day.
func (r *Recorder) PurgeStale(ctx context.Context) error {
	cutoff := store.Today(r.loc).AddDays(-1)
	n, err := r.store.PurgeTakenBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		r.log.Info("stale adherence records purged",
			logx.Int64("count", n), logx.String("cutoff", cutoff.String()))
	}
	return nil
}
