package reminder

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remindme/internal/eventbus"
	"remindme/internal/store"
	logx "remindme/pkg/logx"
)

// ScheduleStore is the slice of the data store the scheduler needs.
type ScheduleStore interface {
	Schedules(ctx context.Context) ([]store.Schedule, error)
	ScheduleByID(ctx context.Context, id int64) (*store.Schedule, error)
}

type SchedulerConfig struct {
	Location         *time.Location
	RetryMax         int
	RetryBase        time.Duration
	WatchdogInterval time.Duration
}

func (c SchedulerConfig) normalize() SchedulerConfig {
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 30 * time.Minute
	}
	return c
}

// Scheduler keeps one named one-shot timer armed per schedule key.
// Re-installing a key replaces its timer; a version counter makes stale
// timer callbacks harmless. After each delivery the schedule re-arms itself
// at its following occurrence, and a periodic watchdog reconciles the armed
// set against the store in case a timer was ever lost.
type Scheduler struct {
	cfg   SchedulerConfig
	log   logx.Logger
	store ScheduleStore
	bus   eventbus.Bus
	fire  FireFunc

	mu      sync.Mutex
	entries map[string]*entry
	running bool

	runCtx    context.Context
	runCancel context.CancelFunc
	fireWG    sync.WaitGroup
	cron      *cron.Cron
}

type entry struct {
	key      string
	schedule store.Schedule
	tod      store.TimeOfDay
	at       time.Time
	ver      uint64
	timer    *time.Timer
	attempts int
}

func NewScheduler(cfg SchedulerConfig, st ScheduleStore, fire FireFunc, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:     cfg.normalize(),
		log:     log,
		store:   st,
		bus:     bus,
		fire:    fire,
		entries: map[string]*entry{},
	}
}

// Start arms the watchdog and begins accepting installs. Boot recovery is
// the caller's move: call Recover right after Start.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	runCtx := s.runCtx

	s.cron = cron.New(cron.WithLocation(s.cfg.Location))
	_, err := s.cron.AddFunc("@every "+s.cfg.WatchdogInterval.String(), func() {
		if err := s.Recover(runCtx); err != nil {
			s.log.Warn("watchdog reconcile failed", logx.Err(err))
		}
	})
	s.cron.Start()
	s.mu.Unlock()

	if err != nil {
		s.log.Error("watchdog registration failed", logx.Err(err))
	}
	s.log.Info("scheduler started",
		logx.String("tz", s.cfg.Location.String()),
		logx.Duration("watchdog", s.cfg.WatchdogInterval))
}

// Stop disarms everything and waits for in-flight deliveries up to ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	if s.cron != nil {
		c := s.cron
		s.cron = nil
		defer func() { <-c.Stop().Done() }()
	}
	for key, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, key)
	}
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.fireWG.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
	s.log.Info("scheduler stopped")
}

// Install arms (or replaces) the timer for one schedule at its next
// occurrence. Safe to call again after edits: same key, fresh timer.
func (s *Scheduler) Install(sched store.Schedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}
	tod, err := store.ParseTimeOfDay(sched.Time)
	if err != nil {
		return err
	}
	at := NextOccurrence(time.Now(), sched.DayOfWeek, tod, s.cfg.Location)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.armLocked(sched, tod, at, 0)
	return nil
}

// armLocked upserts the entry for the schedule's key and (re)starts its
// timer. The bumped version makes callbacks from the replaced timer no-ops.
func (s *Scheduler) armLocked(sched store.Schedule, tod store.TimeOfDay, at time.Time, attempts int) {
	key := JobKey(sched.MedicineID, tod, sched.DayOfWeek)
	e, ok := s.entries[key]
	if ok && e.timer != nil {
		e.timer.Stop()
	}
	if !ok {
		e = &entry{key: key}
		s.entries[key] = e
	}
	e.schedule = sched
	e.tod = tod
	e.at = at
	e.ver++
	e.attempts = attempts
	ver := e.ver

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	e.timer = time.AfterFunc(delay, func() { s.onFire(key, ver) })

	s.log.Debug("reminder armed",
		logx.String("key", key),
		logx.Time("at", at),
		logx.Int("attempts", attempts))
}

func (s *Scheduler) onFire(key string, ver uint64) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.ver != ver || !s.running {
		s.mu.Unlock()
		return
	}
	job := Job{Key: key, Schedule: e.schedule, At: e.at}
	attempts := e.attempts
	runCtx := s.runCtx
	s.fireWG.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.fireWG.Done()
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderFired, Data: FireEvent{
				Key: key, MedicineID: job.Schedule.MedicineID, ScheduleID: job.Schedule.ID, At: job.At,
			}})
		}
		res := s.fire(runCtx, job)
		s.rearm(runCtx, job, ver, attempts, res)
	}()
}

// rearm decides what happens after a delivery attempt: retry the same
// occurrence with backoff, or move to the following occurrence. Schedules
// gone from the store drop out of the armed set.
func (s *Scheduler) rearm(ctx context.Context, job Job, ver uint64, attempts int, res Result) {
	if ctx != nil && ctx.Err() != nil {
		return
	}

	if res == ResultRetry && attempts < s.cfg.RetryMax {
		tod, terr := store.ParseTimeOfDay(job.Schedule.Time)
		if terr != nil {
			return
		}
		delay := s.cfg.RetryBase << uint(attempts)
		at := time.Now().Add(delay)
		// Never let retries of this occurrence spill past the next one.
		next := FollowingOccurrence(job.At, job.Schedule.DayOfWeek, tod, s.cfg.Location)
		if at.After(next) {
			at = next
		}
		s.mu.Lock()
		if s.running {
			if e, ok := s.entries[job.Key]; ok && e.ver == ver {
				s.armLocked(job.Schedule, e.tod, at, attempts+1)
			}
		}
		s.mu.Unlock()
		return
	}

	current, err := s.store.ScheduleByID(ctx, job.Schedule.ID)
	if err != nil {
		s.log.Warn("re-arm lookup failed", logx.String("key", job.Key), logx.Err(err))
		current = &job.Schedule // fall back to the last known definition
	}
	if current == nil {
		s.mu.Lock()
		if e, ok := s.entries[job.Key]; ok && e.ver == ver {
			if e.timer != nil {
				e.timer.Stop()
			}
			delete(s.entries, job.Key)
		}
		s.mu.Unlock()
		s.log.Info("schedule gone, disarmed", logx.String("key", job.Key))
		return
	}

	tod, terr := store.ParseTimeOfDay(current.Time)
	if terr != nil {
		s.log.Error("stored schedule has invalid time", logx.Int64("schedule_id", current.ID), logx.Err(terr))
		return
	}
	at := FollowingOccurrence(job.At, current.DayOfWeek, tod, s.cfg.Location)
	if !at.After(time.Now()) {
		// Delivery outlived the next slot (long outage); skip forward.
		at = NextOccurrence(time.Now().Add(time.Second), current.DayOfWeek, tod, s.cfg.Location)
	}

	s.mu.Lock()
	if s.running {
		if e, ok := s.entries[job.Key]; !ok || e.ver == ver {
			s.armLocked(*current, tod, at, 0)
		}
	}
	s.mu.Unlock()
}

// CancelSchedule disarms the key belonging to one schedule row.
func (s *Scheduler) CancelSchedule(sched store.Schedule) bool {
	tod, err := store.ParseTimeOfDay(sched.Time)
	if err != nil {
		return false
	}
	return s.cancelKey(JobKey(sched.MedicineID, tod, sched.DayOfWeek))
}

func (s *Scheduler) cancelKey(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(s.entries, key)
	return true
}

// CancelMedicine disarms every key of one medicine.
func (s *Scheduler) CancelMedicine(medicineID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, e := range s.entries {
		if e.schedule.MedicineID != medicineID {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, key)
		n++
	}
	return n
}

// CancelAll disarms everything.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	for key, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, key)
	}
	return n
}

// Recover reconciles the armed set against the store: every stored schedule
// gets a timer, keys with no backing schedule are disarmed. Run at boot and
// periodically from the watchdog.
func (s *Scheduler) Recover(ctx context.Context) error {
	schedules, err := s.store.Schedules(ctx)
	if err != nil {
		return err
	}

	wanted := map[string]store.Schedule{}
	for _, sched := range schedules {
		tod, err := store.ParseTimeOfDay(sched.Time)
		if err != nil {
			s.log.Warn("skipping schedule with invalid time",
				logx.Int64("schedule_id", sched.ID), logx.Err(err))
			continue
		}
		wanted[JobKey(sched.MedicineID, tod, sched.DayOfWeek)] = sched
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	installed, removed := 0, 0
	for key, e := range s.entries {
		if _, ok := wanted[key]; ok {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, key)
		removed++
	}
	now := time.Now()
	for key, sched := range wanted {
		if _, ok := s.entries[key]; ok {
			continue
		}
		tod, _ := store.ParseTimeOfDay(sched.Time)
		s.armLocked(sched, tod, NextOccurrence(now, sched.DayOfWeek, tod, s.cfg.Location), 0)
		installed++
	}
	total := len(s.entries)
	s.mu.Unlock()

	if installed > 0 || removed > 0 {
		s.log.Info("schedules reconciled",
			logx.Int("installed", installed),
			logx.Int("removed", removed),
			logx.Int("armed", total))
	}
	return nil
}

// Snapshot lists the currently armed occurrences in no particular order.
func (s *Scheduler) Snapshot() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Job{Key: e.key, Schedule: e.schedule, At: e.at})
	}
	return out
}
