// Package reminder schedules medicine reminders and drives their delivery:
// occurrence math, named one-shot timers keyed by schedule, and the fire
// pipeline that rings, waits for an acknowledgment and re-arms.
package reminder

import (
	"time"

	"remindme/internal/store"
)

// NextOccurrence returns the earliest instant at or after now matching the
// schedule's day-of-week (1=Monday..7=Sunday, store.DayDaily for every day)
// and wall-clock time in loc. An occurrence exactly at now counts.
func NextOccurrence(now time.Time, dayOfWeek int, tod store.TimeOfDay, loc *time.Location) time.Time {
	now = now.In(loc)
	day := store.DateOf(now)

	for i := 0; i < 8; i++ {
		candidate := day.AddDays(i)
		if dayOfWeek != store.DayDaily && isoWeekday(candidate.Time(loc)) != dayOfWeek {
			continue
		}
		at := tod.On(candidate, loc)
		if !at.Before(now) {
			return at
		}
	}
	// Unreachable for valid inputs: eight consecutive days cover every
	// weekday, and the time-of-day on the last of them is in the future.
	return tod.On(day.AddDays(7), loc)
}

// FollowingOccurrence returns the occurrence after one that fired at the
// given instant: the next day for daily schedules, the same weekday next
// week otherwise. The wall-clock time is recombined rather than shifted by
// a fixed duration so DST transitions don't drift the reminder.
func FollowingOccurrence(fired time.Time, dayOfWeek int, tod store.TimeOfDay, loc *time.Location) time.Time {
	fired = fired.In(loc)
	day := store.DateOf(fired)
	if dayOfWeek == store.DayDaily {
		return tod.On(day.AddDays(1), loc)
	}
	return tod.On(day.AddDays(7), loc)
}

// isoWeekday maps Go's Sunday-first weekday to ISO 1=Monday..7=Sunday.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}
