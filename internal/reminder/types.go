package reminder

import (
	"context"
	"time"

	"remindme/internal/store"
)

// Result is the outcome of one delivery attempt.
type Result int

const (
	// ResultSuccess: the reminder ran its course (acknowledged, skipped or
	// expired). The schedule re-arms at its following occurrence.
	ResultSuccess Result = iota
	// ResultRetry: a transient failure; the same occurrence should be tried
	// again shortly.
	ResultRetry
	// ResultSkip: this occurrence is permanently over (medicine deleted,
	// dose already taken). No retry; re-arm at the following occurrence if
	// the schedule still exists.
	ResultSkip
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultRetry:
		return "retry"
	case ResultSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Job is one armed occurrence handed to the fire pipeline.
type Job struct {
	Key      string
	Schedule store.Schedule
	At       time.Time
}

// FireFunc delivers one occurrence and reports how it went.
type FireFunc func(ctx context.Context, job Job) Result

// FireEvent is the bus payload for reminder milestones.
type FireEvent struct {
	Key        string
	MedicineID int64
	ScheduleID int64
	At         time.Time
}
