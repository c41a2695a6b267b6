package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrClosed   = errors.New("store closed")
	ErrNotFound = errors.New("not found")
)

// Config configures the SQLite data store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Dosage is the fixed dose enumeration carried by schedules.
type Dosage string

const (
	DosageFull    Dosage = "FULL"
	DosageHalf    Dosage = "HALF"
	DosageQuarter Dosage = "QUARTER"
)

func (d Dosage) Valid() bool {
	switch d {
	case DosageFull, DosageHalf, DosageQuarter:
		return true
	}
	return false
}

// DayDaily marks a schedule that fires every day rather than on a specific
// weekday. Specific weekdays are ISO: 1 (Monday) .. 7 (Sunday).
const DayDaily = 0

// Patient owns zero or more medicines.
type Patient struct {
	ID   int64
	Name string
	Age  int
	Sex  string
}

// Medicine belongs to a patient. Deleting a medicine cascades its schedules,
// taken-records and refill-records.
type Medicine struct {
	ID          int64
	Name        string
	IllnessType string
	PatientID   int64
}

// Schedule is one weekly (or daily) dose slot for a medicine.
// Time is a local wall-clock "HH:mm"; no seconds, no timezone.
type Schedule struct {
	ID         int64
	MedicineID int64
	DayOfWeek  int // DayDaily, or 1 (Monday) .. 7 (Sunday)
	Time       string
	Dosage     Dosage
}

// Validate rejects malformed schedules before they reach disk.
func (s Schedule) Validate() error {
	if s.MedicineID <= 0 {
		return errors.New("schedule: medicine id required")
	}
	if s.DayOfWeek < DayDaily || s.DayOfWeek > 7 {
		return fmt.Errorf("schedule: day of week %d out of range", s.DayOfWeek)
	}
	if _, err := ParseTimeOfDay(s.Time); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	if !s.Dosage.Valid() {
		return fmt.Errorf("schedule: unknown dosage %q", s.Dosage)
	}
	return nil
}

// TakenRecord is one adherence fact: this schedule's dose was taken on this
// calendar day. The (medicine, schedule, date) triple is unique.
type TakenRecord struct {
	ID         int64
	MedicineID int64
	ScheduleID int64
	Date       Date
}

// RefillRecord tracks stock for a medicine. Independent of the scheduling
// engine but shares the medicine cascade-delete rule.
type RefillRecord struct {
	ID             int64
	MedicineID     int64
	WeeklyCount    int
	LastRefillDate Date
	NextRefillDate Date
	Notes          string
}

func (r RefillRecord) Validate() error {
	if r.MedicineID <= 0 {
		return errors.New("refill: medicine id required")
	}
	if r.WeeklyCount < 0 {
		return errors.New("refill: weekly count must be >= 0")
	}
	if r.NextRefillDate.Before(r.LastRefillDate) {
		return errors.New("refill: next refill date before last refill date")
	}
	return nil
}

// ---- calendar day ----

// Date is a calendar day without a time component, stored as "YYYY-MM-DD".
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func Today(loc *time.Location) Date {
	if loc == nil {
		loc = time.Local
	}
	return DateOf(time.Now().In(loc))
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) IsZero() bool { return d.Year == 0 && d.Month == 0 && d.Day == 0 }

func (d Date) Time(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) AddDays(n int) Date {
	return DateOf(d.Time(time.UTC).AddDate(0, 0, n))
}

func (d Date) Before(o Date) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

func (d Date) After(o Date) bool { return o.Before(d) }

// ---- time of day ----

// TimeOfDay is a wall-clock "HH:mm".
type TimeOfDay struct {
	Hour   int
	Minute int
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid time %q, expected HH:mm", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// On combines the time-of-day with a calendar date in the given location.
func (t TimeOfDay) On(d Date, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.Date(d.Year, d.Month, d.Day, t.Hour, t.Minute, 0, 0, loc)
}
