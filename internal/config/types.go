package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full daemon configuration.
//
// The file may be JSON or YAML (by extension); YAML is coerced to JSON so a
// single strict decoder handles both.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Reminders RemindersConfig `json:"reminders"`
	Alerts    *AlertsConfig   `json:"alerts,omitempty"`
	Refills   *RefillsConfig  `json:"refills,omitempty"`
}

// Duration is a duration-string config field ("500ms", "10s", "1m").
// The empty string means unset; negative values are rejected everywhere,
// a timeout or backoff below zero is always a typo.
type Duration string

// Value parses the field. Unset parses to zero with no error; path names
// the field in error messages ("reminders.ack_window").
func (d Duration) Value(path string) (time.Duration, error) {
	s := strings.TrimSpace(string(d))
	if s == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, string(d), err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return v, nil
}

// ValueOr parses the field, substituting def when unset or zero.
func (d Duration) ValueOr(path string, def time.Duration) (time.Duration, error) {
	v, err := d.Value(path)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return def, nil
	}
	return v, nil
}

type TelegramConfig struct {
	Token string `json:"token"`
	// ChatID is the chat that receives reminder alerts and carries the
	// Taken/Skip acknowledgment buttons.
	ChatID      int64    `json:"chat_id"`
	PollTimeout Duration `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the SQLite data store.
// Storage changes require a restart; they are not hot-reloadable.
type StorageConfig struct {
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"`
}

// RemindersConfig controls the scheduling and delivery engine.
//
// Defaults (when fields are omitted):
//   - timezone: process-local
//   - ack_window: "10m"
//   - wake_hold_max: "10m"
//   - retry_max: 3
//   - retry_base: "500ms"
//   - watchdog_interval: "30m"
type RemindersConfig struct {
	// Timezone is an IANA TZ name (e.g. "Asia/Jakarta"). Schedules are
	// wall-clock local times in this zone.
	Timezone string `json:"timezone,omitempty"`

	// AckWindow bounds how long a fired reminder waits for Taken/Skip
	// before it expires.
	AckWindow Duration `json:"ack_window,omitempty"`

	// WakeHoldMax caps the exclusive wake hold during active delivery.
	WakeHoldMax Duration `json:"wake_hold_max,omitempty"`

	// RetryMax bounds delivery retries per fire. Omitted means 3; an
	// explicit 0 disables retries.
	RetryMax  *int     `json:"retry_max,omitempty"`
	RetryBase Duration `json:"retry_base,omitempty"`

	// WatchdogInterval is how often the engine re-derives all jobs from
	// persisted schedules to heal broken chains. "0s" disables the sweep.
	WatchdogInterval Duration `json:"watchdog_interval,omitempty"`
}

// AlertsConfig controls the outbound alert pipeline.
// If the whole section is omitted, alerts default to enabled.
type AlertsConfig struct {
	Enabled       *bool    `json:"enabled,omitempty"`
	QueueSize     int      `json:"queue_size,omitempty"`
	RatePerSec    int      `json:"rate_per_sec,omitempty"`
	RetryMax      int      `json:"retry_max,omitempty"`
	RetryBase     Duration `json:"retry_base,omitempty"`
	RetryMaxDelay Duration `json:"retry_max_delay,omitempty"`
	RingInterval  Duration `json:"ring_interval,omitempty"`
}

// RefillsConfig controls the daily refill-due sweep.
type RefillsConfig struct {
	Enabled bool `json:"enabled"`
	// DailyAt is the local HH:mm at which the sweep runs. Default "08:00".
	DailyAt string `json:"daily_at,omitempty"`
}
