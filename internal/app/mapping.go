package app

import (
	"fmt"
	"strings"
	"time"

	"remindme/internal/alert"
	"remindme/internal/config"
	"remindme/internal/refill"
	"remindme/internal/store"
	"remindme/internal/transport"
)

// remindersSettings is the parsed form of config.RemindersConfig.
type remindersSettings struct {
	ackWindow        time.Duration
	wakeHoldMax      time.Duration
	retryMax         int
	retryBase        time.Duration
	watchdogInterval time.Duration
}

func mapRemindersConfig(cfg *config.Config) (remindersSettings, error) {
	r := cfg.Reminders
	out := remindersSettings{retryMax: 3}

	var err error
	if out.ackWindow, err = r.AckWindow.ValueOr("reminders.ack_window", 10*time.Minute); err != nil {
		return out, err
	}
	if out.wakeHoldMax, err = r.WakeHoldMax.ValueOr("reminders.wake_hold_max", 10*time.Minute); err != nil {
		return out, err
	}
	if out.retryBase, err = r.RetryBase.ValueOr("reminders.retry_base", 500*time.Millisecond); err != nil {
		return out, err
	}
	if out.watchdogInterval, err = r.WatchdogInterval.ValueOr("reminders.watchdog_interval", 30*time.Minute); err != nil {
		return out, err
	}
	// An explicit retry_max of 0 disables retries; only an absent field
	// gets the default.
	if r.RetryMax != nil {
		if *r.RetryMax < 0 {
			return out, fmt.Errorf("reminders.retry_max must be >= 0")
		}
		out.retryMax = *r.RetryMax
	}
	return out, nil
}

func mapAlertsConfig(cfg *config.Config) (alert.Config, error) {
	out := alert.Config{Enabled: true}
	a := cfg.Alerts
	if a == nil {
		return out, nil
	}
	if a.Enabled != nil {
		out.Enabled = *a.Enabled
	}
	out.QueueSize = a.QueueSize
	out.RatePerSec = a.RatePerSec
	out.RetryMax = a.RetryMax

	var err error
	if out.RetryBase, err = a.RetryBase.Value("alerts.retry_base"); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = a.RetryMaxDelay.Value("alerts.retry_max_delay"); err != nil {
		return out, err
	}
	if out.RingInterval, err = a.RingInterval.Value("alerts.ring_interval"); err != nil {
		return out, err
	}
	if out.QueueSize < 0 {
		return out, fmt.Errorf("alerts.queue_size must be >= 0")
	}
	if out.RatePerSec < 0 {
		return out, fmt.Errorf("alerts.rate_per_sec must be >= 0")
	}
	if out.RetryMax < 0 {
		return out, fmt.Errorf("alerts.retry_max must be >= 0")
	}
	return out, nil
}

func mapRefillsConfig(cfg *config.Config, loc *time.Location, target transport.ChatTarget) (refill.Config, error) {
	out := refill.Config{Location: loc, Target: target, DailyAt: "08:00"}
	r := cfg.Refills
	if r == nil {
		return out, nil
	}
	out.Enabled = r.Enabled
	if s := strings.TrimSpace(r.DailyAt); s != "" {
		if _, err := store.ParseTimeOfDay(s); err != nil {
			return out, fmt.Errorf("refills.daily_at: %w", err)
		}
		out.DailyAt = s
	}
	return out, nil
}

// validateConfig gates hot reloads: a config that fails here is never
// committed or published.
func validateConfig(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if cfg.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram.chat_id is required")
	}
	if _, err := cfg.Telegram.PollTimeout.Value("telegram.poll_timeout"); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := cfg.Storage.BusyTimeout.Value("storage.busy_timeout"); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Reminders.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("reminders.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapRemindersConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAlertsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRefillsConfig(cfg, time.UTC, transport.ChatTarget{}); err != nil {
		return err
	}
	return nil
}
