package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

var logLevels = map[string]bool{
	"": true, "trace": true, "debug": true, "info": true,
	"warn": true, "warning": true, "error": true,
}

// Validate rejects configs that would misbehave at runtime: malformed
// durations, unknown storage drivers, bad cron specs, negative counts.
// It is installed as the manager's pre-commit hook so a bad hot-reload
// never reaches subscribers.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}

	if !logLevels[strings.ToLower(strings.TrimSpace(cfg.Logging.Level))] {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if !logLevels[strings.ToLower(strings.TrimSpace(cfg.Logging.Telegram.MinLevel))] {
		return fmt.Errorf("logging.telegram.min_level: unknown level %q", cfg.Logging.Telegram.MinLevel)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path: required when logging.file.enabled")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}

	if cfg.Reminders.MaxPerTarget < 0 {
		return fmt.Errorf("reminders.max_per_target: must be >= 0")
	}
	if cfg.Reminders.DefaultListLimit < 0 {
		return fmt.Errorf("reminders.default_list_limit: must be >= 0")
	}
	if _, err := ParseDurationField("reminders.dispatch_timeout", cfg.Reminders.DispatchTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("reminders.retry_rearm_delay", cfg.Reminders.RetryRearmDelay); err != nil {
		return err
	}

	if _, err := ParseDurationField("holiday.cache_ttl", cfg.Holiday.CacheTTL); err != nil {
		return err
	}
	if err := validateCronField("holiday.refresh_cron", cfg.Holiday.RefreshCron); err != nil {
		return err
	}
	if cfg.Holiday.Enabled && strings.TrimSpace(cfg.Holiday.SourceURL) != "" &&
		!strings.Contains(cfg.Holiday.SourceURL, "{year}") {
		return fmt.Errorf("holiday.source_url: missing {year} placeholder")
	}

	if cfg.Notify.Workers < 0 || cfg.Notify.QueueSize < 0 || cfg.Notify.RatePerSec < 0 || cfg.Notify.RetryMax < 0 {
		return fmt.Errorf("notify: counts must be >= 0")
	}
	if _, err := ParseDurationField("notify.retry_base", cfg.Notify.RetryBase); err != nil {
		return err
	}
	if _, err := ParseDurationField("notify.retry_max_delay", cfg.Notify.RetryMaxDelay); err != nil {
		return err
	}

	if err := validateCronField("maintenance.compact_cron", cfg.Maintenance.CompactCron); err != nil {
		return err
	}

	return nil
}

func validateCronField(path, spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%s: invalid cron spec %q: %w", path, spec, err)
	}
	return nil
}
