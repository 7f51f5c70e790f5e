package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"rembot/internal/dispatch"
	"rembot/internal/engine"
	"rembot/internal/holiday"
	"rembot/internal/notify"
	"rembot/internal/storage"
	kit "rembot/internal/transport"
	logx "rembot/pkg/logx"
)

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	path := strings.TrimSpace(cfg.Storage.Path)
	switch driver {
	case "", "file":
		if path == "" {
			path = "./rembot_store"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
}

func mapEngineConfig(cfg *Config) engine.Config {
	return engine.Config{MaxPerTarget: cfg.Reminders.MaxPerTarget}
}

func mapDispatchConfig(cfg *Config) (dispatch.Config, error) {
	dt, err := parseDurationField("reminders.dispatch_timeout", cfg.Reminders.DispatchTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	rd, err := parseDurationField("reminders.retry_rearm_delay", cfg.Reminders.RetryRearmDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{DispatchTimeout: dt, RetryRearmDelay: rd}, nil
}

// mapNotifyConfig leaves dedup off: a daily reminder legitimately repeats
// the same text to the same chat.
func mapNotifyConfig(cfg *Config) (notify.Config, error) {
	base, err := parseDurationField("notify.retry_base", cfg.Notify.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	maxDelay, err := parseDurationField("notify.retry_max_delay", cfg.Notify.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Workers:       cfg.Notify.Workers,
		QueueSize:     cfg.Notify.QueueSize,
		RatePerSec:    cfg.Notify.RatePerSec,
		RetryMax:      cfg.Notify.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

// mapHolidayConfig returns a fetch-less config when the feature is off;
// the manager still classifies weekends.
func mapHolidayConfig(cfg *Config) (holiday.Config, error) {
	ttl, err := parseDurationField("holiday.cache_ttl", cfg.Holiday.CacheTTL)
	if err != nil {
		return holiday.Config{}, err
	}
	hc := holiday.Config{
		CachePath: strings.TrimSpace(cfg.Holiday.CachePath),
		TTL:       ttl,
	}
	if cfg.Holiday.Enabled {
		hc.SourceURL = strings.TrimSpace(cfg.Holiday.SourceURL)
	}
	return hc, nil
}

// mapLogConfig resolves the telegram sink target: an explicit chat id wins,
// otherwise warnings go to the first owner. The sink stays off without a
// bot token.
func mapLogConfig(cfg *Config, tokenSet bool) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && tokenSet,
			ChatID:     cfg.Logging.Telegram.ChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	if lc.Telegram.ChatID == 0 && len(cfg.Telegram.OwnerUserIDs) > 0 {
		lc.Telegram.ChatID = cfg.Telegram.OwnerUserIDs[0]
	}
	return lc
}

// pipelineNotifier feeds fired reminders into the delivery pipeline. The
// dispatcher hands over opaque target strings; reminders store them exactly
// as EncodeTarget produced them.
type pipelineNotifier struct {
	pipe *notify.Service
}

func (p pipelineNotifier) Notify(ctx context.Context, target, message string) error {
	to, err := kit.ParseTarget(target)
	if err != nil {
		return fmt.Errorf("undeliverable target %q: %w", target, err)
	}
	return p.pipe.Notify(ctx, kit.Notification{Target: to, Text: "⏰ " + message})
}
