package config

import (
	"reflect"
	"strings"

	logx "rembot/pkg/logx"
)

// SummarizeConfigChange reports which config sections differ, plus
// structured attrs safe to log. Secrets never appear: the bot token is
// reduced to a set/unset bit.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	o, n := oldCfg, newCfg

	// Alphabetical, so the changed list comes out sorted.
	probes := []struct {
		section string
		same    bool
		attrs   func() []logx.Field
	}{
		{"holiday", reflect.DeepEqual(o.Holiday, n.Holiday), func() []logx.Field {
			return []logx.Field{
				logx.Bool("holiday.enabled", n.Holiday.Enabled),
				logx.Bool("holiday.source_url_set", strings.TrimSpace(n.Holiday.SourceURL) != ""),
				logx.String("holiday.cache_ttl", strings.TrimSpace(n.Holiday.CacheTTL)),
				logx.String("holiday.refresh_cron", strings.TrimSpace(n.Holiday.RefreshCron)),
			}
		}},
		{"logging", reflect.DeepEqual(o.Logging, n.Logging), func() []logx.Field {
			return []logx.Field{
				logx.String("logx.level", n.Logging.Level),
				logx.Bool("logx.console", n.Logging.Console),
				logx.Bool("logx.file_enabled", n.Logging.File.Enabled),
				logx.Bool("logx.telegram_enabled", n.Logging.Telegram.Enabled),
			}
		}},
		{"maintenance", reflect.DeepEqual(o.Maintenance, n.Maintenance), func() []logx.Field {
			return []logx.Field{
				logx.String("maintenance.compact_cron", strings.TrimSpace(n.Maintenance.CompactCron)),
			}
		}},
		{"notify", reflect.DeepEqual(o.Notify, n.Notify), func() []logx.Field {
			return []logx.Field{
				logx.Int("notify.workers", n.Notify.Workers),
				logx.Int("notify.queue_size", n.Notify.QueueSize),
				logx.Int("notify.rate_per_sec", n.Notify.RatePerSec),
				logx.Int("notify.retry_max", n.Notify.RetryMax),
			}
		}},
		{"reminders", reflect.DeepEqual(o.Reminders, n.Reminders), func() []logx.Field {
			return []logx.Field{
				logx.Int("reminders.max_per_target", n.Reminders.MaxPerTarget),
				logx.Int("reminders.default_list_limit", n.Reminders.DefaultListLimit),
				logx.String("reminders.dispatch_timeout", strings.TrimSpace(n.Reminders.DispatchTimeout)),
				logx.String("reminders.retry_rearm_delay", strings.TrimSpace(n.Reminders.RetryRearmDelay)),
			}
		}},
		{"storage", reflect.DeepEqual(o.Storage, n.Storage), func() []logx.Field {
			return []logx.Field{
				logx.String("storage.driver", strings.TrimSpace(n.Storage.Driver)),
				logx.Bool("storage.path_set", strings.TrimSpace(n.Storage.Path) != ""),
				logx.String("storage.busy_timeout", strings.TrimSpace(n.Storage.BusyTimeout)),
			}
		}},
		{"telegram", sameTelegram(o, n), func() []logx.Field {
			return []logx.Field{
				logx.String("telegram.poll_timeout", strings.TrimSpace(n.Telegram.PollTimeout)),
				logx.Int("telegram.owner_count", len(n.Telegram.OwnerUserIDs)),
				logx.Int("telegram.allowed_chat_count", len(n.Telegram.AllowedChatIDs)),
				logx.Bool("telegram.token_set", strings.TrimSpace(n.Telegram.Token) != ""),
			}
		}},
	}

	var changed []string
	var attrs []logx.Field
	for _, p := range probes {
		if p.same {
			continue
		}
		changed = append(changed, p.section)
		attrs = append(attrs, p.attrs()...)
	}
	return changed, attrs
}

// sameTelegram compares what the reload path cares about, with the token
// folded down to presence.
func sameTelegram(o, n *Config) bool {
	return strings.TrimSpace(o.Telegram.PollTimeout) == strings.TrimSpace(n.Telegram.PollTimeout) &&
		reflect.DeepEqual(o.Telegram.OwnerUserIDs, n.Telegram.OwnerUserIDs) &&
		reflect.DeepEqual(o.Telegram.AllowedChatIDs, n.Telegram.AllowedChatIDs) &&
		(strings.TrimSpace(o.Telegram.Token) != "") == (strings.TrimSpace(n.Telegram.Token) != "")
}
