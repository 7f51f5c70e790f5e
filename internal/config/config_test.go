package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAMLConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  allowed_chat_ids: [42, 99]
  poll_timeout: "15s"
logging:
  level: "debug"
  console: true
storage:
  driver: "file"
  path: "./data/reminders"
reminders:
  max_per_target: 10
  dispatch_timeout: "10s"
holiday:
  enabled: true
  source_url: "https://cal.example.com/{year}.json"
  cache_ttl: "720h"
  refresh_cron: "0 3 * * 1"
notify:
  workers: 4
  rate_per_sec: 5
maintenance:
  compact_cron: "30 4 * * *"
`)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("Telegram.Token = %q, want 123:abc", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.AllowedChatIDs) != 2 || cfg.Telegram.AllowedChatIDs[1] != 99 {
		t.Fatalf("AllowedChatIDs = %v, want [42 99]", cfg.Telegram.AllowedChatIDs)
	}
	if cfg.Reminders.MaxPerTarget != 10 {
		t.Fatalf("Reminders.MaxPerTarget = %d, want 10", cfg.Reminders.MaxPerTarget)
	}
	if cfg.Notify.Workers != 4 {
		t.Fatalf("Notify.Workers = %d, want 4", cfg.Notify.Workers)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get() did not return the committed config")
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.json", `{"telegram":{"token":"x"},"scheduler":{"enabled":true}}`)
	m := NewConfigManager(path)
	if _, err := m.Parse(); err == nil {
		t.Fatal("Parse() with unknown section: error is nil, want non-nil")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.json", `{"telegram":{"token":"x"}}{"extra":1}`)
	m := NewConfigManager(path)
	if _, err := m.Parse(); err == nil {
		t.Fatal("Parse() with trailing data: error is nil, want non-nil")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		mod   func(c *Config)
		wants string
	}{
		{"bad poll timeout", func(c *Config) { c.Telegram.PollTimeout = "soon" }, "poll_timeout"},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.driver"},
		{"negative cap", func(c *Config) { c.Reminders.MaxPerTarget = -1 }, "max_per_target"},
		{"bad cron", func(c *Config) { c.Maintenance.CompactCron = "every day" }, "compact_cron"},
		{"missing year placeholder", func(c *Config) {
			c.Holiday.Enabled = true
			c.Holiday.SourceURL = "https://cal.example.com/2024.json"
		}, "{year}"},
		{"bad retry base", func(c *Config) { c.Notify.RetryBase = "fast" }, "retry_base"},
	}

	for _, tt := range cases {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{}
			tt.mod(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wants) {
				t.Fatalf("Validate() = %v, want mention of %q", err, tt.wants)
			}
		})
	}
}

func TestValidateAcceptsEmptyConfig(t *testing.T) {
	t.Parallel()

	if err := Validate(&Config{}); err != nil {
		t.Fatalf("Validate(empty) = %v, want nil", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{}
	newCfg := &Config{}
	newCfg.Storage.Driver = "sqlite"
	newCfg.Notify.Workers = 8
	newCfg.Telegram.OwnerUserIDs = []int64{7}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"notify", "storage", "telegram"}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Fatalf("changed = %v, want %v", changed, want)
		}
	}
	if len(attrs) == 0 {
		t.Fatal("attrs is empty, want structured fields")
	}
}

func TestSubscribePublishDropsOldest(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{}
	second := &Config{}
	second.Notify.Workers = 1
	m.publish(first)
	m.publish(second)

	got := <-ch
	if got != second {
		t.Fatal("subscriber did not receive the latest config")
	}
}
