package config

type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Reminders   RemindersConfig   `json:"reminders"`
	Holiday     HolidayConfig     `json:"holiday"`
	Notify      NotifyConfig      `json:"notify"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// AllowedChatIDs is a chat whitelist. Empty means every chat may issue
	// commands. Owner ids always pass.
	AllowedChatIDs []int64 `json:"allowed_chat_ids"`
	OwnerUserIDs   []int64 `json:"owner_user_ids"`

	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors warnings and errors into a chat. ChatID 0 falls
// back to the first owner id.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the reminder store backend.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./rembot_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`                 // "file" (default) or "sqlite"
	Path        string `json:"path"`                   // file prefix or sqlite database path
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// RemindersConfig bounds the scheduling core.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type RemindersConfig struct {
	// MaxPerTarget caps live reminders per chat. 0 disables the cap.
	MaxPerTarget int `json:"max_per_target"`

	// DefaultListLimit caps /remind ls output rows. 0 means the built-in default.
	DefaultListLimit int `json:"default_list_limit"`

	// DispatchTimeout bounds the delivery hand-off of a single fire.
	DispatchTimeout string `json:"dispatch_timeout"`

	// RetryRearmDelay is how far in the future a fire is re-armed after a
	// persistence failure that happened before delivery.
	RetryRearmDelay string `json:"retry_rearm_delay"`
}

type HolidayConfig struct {
	Enabled bool `json:"enabled"`

	// SourceURL is the override-table endpoint; "{year}" is substituted.
	// Empty disables fetching (weekends only).
	SourceURL string `json:"source_url"`
	CachePath string `json:"cache_path"`

	// CacheTTL is a Go duration string; table entries older than this are
	// re-fetched by the refresh job.
	CacheTTL    string `json:"cache_ttl"`
	RefreshCron string `json:"refresh_cron"` // standard 5-field cron spec
}

// NotifyConfig controls the async delivery pipeline.
//
// All durations are Go duration strings.
type NotifyConfig struct {
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
}

type MaintenanceConfig struct {
	CompactCron string `json:"compact_cron"` // standard 5-field cron spec
}
