package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Mention  MentionConfig  `json:"mention"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`

	Router       *RouterConfig       `json:"router,omitempty"`
	Notifier     *NotifierConfig     `json:"notifier,omitempty"`
	Storage      *StorageConfig      `json:"storage,omitempty"`
	Housekeeping *HousekeepingConfig `json:"housekeeping,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
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

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// MentionConfig controls request parsing and the delivery loops.
//
// Durations are Go duration strings. Defaults (when omitted):
//   - repeat_delay: "1s" ("0s" delivers back to back)
//   - delete_delay: "60s" ("0s" keeps messages)
//   - deliver_timeout: "30s"
//   - max_repeat: 100 (0 also means 100; negative values are rejected)
//   - default_channel / default_author / default_once: true
type MentionConfig struct {
	RepeatDelay    string `json:"repeat_delay,omitempty"`
	DeleteDelay    string `json:"delete_delay,omitempty"`
	DeliverTimeout string `json:"deliver_timeout,omitempty"`
	MaxRepeat      int    `json:"max_repeat,omitempty"`

	DefaultChannel *bool `json:"default_channel,omitempty"`
	DefaultAuthor  *bool `json:"default_author,omitempty"`
	DefaultOnce    *bool `json:"default_once,omitempty"`

	// Roles maps a hashtag role to members ("@username" or numeric user id).
	Roles map[string][]string `json:"roles,omitempty"`
}

// RouterConfig controls the command dispatcher.
//
// Defaults: workers 4, command_timeout "15s".
type RouterConfig struct {
	Workers        int    `json:"workers,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`
}

// NotifierConfig controls message sending.
//
// If the whole section is omitted, defaults apply: rate_per_sec 3,
// send_timeout "10s", max_message_len 4000, history_size 50.
type NotifierConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	MaxMessageLen int    `json:"max_message_len,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// StorageConfig controls the optional audit trail.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/mentionbot.sqlite" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HousekeepingConfig controls periodic maintenance jobs.
//
// Schedules accept cron ("0 3 * * *", "@hourly") or intervals ("6h", "02:30").
// An empty schedule disables the job.
type HousekeepingConfig struct {
	Timezone   string `json:"timezone,omitempty"`
	PruneCron  string `json:"prune_cron,omitempty"`
	Retention  string `json:"retention,omitempty"` // default "720h"
	StatusCron string `json:"status_cron,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
