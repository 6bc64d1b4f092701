package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks structural constraints that do not need other packages.
// Schedule expressions are checked by the app, which owns the cron parser.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"mention.repeat_delay", cfg.Mention.RepeatDelay},
		{"mention.delete_delay", cfg.Mention.DeleteDelay},
		{"mention.deliver_timeout", cfg.Mention.DeliverTimeout},
		{"pprof.read_timeout", cfg.Pprof.ReadTimeout},
		{"pprof.write_timeout", cfg.Pprof.WriteTimeout},
		{"pprof.idle_timeout", cfg.Pprof.IdleTimeout},
	}
	if r := cfg.Router; r != nil {
		durations = append(durations, struct{ path, raw string }{"router.command_timeout", r.CommandTimeout})
		if r.Workers < 0 {
			return errors.New("router.workers must be >= 0")
		}
	}
	if n := cfg.Notifier; n != nil {
		durations = append(durations, struct{ path, raw string }{"notifier.send_timeout", n.SendTimeout})
		if n.RatePerSec < 0 {
			return errors.New("notifier.rate_per_sec must be >= 0")
		}
		if n.MaxMessageLen < 0 || n.MaxMessageLen > 4096 {
			return errors.New("notifier.max_message_len must be within 0..4096")
		}
		if n.HistorySize < 0 {
			return errors.New("notifier.history_size must be >= 0")
		}
	}
	if h := cfg.Housekeeping; h != nil {
		durations = append(durations, struct{ path, raw string }{"housekeeping.retention", h.Retention})
		if tz := strings.TrimSpace(h.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("housekeeping.timezone: invalid %q: %w", tz, err)
			}
		}
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if cfg.Mention.MaxRepeat < 0 {
		return errors.New("mention.max_repeat must be >= 0")
	}
	for name, members := range cfg.Mention.Roles {
		if strings.TrimSpace(strings.TrimPrefix(name, "#")) == "" {
			return errors.New("mention.roles: empty role name")
		}
		if strings.ContainsAny(name, " \t") {
			return fmt.Errorf("mention.roles: role %q contains whitespace", name)
		}
		if len(members) == 0 {
			return fmt.Errorf("mention.roles.%s: no members", name)
		}
	}

	if s := cfg.Storage; s != nil {
		driver := strings.ToLower(strings.TrimSpace(s.Driver))
		switch driver {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("storage.path is required when storage.driver=%s", driver)
			}
		default:
			return fmt.Errorf("unknown storage.driver: %s", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}
