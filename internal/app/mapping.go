package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"mentionbot/internal/config"
	"mentionbot/internal/mention"
	"mentionbot/internal/notifier"
	"mentionbot/internal/observability/pprof"
	"mentionbot/internal/storage"
	"mentionbot/internal/task/cron"
	"mentionbot/internal/transport/telegram/router"
	logx "mentionbot/pkg/logx"
)

const (
	defaultRepeatDelay    = time.Second
	defaultDeleteDelay    = 60 * time.Second
	defaultDeliverTimeout = 30 * time.Second
	defaultMaxRepeat      = 100
	defaultRetention      = 30 * 24 * time.Hour
	defaultPruneCron      = "@daily"
)

// durationOr returns def only when raw is empty; an explicit "0s" stays zero.
func durationOr(path, raw string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return config.ParseDurationField(path, raw)
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

type mentionSettings struct {
	parse       mention.ParseOptions
	sched       mention.SchedulerConfig
	deleteDelay time.Duration
}

func mapMentionConfig(cfg *config.Config) (mentionSettings, error) {
	m := cfg.Mention
	repeat, err := durationOr("mention.repeat_delay", m.RepeatDelay, defaultRepeatDelay)
	if err != nil {
		return mentionSettings{}, err
	}
	del, err := durationOr("mention.delete_delay", m.DeleteDelay, defaultDeleteDelay)
	if err != nil {
		return mentionSettings{}, err
	}
	deliver, err := config.ParseDurationOrDefault("mention.deliver_timeout", m.DeliverTimeout, defaultDeliverTimeout)
	if err != nil {
		return mentionSettings{}, err
	}
	maxRepeat := m.MaxRepeat
	if maxRepeat == 0 {
		maxRepeat = defaultMaxRepeat
	}
	return mentionSettings{
		parse: mention.ParseOptions{
			DefaultChannel: boolOr(m.DefaultChannel, true),
			DefaultAuthor:  boolOr(m.DefaultAuthor, true),
			DefaultOnce:    boolOr(m.DefaultOnce, true),
			MaxRepeat:      maxRepeat,
			Owners:         append([]int64(nil), cfg.Telegram.OwnerUserIDs...),
		},
		sched:       mention.SchedulerConfig{RepeatDelay: repeat, DeliverTimeout: deliver},
		deleteDelay: del,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	ms, err := mapMentionConfig(cfg)
	if err != nil {
		return notifier.Config{}, err
	}
	out := notifier.Config{
		RatePerSec:    3,
		SendTimeout:   10 * time.Second,
		MaxMessageLen: 4000,
		HistorySize:   50,
		DeleteDelay:   ms.deleteDelay,
		Roles:         cfg.Mention.Roles,
	}
	if n := cfg.Notifier; n != nil {
		if n.RatePerSec > 0 {
			out.RatePerSec = n.RatePerSec
		}
		if n.MaxMessageLen > 0 {
			out.MaxMessageLen = n.MaxMessageLen
		}
		if n.HistorySize > 0 {
			out.HistorySize = n.HistorySize
		}
		if out.SendTimeout, err = config.ParseDurationOrDefault("notifier.send_timeout", n.SendTimeout, out.SendTimeout); err != nil {
			return notifier.Config{}, err
		}
	}
	return out, nil
}

func mapRouterConfig(cfg *config.Config) (router.Config, error) {
	out := router.Config{Workers: 4, CommandTimeout: 15 * time.Second}
	if r := cfg.Router; r != nil {
		if r.Workers > 0 {
			out.Workers = r.Workers
		}
		d, err := config.ParseDurationOrDefault("router.command_timeout", r.CommandTimeout, out.CommandTimeout)
		if err != nil {
			return router.Config{}, err
		}
		out.CommandTimeout = d
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	p := cfg.Pprof
	out := pprof.Config{
		Enabled:       p.Enabled,
		Addr:          p.Addr,
		Prefix:        p.Prefix,
		Token:         strings.TrimSpace(p.Token),
		AllowInsecure: p.AllowInsecure,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("pprof.read_timeout", p.ReadTimeout, 5*time.Second); err != nil {
		return pprof.Config{}, err
	}
	// profile/trace endpoints stream for up to 30s by default
	if out.WriteTimeout, err = config.ParseDurationOrDefault("pprof.write_timeout", p.WriteTimeout, 60*time.Second); err != nil {
		return pprof.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("pprof.idle_timeout", p.IdleTimeout, 60*time.Second); err != nil {
		return pprof.Config{}, err
	}
	return out, nil
}

type housekeeping struct {
	cron       cron.Config
	pruneCron  string
	retention  time.Duration
	statusCron string
}

// mapHousekeeping fills defaults only when the whole section is absent;
// inside the section an empty schedule disables that job.
func mapHousekeeping(cfg *config.Config) (housekeeping, error) {
	h := cfg.Housekeeping
	if h == nil {
		return housekeeping{pruneCron: defaultPruneCron, retention: defaultRetention}, nil
	}
	ret, err := config.ParseDurationOrDefault("housekeeping.retention", h.Retention, defaultRetention)
	if err != nil {
		return housekeeping{}, err
	}
	out := housekeeping{
		cron:       cron.Config{Timezone: h.Timezone},
		pruneCron:  strings.TrimSpace(h.PruneCron),
		retention:  ret,
		statusCron: strings.TrimSpace(h.StatusCron),
	}
	for _, s := range []struct{ path, raw string }{
		{"housekeeping.prune_cron", out.pruneCron},
		{"housekeeping.status_cron", out.statusCron},
	} {
		if s.raw == "" {
			continue
		}
		if _, err := cron.ParseSchedule(s.raw); err != nil {
			return housekeeping{}, fmt.Errorf("%s: %w", s.path, err)
		}
	}
	return out, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// groupLogChat parses telegram.group_log; 0 means unset.
func groupLogChat(cfg *config.Config) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// validate is the app-level reload validator: everything config.Validate
// cannot check without importing the components.
func validate(cfg *config.Config) error {
	if _, err := mapMentionConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRouterConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	_, err := mapHousekeeping(cfg)
	return err
}
