package config

import (
	"reflect"
	"sort"
	"strings"

	logx "mentionbot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Telegram (never log token)
	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Mention, newCfg.Mention) {
		changed = append(changed, "mention")
		m := newCfg.Mention
		attrs = append(attrs,
			logx.String("mention.repeat_delay", strings.TrimSpace(m.RepeatDelay)),
			logx.String("mention.delete_delay", strings.TrimSpace(m.DeleteDelay)),
			logx.Int("mention.max_repeat", m.MaxRepeat),
			logx.Int("mention.roles", len(m.Roles)),
		)
	}

	// Pprof (never log token)
	oldP, newP := oldCfg.Pprof, newCfg.Pprof
	oldP.Token, newP.Token = tokenMark(oldP.Token), tokenMark(newP.Token)
	if !reflect.DeepEqual(oldP, newP) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	if !reflect.DeepEqual(oldCfg.Router, newCfg.Router) {
		changed = append(changed, "router")
		if r := newCfg.Router; r != nil {
			attrs = append(attrs, logx.Int("router.workers", r.Workers), logx.String("router.command_timeout", r.CommandTimeout))
		}
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
				logx.String("notifier.send_timeout", n.SendTimeout),
				logx.Int("notifier.max_message_len", n.MaxMessageLen),
			)
		}
	}

	// Storage: nil means disabled.
	var oDriver, nDriver, oBusy, nBusy, oPath, nPath string
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy, oPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy, nPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if oDriver != nDriver || oBusy != nBusy || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	if !reflect.DeepEqual(oldCfg.Housekeeping, newCfg.Housekeeping) {
		changed = append(changed, "housekeeping")
		if h := newCfg.Housekeeping; h != nil {
			attrs = append(attrs,
				logx.String("housekeeping.prune_cron", h.PruneCron),
				logx.String("housekeeping.status_cron", h.StatusCron),
				logx.String("housekeeping.timezone", h.Timezone),
			)
		}
	}

	sort.Strings(changed)
	return changed, attrs
}

func tokenMark(tok string) string {
	if strings.TrimSpace(tok) == "" {
		return ""
	}
	return "set"
}
