package app

import (
	"strings"
	"testing"
	"time"

	"mentionbot/internal/config"
)

func ptr[T any](v T) *T { return &v }

func TestMapMentionConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Telegram: config.TelegramConfig{OwnerUserIDs: []int64{7}}}
	ms, err := mapMentionConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if ms.sched.RepeatDelay != time.Second || ms.deleteDelay != 60*time.Second || ms.sched.DeliverTimeout != 30*time.Second {
		t.Fatalf("durations = %+v delete=%v", ms.sched, ms.deleteDelay)
	}
	p := ms.parse
	if !p.DefaultChannel || !p.DefaultAuthor || !p.DefaultOnce || p.MaxRepeat != 100 || len(p.Owners) != 1 {
		t.Fatalf("parse = %+v", p)
	}
}

func TestMapMentionConfigOverrides(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Mention: config.MentionConfig{
		RepeatDelay:   "250ms",
		DeleteDelay:   "0s",
		MaxRepeat:     5,
		DefaultAuthor: ptr(false),
		Roles:         map[string][]string{"ops": {"@a"}},
	}}
	ms, err := mapMentionConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if ms.sched.RepeatDelay != 250*time.Millisecond || ms.deleteDelay != 0 {
		t.Fatalf("repeat=%v delete=%v", ms.sched.RepeatDelay, ms.deleteDelay)
	}
	if ms.parse.DefaultAuthor || !ms.parse.DefaultChannel || ms.parse.MaxRepeat != 5 {
		t.Fatalf("parse = %+v", ms.parse)
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if ncfg.DeleteDelay != 0 || ncfg.RatePerSec != 3 || len(ncfg.Roles["ops"]) != 1 {
		t.Fatalf("notifier = %+v", ncfg)
	}
}

func TestMapMentionConfigExplicitZero(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		repeat     string
		maxRepeat  int
		wantDelay  time.Duration
		wantRepeat int
	}{
		{"zero delay kept", "0s", 5, 0, 5},
		{"omitted delay defaults", "", 5, time.Second, 5},
		{"zero max repeat defaults", "2s", 0, 2 * time.Second, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms, err := mapMentionConfig(&config.Config{Mention: config.MentionConfig{RepeatDelay: tt.repeat, MaxRepeat: tt.maxRepeat}})
			if err != nil {
				t.Fatal(err)
			}
			if ms.sched.RepeatDelay != tt.wantDelay || ms.parse.MaxRepeat != tt.wantRepeat {
				t.Fatalf("repeat_delay=%v max_repeat=%d, want %v %d", ms.sched.RepeatDelay, ms.parse.MaxRepeat, tt.wantDelay, tt.wantRepeat)
			}
		})
	}
}

func TestMapHousekeeping(t *testing.T) {
	t.Parallel()
	hk, err := mapHousekeeping(&config.Config{})
	if err != nil || hk.pruneCron != "@daily" || hk.statusCron != "" || hk.retention != 30*24*time.Hour {
		t.Fatalf("defaults = %+v, %v", hk, err)
	}
	hk, err = mapHousekeeping(&config.Config{Housekeeping: &config.HousekeepingConfig{StatusCron: "15m", Retention: "24h"}})
	if err != nil || hk.pruneCron != "" || hk.statusCron != "15m" || hk.retention != 24*time.Hour {
		t.Fatalf("explicit = %+v, %v", hk, err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     config.Config
		wantErr string
	}{
		{"ok", config.Config{}, ""},
		{"bad prune cron", config.Config{Housekeeping: &config.HousekeepingConfig{PruneCron: "99 * * * *"}}, "housekeeping.prune_cron"},
		{"bad status schedule", config.Config{Housekeeping: &config.HousekeepingConfig{StatusCron: "sometimes"}}, "housekeeping.status_cron"},
		{"bad send timeout", config.Config{Notifier: &config.NotifierConfig{SendTimeout: "x"}}, "notifier.send_timeout"},
		{"bad router timeout", config.Config{Router: &config.RouterConfig{CommandTimeout: "x"}}, "router.command_timeout"},
		{"sqlite without path", config.Config{Storage: &config.StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"bad pprof timeout", config.Config{Pprof: config.PprofConfig{ReadTimeout: "-1s"}}, "pprof.read_timeout"},
	}
	for _, tt := range tests {
		err := validate(&tt.cfg)
		if tt.wantErr == "" {
			if err != nil {
				t.Errorf("%s: validate() = %v", tt.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("%s: validate() = %v, want containing %q", tt.name, err, tt.wantErr)
		}
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	if _, ok, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "none"}}); ok || err != nil {
		t.Fatalf("none: ok=%v err=%v", ok, err)
	}
	sc, ok, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "x.db"}})
	if !ok || err != nil || sc.Driver != "sqlite" || sc.BusyTimeout != time.Second {
		t.Fatalf("sqlite: %+v ok=%v err=%v", sc, ok, err)
	}
}
