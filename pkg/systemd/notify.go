// Package systemd reports service state to the systemd manager.
// Every call is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "mentionbot/pkg/logx"
)

func Ready(log logx.Logger) { notify(log, daemon.SdNotifyReady) }

func Stopping(log logx.Logger) { notify(log, daemon.SdNotifyStopping) }

func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}

// Watchdog pings the systemd watchdog at half the configured interval while
// alive reports true. It returns when ctx is done or no watchdog is configured.
func Watchdog(ctx context.Context, log logx.Logger, alive func() bool) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("sd watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if alive != nil && !alive() {
				log.Warn("skipping watchdog ping: app not healthy")
				continue
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
