package app

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"

	logx "mentionbot/pkg/logx"
)

const (
	jobPrune  = "storage.prune"
	jobStatus = "mention.status"
)

// registerHousekeeping upserts the maintenance jobs; an empty schedule removes one.
func (a *App) registerHousekeeping(hk housekeeping) error {
	if a.store != nil {
		retention := hk.retention
		err := a.cron.Add(jobPrune, hk.pruneCron, time.Minute, func(ctx context.Context) error {
			cutoff := time.Now().Add(-retention)
			n, err := a.store.PruneBefore(ctx, cutoff)
			if err != nil {
				return err
			}
			if n > 0 {
				a.log.Info("audit records pruned", logx.Int64("rows", n), logx.String("older_than", humanize.Time(cutoff)))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return a.cron.Add(jobStatus, hk.statusCron, 10*time.Second, func(context.Context) error {
		a.logStatus()
		return nil
	})
}

func (a *App) logStatus() {
	pending := 0
	chans := a.registry.Snapshot()
	for _, cs := range chans {
		pending += cs.Pending()
	}
	a.log.Info("mention status",
		logx.Int("channels", len(chans)),
		logx.Int("loops", a.sched.Active()),
		logx.Int("pending_mentions", pending),
		logx.Int("pending_expiries", a.notif.PendingExpiries()),
	)
}
