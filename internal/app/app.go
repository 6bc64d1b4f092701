package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mentionbot/internal/config"
	"mentionbot/internal/eventbus"
	"mentionbot/internal/mention"
	"mentionbot/internal/notifier"
	"mentionbot/internal/observability/pprof"
	rtsup "mentionbot/internal/runtime/supervisor"
	"mentionbot/internal/storage"
	"mentionbot/internal/task/cron"
	kit "mentionbot/internal/transport"
	telegram "mentionbot/internal/transport/telegram/adapter"
	"mentionbot/internal/transport/telegram/router"
	logx "mentionbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter

	registry *mention.Registry
	parser   *mention.Parser
	sched    *mention.Scheduler
	notif    *notifier.Service
	router   *router.Router
	cron     *cron.Service
	pprof    *pprof.Service

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with the Telegram sink off: Apply warns when it is enabled
	// before a target chat is set.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	if chat := groupLogChat(cfg); chat != 0 {
		logSvc.SetTelegramTarget(chat, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	ms, err := mapMentionConfig(cfg)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	rcfg, err := mapRouterConfig(cfg)
	if err != nil {
		return nil, err
	}
	hk, err := mapHousekeeping(cfg)
	if err != nil {
		return nil, err
	}
	pcfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}

	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus, store)
	reg := mention.NewRegistry()
	sched := mention.NewScheduler(ms.sched, reg, notif, log.With(logx.String("comp", "mention")), bus)
	parser := mention.NewParser(ad.Self, ms.parse)

	rt := router.New(rcfg, router.Deps{
		Adapter:   ad,
		Parser:    parser,
		Registry:  reg,
		Scheduler: sched,
		History:   notif,
		Store:     store,
	}, log)

	cronSvc, err := cron.New(hk.cron, log, bus)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		registry: reg,
		parser:   parser,
		sched:    sched,
		notif:    notif,
		router:   rt,
		cron:     cronSvc,
		updates:  make(chan kit.Update, 256),
	}
	a.pprof = pprof.New(pcfg, log.With(logx.String("comp", "pprof")), a.status)
	if err := a.registerHousekeeping(hk); err != nil {
		return nil, err
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.notif.Start(a.sup.Context())
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("mention scheduler: %w", err)
	}
	a.cron.Start(a.sup.Context())
	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	// Per-tick delivery events are left out; lifecycle and failure events are rare enough for info.
	events, unsub := a.bus.Subscribe(64,
		"mention.loop.", mention.EventDeliveryFailed, notifier.EventFailed, cron.EventJobFinished)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Info("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("bot", a.adapter.Self().Username),
		logx.Duration("repeat_delay", a.sched.RepeatDelay()),
	)
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
	}

	if changed["telegram"] || changed["logging"] {
		// update log target first (so Apply() doesn't warn when Telegram logging is enabled)
		a.logs.SetTelegramTarget(groupLogChat(newCfg), newCfg.Logging.Telegram.ThreadID)
		a.logs.Apply(mapLogConfig(newCfg))
	}

	if ms, err := mapMentionConfig(newCfg); err != nil {
		a.log.Warn("invalid mention config; keeping previous", logx.Err(err))
	} else {
		a.parser.SetOptions(ms.parse)
		a.sched.SetRepeatDelay(ms.sched.RepeatDelay)
	}
	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}
	if changed["router"] {
		if rcfg, err := mapRouterConfig(newCfg); err == nil {
			a.router.Apply(rcfg)
		}
	}
	if changed["housekeeping"] || changed["storage"] {
		if hk, err := mapHousekeeping(newCfg); err != nil {
			a.log.Warn("invalid housekeeping config; keeping previous", logx.Err(err))
		} else {
			if err := a.cron.Apply(hk.cron); err != nil {
				a.log.Warn("cron timezone not applied", logx.Err(err))
			}
			if err := a.registerHousekeeping(hk); err != nil {
				a.log.Warn("housekeeping jobs not updated", logx.Err(err))
			}
		}
	}
	if changed["pprof"] {
		if pcfg, err := mapPprofConfig(newCfg); err != nil {
			a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
		} else {
			a.pprof.Reconfigure(ctx, pcfg)
		}
	}
	if changed["storage"] {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed["telegram"] && oldCfg.Telegram.Token != newCfg.Telegram.Token {
		a.log.Warn("telegram token changed; restart required for changes to take effect")
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// status is served by the debug HTTP server.
func (a *App) status() any {
	type channel struct {
		Channel string         `json:"channel"`
		Since   time.Time      `json:"since"`
		Pending map[string]int `json:"pending"`
	}
	var chans []channel
	for _, cs := range a.registry.Snapshot() {
		c := channel{Channel: cs.Channel.String(), Since: cs.Since, Pending: make(map[string]int, len(cs.Recipients))}
		for rc, n := range cs.Recipients {
			c.Pending[rc.String()] = n
		}
		chans = append(chans, c)
	}
	return map[string]any{
		"channels":         chans,
		"loops":            a.sched.Loops(),
		"repeat_delay":     a.sched.RepeatDelay().String(),
		"pending_expiries": a.notif.PendingExpiries(),
		"recent":           a.notif.Snapshot(),
		"jobs":             a.cron.Snapshot(),
		"goroutines":       a.sup.Running(),
		"events_dropped":   a.bus.Dropped(),
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so the dispatcher stops taking requests.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, max(time.Until(dl), 0))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("mention", 2*time.Second, func(c context.Context) error {
		if n := a.registry.Len(); n > 0 {
			a.log.Info("dropping undelivered mentions", logx.Int("channels", n))
		}
		return a.sched.Stop(c)
	})
	step("cron", 2*time.Second, a.cron.Stop)
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	// Needs the adapter: flushes pending message deletions.
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
