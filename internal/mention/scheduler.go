package mention

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mentionbot/internal/eventbus"
	rtsup "mentionbot/internal/runtime/supervisor"
	logx "mentionbot/pkg/logx"
)

// Event types published by the scheduler.
const (
	EventLoopStarted    = "mention.loop.started"
	EventDelivered      = "mention.delivered"
	EventDeliveryFailed = "mention.delivery_failed"
	EventLoopStopped    = "mention.loop.stopped"
)

type SchedulerConfig struct {
	// RepeatDelay is the wait between two ticks of one channel loop.
	RepeatDelay time.Duration
	// DeliverTimeout bounds a single Deliver call (0 = no limit).
	DeliverTimeout time.Duration
}

// LoopEvent is the payload of scheduler events.
type LoopEvent struct {
	Channel    string `json:"channel"`
	RunID      string `json:"run_id"`
	Recipients int    `json:"recipients,omitempty"`
	Tick       uint64 `json:"tick,omitempty"`
	Err        string `json:"error,omitempty"`
}

// LoopInfo describes a running channel loop.
type LoopInfo struct {
	Channel   ChannelID
	RunID     string
	StartedAt time.Time
	Ticks     uint64
}

type loopState struct {
	runID     string
	startedAt time.Time
	ticks     atomic.Uint64
}

// Scheduler runs one delivery loop per active channel.
//
// Lock order: Scheduler.mu before any registry shard lock.
type Scheduler struct {
	reg       *Registry
	deliverer Deliverer
	log       logx.Logger
	bus       eventbus.Bus

	repeatDelay    atomic.Int64
	deliverTimeout time.Duration

	mu    sync.Mutex
	sup   *rtsup.Supervisor
	loops map[ChannelID]*loopState
}

func NewScheduler(cfg SchedulerConfig, reg *Registry, d Deliverer, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		reg:            reg,
		deliverer:      d,
		log:            log.With(logx.String("comp", "mention.scheduler")),
		bus:            bus,
		deliverTimeout: cfg.DeliverTimeout,
		loops:          map[ChannelID]*loopState{},
	}
	s.SetRepeatDelay(cfg.RepeatDelay)
	return s
}

// SetRepeatDelay changes the wait between ticks. Running loops use the new
// value from their next wait on. Negative values are treated as 0.
func (s *Scheduler) SetRepeatDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.repeatDelay.Store(int64(d))
}

func (s *Scheduler) RepeatDelay() time.Duration { return time.Duration(s.repeatDelay.Load()) }

// Start enables EnsureRunning and resumes loops for channels that already
// have registry entries.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.loops = map[ChannelID]*loopState{}
	for _, st := range s.reg.Snapshot() {
		s.spawnLocked(st.Channel)
	}
	s.log.Info("scheduler started", logx.Duration("repeat_delay", s.RepeatDelay()), logx.Int("resumed", len(s.loops)))
	return nil
}

// Stop cancels every loop and waits for them until ctx is done.
// Registry entries are left in place.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)

	s.mu.Lock()
	n := len(s.loops)
	s.loops = map[ChannelID]*loopState{}
	s.mu.Unlock()

	s.log.Info("scheduler stopped", logx.Int("abandoned_loops", n))
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// EnsureRunning starts the loop for ch unless one is already running.
func (s *Scheduler) EnsureRunning(ch ChannelID) error {
	if !ch.valid() {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup == nil || s.sup.Context().Err() != nil {
		return ErrStopped
	}
	if _, ok := s.loops[ch]; ok {
		return nil
	}
	s.spawnLocked(ch)
	return nil
}

// Running reports whether a loop exists for ch.
func (s *Scheduler) Running(ch ChannelID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[ch]
	return ok
}

// Active returns the number of running loops.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loops)
}

func (s *Scheduler) Loops() []LoopInfo {
	s.mu.Lock()
	out := make([]LoopInfo, 0, len(s.loops))
	for ch, st := range s.loops {
		out = append(out, LoopInfo{Channel: ch, RunID: st.runID, StartedAt: st.startedAt, Ticks: st.ticks.Load()})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (s *Scheduler) spawnLocked(ch ChannelID) {
	st := &loopState{runID: uuid.NewString(), startedAt: time.Now()}
	s.loops[ch] = st
	s.sup.Go0("mention.loop."+ch.String(), func(ctx context.Context) {
		s.run(ctx, ch, st)
	})
}

func (s *Scheduler) run(ctx context.Context, ch ChannelID, st *loopState) {
	log := s.log.With(logx.String("channel", ch.String()), logx.String("run_id", st.runID))
	log.Debug("loop started")
	eventbus.Publish(s.bus, EventLoopStarted, LoopEvent{Channel: ch.String(), RunID: st.runID})

	reason := "drained"
	defer func() {
		log.Debug("loop stopped", logx.String("reason", reason), logx.Uint64("ticks", st.ticks.Load()))
		eventbus.Publish(s.bus, EventLoopStopped, LoopEvent{Channel: ch.String(), RunID: st.runID, Tick: st.ticks.Load(), Err: reason})
	}()

	for {
		if ctx.Err() != nil {
			reason = "canceled"
			s.detach(ch, st)
			return
		}
		snap, stillActive, err := s.reg.SnapshotAndDecrement(ch)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				log.Error("channel vanished from registry", logx.Err(err))
			} else {
				log.Error("snapshot failed", logx.Err(err))
			}
			if s.finish(ch, st) {
				reason = "not_found"
				return
			}
			continue
		}
		if len(snap) > 0 {
			s.deliverOnce(ctx, log, ch, st, snap)
		}
		if !stillActive {
			if s.finish(ch, st) {
				return
			}
			// Recreated by a merge after the last decrement.
			log.Debug("channel reactivated, loop continues")
			continue
		}
		if !sleepCtx(ctx, s.RepeatDelay()) {
			reason = "canceled"
			s.detach(ch, st)
			return
		}
	}
}

// finish reports whether the loop may exit. It re-checks the registry under
// s.mu so a merge that recreated ch is never left without a loop.
func (s *Scheduler) finish(ch ChannelID, st *loopState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reg.IsActive(ch) && s.loops[ch] == st {
		return false
	}
	if s.loops[ch] == st {
		delete(s.loops, ch)
	}
	return true
}

func (s *Scheduler) detach(ch ChannelID, st *loopState) {
	s.mu.Lock()
	if s.loops[ch] == st {
		delete(s.loops, ch)
	}
	s.mu.Unlock()
}

func (s *Scheduler) deliverOnce(ctx context.Context, log logx.Logger, ch ChannelID, st *loopState, snap map[RecipientID]int) {
	tick := st.ticks.Add(1)
	recipients := make([]RecipientID, 0, len(snap))
	for rc := range snap {
		recipients = append(recipients, rc)
	}
	SortRecipients(recipients)

	dctx := ctx
	if s.deliverTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, s.deliverTimeout)
		defer cancel()
	}
	ev := LoopEvent{Channel: ch.String(), RunID: st.runID, Recipients: len(recipients), Tick: tick}
	if err := s.deliverer.Deliver(dctx, ch, recipients); err != nil {
		derr := &DeliveryError{Channel: ch, Err: err}
		log.Warn("delivery failed", logx.Uint64("tick", tick), logx.Int("recipients", len(recipients)), logx.Err(derr))
		ev.Err = err.Error()
		eventbus.Publish(s.bus, EventDeliveryFailed, ev)
		return
	}
	log.Debug("delivered", logx.Uint64("tick", tick), logx.Int("recipients", len(recipients)))
	eventbus.Publish(s.bus, EventDelivered, ev)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
