package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mentionbot/internal/eventbus"
	"mentionbot/internal/mention"
	rtsup "mentionbot/internal/runtime/supervisor"
	"mentionbot/internal/storage"
	kit "mentionbot/internal/transport"
	logx "mentionbot/pkg/logx"
)

var (
	ErrStopped      = errors.New("notifier stopped")
	ErrNoRecipients = errors.New("nothing to mention")
)

type expiry struct {
	ref     kit.MessageRef
	channel string
	at      time.Time
}

// Service delivers mention messages: render + rate limit + send + expire.
//
// It implements mention.Deliverer and is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	store   storage.Store

	cfg     Config
	limiter *rate.Limiter
	stopped bool
	sup     *rtsup.Supervisor

	emu     sync.Mutex
	pending map[kit.MessageRef]expiry
	wake    chan struct{}

	hmu     sync.Mutex
	history []HistoryItem
}

var _ mention.Deliverer = (*Service)(nil)

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		store:   store,
		pending: map[kit.MessageRef]expiry{},
		wake:    make(chan struct{}, 1),
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
	s.poke()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DeleteDelay < 0 {
		cfg.DeleteDelay = 0
	}
	if cfg.MaxMessageLen <= 0 || cfg.MaxMessageLen > defaultMaxMessageLen {
		cfg.MaxMessageLen = defaultMaxMessageLen
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	roles := make(map[string][]string, len(cfg.Roles))
	for name, members := range cfg.Roles {
		key := mention.Role(name).Name
		roles[key] = append(roles[key], members...)
	}
	cfg.Roles = roles

	s.cfg = cfg
	if s.limiter == nil {
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
		return
	}
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(cfg.RatePerSec)
}

// Start runs the expiry loop. Deliver works without it, but posted messages
// are then only deleted by Stop.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil || s.stopped {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart0("notifier.expiry", s.expiryLoop, rtsup.WithStopOnCleanExit(true))
}

// Stop rejects further deliveries and deletes every message still waiting
// for expiry, best effort until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	s.stopped = true
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if sup != nil {
		_ = sup.Stop(ctx)
	}

	s.emu.Lock()
	due := make([]expiry, 0, len(s.pending))
	for _, e := range s.pending {
		due = append(due, e)
	}
	s.pending = map[kit.MessageRef]expiry{}
	s.emu.Unlock()

	if len(due) > 0 {
		s.log.Info("flushing pending expiries", logx.Int("count", len(due)))
	}
	for i, e := range due {
		if ctx.Err() != nil {
			s.log.Warn("expiry flush interrupted", logx.Int("left", len(due)-i), logx.Err(ctx.Err()))
			return
		}
		s.expire(ctx, e)
	}
}

// Deliver posts one mention message (or several, when long) to ch.
// The first failed send aborts the delivery; messages already posted stay
// scheduled for expiry.
func (s *Service) Deliver(ctx context.Context, ch mention.ChannelID, recipients []mention.RecipientID) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	s.mu.Unlock()
	if ad == nil {
		return errors.New("notifier has no adapter")
	}

	parts := expand(recipients, cfg.Roles)
	if len(parts) == 0 {
		return ErrNoRecipients
	}
	msgs := chunk(parts, cfg.MaxMessageLen)

	start := time.Now()
	target := ch.Target()
	opts := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	var (
		ids     []int
		sendErr error
	)
	for _, text := range msgs {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				sendErr = err
				break
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		ref, err := ad.SendText(callCtx, target, text, opts)
		cancel()
		if err != nil {
			sendErr = err
			break
		}
		ids = append(ids, ref.MessageID)
		s.publish(EventSent, ch, ref.MessageID, nil)
		if cfg.DeleteDelay > 0 {
			s.track(expiry{ref: ref, channel: ch.String(), at: time.Now().Add(cfg.DeleteDelay)})
		}
	}

	took := time.Since(start)
	item := HistoryItem{At: start, Channel: ch.String(), Recipients: len(parts), Messages: len(ids)}
	if sendErr != nil {
		item.Error = sendErr.Error()
		s.publish(EventFailed, ch, 0, sendErr)
		s.log.Debug("send failed", logx.String("channel", ch.String()), logx.Int("sent", len(ids)), logx.Int("messages", len(msgs)), logx.Err(sendErr))
	}
	s.appendHistory(item, cfg.HistorySize)
	s.audit(ch, ids, recipients, took, sendErr)

	if sendErr != nil {
		return fmt.Errorf("send %d/%d: %w", len(ids)+1, len(msgs), sendErr)
	}
	return nil
}

// Snapshot returns recent deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

// PendingExpiries returns how many posted messages still await deletion.
func (s *Service) PendingExpiries() int {
	s.emu.Lock()
	defer s.emu.Unlock()
	return len(s.pending)
}

func (s *Service) appendHistory(it HistoryItem, max int) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > max {
		s.history = s.history[len(s.history)-max:]
	}
	s.hmu.Unlock()
}

func (s *Service) audit(ch mention.ChannelID, ids []int, recipients []mention.RecipientID, took time.Duration, sendErr error) {
	if s.store == nil {
		return
	}
	rec := storage.DeliveryRecord{
		At:         time.Now(),
		ChatID:     ch.ChatID,
		ThreadID:   ch.ThreadID,
		MessageIDs: ids,
		Recipients: make([]string, 0, len(recipients)),
		OK:         sendErr == nil,
		TookMS:     took.Milliseconds(),
	}
	for _, rc := range recipients {
		rec.Recipients = append(rec.Recipients, rc.String())
	}
	if sendErr != nil {
		rec.Error = sendErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := s.store.AppendDelivery(ctx, rec); err != nil {
		s.log.Debug("audit append failed", logx.Err(err))
	}
}

func (s *Service) publish(typ string, ch mention.ChannelID, msgID int, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{Channel: ch.String(), ChatID: ch.ChatID, ThreadID: ch.ThreadID, MessageID: msgID, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) track(e expiry) {
	s.emu.Lock()
	s.pending[e.ref] = e
	s.emu.Unlock()
	s.poke()
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// takeDue removes and returns expiries at or before now, plus the next
// deadline (zero when nothing is pending).
func (s *Service) takeDue(now time.Time) (due []expiry, next time.Time) {
	s.emu.Lock()
	defer s.emu.Unlock()
	for ref, e := range s.pending {
		if !e.at.After(now) {
			due = append(due, e)
			delete(s.pending, ref)
			continue
		}
		if next.IsZero() || e.at.Before(next) {
			next = e.at
		}
	}
	return due, next
}

func (s *Service) expiryLoop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		due, next := s.takeDue(time.Now())
		for _, e := range due {
			s.expire(ctx, e)
		}
		wait := time.Hour
		if !next.IsZero() {
			wait = max(time.Until(next), 0)
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *Service) expire(ctx context.Context, e expiry) {
	s.mu.Lock()
	ad := s.adapter
	timeout := s.cfg.SendTimeout
	s.mu.Unlock()

	// Deletion must outlive a canceled run context during the Stop flush.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	err := ad.DeleteMessage(dctx, e.ref)
	ch := mention.ChannelID{ChatID: e.ref.ChatID, ThreadID: e.ref.ThreadID}
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "not found") {
		s.log.Warn("delete expired message failed", logx.String("channel", e.channel), logx.Int("message_id", e.ref.MessageID), logx.Err(err))
		s.publish(EventExpired, ch, e.ref.MessageID, err)
		return
	}
	s.publish(EventExpired, ch, e.ref.MessageID, nil)
}
