package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"mentionbot/internal/mention"
	"mentionbot/internal/notifier"
	"mentionbot/internal/storage"
	kit "mentionbot/internal/transport"
	logx "mentionbot/pkg/logx"
)

var bot = kit.BotIdentity{ID: 999, Username: "PingBot"}

type fakeAdapter struct {
	sent chan string
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }
func (f *fakeAdapter) Self() kit.BotIdentity                          { return bot }
func (f *fakeAdapter) DeleteMessage(context.Context, kit.MessageRef) error {
	return nil
}

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.sent <- text
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: 1}, nil
}

type blockingDeliverer struct {
	mu      sync.Mutex
	n       int
	release chan struct{}
}

func (d *blockingDeliverer) Deliver(ctx context.Context, ch mention.ChannelID, rs []mention.RecipientID) error {
	d.mu.Lock()
	d.n++
	d.mu.Unlock()
	select {
	case <-d.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *blockingDeliverer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

type fakeStore struct {
	mu       sync.Mutex
	requests []storage.RequestRecord
}

func (s *fakeStore) AppendDelivery(context.Context, storage.DeliveryRecord) error { return nil }
func (s *fakeStore) PruneBefore(context.Context, time.Time) (int64, error)       { return 0, nil }
func (s *fakeStore) Close() error                                                 { return nil }
func (s *fakeStore) AppendRequest(_ context.Context, r storage.RequestRecord) error {
	s.mu.Lock()
	s.requests = append(s.requests, r)
	s.mu.Unlock()
	return nil
}

type harness struct {
	ad      *fakeAdapter
	reg     *mention.Registry
	sched   *mention.Scheduler
	del     *blockingDeliverer
	store   *fakeStore
	updates chan kit.Update
}

func startRouter(t *testing.T, owners ...int64) *harness {
	t.Helper()
	h := &harness{
		ad:      &fakeAdapter{sent: make(chan string, 16)},
		reg:     mention.NewRegistry(),
		del:     &blockingDeliverer{release: make(chan struct{})},
		store:   &fakeStore{},
		updates: make(chan kit.Update, 8),
	}
	h.sched = mention.NewScheduler(mention.SchedulerConfig{RepeatDelay: time.Millisecond}, h.reg, h.del, logx.Nop(), nil)
	if err := h.sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	opts := mention.DefaultParseOptions()
	opts.Owners = owners
	opts.MaxRepeat = 10
	parser := mention.NewParser(func() kit.BotIdentity { return bot }, opts)

	r := New(Config{Workers: 2}, Deps{
		Adapter:   h.ad,
		Parser:    parser,
		Registry:  h.reg,
		Scheduler: h.sched,
		Store:     h.store,
	}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.DispatchLoop(ctx, h.updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		select {
		case <-h.del.release:
		default:
			close(h.del.release)
		}
		_ = h.sched.Stop(context.Background())
	})
	return h
}

func (h *harness) send(msg kit.Message) {
	if msg.ChatID == 0 {
		msg.ChatID = -100
	}
	h.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &msg}
}

func (h *harness) expectReply(t *testing.T, contains string) string {
	t.Helper()
	select {
	case text := <-h.ad.sent:
		if !strings.Contains(text, contains) {
			t.Fatalf("reply = %q, want containing %q", text, contains)
		}
		return text
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply containing %q", contains)
		return ""
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestMentionStartsLoopThenAcksMerge(t *testing.T) {
	t.Parallel()
	h := startRouter(t)
	ch := mention.ChannelID{ChatID: -100}

	h.send(kit.Message{
		FromID: 5, FromUsername: "carol", Text: "@PingBot @alice 3",
		Mentions: []kit.EntityUser{{Username: "PingBot"}, {Username: "alice"}},
	})
	waitFor(t, "loop start", func() bool { return h.sched.Running(ch) })

	h.send(kit.Message{
		FromID: 5, Text: "/mention @bob 2",
		Mentions: []kit.EntityUser{{Username: "bob"}},
	})
	h.expectReply(t, "added 1 recipient(s) × 2 to 1 active channel(s)")

	close(h.del.release)
	waitFor(t, "drain", func() bool { return h.reg.Len() == 0 && !h.sched.Running(ch) })
	if n := h.del.calls(); n != 3 {
		t.Fatalf("deliveries = %d, want 3", n)
	}

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if len(h.store.requests) != 2 || len(h.store.requests[0].Created) != 1 || len(h.store.requests[1].Created) != 0 {
		t.Fatalf("audit = %+v", h.store.requests)
	}
}

func TestMentionNotices(t *testing.T) {
	t.Parallel()
	h := startRouter(t, 1)

	h.send(kit.Message{FromID: 5, Text: "/mention chat:-200 @x", Mentions: []kit.EntityUser{{Username: "x"}}})
	h.expectReply(t, "only owners")

	h.send(kit.Message{FromID: 1, Text: "/mention chat:-300 @x 50", Mentions: []kit.EntityUser{{Username: "x"}}})
	h.expectReply(t, "count limited to 10")
	waitFor(t, "remote loop", func() bool { return h.sched.Running(mention.ChannelID{ChatID: -300}) })
}

func TestCommandRouting(t *testing.T) {
	t.Parallel()
	h := startRouter(t)

	h.send(kit.Message{Text: "/help@OtherBot"})
	h.send(kit.Message{Text: "/nope", IsGroup: true})
	h.send(kit.Message{Text: "hello there"})
	h.send(kit.Message{Text: "/help@PingBot"})
	h.expectReply(t, "/mentions")

	h.send(kit.Message{ChatID: 7, Text: "/nope"})
	h.expectReply(t, "unknown command")

	h.send(kit.Message{Text: "/mentions"})
	h.expectReply(t, "nothing scheduled")
}

func TestRenderStatus(t *testing.T) {
	t.Parallel()
	ch := mention.ChannelID{ChatID: -100, ThreadID: 3}
	now := time.Now()
	text := renderStatus(
		[]mention.ChannelState{{
			Channel:    ch,
			Recipients: map[mention.RecipientID]int{mention.User(0, "alice", ""): 2, mention.Role("ops"): 1},
			Since:      now.Add(-time.Minute),
		}},
		[]mention.LoopInfo{{Channel: ch, Ticks: 4}},
		[]notifier.HistoryItem{
			{At: now, Channel: "chat:-1", Recipients: 1},
			{At: now, Channel: "chat:-2", Recipients: 2, Error: "<boom>"},
		},
		time.Second,
	)
	for _, want := range []string{"chat:-100/3", "3 pending", "4 sent", "alice×2", "#ops×1", "failed: &lt;boom&gt;", "every 1s"} {
		if !strings.Contains(text, want) {
			t.Errorf("status missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "@alice") {
		t.Errorf("status should not ping users:\n%s", text)
	}
	_, recent, _ := strings.Cut(text, "Recent deliveries")
	if strings.Index(recent, "<code>chat:-2</code>") > strings.Index(recent, "<code>chat:-1</code>") {
		t.Errorf("recent deliveries should be newest first:\n%s", text)
	}
}

func TestMiddlewareRecoversPanics(t *testing.T) {
	t.Parallel()
	h := wrap(func(context.Context, *Request) error { panic("kaboom") }, recoverPanics(logx.Nop()))
	err := h(context.Background(), &Request{})
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("err = %v", err)
	}
	timed := wrap(func(ctx context.Context, _ *Request) error {
		<-ctx.Done()
		return ctx.Err()
	}, deadline(10*time.Millisecond))
	if err := timed(context.Background(), &Request{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("timeout err = %v", err)
	}
}
