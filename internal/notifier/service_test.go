package notifier

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"mentionbot/internal/eventbus"
	"mentionbot/internal/mention"
	kit "mentionbot/internal/transport"
	logx "mentionbot/pkg/logx"
)

type fakeAdapter struct {
	mu      sync.Mutex
	nextID  int
	sent    []string
	deleted []kit.MessageRef
	sendErr error
	// onDelete runs after each recorded delete, outside the lock.
	onDelete func()
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }
func (f *fakeAdapter) Self() kit.BotIdentity                          { return kit.BotIdentity{ID: 1, Username: "bot"} }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return kit.MessageRef{}, f.sendErr
	}
	if opt == nil || opt.ParseMode != "HTML" {
		return kit.MessageRef{}, errors.New("expected HTML parse mode")
	}
	f.nextID++
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: f.nextID}, nil
}

func (f *fakeAdapter) DeleteMessage(ctx context.Context, ref kit.MessageRef) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, ref)
	hook := f.onDelete
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeAdapter) counts() (sent, deleted int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent), len(f.deleted)
}

var chA = mention.ChannelID{ChatID: -42, ThreadID: 5}

func TestDeliverRendersAndExpandsRoles(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := New(Config{
		RatePerSec: 100,
		Roles:      map[string][]string{"OnCall": {"@alice", "77", " "}},
	}, ad, logx.Nop(), nil, nil)
	defer s.Stop(context.Background())

	err := s.Deliver(context.Background(), chA, []mention.RecipientID{
		mention.User(0, "alice", ""),
		mention.Role("oncall"),
		mention.Role("ghosts"),
		mention.User(9, "", "Zoë"),
	})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	want := `@alice <a href="tg://user?id=77">77</a> #ghosts <a href="tg://user?id=9">Zoë</a>`
	if len(ad.sent) != 1 || ad.sent[0] != want {
		t.Fatalf("sent = %q, want %q", ad.sent, want)
	}
	h := s.Snapshot()
	if len(h) != 1 || h[0].Recipients != 4 || h[0].Messages != 1 || h[0].Error != "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestDeliverSplitsLongLists(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := New(Config{RatePerSec: 100, MaxMessageLen: 20}, ad, logx.Nop(), nil, nil)
	defer s.Stop(context.Background())

	var rs []mention.RecipientID
	for _, n := range []string{"aaaaaaa", "bbbbbbb", "ccccccc", "ddddddd"} {
		rs = append(rs, mention.User(0, n, ""))
	}
	if err := s.Deliver(context.Background(), chA, rs); err != nil {
		t.Fatal(err)
	}
	if len(ad.sent) != 2 {
		t.Fatalf("messages = %d (%q), want 2", len(ad.sent), ad.sent)
	}
	for _, m := range ad.sent {
		if len(m) > 20 {
			t.Fatalf("message %q exceeds limit", m)
		}
	}
}

func TestDeliverFailurePublishesAndRecords(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	ad := &fakeAdapter{sendErr: errors.New("Forbidden: bot was kicked")}
	s := New(Config{RatePerSec: 100}, ad, logx.Nop(), bus, nil)
	defer s.Stop(context.Background())

	err := s.Deliver(context.Background(), chA, []mention.RecipientID{mention.User(0, "a", "")})
	if err == nil || !strings.Contains(err.Error(), "kicked") {
		t.Fatalf("Deliver() error = %v", err)
	}
	select {
	case ev := <-events:
		if ev.Type != EventFailed {
			t.Fatalf("event = %s, want %s", ev.Type, EventFailed)
		}
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}
	if h := s.Snapshot(); len(h) != 1 || h[0].Error == "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestExpiryDeletesAfterDelay(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := New(Config{RatePerSec: 100, DeleteDelay: 20 * time.Millisecond}, ad, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Deliver(context.Background(), chA, []mention.RecipientID{mention.User(0, "a", "")}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, del := ad.counts(); del == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("message was not deleted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := s.PendingExpiries(); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
}

func TestStopFlushesPendingExpiries(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := New(Config{RatePerSec: 100, DeleteDelay: time.Hour}, ad, logx.Nop(), nil, nil)
	s.Start(context.Background())

	for i := 0; i < 3; i++ {
		if err := s.Deliver(context.Background(), chA, []mention.RecipientID{mention.User(0, "a", "")}); err != nil {
			t.Fatal(err)
		}
	}
	if n := s.PendingExpiries(); n != 3 {
		t.Fatalf("pending = %d, want 3", n)
	}
	s.Stop(context.Background())

	if _, del := ad.counts(); del != 3 {
		t.Fatalf("deleted = %d, want 3", del)
	}
	err := s.Deliver(context.Background(), chA, []mention.RecipientID{mention.User(0, "a", "")})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Deliver after Stop = %v, want ErrStopped", err)
	}
}

func TestStopFlushReportsRemaining(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ad := &fakeAdapter{onDelete: cancel}
	var logs bytes.Buffer
	s := New(Config{RatePerSec: 100, DeleteDelay: time.Hour}, ad, logx.NewWithWriter(&logs, "debug"), nil, nil)

	for i := 0; i < 3; i++ {
		if err := s.Deliver(context.Background(), chA, []mention.RecipientID{mention.User(0, "a", "")}); err != nil {
			t.Fatal(err)
		}
	}
	s.Stop(ctx)

	if _, del := ad.counts(); del != 1 {
		t.Fatalf("deleted = %d, want 1", del)
	}
	if out := logs.String(); !strings.Contains(out, "expiry flush interrupted") || !strings.Contains(out, `"left":2`) {
		t.Fatalf("flush log missing remaining count:\n%s", out)
	}
}

func TestChunk(t *testing.T) {
	t.Parallel()
	tests := []struct {
		parts []string
		max   int
		want  []string
	}{
		{nil, 10, nil},
		{[]string{"ab", "cd"}, 5, []string{"ab cd"}},
		{[]string{"ab", "cd"}, 4, []string{"ab", "cd"}},
		{[]string{"toolongpart", "x"}, 4, []string{"toolongpart", "x"}},
	}
	for _, tt := range tests {
		got := chunk(tt.parts, tt.max)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
			t.Errorf("chunk(%q, %d) = %q, want %q", tt.parts, tt.max, got, tt.want)
		}
	}
}
