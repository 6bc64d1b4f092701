package router

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mentionbot/internal/mention"
	"mentionbot/internal/notifier"
	rtsup "mentionbot/internal/runtime/supervisor"
	"mentionbot/internal/storage"
	kit "mentionbot/internal/transport"
	logx "mentionbot/pkg/logx"
)

// Config controls the dispatcher. Workers is read on DispatchLoop start.
type Config struct {
	Workers        int
	CommandTimeout time.Duration
}

// HistorySource exposes recent deliveries for status output.
type HistorySource interface {
	Snapshot() []notifier.HistoryItem
}

// Deps are the collaborators handlers need. Store and History may be nil.
type Deps struct {
	Adapter   kit.Adapter
	Parser    *mention.Parser
	Registry  *mention.Registry
	Scheduler *mention.Scheduler
	History   HistorySource
	Store     storage.Store
}

// Request is one routed message handed to a handler.
type Request struct {
	Msg     *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger

	// Mention is set for mention requests.
	Mention mention.Request
}

type command struct {
	name        string
	usage       string
	description string
	handle      Handler
}

type Router struct {
	log  logx.Logger
	deps Deps

	workers int
	timeout atomic.Int64
	cmds    map[string]command
	order   []string

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func New(cfg Config, deps Deps, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	r := &Router{
		log:     log.With(logx.String("comp", "telegram.router")),
		deps:    deps,
		workers: workers,
		cmds:    map[string]command{},
		jobs:    make(chan func(), 256),
	}
	r.timeout.Store(int64(cfg.CommandTimeout))
	r.register(command{"mention", "/mention [chat:<id>[/thread]] [@user|#role ...] [count]", "mention people repeatedly", r.handleMention})
	r.register(command{"mentions", "/mentions", "show active channels and recent deliveries", r.handleStatus})
	r.register(command{"help", "/help", "show this help", r.handleHelp})
	return r
}

func (r *Router) register(c command) {
	r.cmds[c.name] = c
	r.order = append(r.order, c.name)
}

// Apply updates the per-command timeout. Worker count changes need a restart.
func (r *Router) Apply(cfg Config) {
	r.timeout.Store(int64(cfg.CommandTimeout))
}

func (r *Router) commandTimeout() time.Duration {
	d := time.Duration(r.timeout.Load())
	if d <= 0 {
		d = 15 * time.Second
	}
	return d
}

func (r *Router) setSupervisor(sup *rtsup.Supervisor, running bool) {
	r.runMu.Lock()
	r.sup = sup
	r.running = running
	r.runMu.Unlock()
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop routes updates to a bounded worker pool until ctx is done or
// updates is closed. It must be called at most once per Router.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	r.setSupervisor(sup, true)
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers), logx.Int("job_queue_cap", cap(r.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			r.setSupervisor(sup, false)
			close(r.jobs)
		})
	}

	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.setSupervisor(nil, false)
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind == kit.UpdateMessage && up.Message != nil {
				r.route(ctx, up.Message)
			}
		}
	}
}

func (r *Router) route(ctx context.Context, msg *kit.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		r.routeMention(ctx, msg, "mention")
		return
	}

	fields := strings.Fields(text)
	word := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		// Commands addressed to another bot in the same group.
		if !strings.EqualFold(word[i+1:], r.deps.Adapter.Self().Username) {
			return
		}
		word = word[:i]
	}
	if word == "start" {
		word = "help"
	}
	cmd, ok := r.cmds[word]
	if !ok {
		if !msg.IsGroup {
			r.reply(ctx, msg, "unknown command. try /help", false)
		}
		return
	}
	if cmd.name == "mention" {
		r.routeMention(ctx, msg, cmd.name)
		return
	}
	r.enqueue(ctx, msg, cmd, fields[1:], mention.Request{})
}

func (r *Router) routeMention(ctx context.Context, msg *kit.Message, name string) {
	if r.deps.Parser == nil {
		return
	}
	req, ok := r.deps.Parser.Parse(*msg)
	if !ok {
		return
	}
	r.enqueue(ctx, msg, r.cmds[name], nil, req)
}

func (r *Router) enqueue(ctx context.Context, msg *kit.Message, cmd command, args []string, mreq mention.Request) {
	rid := uuid.NewString()[:8]
	req := &Request{
		Msg:     msg,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:  msg.FromID,
		Command: cmd.name,
		Args:    args,
		ReqID:   rid,
		Mention: mreq,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.name),
		),
	}
	final := wrap(cmd.handle, recoverPanics(r.log), logRequests(r.log), deadline(r.commandTimeout()))
	if !r.tryEnqueue(func() { _ = final(ctx, req) }) {
		r.reply(ctx, msg, "busy, try again", false)
	}
}

func (r *Router) reply(ctx context.Context, msg *kit.Message, text string, htmlMode bool) {
	opt := &kit.SendOptions{DisablePreview: true}
	if htmlMode {
		opt.ParseMode = "HTML"
	}
	if _, err := r.deps.Adapter.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, text, opt); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
	}
}
