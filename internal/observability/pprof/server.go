// Package pprof serves an optional debug HTTP endpoint: net/http/pprof
// profiles, a health probe and a JSON status page.
package pprof

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "mentionbot/internal/runtime/supervisor"
	logx "mentionbot/pkg/logx"
)

const defaultAddr = "127.0.0.1:6060"

// Config controls the debug server. A non-loopback Addr needs a Token
// unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Prefix        string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return defaultAddr
}

// sameListener reports whether b can keep serving on a's listener.
func (c Config) sameListener(b Config) bool {
	c.Enabled, b.Enabled = true, true
	c.Prefix, b.Prefix = normalizePrefix(c.Prefix), normalizePrefix(b.Prefix)
	return c == b
}

// StatusFunc returns a JSON-serializable view of the bot served at /status.
type StatusFunc func() any

type Service struct {
	log    logx.Logger
	status StatusFunc

	mu  sync.Mutex
	cfg Config
	cur *instance
}

func New(cfg Config, log logx.Logger, status StatusFunc) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, status: status}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr returns the bound listen address, or "" when nothing is serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	inst := s.cur
	s.mu.Unlock()
	if inst == nil {
		return ""
	}
	return inst.addr()
}

// Start launches the server if it is enabled and not already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil || !s.cfg.Enabled {
		return
	}
	s.cur = s.launch(ctx, s.cfg)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	inst := s.cur
	s.cur = nil
	s.mu.Unlock()
	if inst != nil {
		inst.shutdown(ctx)
		s.log.Info("pprof stopped")
	}
}

// Reconfigure applies cfg on hot reload, restarting the listener only when
// something it depends on changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	keep := s.cur != nil && cfg.Enabled && prev.sameListener(cfg)
	s.mu.Unlock()
	if keep {
		return
	}
	s.Stop(ctx)
	s.Start(ctx)
}

// instance is one running server generation. The supervisor re-listens
// if Serve fails.
type instance struct {
	cfg Config
	sup *rtsup.Supervisor

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

func (s *Service) launch(ctx context.Context, cfg Config) *instance {
	if ctx == nil {
		ctx = context.Background()
	}
	inst := &instance{
		cfg: cfg,
		sup: rtsup.NewSupervisor(context.WithoutCancel(ctx), rtsup.WithLogger(s.log)),
	}
	handler := s.routes(cfg)
	inst.sup.GoRestart("http.serve", func(c context.Context) error {
		return inst.serve(c, handler, s.log)
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
	)
	return inst
}

func (i *instance) addr() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ln == nil {
		return ""
	}
	return i.ln.Addr().String()
}

func (i *instance) serve(ctx context.Context, h http.Handler, log logx.Logger) error {
	addr := i.cfg.addr()
	open := i.cfg.Token == "" && !isLoopbackAddr(addr)
	if open && !i.cfg.AllowInsecure {
		log.Error("pprof refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
		return errors.New("insecure bind refused")
	}
	if open {
		log.Warn("pprof serving without token on non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      h,
		ReadTimeout:  i.cfg.ReadTimeout,
		WriteTimeout: i.cfg.WriteTimeout,
		IdleTimeout:  i.cfg.IdleTimeout,
	}
	i.mu.Lock()
	i.ln, i.srv = ln, srv
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		i.ln, i.srv = nil, nil
		i.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() { _ = srv.Close() })
	defer stop()

	log.Info("pprof started",
		logx.String("addr", ln.Addr().String()),
		logx.String("prefix", normalizePrefix(i.cfg.Prefix)),
		logx.Bool("token_set", i.cfg.Token != ""),
	)
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if errors.Is(err, http.ErrServerClosed) {
		return errors.New("server closed unexpectedly")
	}
	return err
}

// shutdown drains in-flight requests until ctx expires, then forces close.
func (i *instance) shutdown(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	i.mu.Lock()
	srv := i.srv
	i.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
		}
	}
	_ = i.sup.Stop(ctx)
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
