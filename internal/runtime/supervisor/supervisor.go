// Package supervisor runs the bot's long-lived goroutines under one context.
//
// Every goroutine is panic-protected. A Supervisor can optionally cancel all
// of its goroutines on the first failure, which is how the app turns a fatal
// component error into a shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "mentionbot/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg      sync.WaitGroup
	running atomic.Int64
	done    func() chan struct{}

	errMu sync.Mutex
	err   error
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context when any goroutine fails.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{log: logx.Nop()}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.done = sync.OnceValue(func() chan struct{} {
		ch := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(ch)
		}()
		return ch
	})
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Cancel() { s.cancel() }

// Running reports how many supervised goroutines have not returned yet.
func (s *Supervisor) Running() int64 {
	if s == nil {
		return 0
	}
	return s.running.Load()
}

// Err returns the first recorded failure.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Supervisor) record(err error, cancel bool) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	if cancel {
		s.cancel()
	}
}

// Go runs fn once. A returned error other than context.Canceled, or a
// panic, is recorded as a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(name, func(ctx context.Context) {
		err := protect(ctx, fn)
		var p *panicErr
		if errors.As(err, &p) {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", p.value), logx.String("stack", p.stack))
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			s.record(fmt.Errorf("%s: %w", name, err), s.cancelOnErr)
		}
	})
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func (s *Supervisor) spawn(name string, body func(ctx context.Context)) {
	s.wg.Add(1)
	s.running.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Add(-1)
		s.log.Debug("goroutine started", logx.String("name", name))
		body(s.ctx)
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// Stop cancels the context and waits for every goroutine.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-s.done():
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type panicErr struct {
	value any
	stack string
}

func (p *panicErr) Error() string { return fmt.Sprintf("panic: %v", p.value) }

func protect(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicErr{value: r, stack: string(debug.Stack())}
		}
	}()
	return fn(ctx)
}
