package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	logx "mentionbot/pkg/logx"
)

// healthyRun is how long a run must last before the backoff resets.
const healthyRun = 30 * time.Second

// RestartOption configures GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max     time.Duration
	restartClean bool
	recordErrors bool
}

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithPublishFirstError makes restarted failures visible through Err.
// They never cancel the supervisor.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.recordErrors = enabled }
}

// WithStopOnCleanExit controls whether a nil return ends the loop (the
// default) or counts as a failure to restart from.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.restartClean = !enabled }
}

// delay returns the jittered wait for the given backoff step.
func (p restartPolicy) delay(step time.Duration) time.Duration {
	if j := int64(step / 5); j > 0 {
		return step + time.Duration(rand.Int64N(j+1))
	}
	return step
}

// GoRestart keeps fn running: after an error or panic it is started again
// with exponential backoff until the context is canceled.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	s.spawn(name, func(ctx context.Context) {
		step := p.min
		for {
			began := time.Now()
			err := protect(ctx, fn)
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				if !p.restartClean {
					return
				}
				err = errors.New("exited")
			}
			var pe *panicErr
			if errors.As(err, &pe) {
				s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", pe.value), logx.String("stack", pe.stack))
			}
			if p.recordErrors {
				s.record(fmt.Errorf("%s: %w", name, err), false)
			}
			if time.Since(began) >= healthyRun {
				step = p.min
			}
			wait := p.delay(step)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			step = min(step*2, p.max)
		}
	})
}

func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn == nil {
		return
	}
	s.GoRestart(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, opts...)
}
