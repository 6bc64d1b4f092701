package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "mentionbot/pkg/logx"
)

// slowRequest promotes successful request logs from debug to info.
const slowRequest = 750 * time.Millisecond

type Handler func(ctx context.Context, req *Request) error

// Layer decorates a Handler.
type Layer func(next Handler) Handler

// wrap applies layers so the first one listed runs outermost.
func wrap(h Handler, layers ...Layer) Handler {
	for i := len(layers) - 1; i >= 0; i-- {
		h = layers[i](h)
	}
	return h
}

func requestLogger(fallback logx.Logger, req *Request) logx.Logger {
	if req != nil && !req.Logger.IsZero() {
		return req.Logger
	}
	return fallback
}

// recoverPanics turns a handler panic into an error.
func recoverPanics(log logx.Logger) Layer {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if v := recover(); v != nil {
					requestLogger(log, req).Error("handler panicked", logx.Any("panic", v), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", v)
				}
			}()
			return next(ctx, req)
		}
	}
}

// logRequests records outcome and latency. Mention requests also log their
// parsed shape so merges can be traced from the log alone.
func logRequests(log logx.Logger) Layer {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) error {
			began := time.Now()
			err := next(ctx, req)
			took := time.Since(began)

			l := requestLogger(log, req)
			fields := []logx.Field{logx.Duration("took", took)}
			if m := req.Mention; len(m.Channels) > 0 || len(m.Recipients) > 0 {
				fields = append(fields,
					logx.Int("channels", len(m.Channels)),
					logx.Int("recipients", len(m.Recipients)),
					logx.Int("repeat", m.Repeat),
				)
			}
			switch {
			case err != nil:
				l.Warn("request failed", append(fields, logx.Err(err))...)
			case took >= slowRequest:
				l.Info("request handled", fields...)
			default:
				l.Debug("request handled", fields...)
			}
			return err
		}
	}
}

// deadline bounds each handler run; d <= 0 leaves ctx untouched.
func deadline(d time.Duration) Layer {
	return func(next Handler) Handler {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}
