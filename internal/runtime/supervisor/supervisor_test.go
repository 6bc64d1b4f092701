package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	s.Go0("boom", func(ctx context.Context) { panic("boom") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil {
		t.Fatal("expected panic to surface as error")
	}
	if s.Context().Err() != nil {
		t.Fatal("context should stay alive without WithCancelOnError")
	}
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("fail", func(ctx context.Context) error { return errors.New("bad") })
	s.Go0("waiter", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil || err.Error() != "fail: bad" {
		t.Fatalf("Wait() = %v, want fail: bad", err)
	}
}

func TestGoRestartRestartsUntilClean(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestRunningTracksGoroutines(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	release := make(chan struct{})
	s.Go0("block", func(ctx context.Context) { <-release })

	deadline := time.Now().Add(time.Second)
	for s.Running() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("running = %d, want 1", s.Running())
		}
		time.Sleep(time.Millisecond)
	}
	close(release)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if n := s.Running(); n != 0 {
		t.Fatalf("running after Stop = %d", n)
	}
}

func TestRestartCleanExitWhenDisabled(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("poller", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithStopOnCleanExit(false), WithPublishFirstError(true))

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("runs = %d, want >= 3", runs.Load())
		}
		time.Sleep(time.Millisecond)
	}
	_ = s.Stop(context.Background())
	if err := s.Err(); err == nil || err.Error() != "poller: exited" {
		t.Fatalf("Err() = %v, want poller: exited", err)
	}
}
