package systemd

import (
	"context"
	"testing"
	"time"

	logx "mentionbot/pkg/logx"
)

func TestNoopOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	log := logx.Nop()
	Ready(log)
	Stopping(log)

	done := make(chan struct{})
	go func() {
		defer close(done)
		Watchdog(context.Background(), log, nil)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watchdog should return when no watchdog is configured")
	}
}
