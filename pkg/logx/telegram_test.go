package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestFormatTelegramLine(t *testing.T) {
	t.Parallel()
	line := `{"level":"warn","time":"2026-01-01T00:00:00Z","message":"delivery failed","comp":"notifier","chat_id":42}`
	got := formatTelegramLine([]byte(line))
	want := "[WARN] delivery failed\n- chat_id=42\n- comp=notifier"
	if got != want {
		t.Fatalf("formatTelegramLine() = %q, want %q", got, want)
	}
}

func TestFormatTelegramLineNotJSON(t *testing.T) {
	t.Parallel()
	got := formatTelegramLine([]byte("  plain text \n"))
	if got != "plain text" {
		t.Fatalf("formatTelegramLine() = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if m["comp"] != "test" || m["message"] != "hello" || m["n"] != float64(3) {
		t.Fatalf("unexpected log line: %v", m)
	}
	if caller, _ := m["caller"].(string); !strings.HasPrefix(caller, "telegram_test.go:") {
		t.Fatalf("caller = %q", caller)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}
