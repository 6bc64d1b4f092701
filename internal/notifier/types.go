package notifier

import "time"

// Config controls delivery.
type Config struct {
	// RatePerSec caps sends across all channels.
	RatePerSec int
	// SendTimeout bounds one SendText call.
	SendTimeout time.Duration
	// DeleteDelay deletes each posted message after this long (0 = keep).
	DeleteDelay time.Duration
	// MaxMessageLen splits long mention lists into several messages.
	MaxMessageLen int
	HistorySize   int
	// Roles maps a role name to its members ("@username" or a numeric user id).
	Roles map[string][]string
}

type HistoryItem struct {
	At         time.Time
	Channel    string
	Recipients int
	Messages   int
	Error      string
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	Channel   string    `json:"channel"`
	ChatID    int64     `json:"chat_id"`
	ThreadID  int       `json:"thread_id,omitempty"`
	MessageID int       `json:"message_id,omitempty"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}

const (
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
	EventExpired = "notifier.expired"
)
