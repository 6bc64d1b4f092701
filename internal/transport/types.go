package transport

import "context"

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// EntityUser is a user referenced inside a message, either by @username or
// by a text mention (users without a public username).
type EntityUser struct {
	ID          int64 // 0 for plain @username mentions
	Username    string
	DisplayName string
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
	IsGroup      bool

	// Mentions lists mentioned users in message order.
	Mentions []EntityUser
	// Hashtags lists hashtag entities without the leading '#'.
	Hashtags []string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// BotIdentity describes the bot account the adapter is logged in as.
type BotIdentity struct {
	ID       int64
	Username string
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	Self() BotIdentity

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	DeleteMessage(ctx context.Context, ref MessageRef) error
}
