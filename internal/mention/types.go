package mention

import (
	"context"
	"html"
	"sort"
	"strconv"
	"strings"

	kit "mentionbot/internal/transport"
)

// ChannelID identifies a delivery destination: a chat plus an optional forum
// topic.
type ChannelID struct {
	ChatID   int64
	ThreadID int
}

func (c ChannelID) String() string {
	s := "chat:" + strconv.FormatInt(c.ChatID, 10)
	if c.ThreadID != 0 {
		s += "/" + strconv.Itoa(c.ThreadID)
	}
	return s
}

func (c ChannelID) Target() kit.ChatTarget {
	return kit.ChatTarget{ChatID: c.ChatID, ThreadID: c.ThreadID}
}

func (c ChannelID) valid() bool { return c.ChatID != 0 }

type RecipientKind uint8

const (
	RecipientUser RecipientKind = iota + 1
	RecipientRole
)

// RecipientID is a mentionable target.
//
// Users with a public username are keyed by the lowercased username (ID 0).
// Users without one are keyed by ID and carry their display name in Name.
// Roles are keyed by lowercased name.
type RecipientID struct {
	Kind RecipientKind
	ID   int64
	Name string
}

// User builds a user recipient, preferring the username as identity.
func User(id int64, username, display string) RecipientID {
	if u := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@")); u != "" {
		return RecipientID{Kind: RecipientUser, Name: u}
	}
	display = strings.TrimSpace(display)
	if display == "" {
		display = strconv.FormatInt(id, 10)
	}
	return RecipientID{Kind: RecipientUser, ID: id, Name: display}
}

// Role builds a role recipient.
func Role(name string) RecipientID {
	return RecipientID{Kind: RecipientRole, Name: strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "#"))}
}

func (r RecipientID) IsRole() bool { return r.Kind == RecipientRole }

// Mention renders r as Telegram HTML.
func (r RecipientID) Mention() string {
	switch {
	case r.Kind == RecipientRole:
		return "#" + html.EscapeString(r.Name)
	case r.ID != 0:
		return `<a href="tg://user?id=` + strconv.FormatInt(r.ID, 10) + `">` + html.EscapeString(r.Name) + "</a>"
	default:
		return "@" + html.EscapeString(r.Name)
	}
}

func (r RecipientID) String() string {
	switch {
	case r.Kind == RecipientRole:
		return "role:#" + r.Name
	case r.ID != 0:
		return "user:" + strconv.FormatInt(r.ID, 10)
	default:
		return "user:@" + r.Name
	}
}

func (r RecipientID) valid() bool {
	switch r.Kind {
	case RecipientUser:
		return r.Name != "" || r.ID != 0
	case RecipientRole:
		return r.Name != ""
	default:
		return false
	}
}

// SortRecipients orders recipients by their String form, in place.
func SortRecipients(rs []RecipientID) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].String() < rs[j].String() })
}

// Request is one parsed scheduling request.
type Request struct {
	Channels   []ChannelID
	Recipients []RecipientID
	Repeat     int

	// Clamped is set when Repeat was lowered to the configured maximum.
	Clamped bool
	// DeniedChannels counts remote chat tokens ignored for non-owners.
	DeniedChannels int
}

// Deliverer sends one notification mentioning recipients to a channel.
// Auto-expiry of the sent message is the deliverer's concern.
type Deliverer interface {
	Deliver(ctx context.Context, ch ChannelID, recipients []RecipientID) error
}

// DeliverFunc adapts a function to Deliverer.
type DeliverFunc func(ctx context.Context, ch ChannelID, recipients []RecipientID) error

func (f DeliverFunc) Deliver(ctx context.Context, ch ChannelID, recipients []RecipientID) error {
	return f(ctx, ch, recipients)
}
