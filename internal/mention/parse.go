package mention

import (
	"strconv"
	"strings"
	"sync"

	kit "mentionbot/internal/transport"
)

const (
	commandName = "/mention"
	chatPrefix  = "chat:"
)

// ParseOptions controls how missing request parts are filled in.
type ParseOptions struct {
	// DefaultChannel targets the originating chat/topic when no chat:<id> is named.
	DefaultChannel bool
	// DefaultAuthor mentions the author when no recipient is named.
	DefaultAuthor bool
	// DefaultOnce uses a repeat of 1 when no count is given.
	DefaultOnce bool
	// MaxRepeat clamps the repeat count (<=0 = unlimited).
	MaxRepeat int
	// Owners may name remote chats with chat:<id>[/<thread>].
	Owners []int64
}

func DefaultParseOptions() ParseOptions {
	return ParseOptions{DefaultChannel: true, DefaultAuthor: true, DefaultOnce: true}
}

// Parser turns incoming messages addressed to the bot into requests.
type Parser struct {
	self func() kit.BotIdentity

	mu   sync.RWMutex
	opts ParseOptions
}

func NewParser(self func() kit.BotIdentity, opts ParseOptions) *Parser {
	if self == nil {
		self = func() kit.BotIdentity { return kit.BotIdentity{} }
	}
	return &Parser{self: self, opts: opts}
}

// SetOptions replaces the options; used on config reload.
func (p *Parser) SetOptions(opts ParseOptions) {
	opts.Owners = append([]int64(nil), opts.Owners...)
	p.mu.Lock()
	p.opts = opts
	p.mu.Unlock()
}

func (p *Parser) Options() ParseOptions {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.opts
}

// Parse returns false when msg is not addressed to the bot. A true result may
// still carry empty channels, recipients or a zero repeat when the matching
// default is disabled; Registry.Merge rejects those.
func (p *Parser) Parse(msg kit.Message) (Request, bool) {
	me := p.self()
	fields := strings.Fields(msg.Text)
	if !addressed(me, msg, fields) {
		return Request{}, false
	}
	opts := p.Options()

	var req Request
	owner := isOwner(opts.Owners, msg.FromID)
	for _, f := range fields {
		if !strings.HasPrefix(strings.ToLower(f), chatPrefix) {
			continue
		}
		ch, ok := parseChannel(f[len(chatPrefix):])
		if !ok {
			continue
		}
		if !owner {
			req.DeniedChannels++
			continue
		}
		req.Channels = appendChannel(req.Channels, ch)
	}
	if len(req.Channels) == 0 && req.DeniedChannels == 0 && opts.DefaultChannel && msg.ChatID != 0 {
		req.Channels = []ChannelID{{ChatID: msg.ChatID, ThreadID: msg.ThreadID}}
	}

	for _, m := range msg.Mentions {
		if isSelf(me, m) {
			continue
		}
		rc := User(m.ID, m.Username, m.DisplayName)
		if rc.valid() {
			req.Recipients = appendRecipient(req.Recipients, rc)
		}
	}
	for _, tag := range msg.Hashtags {
		if rc := Role(tag); rc.valid() {
			req.Recipients = appendRecipient(req.Recipients, rc)
		}
	}
	if len(req.Recipients) == 0 && opts.DefaultAuthor {
		if rc := User(msg.FromID, msg.FromUsername, msg.FromName); rc.valid() && (msg.FromID != 0 || msg.FromUsername != "") {
			req.Recipients = []RecipientID{rc}
		}
	}

	for _, f := range fields {
		if n, err := strconv.Atoi(f); err == nil && n > 0 {
			req.Repeat = n
			break
		}
	}
	if req.Repeat == 0 && opts.DefaultOnce {
		req.Repeat = 1
	}
	if opts.MaxRepeat > 0 && req.Repeat > opts.MaxRepeat {
		req.Repeat = opts.MaxRepeat
		req.Clamped = true
	}
	return req, true
}

func addressed(me kit.BotIdentity, msg kit.Message, fields []string) bool {
	if len(fields) > 0 {
		cmd, target, hasTarget := strings.Cut(fields[0], "@")
		if strings.EqualFold(cmd, commandName) {
			return !hasTarget || (me.Username != "" && strings.EqualFold(target, me.Username))
		}
	}
	for _, m := range msg.Mentions {
		if isSelf(me, m) {
			return true
		}
	}
	return false
}

func isSelf(me kit.BotIdentity, m kit.EntityUser) bool {
	if me.ID != 0 && m.ID == me.ID {
		return true
	}
	return me.Username != "" && strings.EqualFold(strings.TrimPrefix(m.Username, "@"), me.Username)
}

func isOwner(owners []int64, id int64) bool {
	if id == 0 {
		return false
	}
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}

// parseChannel parses "<chat>[/<thread>]".
func parseChannel(s string) (ChannelID, bool) {
	chat, thread, hasThread := strings.Cut(s, "/")
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || id == 0 {
		return ChannelID{}, false
	}
	ch := ChannelID{ChatID: id}
	if hasThread {
		t, err := strconv.Atoi(thread)
		if err != nil || t < 0 {
			return ChannelID{}, false
		}
		ch.ThreadID = t
	}
	return ch, true
}

func appendChannel(list []ChannelID, ch ChannelID) []ChannelID {
	for _, c := range list {
		if c == ch {
			return list
		}
	}
	return append(list, ch)
}

func appendRecipient(list []RecipientID, rc RecipientID) []RecipientID {
	for _, r := range list {
		if r == rc {
			return list
		}
	}
	return append(list, rc)
}
