package mention

import (
	"reflect"
	"testing"

	kit "mentionbot/internal/transport"
)

func TestParse(t *testing.T) {
	t.Parallel()
	me := kit.BotIdentity{ID: 999, Username: "PingBot"}
	botMention := kit.EntityUser{Username: "pingbot"}
	origin := ChannelID{ChatID: -100, ThreadID: 3}
	author := User(7, "carol", "Carol")

	base := func(text string, mentions []kit.EntityUser, tags ...string) kit.Message {
		return kit.Message{
			ChatID: -100, ThreadID: 3,
			FromID: 7, FromUsername: "carol", FromName: "Carol",
			Text: text, IsGroup: true,
			Mentions: mentions, Hashtags: tags,
		}
	}

	tests := []struct {
		name   string
		opts   ParseOptions
		msg    kit.Message
		wantOK bool
		want   Request
	}{
		{
			name: "not addressed",
			opts: DefaultParseOptions(),
			msg:  base("hello @dave 3", []kit.EntityUser{{Username: "dave"}}),
		},
		{
			name: "command for another bot",
			opts: DefaultParseOptions(),
			msg:  base("/mention@otherbot 2", nil),
		},
		{
			name:   "all defaults",
			opts:   DefaultParseOptions(),
			msg:    base("@PingBot", []kit.EntityUser{botMention}),
			wantOK: true,
			want:   Request{Channels: []ChannelID{origin}, Recipients: []RecipientID{author}, Repeat: 1},
		},
		{
			name:   "command with users roles and repeat",
			opts:   DefaultParseOptions(),
			msg:    base("/mention@pingbot @dave Eve #oncall 4 9", []kit.EntityUser{{Username: "Dave"}, {ID: 55, DisplayName: "Eve"}}, "OnCall"),
			wantOK: true,
			want: Request{
				Channels:   []ChannelID{origin},
				Recipients: []RecipientID{User(0, "dave", ""), User(55, "", "Eve"), Role("oncall")},
				Repeat:     4,
			},
		},
		{
			name:   "non positive numbers skipped",
			opts:   DefaultParseOptions(),
			msg:    base("/mention 0 -2 x 5", nil),
			wantOK: true,
			want:   Request{Channels: []ChannelID{origin}, Recipients: []RecipientID{author}, Repeat: 5},
		},
		{
			name:   "owner names remote chats",
			opts:   ParseOptions{DefaultChannel: true, DefaultAuthor: true, DefaultOnce: true, Owners: []int64{7}},
			msg:    base("/mention chat:-200 chat:-300/12 chat:-200 chat:abc", nil),
			wantOK: true,
			want: Request{
				Channels:   []ChannelID{{ChatID: -200}, {ChatID: -300, ThreadID: 12}},
				Recipients: []RecipientID{author},
				Repeat:     1,
			},
		},
		{
			name:   "non owner remote chats denied",
			opts:   DefaultParseOptions(),
			msg:    base("/mention chat:-200", nil),
			wantOK: true,
			want:   Request{Recipients: []RecipientID{author}, Repeat: 1, DeniedChannels: 1},
		},
		{
			name:   "defaults disabled",
			opts:   ParseOptions{},
			msg:    base("@pingbot", []kit.EntityUser{botMention}),
			wantOK: true,
			want:   Request{},
		},
		{
			name:   "clamped",
			opts:   ParseOptions{DefaultChannel: true, DefaultAuthor: true, DefaultOnce: true, MaxRepeat: 10},
			msg:    base("/mention 50", nil),
			wantOK: true,
			want:   Request{Channels: []ChannelID{origin}, Recipients: []RecipientID{author}, Repeat: 10, Clamped: true},
		},
		{
			name:   "bot mention by id",
			opts:   DefaultParseOptions(),
			msg:    base("Ping please 2", []kit.EntityUser{{ID: 999, DisplayName: "Ping"}, {Username: "dave"}, {Username: "DAVE"}}),
			wantOK: true,
			want:   Request{Channels: []ChannelID{origin}, Recipients: []RecipientID{User(0, "dave", "")}, Repeat: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(func() kit.BotIdentity { return me }, tt.opts)
			got, ok := p.Parse(tt.msg)
			if ok != tt.wantOK {
				t.Fatalf("Parse() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Parse() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRecipientMention(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rc   RecipientID
		want string
	}{
		{User(0, "@Alice", ""), "@alice"},
		{User(5, "", "Bob <b>"), `<a href="tg://user?id=5">Bob &lt;b&gt;</a>`},
		{User(6, "", ""), `<a href="tg://user?id=6">6</a>`},
		{Role("#Ops"), "#ops"},
	}
	for _, tt := range tests {
		if got := tt.rc.Mention(); got != tt.want {
			t.Errorf("%v.Mention() = %q, want %q", tt.rc, got, tt.want)
		}
	}
}

func TestChannelIDString(t *testing.T) {
	t.Parallel()
	if got := (ChannelID{ChatID: -5}).String(); got != "chat:-5" {
		t.Fatalf("got %q", got)
	}
	if got := (ChannelID{ChatID: -5, ThreadID: 9}).String(); got != "chat:-5/9" {
		t.Fatalf("got %q", got)
	}
}
