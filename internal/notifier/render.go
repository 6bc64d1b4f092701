package notifier

import (
	"strconv"
	"strings"

	"mentionbot/internal/mention"
)

const defaultMaxMessageLen = 4000

// expand renders recipients as HTML mentions. Roles with configured members
// become those members; unknown roles stay as hashtags. Duplicates produced
// by expansion are dropped, first occurrence wins.
func expand(recipients []mention.RecipientID, roles map[string][]string) []string {
	out := make([]string, 0, len(recipients))
	seen := make(map[mention.RecipientID]struct{}, len(recipients))
	add := func(rc mention.RecipientID) {
		if _, dup := seen[rc]; dup {
			return
		}
		seen[rc] = struct{}{}
		out = append(out, rc.Mention())
	}
	for _, rc := range recipients {
		if !rc.IsRole() {
			add(rc)
			continue
		}
		members := roles[rc.Name]
		if len(members) == 0 {
			add(rc)
			continue
		}
		for _, m := range members {
			if member, ok := parseMember(m); ok {
				add(member)
			}
		}
	}
	return out
}

func parseMember(s string) (mention.RecipientID, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "@" {
		return mention.RecipientID{}, false
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil && id > 0 {
		return mention.User(id, "", ""), true
	}
	return mention.User(0, s, ""), true
}

// chunk joins parts with spaces into messages of at most maxLen bytes,
// never splitting a part. A single part longer than maxLen gets its own
// message.
func chunk(parts []string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = defaultMaxMessageLen
	}
	var (
		out []string
		b   strings.Builder
	)
	for _, p := range parts {
		if b.Len() > 0 && b.Len()+1+len(p) > maxLen {
			out = append(out, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p)
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}
