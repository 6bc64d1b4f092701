package router

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"mentionbot/internal/mention"
	"mentionbot/internal/notifier"
)

const statusHistoryRows = 5

func (r *Router) history() []notifier.HistoryItem {
	if r.deps.History == nil {
		return nil
	}
	return r.deps.History.Snapshot()
}

// renderStatus formats active channels and recent deliveries as Telegram HTML.
func renderStatus(channels []mention.ChannelState, loops []mention.LoopInfo, hist []notifier.HistoryItem, every time.Duration) string {
	ticks := make(map[mention.ChannelID]mention.LoopInfo, len(loops))
	for _, l := range loops {
		ticks[l.Channel] = l
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>Active channels:</b> %s (every %s)\n", humanize.Comma(int64(len(channels))), every)
	if len(channels) == 0 {
		b.WriteString("nothing scheduled\n")
	}
	for _, cs := range channels {
		fmt.Fprintf(&b, "• <code>%s</code> %s pending, since %s",
			html.EscapeString(cs.Channel.String()),
			humanize.Comma(int64(cs.Pending())),
			humanize.Time(cs.Since))
		if l, ok := ticks[cs.Channel]; ok {
			fmt.Fprintf(&b, ", %s sent", humanize.Comma(int64(l.Ticks)))
		}
		b.WriteByte('\n')

		rs := make([]mention.RecipientID, 0, len(cs.Recipients))
		for rc := range cs.Recipients {
			rs = append(rs, rc)
		}
		mention.SortRecipients(rs)
		parts := make([]string, 0, len(rs))
		for _, rc := range rs {
			parts = append(parts, fmt.Sprintf("%s×%d", html.EscapeString(displayRecipient(rc)), cs.Recipients[rc]))
		}
		if len(parts) > 0 {
			b.WriteString("  " + strings.Join(parts, " ") + "\n")
		}
	}

	if len(hist) > 0 {
		b.WriteString("\n<b>Recent deliveries</b>\n")
		start := max(0, len(hist)-statusHistoryRows)
		for i := len(hist) - 1; i >= start; i-- {
			h := hist[i]
			mark := "ok"
			if h.Error != "" {
				mark = "failed: " + html.EscapeString(h.Error)
			}
			fmt.Fprintf(&b, "• %s <code>%s</code> %d recipient(s), %s\n",
				humanize.Time(h.At), html.EscapeString(h.Channel), h.Recipients, mark)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// displayRecipient renders without links so status messages do not ping anyone.
func displayRecipient(rc mention.RecipientID) string {
	if rc.IsRole() {
		return "#" + rc.Name
	}
	return rc.Name
}
