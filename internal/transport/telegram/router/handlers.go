package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"mentionbot/internal/mention"
	"mentionbot/internal/storage"
	logx "mentionbot/pkg/logx"
)

func (r *Router) handleMention(ctx context.Context, req *Request) error {
	mr := req.Mention
	created, err := r.deps.Registry.Merge(mr.Channels, mr.Recipients, mr.Repeat)
	r.auditRequest(ctx, req, created, err)
	if err != nil {
		if errors.Is(err, mention.ErrInvalidArgument) {
			text := "can't schedule that: " + err.Error()
			if mr.DeniedChannels > 0 && len(mr.Channels) == 0 {
				text = "only owners may mention in other chats"
			}
			r.reply(ctx, req.Msg, text, false)
			return nil
		}
		return err
	}

	var startErr error
	for _, ch := range created {
		if err := r.deps.Scheduler.EnsureRunning(ch); err != nil {
			req.Logger.Warn("loop not started", logx.String("channel", ch.String()), logx.Err(err))
			startErr = err
		}
	}
	if errors.Is(startErr, mention.ErrStopped) {
		r.reply(ctx, req.Msg, "shutting down, mentions will not be delivered", false)
		return startErr
	}

	var lines []string
	if merged := len(mr.Channels) - len(created); merged > 0 {
		lines = append(lines, fmt.Sprintf("added %d recipient(s) × %d to %d active channel(s)",
			len(mr.Recipients), mr.Repeat, merged))
	}
	if mr.Clamped {
		lines = append(lines, fmt.Sprintf("count limited to %d", mr.Repeat))
	}
	if mr.DeniedChannels > 0 {
		lines = append(lines, fmt.Sprintf("ignored %d chat target(s): only owners may mention in other chats", mr.DeniedChannels))
	}
	if len(lines) > 0 {
		r.reply(ctx, req.Msg, strings.Join(lines, "\n"), false)
	}
	return startErr
}

func (r *Router) auditRequest(ctx context.Context, req *Request, created []mention.ChannelID, mergeErr error) {
	if r.deps.Store == nil {
		return
	}
	mr := req.Mention
	rec := storage.RequestRecord{
		ActorID:       req.FromID,
		ActorUsername: req.Msg.FromUsername,
		ChatID:        req.Chat.ChatID,
		ThreadID:      req.Chat.ThreadID,
		Repeat:        mr.Repeat,
	}
	for _, ch := range mr.Channels {
		rec.Channels = append(rec.Channels, ch.String())
	}
	for _, rc := range mr.Recipients {
		rec.Recipients = append(rec.Recipients, rc.String())
	}
	for _, ch := range created {
		rec.Created = append(rec.Created, ch.String())
	}
	if mergeErr != nil {
		rec.Error = mergeErr.Error()
	}
	if err := r.deps.Store.AppendRequest(ctx, rec); err != nil {
		req.Logger.Warn("request audit failed", logx.Err(err))
	}
}

func (r *Router) handleStatus(ctx context.Context, req *Request) error {
	text := renderStatus(r.deps.Registry.Snapshot(), r.deps.Scheduler.Loops(), r.history(), r.deps.Scheduler.RepeatDelay())
	r.reply(ctx, req.Msg, text, true)
	return nil
}

func (r *Router) handleHelp(ctx context.Context, req *Request) error {
	lines := []string{"<b>Commands</b>"}
	for _, name := range r.order {
		c := r.cmds[name]
		lines = append(lines, "<code>"+html.EscapeString(c.usage)+"</code>\n  "+html.EscapeString(c.description))
	}
	lines = append(lines,
		"",
		"Mentioning the bot works like /mention.",
		"Without @user or #role the author is mentioned; without a count it runs once.",
	)
	r.reply(ctx, req.Msg, strings.Join(lines, "\n"), true)
	return nil
}
