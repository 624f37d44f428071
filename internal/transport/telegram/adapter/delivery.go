package adapter

import (
	"context"
	"strings"

	"groupsummary/internal/summary"
	kit "groupsummary/internal/transport"
	logx "groupsummary/pkg/logx"
)

// Send delivers a summary. A send rejected because of its markup is retried
// once as plain text.
func (a *Adapter) Send(ctx context.Context, target summary.Target, text string) bool {
	to := kit.ChatTarget{ChatID: target.ChatID, ThreadID: target.ThreadID}
	_, err := a.SendText(ctx, to, text, &kit.SendOptions{ParseMode: a.cfg.ParseMode, DisablePreview: true})
	if err != nil && a.cfg.ParseMode != "" && isMarkupError(err) {
		a.log.Debug("summary markup rejected; resending as plain text", logx.Int64("chat_id", target.ChatID), logx.Err(err))
		_, err = a.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true})
	}
	if err != nil {
		a.log.Error("summary delivery failed", logx.Int64("chat_id", target.ChatID), logx.Err(err))
		return false
	}
	return true
}

// SendLog implements the log service chat sink.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func isMarkupError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "can't parse entities") || strings.Contains(msg, "parse")
}
