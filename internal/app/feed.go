package app

import (
	"context"
	"encoding/json"

	"groupsummary/internal/eventbus"
	"groupsummary/internal/storage"
	"groupsummary/internal/summary"
	"groupsummary/internal/summary/admin"
	kit "groupsummary/internal/transport"
	logx "groupsummary/pkg/logx"
)

// feedHistory stores incoming group messages for later summaries. Private
// chats and other bots are ignored.
func (a *App) feedHistory(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case up := <-a.updates:
			a.record(up)
		}
	}
}

func (a *App) record(up kit.Update) {
	m := up.Message
	if up.Kind != kit.UpdateMessage || m == nil || !m.IsGroup || m.FromBot {
		return
	}
	a.history.Add(m.ChatID, summary.ChatMessage{
		MessageID: m.ID,
		UserID:    m.FromID,
		Name:      m.FromName,
		Text:      m.Text,
		At:        m.At,
	})
}

// logEvents logs bus events at debug and writes admin changes to the audit
// log when storage is enabled.
func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			if c, ok := e.Data.(admin.Change); ok {
				a.audit(ctx, e, c)
			}
		}
	}
}

func (a *App) audit(ctx context.Context, e eventbus.Event, c admin.Change) {
	if a.stats == nil {
		return
	}
	var meta string
	if c.Detail != "" {
		b, _ := json.Marshal(map[string]string{"detail": c.Detail, "type": e.Type})
		meta = string(b)
	}
	err := a.stats.AppendAudit(ctx, storage.AuditEntry{
		At:       e.Time,
		Actor:    c.Actor,
		Action:   c.Action,
		GroupID:  c.GroupID,
		OK:       c.OK,
		Error:    c.Error,
		MetaJSON: meta,
	})
	if err != nil {
		a.log.Warn("audit entry not written", logx.String("action", c.Action), logx.Err(err))
	}
}
