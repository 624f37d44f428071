// Package gate holds the administrative allow/deny policy checked before any
// summary run. The policy is config-driven and swapped on reload.
package gate

import (
	"context"
	"sync/atomic"

	"groupsummary/internal/config"
	logx "groupsummary/pkg/logx"
)

// Skip reasons.
const (
	ReasonBotInactive  = "bot_inactive"
	ReasonBotBlocked   = "bot_blocked"
	ReasonGroupBlocked = "group_blocked"
	ReasonGroupBanned  = "group_banned"
	ReasonUserBanned   = "user_banned"
)

type policy struct {
	active        bool
	blockedBots   map[int64]struct{}
	blockedGroups map[int64]struct{}
	bannedGroups  map[int64]struct{}
	bannedUsers   map[int64]struct{}
}

func set(ids []int64) map[int64]struct{} {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func compile(cfg config.GateConfig) *policy {
	return &policy{
		active:        cfg.Active(),
		blockedBots:   set(cfg.BlockedBots),
		blockedGroups: set(cfg.BlockedGroups),
		bannedGroups:  set(cfg.BannedGroups),
		bannedUsers:   set(cfg.BannedUsers),
	}
}

type Policy struct {
	p   atomic.Pointer[policy]
	log logx.Logger
}

func New(cfg config.GateConfig, log logx.Logger) *Policy {
	g := &Policy{log: log}
	g.p.Store(compile(cfg))
	return g
}

func (g *Policy) Apply(cfg config.GateConfig) { g.p.Store(compile(cfg)) }

// IsAllowed checks bot status, bot and group blocks, group bans and user
// bans in that order. userID 0 skips the user check.
func (g *Policy) IsAllowed(_ context.Context, botID, groupID, userID int64) (bool, string) {
	p := g.p.Load()
	reason := ""
	switch {
	case !p.active:
		reason = ReasonBotInactive
	case has(p.blockedBots, botID):
		reason = ReasonBotBlocked
	case has(p.blockedGroups, groupID):
		reason = ReasonGroupBlocked
	case has(p.bannedGroups, groupID):
		reason = ReasonGroupBanned
	case userID != 0 && has(p.bannedUsers, userID):
		reason = ReasonUserBanned
	default:
		return true, ""
	}
	g.log.Debug("summary gated", logx.String("reason", reason), logx.Int64("group_id", groupID), logx.Int64("user_id", userID))
	return false, reason
}

func has(m map[int64]struct{}, id int64) bool {
	if id == 0 {
		return false
	}
	_, ok := m[id]
	return ok
}
