package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"

	"groupsummary/internal/storage"
	"groupsummary/internal/summary"
	logx "groupsummary/pkg/logx"
)

// Gate decides whether the bot may summarize a group. userID 0 means a
// scheduled run with no requesting user.
type Gate interface {
	IsAllowed(ctx context.Context, botID, groupID, userID int64) (bool, string)
}

// Fetcher returns up to count recent messages of a group and a userID->name map.
type Fetcher interface {
	FetchMessages(ctx context.Context, groupID int64, count int, f summary.Filters) ([]summary.ChatMessage, map[int64]string, error)
}

// Summarizer calls the model. model "" selects the configured default.
type Summarizer interface {
	Summarize(ctx context.Context, lines []summary.Line, prompt, model string) (string, error)
}

type Delivery interface {
	Send(ctx context.Context, target summary.Target, text string) bool
}

type Recorder interface {
	RecordSummary(ctx context.Context, r storage.SummaryRecord) error
}

// Settings exposes per-group overrides.
type Settings interface {
	GetGroupSetting(gid int64, key string) (string, bool)
}

const (
	settingModel = "default_model_name"
	settingStyle = "default_style"
)

type PipelineConfig struct {
	BotID        int64
	MinLength    int
	DefaultStyle string
}

// Request is one pipeline run. Scheduled runs leave UserID and Filters zero.
type Request struct {
	GroupID    int64
	UserID     int64
	LeastCount int
	Style      string
	Filters    summary.Filters
	Target     summary.Target
}

// Pipeline runs gate, fetch, process, summarize and deliver for one group.
type Pipeline struct {
	gate     Gate
	fetcher  Fetcher
	model    Summarizer
	delivery Delivery
	settings Settings

	mu  sync.RWMutex
	cfg PipelineConfig
}

func NewPipeline(cfg PipelineConfig, gate Gate, fetcher Fetcher, model Summarizer, delivery Delivery, settings Settings) *Pipeline {
	return &Pipeline{cfg: cfg, gate: gate, fetcher: fetcher, model: model, delivery: delivery, settings: settings}
}

func (p *Pipeline) Apply(cfg PipelineConfig) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

func (p *Pipeline) config() PipelineConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Run executes req and never panics; a panic becomes a Failure outcome.
func (p *Pipeline) Run(ctx context.Context, req Request, log logx.Logger) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("summary pipeline panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			out = failed(StagePanic, fmt.Errorf("panic: %v", r))
		}
	}()
	cfg := p.config()

	if p.gate != nil {
		if ok, reason := p.gate.IsAllowed(ctx, cfg.BotID, req.GroupID, req.UserID); !ok {
			return skipped(reason)
		}
	}

	msgs, names, err := p.fetcher.FetchMessages(ctx, req.GroupID, req.LeastCount, req.Filters)
	if err != nil {
		return failed(StageFetch, err)
	}
	if len(msgs) < cfg.MinLength {
		out := skipped("not_enough_messages")
		out.Messages = len(msgs)
		return out
	}

	lines := ProcessMessages(msgs, names)
	if len(lines) == 0 {
		return skipped("no_content")
	}

	style := p.resolveStyle(req, cfg)
	model, _ := p.setting(req.GroupID, settingModel)
	prompt := BuildPrompt(style, filteredNames(req.Filters, names), req.Filters.Keyword)

	text, err := p.model.Summarize(ctx, lines, prompt, model)
	if err != nil {
		out := failed(StageSummarize, err)
		out.Messages, out.Model = len(lines), model
		return out
	}
	if strings.TrimSpace(text) == "" {
		out := failed(StageSummarize, fmt.Errorf("model returned an empty summary"))
		out.Messages, out.Model = len(lines), model
		return out
	}

	target := req.Target
	if target.ChatID == 0 {
		target.ChatID = req.GroupID
	}
	if !p.delivery.Send(ctx, target, text) {
		out := failed(StageSend, ErrSendFailed)
		out.Messages, out.Model = len(lines), model
		return out
	}
	return Outcome{Kind: Success, Messages: len(lines), Model: model, Summary: text}
}

// resolveStyle picks the request style, then the group default, then the global default.
func (p *Pipeline) resolveStyle(req Request, cfg PipelineConfig) string {
	if s := strings.TrimSpace(req.Style); s != "" {
		return s
	}
	if s, ok := p.setting(req.GroupID, settingStyle); ok {
		return s
	}
	return cfg.DefaultStyle
}

func (p *Pipeline) setting(gid int64, key string) (string, bool) {
	if p.settings == nil {
		return "", false
	}
	return p.settings.GetGroupSetting(gid, key)
}

func filteredNames(f summary.Filters, names map[int64]string) []string {
	if len(f.UserIDs) == 0 {
		return nil
	}
	out := make([]string, 0, len(f.UserIDs))
	for _, id := range f.UserIDs {
		name := names[id]
		if name == "" {
			name = fmt.Sprintf("user_%d", id)
		}
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}
