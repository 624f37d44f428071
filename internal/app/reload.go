package app

import (
	"context"
	"slices"
	"strings"

	"groupsummary/internal/config"
	"groupsummary/internal/llm"
	logx "groupsummary/pkg/logx"
)

// restartOnly lists config sections that are read once at startup.
var restartOnly = []string{"storage", "key_status"}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(last, cfg)
			last = cfg
		}
	}
}

// applyConfig pushes a validated reload into every live component.
func (a *App) applyConfig(prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	a.logs.Apply(mapLogConfig(cfg))

	lo, hi := cfg.Summary.LengthBounds()
	a.schedules.SetBounds(lo, hi)
	a.history.SetCapacity(hi)
	a.gate.Apply(cfg.Gate)
	a.pipeline.Apply(mapPipelineConfig(cfg, a.adapter.BotID()))
	a.jobs.Apply(mapJobsConfig(cfg))

	if wcfg, err := mapWorkerConfig(cfg); err != nil {
		a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
	} else {
		a.worker.Apply(wcfg)
	}

	if s, err := llm.SettingsFromConfig(cfg.LLM); err != nil {
		a.log.Warn("invalid llm config; keeping previous", logx.Err(err))
	} else if err := a.llm.Apply(s); err != nil {
		a.log.Warn("llm config rejected; keeping previous", logx.Err(err))
	}

	if err := a.addMaintenance(cfg); err != nil {
		a.log.Warn("maintenance jobs not updated", logx.Err(err))
	}

	if hc, enabled, err := mapHTTPConfig(cfg); err == nil && enabled && a.api != nil {
		a.api.Apply(hc)
	}

	for _, s := range sections {
		if slices.Contains(restartOnly, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	if prev != nil && (prev.Telegram.Token != cfg.Telegram.Token || (prev.HTTP == nil) != (cfg.HTTP == nil)) {
		a.log.Warn("telegram token or http listener changed; restart required")
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
