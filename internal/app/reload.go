package app

import (
	"context"
	"strings"

	"errbot/internal/config"
	logx "errbot/pkg/logx"
)

// reloadLoop applies validated config reloads to live components. Sections
// that need a restart are only logged.
func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.sd.reloading()
			a.apply(last, next)
			last = next
			a.sd.ready()
		}
	}
}

func (a *App) apply(prev, next *config.Config) {
	ch := config.Diff(prev, next)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(next.LogConfig())

	if pcfg, err := next.PipelineConfig(); err != nil {
		a.log.Warn("invalid pipeline config; keeping previous", logx.Err(err))
	} else {
		a.pipe.Apply(pcfg)
	}
	if ncfg, err := next.NotifierConfig(); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		a.guard.Apply(ncfg)
	}
	a.cmds.SetOwners(next.Telegram.OwnerUserIDs)

	if len(ch.Restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(ch.Restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config reloaded", fields...)
}
