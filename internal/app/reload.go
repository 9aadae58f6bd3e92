package app

import (
	"context"
	"strings"

	"livecast/internal/config"
	"livecast/internal/eventbus"
	logx "livecast/pkg/logx"
)

// reloadLoop applies committed configs until ctx is done. Bursts are
// coalesced to the newest config.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			if next == nil {
				continue
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// applyConfig pushes the reloadable parts of next into the running
// components. Sections that need a restart are only reported.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.SetTelegramTarget(logTarget(next), next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(next))

	a.router.SetOwners(next.Telegram.OwnerUserIDs)
	if l, err := mapCommandLimits(next); err != nil {
		a.log.Warn("invalid commands config; keeping previous", logx.Err(err))
	} else {
		a.router.SetLimits(l.RatePerSec, l.Burst, l.Timeout)
	}

	if copt, err := mapCommandOptions(next); err != nil {
		a.log.Warn("invalid schedule config; keeping previous", logx.Err(err))
	} else {
		a.cmds.Apply(copt)
		a.loc.Store(copt.Location)
	}

	if rc, err := next.Stream.RunnerConfig(); err != nil {
		a.log.Warn("invalid stream config; keeping previous", logx.Err(err))
	} else {
		a.runner.Apply(rc)
	}

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		was := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case was && !ncfg.Enabled:
			a.notif.Stop(ctx)
			a.reg.Delete("notifier")
		case !was && ncfg.Enabled:
			a.notif.Start(ctx)
			a.reg.Set("notifier", a.notif.Supervisor())
		}
	}

	if ocfg, err := mapOpsConfig(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, ocfg)
		a.reg.Set("ops", a.ops.Supervisor())
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TopicConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
