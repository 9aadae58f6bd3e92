// Package app wires configuration, storage, the scheduler, the media runner
// and the chat transport into one process and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"livecast/internal/commands"
	"livecast/internal/config"
	"livecast/internal/eventbus"
	"livecast/internal/media"
	"livecast/internal/notifier"
	"livecast/internal/observability/ops"
	rtsup "livecast/internal/runtime/supervisor"
	"livecast/internal/schedule"
	"livecast/internal/storage"
	kit "livecast/internal/transport"
	telegram "livecast/internal/transport/telegram/adapter"
	"livecast/internal/transport/telegram/router"
	logx "livecast/pkg/logx"
)

var _ schedule.Executor = (*media.Runner)(nil)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	reg  *rtsup.Registry

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	adapter *telegram.Adapter
	runner  *media.Runner
	sched   *schedule.Scheduler
	notif   *notifier.Service
	ops     *ops.Service
	cmds    *commands.Handlers
	router  *router.Router
	cron    *cron.Cron

	// loc is the schedule timezone used for outcome reports.
	loc atomic.Pointer[time.Location]

	updates chan kit.Update
}

type Option func(*options)

type options struct {
	offline bool
}

// WithOffline builds the Telegram adapter without contacting the API.
func WithOffline(enabled bool) Option {
	return func(o *options) { o.offline = enabled }
}

// NewApp loads and validates cfgPath and builds every component. Nothing
// runs until Start.
func NewApp(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout, Offline: o.offline}, bootLog)
	if err != nil {
		return nil, err
	}

	// Telegram logging starts disabled so Apply doesn't warn before the target is set.
	logCfg := mapLogConfig(cfg)
	enableTG := logCfg.Telegram.Enabled
	logCfg.Telegram.Enabled = false
	logSvc, log := logx.New(logCfg, ad)
	if id := logTarget(cfg); id != 0 {
		logSvc.SetTelegramTarget(id, cfg.Logging.Telegram.ThreadID)
	}
	logCfg.Telegram.Enabled = enableTG
	logSvc.Apply(logCfg)

	bus := eventbus.New()
	a := &App{
		cfgm:    cfgm,
		reg:     rtsup.NewRegistry(),
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}

	sc, err := cfg.Storage.StoreConfig()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a.store = store
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	if err := a.build(cfg, log); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	rc, err := cfg.Stream.RunnerConfig()
	if err != nil {
		return err
	}
	prober, err := mapProber(cfg)
	if err != nil {
		return err
	}
	runnerLog := log.With(logx.String("comp", "media"))
	a.runner = media.NewRunner(
		prober,
		media.FFmpeg{Bin: cfg.Stream.FFmpeg, Log: runnerLog},
		mapScreen(cfg, runnerLog),
		rc, log, a.bus,
	)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, a.adapter, log, a.bus)

	copt, err := mapCommandOptions(cfg)
	if err != nil {
		return err
	}
	a.loc.Store(copt.Location)
	reporter := commands.NewReporter(a.notif, a.loc.Load, log)

	a.sched = schedule.New(a.store, a.runner,
		schedule.WithLogger(log),
		schedule.WithBus(a.bus),
		schedule.WithReporter(reporter),
	)
	a.cmds = commands.New(a.runner, a.sched, a.notif, log, copt)

	limits, err := mapCommandLimits(cfg)
	if err != nil {
		return err
	}
	a.router = router.New(log, a.adapter, router.Options{
		Owners:     cfg.Telegram.OwnerUserIDs,
		RatePerSec: limits.RatePerSec,
		Burst:      limits.Burst,
		Timeout:    limits.Timeout,
		Registry:   a.reg,
	})

	ocfg, err := mapOpsConfig(cfg)
	if err != nil {
		return err
	}
	a.ops = ops.New(ocfg, ops.Sources{
		Schedule:    a.sched.Snapshot,
		Stream:      a.runner.Active,
		Supervisors: a.reg.Snapshots,
	}, log)
	return nil
}

// Close releases what NewApp opened, for an app that was never started.
func (a *App) Close() error {
	return errors.Join(a.store.Close(), a.logs.Close())
}

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings the process up. The persisted schedule is recovered before
// the command dispatcher accepts any chat command.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.reg.Set("app", a.sup)
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	a.reg.Set("telegram.adapter", a.adapter.Supervisor())

	if a.notif.Enabled() {
		a.notif.Start(run)
		a.reg.Set("notifier", a.notif.Supervisor())
	}
	a.ops.Start(run)
	a.reg.Set("ops", a.ops.Supervisor())
	a.cmds.Start(run)
	a.reg.Set("commands", a.cmds.Supervisor())

	a.recoverSchedule(ctx)

	a.router.SetCommands(run, a.cmds.Commands())
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	c, err := a.startHousekeeping(run)
	if err != nil {
		return err
	}
	a.cron = c

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// recoverSchedule restores the persisted schedule. A store read failure leaves the
// slot empty; the process keeps running.
func (a *App) recoverSchedule(ctx context.Context) {
	res, err := a.sched.Recover(ctx)
	var rerr *schedule.StoreReadError
	switch {
	case errors.As(err, &rerr):
		a.log.Warn("schedule store unreadable, starting empty", logx.Err(err))
		return
	case err != nil:
		a.log.Warn("schedule recovery failed", logx.Err(err))
		return
	}
	fields := []logx.Field{logx.String("outcome", string(res.Outcome))}
	if res.Record != nil {
		fields = append(fields,
			logx.String("id", res.Record.ID),
			logx.Time("target", res.Record.TargetMoment),
			logx.String("dest", res.Record.Destination.String()),
		)
	}
	if res.Outcome == schedule.RecoverArmed {
		fields = append(fields, logx.Duration("delay", res.Delay))
	}
	a.log.Info("schedule recovered", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)
	a.sup.Cancel()

	step := func(name string, budget time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			budget = min(budget, time.Until(dl))
		}
		if budget <= 0 {
			a.log.Warn("stop step skipped, no time left", logx.String("name", name))
			return
		}
		sctx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("housekeeping", time.Second, func(c context.Context) error {
		if a.cron == nil {
			return nil
		}
		select {
		case <-a.cron.Stop().Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	// Disarm only: the stored schedule survives for the next start.
	step("scheduler", 5*time.Second, func(c context.Context) error {
		a.sched.Stop()
		a.runner.Stop()
		return a.sched.Wait(c)
	})
	step("commands", 2*time.Second, a.cmds.Stop)
	step("runner", 2*time.Second, func(context.Context) error {
		a.runner.Disconnect()
		return nil
	})
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
