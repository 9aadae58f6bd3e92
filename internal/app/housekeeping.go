package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"livecast/internal/metrics"
	"livecast/internal/schedule"
	logx "livecast/pkg/logx"
)

const housekeepingSpec = "@every 30s"

// slotLoader is the read side of the durable store.
type slotLoader interface {
	Load(ctx context.Context) (schedule.Record, bool, error)
}

// checkSlot compares the durable slot with the in-memory one. It returns
// "ok", "diverged" or "error" and a short reason for anything but "ok".
// The slot is sampled on both sides of the load; a check that straddles a
// transition is skipped and retried on the next tick.
func checkSlot(ctx context.Context, store slotLoader, snapshot func() schedule.Snapshot) (string, string) {
	before := snapshot()
	if settling(before) {
		return "ok", ""
	}
	rec, ok, err := store.Load(ctx)
	if err != nil {
		return "error", err.Error()
	}
	snap := snapshot()
	if settling(snap) || !sameSlot(before, snap) {
		return "ok", ""
	}
	switch {
	case !ok && snap.Record == nil:
		return "ok", ""
	case ok && snap.Record == nil:
		return "diverged", fmt.Sprintf("stored schedule %s is not armed", rec.ID)
	case !ok:
		return "diverged", fmt.Sprintf("armed schedule %s is missing from the store", snap.Record.ID)
	case rec.ID != snap.Record.ID:
		return "diverged", fmt.Sprintf("store holds %s but %s is armed", rec.ID, snap.Record.ID)
	case !rec.TargetMoment.Equal(snap.Record.TargetMoment):
		return "diverged", fmt.Sprintf("target moment differs for %s", rec.ID)
	default:
		return "ok", ""
	}
}

// settling reports states in which memory and store legitimately differ.
func settling(snap schedule.Snapshot) bool {
	return snap.Stopped || snap.State == schedule.StateRecovering || snap.State == schedule.StateFiring
}

func sameSlot(a, b schedule.Snapshot) bool {
	if a.State != b.State || (a.Record == nil) != (b.Record == nil) {
		return false
	}
	return a.Record == nil || a.Record.ID == b.Record.ID
}

// cronLogger routes cron's internal logging through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn(msg, logx.Err(err), logx.Any("kv", kv))
}

// startHousekeeping schedules the periodic slot check and, under systemd, the
// watchdog ping. The returned cron is already running.
func (a *App) startHousekeeping(ctx context.Context) (*cron.Cron, error) {
	log := a.log.With(logx.String("comp", "housekeeping"))
	cl := cronLogger{log: log}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	if _, err := c.AddFunc(housekeepingSpec, func() {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		result, reason := checkSlot(cctx, a.store, a.sched.Snapshot)
		metrics.IncHousekeeping(result)
		switch result {
		case "ok":
			log.Debug("slot consistent")
		case "error":
			log.Warn("slot check failed", logx.String("reason", reason))
		default:
			log.Warn("slot diverged from store", logx.String("reason", reason))
		}
	}); err != nil {
		return nil, err
	}

	if every, err := daemon.SdWatchdogEnabled(false); err == nil && every > 0 {
		spec := fmt.Sprintf("@every %s", every/2)
		if _, err := c.AddFunc(spec, func() {
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("watchdog ping failed", logx.Err(err))
			}
		}); err != nil {
			return nil, err
		}
		log.Info("systemd watchdog enabled", logx.Duration("interval", every))
	}

	c.Start()
	return c, nil
}

// sdNotify reports a lifecycle state to systemd; outside systemd it is a no-op.
func (a *App) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		a.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		a.log.Debug("systemd notified", logx.String("state", state))
	}
}
