package schedule

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"livecast/internal/eventbus"
	"livecast/internal/metrics"
	"livecast/internal/storage"
	logx "livecast/pkg/logx"
)

const defaultStoreTimeout = 10 * time.Second

// Scheduler owns the single schedule slot.
type Scheduler struct {
	store    Store
	exec     Executor
	clock    Clock
	log      logx.Logger
	reporter Reporter
	bus      eventbus.Bus
	newID    func() string

	storeTimeout time.Duration

	mu        sync.Mutex
	state     State
	current   *Record
	gen       uint64 // bumped whenever the slot occupant changes
	timer     Timer
	armedAt   time.Time
	fireStop  context.CancelFunc
	recovered bool
	stopped   bool

	inflight sync.WaitGroup
}

// New builds a scheduler over store and exec. It does not touch the store
// until Recover or Schedule is called.
func New(store Store, exec Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		exec:         exec,
		clock:        SystemClock(),
		newID:        uuid.NewString,
		storeTimeout: defaultStoreTimeout,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "scheduler"))
	return s
}

// Schedule accepts r as the one pending schedule, replacing any previous one.
// The returned record carries the assigned id and UTC target moment.
func (s *Scheduler) Schedule(ctx context.Context, r Record) (Record, error) {
	now := s.clock.Now()
	if strings.TrimSpace(r.ID) == "" {
		r.ID = s.newID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now.UTC()
	}
	r.TargetMoment = r.TargetMoment.UTC()
	if err := r.Validate(); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	delay := r.TargetMoment.Sub(now)
	if delay < 0 {
		return Record{}, &PastScheduleError{Target: r.TargetMoment, Now: now}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Record{}, ErrStopped
	}

	// Persist first. The previous occupant stays armed until the new one is
	// durable; a callback racing with the save blocks on mu and fires the
	// previous schedule only if the save fails.
	if err := s.store.Save(ctx, r); err != nil {
		s.mu.Unlock()
		metrics.IncStoreError("save")
		s.log.Warn("schedule save failed", logx.String("id", r.ID), logx.Err(err))
		return Record{}, &StoreWriteError{Op: "save", Err: err}
	}

	prev := s.current
	prevState := s.state
	s.disarmLocked()
	// A replaced firing keeps running; it is no longer ours to stop.
	s.fireStop = nil
	now = s.clock.Now()
	delay = max(r.TargetMoment.Sub(now), 0)
	s.armLocked(r, delay, now)
	s.mu.Unlock()

	if prev != nil {
		s.log.Info("schedule replaced",
			logx.String("old_id", prev.ID),
			logx.String("old_state", prevState.String()),
			logx.String("id", r.ID),
		)
	}
	s.log.Info("schedule armed",
		logx.String("id", r.ID),
		logx.Time("target", r.TargetMoment),
		logx.Duration("delay", delay),
		logx.String("dest", r.Destination.String()),
	)
	s.publish(eventbus.TopicScheduleArmed, r)
	metrics.IncScheduleEvent("armed")
	metrics.SetArmed(r.TargetMoment)
	return r, nil
}

// Recover restores the persisted schedule once at startup. A past schedule is
// cleared and reported as discarded without executing; a future one is armed.
// A store read failure is logged, treated as an empty slot and returned as a
// *StoreReadError alongside the result.
func (s *Scheduler) Recover(ctx context.Context) (RecoverResult, error) {
	s.mu.Lock()
	if s.recovered {
		s.mu.Unlock()
		return RecoverResult{}, ErrAlreadyRecovered
	}
	s.recovered = true
	if s.stopped {
		s.mu.Unlock()
		return RecoverResult{}, ErrStopped
	}
	if s.state != StateEmpty {
		// Something was scheduled before recovery; the store already holds it.
		st := s.state
		s.mu.Unlock()
		s.log.Warn("recovery skipped: slot already occupied", logx.String("state", st.String()))
		return RecoverResult{Outcome: RecoverSkipped}, nil
	}
	s.state = StateRecovering

	rec, ok, err := s.store.Load(ctx)
	if err != nil {
		s.state = StateEmpty
		s.mu.Unlock()
		metrics.IncStoreError("load")
		s.log.Warn("store read failed; treating slot as empty", logx.Err(err))
		if errors.Is(err, storage.ErrCorrupt) {
			if cerr := s.store.Clear(ctx); cerr != nil {
				metrics.IncStoreError("clear")
				s.log.Warn("clearing unreadable schedule failed", logx.Err(cerr))
			}
		}
		return RecoverResult{Outcome: RecoverUnreadable}, &StoreReadError{Err: err}
	}
	if !ok {
		s.state = StateEmpty
		s.mu.Unlock()
		s.log.Debug("no persisted schedule")
		metrics.SetArmed(time.Time{})
		return RecoverResult{Outcome: RecoverEmpty}, nil
	}

	now := s.clock.Now()
	delay := rec.TargetMoment.Sub(now)
	if delay < 0 {
		s.state = StateEmpty
		cerr := s.store.Clear(ctx)
		s.mu.Unlock()

		s.log.Info("schedule discarded (stale)",
			logx.String("id", rec.ID),
			logx.Time("target", rec.TargetMoment),
			logx.Duration("late_by", -delay),
		)
		if cerr != nil {
			metrics.IncStoreError("clear")
			s.log.Warn("clearing stale schedule failed", logx.String("id", rec.ID), logx.Err(cerr))
		}
		s.publish(eventbus.TopicScheduleDiscarded, rec)
		metrics.IncScheduleEvent("discarded")
		metrics.SetArmed(time.Time{})
		s.report(ctx, Report{Kind: ReportDiscarded, Record: rec, At: now})
		out := rec
		return RecoverResult{Outcome: RecoverDiscarded, Record: &out, Delay: delay}, nil
	}

	s.state = StateEmpty
	s.armLocked(rec, delay, now)
	s.mu.Unlock()

	s.log.Info("schedule armed",
		logx.String("id", rec.ID),
		logx.Time("target", rec.TargetMoment),
		logx.Duration("delay", delay),
		logx.Bool("recovered", true),
	)
	s.publish(eventbus.TopicScheduleArmed, rec)
	metrics.IncScheduleEvent("armed")
	metrics.SetArmed(rec.TargetMoment)
	out := rec
	return RecoverResult{Outcome: RecoverArmed, Record: &out, Delay: delay}, nil
}

// Cancel empties the slot and the store. It reports whether a schedule was
// pending or firing; cancelling an empty slot is a successful no-op.
// A firing action has its context cancelled. If the store cannot be cleared
// the slot is left as it was and a *StoreWriteError is returned.
func (s *Scheduler) Cancel(ctx context.Context) (bool, error) {
	s.mu.Lock()
	prev := s.current
	prevState := s.state
	// The slot is emptied only once the store no longer holds it.
	if err := s.store.Clear(ctx); err != nil {
		s.mu.Unlock()
		metrics.IncStoreError("clear")
		s.log.Warn("schedule clear failed, slot kept", logx.String("state", prevState.String()), logx.Err(err))
		return prev != nil, &StoreWriteError{Op: "clear", Err: err}
	}
	s.disarmLocked()
	if prevState == StateFiring && s.fireStop != nil {
		s.fireStop()
	}
	s.fireStop = nil
	s.gen++
	s.current = nil
	s.state = StateEmpty
	s.armedAt = time.Time{}
	s.mu.Unlock()

	metrics.SetArmed(time.Time{})
	if prev == nil {
		return false, nil
	}

	s.log.Info("schedule cancelled", logx.String("id", prev.ID), logx.String("state", prevState.String()))
	s.publish(eventbus.TopicScheduleCancelled, *prev)
	metrics.IncScheduleEvent("cancelled")
	s.report(ctx, Report{Kind: ReportCancelled, Record: *prev, At: s.clock.Now()})
	return true, nil
}

// Snapshot returns the current slot state.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:     s.state,
		ArmedAt:   s.armedAt,
		Recovered: s.recovered,
		Stopped:   s.stopped,
	}
	if s.current != nil {
		rec := *s.current
		snap.Record = &rec
		if s.state == StateArmed {
			snap.NextFire = rec.TargetMoment
			if rem := rec.TargetMoment.Sub(s.clock.Now()); rem > 0 {
				snap.Remaining = rem
			}
		}
	}
	return snap
}

// Wait blocks until no action is firing or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop disarms the in-memory timer. The store is left untouched so the
// schedule is recovered on the next start. A firing action keeps running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.timer != nil {
		_ = s.timer.Stop()
		s.timer = nil
	}
	s.log.Debug("scheduler stopped", logx.String("state", s.state.String()))
}

// ---- internals (mu held where noted) ----

// disarmLocked stops the pending timer, if any. mu held.
func (s *Scheduler) disarmLocked() {
	if s.timer != nil {
		_ = s.timer.Stop()
		s.timer = nil
	}
}

// armLocked makes r the slot occupant and starts its timer. mu held.
func (s *Scheduler) armLocked(r Record, delay time.Duration, now time.Time) {
	s.gen++
	gen := s.gen
	rec := r
	s.current = &rec
	s.state = StateArmed
	s.armedAt = now
	s.timer = s.clock.AfterFunc(delay, func() { s.onFire(gen) })
}

// onFire is the timer callback. Stale generations are ignored.
func (s *Scheduler) onFire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateArmed || s.current == nil || s.stopped {
		s.mu.Unlock()
		return
	}
	rec := *s.current
	s.state = StateFiring
	s.timer = nil
	ctx, cancel := context.WithCancel(context.Background())
	s.fireStop = cancel
	s.inflight.Add(1)
	s.mu.Unlock()

	go s.fire(ctx, cancel, gen, rec)
}

func (s *Scheduler) fire(ctx context.Context, cancel context.CancelFunc, gen uint64, rec Record) {
	defer s.inflight.Done()
	defer cancel()

	start := s.clock.Now()
	s.log.Info("schedule fired",
		logx.String("id", rec.ID),
		logx.String("dest", rec.Destination.String()),
		logx.Duration("late_by", start.Sub(rec.TargetMoment)),
	)

	err := s.execute(ctx, rec)
	interrupted := err != nil && ctx.Err() != nil

	switch {
	case interrupted:
		s.log.Info("firing interrupted", logx.String("id", rec.ID), logx.Err(err))
	case err != nil:
		aerr := &ActionExecutionError{RecordID: rec.ID, Err: err}
		s.log.Warn("action failed", logx.String("id", rec.ID), logx.Err(err))
		s.publish(eventbus.TopicScheduleFailed, rec)
		metrics.IncScheduleEvent("failed")
		s.report(ctx, Report{Kind: ReportFailed, Record: rec, Err: aerr, At: s.clock.Now()})
	default:
		s.publish(eventbus.TopicScheduleFired, rec)
		metrics.IncScheduleEvent("fired")
		s.report(ctx, Report{Kind: ReportFired, Record: rec, At: s.clock.Now()})
	}

	s.mu.Lock()
	if gen != s.gen {
		// Replaced or cancelled while firing; the slot belongs to someone else.
		s.mu.Unlock()
		return
	}
	cctx, ccancel := context.WithTimeout(context.Background(), s.storeTimeout)
	cerr := s.store.Clear(cctx)
	ccancel()
	s.current = nil
	s.state = StateEmpty
	s.armedAt = time.Time{}
	s.fireStop = nil
	s.mu.Unlock()

	metrics.SetArmed(time.Time{})
	if cerr != nil {
		metrics.IncStoreError("clear")
		s.log.Warn("clearing fired schedule failed", logx.String("id", rec.ID), logx.Err(cerr))
	}
	s.publish(eventbus.TopicScheduleCleared, rec)
	s.log.Debug("slot empty", logx.String("id", rec.ID), logx.Duration("took", s.clock.Now().Sub(start)))
}

func (s *Scheduler) execute(ctx context.Context, rec Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("executor panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	if s.exec == nil {
		return errors.New("no executor configured")
	}
	return s.exec.Execute(ctx, rec.Destination, rec.Payload, rec.Origin)
}

func (s *Scheduler) report(ctx context.Context, r Report) {
	if s.reporter == nil {
		return
	}
	// The firing context may already be cancelled; reports still go out.
	s.reporter.Report(context.WithoutCancel(ctx), r)
}

func (s *Scheduler) publish(topic string, r Record) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: topic, Time: s.clock.Now(), Data: r})
}
