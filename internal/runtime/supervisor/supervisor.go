// Package supervisor runs named goroutines under a shared context with
// panic recovery, optional restart-with-backoff and per-name stats.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "livecast/pkg/logx"
)

// Supervisor manages goroutines tied to a shared context.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Uint64
	active  atomic.Int64

	log         logx.Logger
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // error
	doneOnce    sync.Once
	doneCh      chan struct{}
	wg          sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*TaskStats
}

type Option func(*Supervisor)

// Counters are operational signals only, not a synchronization primitive.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// TaskStats aggregates every run of goroutines sharing a name.
type TaskStats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	Restarts     uint64        `json:"restarts"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at,omitzero"`
	LastErrAt    time.Time     `json:"last_err_at,omitzero"`
	LastErr      string        `json:"last_err,omitempty"`
	LastPanic    string        `json:"last_panic,omitempty"`
	LastRuntime  time.Duration `json:"last_runtime"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

type Snapshot struct {
	Counters   Counters    `json:"counters"`
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first goroutine error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		stats:  map[string]*TaskStats{},
		log:    logx.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

// Snapshot lists tasks active first, then most recently started.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	tasks := make([]TaskStats, 0, len(s.stats))
	for _, st := range s.stats {
		tasks = append(tasks, *st)
	}
	s.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Active != tasks[j].Active {
			return tasks[i].Active > tasks[j].Active
		}
		if !tasks[i].LastStartAt.Equal(tasks[j].LastStartAt) {
			return tasks[i].LastStartAt.After(tasks[j].LastStartAt)
		}
		return tasks[i].Name < tasks[j].Name
	})
	snap.Tasks = tasks
	return snap
}

func (s *Supervisor) update(name string, fn func(st *TaskStats)) {
	s.mu.Lock()
	st := s.stats[name]
	if st == nil {
		st = &TaskStats{Name: name}
		s.stats[name] = st
	}
	fn(st)
	s.mu.Unlock()
}

func (s *Supervisor) noteStart(name string, restart bool) time.Time {
	now := time.Now()
	s.update(name, func(st *TaskStats) {
		st.Started++
		st.Active++
		st.LastStartAt = now
		if restart {
			st.Restarts++
		}
	})
	return now
}

func (s *Supervisor) noteStop(name string, startedAt time.Time, err error, pan any) {
	now := time.Now()
	took := now.Sub(startedAt)
	s.update(name, func(st *TaskStats) {
		if st.Active > 0 {
			st.Active--
		}
		st.LastStopAt = now
		st.LastRuntime = took
		st.TotalRuntime += took
		if err != nil {
			st.LastErr = err.Error()
			st.LastErrAt = now
		}
		if pan != nil {
			st.Panics++
			st.LastPanic = fmt.Sprint(pan)
		}
	})
}

// runOnce calls fn, converting a panic into an error.
func (s *Supervisor) runOnce(name string, fn func(ctx context.Context) error) (err error, pan any) {
	defer func() {
		if r := recover(); r != nil {
			pan = r
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return fn(s.ctx), nil
}

// Go runs fn once. A returned error (other than context.Canceled) or a panic
// is recorded as the supervisor's first error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		startedAt := s.noteStart(name, false)
		s.log.Debug("goroutine started", logx.String("name", name))
		err, pan := s.runOnce(name, fn)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
		}
		s.noteStop(name, startedAt, err, pan)
		if err != nil {
			s.fail(err)
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int // <=0 means unlimited
	stopOnCleanExit bool
	publishFirstErr bool
}

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts limits restarts; the initial run does not count.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithPublishFirstError records the first failure as the supervisor error
// while still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// WithStopOnCleanExit stops (rather than restarts) when fn returns nil. Default true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnCleanExit = enabled }
}

// GoRestart runs fn and restarts it on error or panic with jittered
// exponential backoff until the context is cancelled.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		minBackoff:      250 * time.Millisecond,
		maxBackoff:      30 * time.Second,
		stopOnCleanExit: true,
	}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.maxBackoff = max(cfg.maxBackoff, cfg.minBackoff)

	s.Go(name+".restart", func(ctx context.Context) error {
		backoff := cfg.minBackoff
		restarts := 0
		for ctx.Err() == nil {
			startedAt := s.noteStart(name, restarts > 0)
			err, pan := s.runOnce(name, fn)

			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, startedAt, nil, pan)
				return nil
			}
			if err == nil {
				if cfg.stopOnCleanExit {
					s.noteStop(name, startedAt, nil, nil)
					return nil
				}
				err = errors.New("exited")
			}

			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, startedAt, err, pan)
			if cfg.publishFirstErr {
				s.setErr(err)
			}

			restarts++
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return nil
			}

			wait := min(backoff, cfg.maxBackoff)
			if j := int64(wait) / 5; j > 0 {
				wait += time.Duration(time.Now().UnixNano() % (j + 1))
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
		return nil
	})
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.setErr(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}
