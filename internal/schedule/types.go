package schedule

import (
	"context"
	"time"

	"livecast/internal/eventbus"
	"livecast/internal/storage"
	logx "livecast/pkg/logx"
)

type (
	Record      = storage.Record
	Destination = storage.Destination
	Origin      = storage.Origin
	Store       = storage.Store
)

// Executor performs the deferred action. Implementations should honor ctx
// cancellation; Cancel during a firing cancels ctx.
type Executor interface {
	Execute(ctx context.Context, dest Destination, payload string, origin Origin) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, dest Destination, payload string, origin Origin) error

func (f ExecutorFunc) Execute(ctx context.Context, dest Destination, payload string, origin Origin) error {
	return f(ctx, dest, payload, origin)
}

type State int

const (
	StateEmpty State = iota
	StateArmed
	StateFiring
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateArmed:
		return "armed"
	case StateFiring:
		return "firing"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type ReportKind string

const (
	ReportFired     ReportKind = "fired"
	ReportFailed    ReportKind = "failed"
	ReportDiscarded ReportKind = "discarded"
	ReportCancelled ReportKind = "cancelled"
)

// Report is an outcome the scheduler sends back towards the requester.
type Report struct {
	Kind   ReportKind
	Record Record
	Err    error
	At     time.Time
}

// Reporter receives scheduler outcomes. Report must not block for long.
type Reporter interface {
	Report(ctx context.Context, r Report)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, r Report)

func (f ReporterFunc) Report(ctx context.Context, r Report) { f(ctx, r) }

// Snapshot is a point-in-time view of the slot.
type Snapshot struct {
	State     State         `json:"state"`
	Record    *Record       `json:"record,omitempty"`
	ArmedAt   time.Time     `json:"armed_at,omitzero"`
	NextFire  time.Time     `json:"next_fire,omitzero"`
	Remaining time.Duration `json:"remaining_ns,omitempty"`
	Recovered bool          `json:"recovered"`
	Stopped   bool          `json:"stopped"`
}

type RecoverOutcome string

const (
	RecoverEmpty      RecoverOutcome = "empty"
	RecoverArmed      RecoverOutcome = "armed"
	RecoverDiscarded  RecoverOutcome = "discarded"
	RecoverUnreadable RecoverOutcome = "unreadable"
	RecoverSkipped    RecoverOutcome = "skipped"
)

type RecoverResult struct {
	Outcome RecoverOutcome
	Record  *Record
	Delay   time.Duration
}

type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

func WithReporter(r Reporter) Option {
	return func(s *Scheduler) { s.reporter = r }
}

func WithBus(b eventbus.Bus) Option {
	return func(s *Scheduler) { s.bus = b }
}

// WithIDFunc overrides record id generation (uuid by default).
func WithIDFunc(f func() string) Option {
	return func(s *Scheduler) {
		if f != nil {
			s.newID = f
		}
	}
}

// WithStoreTimeout bounds store calls made outside a caller context (firing cleanup).
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}
