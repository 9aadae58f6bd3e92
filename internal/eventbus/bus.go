package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler lifecycle topics.
const (
	TopicScheduleArmed     = "schedule.armed"
	TopicScheduleFired     = "schedule.fired"
	TopicScheduleFailed    = "schedule.failed"
	TopicScheduleDiscarded = "schedule.discarded"
	TopicScheduleCancelled = "schedule.cancelled"
	TopicScheduleCleared   = "schedule.cleared"

	TopicStreamStarted = "stream.started"
	TopicStreamStopped = "stream.stopped"

	TopicConfigReloaded = "config.reloaded"

	TopicNotifySent    = "notifier.sent"
	TopicNotifyFailed  = "notifier.failed"
	TopicNotifyDropped = "notifier.dropped"
	TopicNotifyDeduped = "notifier.deduped"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe receives every event. With topics, only events whose Type matches.
	Subscribe(buffer int, topics ...string) (ch <-chan Event, unsubscribe func())
	Stats() Stats
}

type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// New returns a simple in-memory fanout bus without background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch     chan Event
	topics map[string]struct{}
}

func (s *sub) wants(t string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[t]
	return ok
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	targets := make([]*sub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		// A concurrent unsubscribe may close the channel; recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		s.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			s.topics[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

func (b *memBus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{Subscribers: n, Published: b.published.Load(), Dropped: b.dropped.Load()}
}
