// Package clocktest provides a manually advanced clock for scheduler tests.
package clocktest

import (
	"sort"
	"sync"
	"time"

	"livecast/internal/schedule"
)

// Clock is a virtual clock. Timer callbacks run synchronously inside
// Advance/Set, in due order. A timer with a non-positive duration is due
// immediately but still waits for the next Advance (Advance(0) fires it).
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers map[uint64]*timer
}

type timer struct {
	c   *Clock
	id  uint64
	at  time.Time
	fn  func()
	seq uint64
}

var _ schedule.Clock = (*Clock)(nil)

func New(start time.Time) *Clock {
	return &Clock{now: start, timers: map[uint64]*timer{}}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) AfterFunc(d time.Duration, f func()) schedule.Timer {
	c.mu.Lock()
	c.seq++
	t := &timer{c: c, id: c.seq, at: c.now.Add(d), fn: f, seq: c.seq}
	c.timers[t.id] = t
	c.mu.Unlock()
	return t
}

func (t *timer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if _, ok := t.c.timers[t.id]; !ok {
		return false
	}
	delete(t.c.timers, t.id)
	return true
}

// Advance moves virtual time forward by d, firing due timers.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	c.Set(target)
}

// Set moves virtual time to t, firing due timers. Time never moves backwards.
func (c *Clock) Set(t time.Time) {
	for {
		c.mu.Lock()
		next := c.nextDueLocked(t)
		if next == nil {
			if t.After(c.now) {
				c.now = t
			}
			c.mu.Unlock()
			return
		}
		delete(c.timers, next.id)
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.fn()
	}
}

// Pending reports how many timers are waiting.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *Clock) nextDueLocked(limit time.Time) *timer {
	var due []*timer
	for _, t := range c.timers {
		if !t.at.After(limit) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].seq < due[j].seq
		}
		return due[i].at.Before(due[j].at)
	})
	return due[0]
}
