package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"livecast/internal/eventbus"
	"livecast/internal/metrics"
	rtsup "livecast/internal/runtime/supervisor"
	kit "livecast/internal/transport"
	logx "livecast/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historySize = 100

type job struct {
	n   kit.Notification
	key string
}

// Service is a queue + worker pool + rate limit + retry + dedup pipeline.
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates rate, retry and dedup settings. Workers and queue size
// take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	cfg.RetryMax = max(cfg.RetryMax, 0)
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	cfg.DedupWindow = max(cfg.DedupWindow, 0)

	s.cfg = cfg
	// burst = rate so short spikes go out immediately
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled {
		return
	}

	q := make(chan job, s.cfg.QueueSize)
	s.queue = q
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	for i := range s.cfg.Workers {
		s.sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop refuses new notifications and drains the queue until ctx is done.
// Workers still running at the deadline are cancelled.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	s.sendWG.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("notifier drain timed out", logx.Int("pending", len(q)))
		sup.Cancel()
		_ = sup.Wait(context.Background())
	}

	s.mu.Lock()
	s.queue = nil
	s.sup = nil
	s.mu.Unlock()
}

// Supervisor exposes the worker supervisor for health output (nil if stopped).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Notify enqueues n without blocking. Duplicates within the dedup window
// are dropped silently.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(n)
	if window > 0 && !s.dedupAllow(key, window) {
		metrics.IncNotification("deduped")
		s.publish(eventbus.TopicNotifyDeduped, n, key, nil)
		return nil
	}

	select {
	case q <- job{n: n, key: key}:
		return nil
	default:
		metrics.IncNotification("dropped")
		s.publish(eventbus.TopicNotifyDropped, n, key, ErrQueueFull)
		return ErrQueueFull
	}
}

// History returns recently delivered notifications, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(to kit.ChatTarget, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Target: to, Text: text})
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()
	if s.sender == nil {
		return
	}

	text := prefixForPriority(j.n.Priority) + j.n.Text
	attempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := s.sender.SendText(callCtx, j.n.Target, text, j.n.Options)
		cancel()
		if err == nil {
			s.appendHistory(j.n.Target, text)
			metrics.IncNotification("sent")
			s.publish(eventbus.TopicNotifySent, j.n, j.key, nil)
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	metrics.IncNotification("failed")
	s.log.Warn("notify failed", logx.Stringer("target", j.n.Target), logx.Err(lastErr), logx.Local())
	s.publish(eventbus.TopicNotifyFailed, j.n, j.key, lastErr)
}

func (s *Service) publish(topic string, n kit.Notification, key string, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := Event{ChatID: n.Target.ChatID, ThreadID: n.Target.ThreadID, Key: key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: topic, Time: now, Data: ev})
}

// prefixForPriority flags urgent notifications. Lower priorities carry
// their own emoji in the text.
func prefixForPriority(p int) string {
	if p >= 9 {
		return "🚨 "
	}
	return ""
}

func dedupKey(n kit.Notification) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d:%d:%d|%s", n.Target.ChatID, n.Target.ThreadID, n.Priority, n.Text)
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

// retryDelay is base*2^(attempt-1) capped at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
