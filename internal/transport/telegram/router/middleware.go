package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"livecast/internal/metrics"
	logx "livecast/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// ErrRateLimited is returned (and reported to the user) when a sender is throttled.
var ErrRateLimited = errors.New("too many commands, slow down")

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("panic recovered", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)
			switch {
			case err != nil:
				req.Logger.Warn("request failed", logx.Duration("dur", d), logx.Err(err))
			case d >= 750*time.Millisecond:
				req.Logger.Info("request ok", logx.Duration("dur", d))
			default:
				req.Logger.Debug("request ok", logx.Duration("dur", d))
			}
			return err
		}
	}
}

// MWMetrics counts command outcomes per route.
func MWMetrics() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			outcome := "ok"
			switch {
			case errors.Is(err, ErrRateLimited):
				outcome = "throttled"
			case err != nil:
				outcome = "error"
			}
			metrics.IncCommand(req.Command, outcome)
			return err
		}
	}
}

// limiters is a per-sender token bucket set. Idle buckets are pruned.
type limiters struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	m     map[int64]*senderLimiter
}

type senderLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

func newLimiters(perSec float64, burst int) *limiters {
	l := &limiters{m: map[int64]*senderLimiter{}}
	l.set(perSec, burst)
	return l
}

func (l *limiters) set(perSec float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = rate.Limit(perSec)
	if perSec <= 0 {
		l.limit = rate.Inf
	}
	l.burst = max(burst, 1)
	clear(l.m)
}

func (l *limiters) allow(id int64, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit == rate.Inf {
		return true
	}
	sl := l.m[id]
	if sl == nil {
		if len(l.m) > 1024 {
			for k, v := range l.m {
				if now.Sub(v.seen) > 10*time.Minute {
					delete(l.m, k)
				}
			}
		}
		sl = &senderLimiter{lim: rate.NewLimiter(l.limit, l.burst)}
		l.m[id] = sl
	}
	sl.seen = now
	return sl.lim.AllowN(now, 1)
}

// MWRateLimit rejects commands from senders over their budget. Owners are exempt.
func MWRateLimit(l *limiters) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if req.IsOwner || l.allow(req.FromID, time.Now()) {
				return next(ctx, req)
			}
			_ = req.Reply(ctx, ErrRateLimited.Error())
			return ErrRateLimited
		}
	}
}
