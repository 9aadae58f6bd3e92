// Package ops serves the operator HTTP endpoints: liveness, schedule and
// stream status, Prometheus metrics and optionally pprof.
package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"livecast/internal/media"
	"livecast/internal/metrics"
	rtsup "livecast/internal/runtime/supervisor"
	"livecast/internal/schedule"
	logx "livecast/pkg/logx"
)

// Config controls the ops HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const DefaultAddr = "127.0.0.1:9090"

var ErrInsecureBind = errors.New("ops refused to start: non-loopback addr requires token or allow_insecure")

// Sources feed the status endpoints. Nil fields are omitted from output.
type Sources struct {
	Schedule    func() schedule.Snapshot
	Stream      func() (media.ActiveStream, bool)
	Supervisors func() map[string]rtsup.Snapshot
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	src  Sources
	sup  *rtsup.Supervisor
	addr string // bound address while serving
}

func New(cfg Config, src Sources, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, log: log.With(logx.String("comp", "ops"))}
}

// Addr returns the bound listen address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Reconfigure applies cfg, starting, stopping or restarting the server as needed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start runs the server under a restart loop. It is a no-op when disabled
// or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("ops.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("ops stop timed out", logx.Err(ctx.Err()))
	}
	s.log.Info("ops stopped")
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			s.log.Error("ops refused to start", logx.String("addr", addr))
			return ErrInsecureBind
		}
		s.log.Warn("ops running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	bound := ln.Addr().String()
	s.mu.Lock()
	s.addr = bound
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.addr == bound {
			s.addr = ""
		}
		s.mu.Unlock()
	}()

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	s.log.Info("ops started", logx.String("addr", bound), logx.Bool("token_set", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ops server exited unexpectedly")
	}
	return err
}

// Handler builds the router for cfg. /healthz is never authenticated.
func (s *Service) Handler(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		r.Get("/schedule", s.handleSchedule)
		r.Get("/status", s.handleStatus)
		r.Handle("/metrics", promhttp.Handler())
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (s *Service) handleSchedule(w http.ResponseWriter, _ *http.Request) {
	if s.src.Schedule == nil {
		http.Error(w, "scheduler not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.src.Schedule())
}

type status struct {
	Schedule    *schedule.Snapshot        `json:"schedule,omitempty"`
	Stream      *media.ActiveStream       `json:"stream,omitempty"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors,omitempty"`
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var st status
	if s.src.Schedule != nil {
		snap := s.src.Schedule()
		st.Schedule = &snap
	}
	if s.src.Stream != nil {
		if a, ok := s.src.Stream(); ok {
			st.Stream = &a
		}
	}
	if s.src.Supervisors != nil {
		st.Supervisors = s.src.Supervisors()
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		metrics.RecordOpsRequest(r.Method, route, code)
	})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
