package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"livecast/internal/eventbus"
	"livecast/internal/metrics"
	logx "livecast/pkg/logx"
)

var ErrNotStreaming = errors.New("no active stream")

type SourceKind string

const (
	SourceVideo  SourceKind = "video"
	SourceScreen SourceKind = "screen"
)

// ActiveStream describes the running stream.
type ActiveStream struct {
	ID        string      `json:"id"`
	Kind      SourceKind  `json:"kind"`
	Source    string      `json:"source"`
	Dest      Destination `json:"destination"`
	Ingest    string      `json:"-"`
	StartedAt time.Time   `json:"started_at"`
}

type active struct {
	info   ActiveStream
	cancel context.CancelFunc
	done   chan struct{}
}

// RunnerConfig holds the hot-reloadable parts of a Runner.
type RunnerConfig struct {
	Encoder EncoderOptions
	Ingests *IngestTable
	// StopTimeout bounds how long a replaced/stopped stream may take to exit.
	StopTimeout time.Duration
}

// Runner runs at most one stream at a time. Starting a stream stops the
// previous one. It implements the scheduler's executor contract.
type Runner struct {
	prober   Prober
	streamer Streamer
	capturer Capturer
	log      logx.Logger
	bus      eventbus.Bus

	cfgMu sync.RWMutex
	cfg   RunnerConfig

	startMu sync.Mutex // serializes stream starts
	mu      sync.Mutex
	cur     *active
	last    *Destination // last joined destination; cleared by Disconnect
}

func NewRunner(prober Prober, streamer Streamer, capturer Capturer, cfg RunnerConfig, log logx.Logger, bus eventbus.Bus) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	cfg.Encoder = cfg.Encoder.Normalize()
	return &Runner{
		prober:   prober,
		streamer: streamer,
		capturer: capturer,
		log:      log.With(logx.String("comp", "runner")),
		bus:      bus,
		cfg:      cfg,
	}
}

// Apply swaps encoder options and ingest table; running streams keep theirs.
func (r *Runner) Apply(cfg RunnerConfig) {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	cfg.Encoder = cfg.Encoder.Normalize()
	r.cfgMu.Lock()
	r.cfg = cfg
	r.cfgMu.Unlock()
}

func (r *Runner) config() RunnerConfig {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

// Execute plays payload at dest; origin is not needed to stream.
func (r *Runner) Execute(ctx context.Context, dest Destination, payload string, _ Origin) error {
	return r.Play(ctx, dest, payload)
}

// Play probes source, then streams it to dest's ingest until the input ends,
// ctx is cancelled or the stream is stopped. A probe failure aborts the play.
func (r *Runner) Play(ctx context.Context, dest Destination, source string) error {
	source = strings.TrimSpace(source)
	if source == "" {
		return errors.New("empty source")
	}
	cfg := r.config()
	ingest, err := cfg.Ingests.Resolve(dest)
	if err != nil {
		return err
	}

	meta, err := r.prober.Probe(ctx, source)
	if err != nil {
		r.log.Warn("probe failed", logx.String("source", source), logx.Err(err))
		return fmt.Errorf("probe: %w", err)
	}
	if !meta.HasVideo() {
		return ErrNoVideo
	}
	r.log.Debug("probed input",
		logx.String("source", source),
		logx.Int("streams", len(meta.Streams)),
		logx.Bool("audio", meta.HasAudio()),
		logx.Duration("duration", meta.Duration()),
	)

	job := StreamJob{
		Input:    source,
		Realtime: true,
		Audio:    meta.HasAudio(),
		Ingest:   ingest,
		Options:  cfg.Encoder,
	}
	return r.run(ctx, SourceVideo, dest, source, ingest, func(ctx context.Context) error {
		return r.streamer.Stream(ctx, job)
	})
}

// PlayScreen streams a browser rendering of pageURL to dest.
func (r *Runner) PlayScreen(ctx context.Context, dest Destination, pageURL string) error {
	pageURL = strings.TrimSpace(pageURL)
	if pageURL == "" {
		return errors.New("empty url")
	}
	if r.capturer == nil {
		return errors.New("screen capture not configured")
	}
	cfg := r.config()
	ingest, err := cfg.Ingests.Resolve(dest)
	if err != nil {
		return err
	}

	return r.run(ctx, SourceScreen, dest, pageURL, ingest, func(ctx context.Context) error {
		pr, pw := io.Pipe()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		capErr := make(chan error, 1)
		go func() {
			err := r.capturer.Capture(ctx, pageURL, pw)
			_ = pw.CloseWithError(err)
			capErr <- err
		}()

		job := StreamJob{
			Input:       "pipe:0",
			Stdin:       pr,
			InputFormat: "image2pipe",
			Ingest:      ingest,
			Options:     cfg.Encoder,
		}
		streamErr := r.streamer.Stream(ctx, job)
		cancel()
		_ = pr.Close()
		if cerr := <-capErr; cerr != nil && streamErr == nil {
			return fmt.Errorf("capture: %w", cerr)
		}
		return streamErr
	})
}

// run stops whatever is playing, registers the new stream and blocks on fn.
func (r *Runner) run(ctx context.Context, kind SourceKind, dest Destination, source, ingest string, fn func(context.Context) error) error {
	r.startMu.Lock()
	r.stopCurrent("replaced")

	sctx, cancel := context.WithCancel(ctx)
	a := &active{
		info: ActiveStream{
			ID:        uuid.NewString(),
			Kind:      kind,
			Source:    source,
			Dest:      dest,
			Ingest:    ingest,
			StartedAt: time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.mu.Lock()
	r.cur = a
	d := dest
	r.last = &d
	r.mu.Unlock()
	r.startMu.Unlock()

	metrics.StreamsActive.Inc()
	r.publish(eventbus.TopicStreamStarted, a.info)
	r.log.Info("stream started",
		logx.String("id", a.info.ID),
		logx.String("kind", string(kind)),
		logx.String("source", source),
		logx.String("dest", dest.String()),
	)

	err := fn(sctx)
	took := time.Since(a.info.StartedAt)

	r.mu.Lock()
	if r.cur == a {
		r.cur = nil
	}
	r.mu.Unlock()
	stopped := sctx.Err() != nil
	cancel()
	close(a.done)

	metrics.StreamsActive.Dec()
	r.publish(eventbus.TopicStreamStopped, a.info)

	switch {
	case stopped && ctx.Err() == nil:
		// Stopped via Stop/Disconnect/replacement: a normal end.
		r.log.Info("stream stopped", logx.String("id", a.info.ID), logx.Duration("took", took))
		metrics.ObserveStream(string(kind), took, nil)
		return nil
	case err != nil:
		r.log.Warn("stream ended with error", logx.String("id", a.info.ID), logx.Duration("took", took), logx.Err(err))
		metrics.ObserveStream(string(kind), took, err)
		return err
	default:
		r.log.Info("stream finished", logx.String("id", a.info.ID), logx.Duration("took", took))
		metrics.ObserveStream(string(kind), took, nil)
		return nil
	}
}

// Stop ends the active stream. It reports whether one was running.
func (r *Runner) Stop() bool {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	return r.stopCurrent("stop")
}

// Disconnect stops the active stream and forgets the joined destination.
func (r *Runner) Disconnect() bool {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	had := r.stopCurrent("disconnect")
	r.mu.Lock()
	if r.last != nil {
		had = true
	}
	r.last = nil
	r.mu.Unlock()
	return had
}

// stopCurrent cancels the active stream and waits for it to exit. startMu held.
func (r *Runner) stopCurrent(reason string) bool {
	r.mu.Lock()
	a := r.cur
	r.cur = nil
	r.mu.Unlock()
	if a == nil {
		return false
	}
	a.cancel()
	timeout := r.config().StopTimeout
	select {
	case <-a.done:
	case <-time.After(timeout):
		r.log.Warn("stream did not exit in time", logx.String("id", a.info.ID), logx.String("reason", reason), logx.Duration("timeout", timeout))
	}
	return true
}

// Active returns the running stream, if any.
func (r *Runner) Active() (ActiveStream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return ActiveStream{}, false
	}
	return r.cur.info, true
}

// Joined returns the last destination a stream was started for.
func (r *Runner) Joined() (Destination, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Destination{}, false
	}
	return *r.last, true
}

func (r *Runner) publish(topic string, info ActiveStream) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: topic, Data: info})
}
