package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	logx "livecast/pkg/logx"
)

// Streamer pushes a job to its ingest and blocks until the input ends or ctx is done.
type Streamer interface {
	Stream(ctx context.Context, job StreamJob) error
}

// FFmpeg runs one ffmpeg process per job. Cancelling ctx interrupts ffmpeg
// (SIGINT, so it flushes the container) and kills it after Grace.
type FFmpeg struct {
	Bin   string
	Grace time.Duration
	Log   logx.Logger
}

func (f FFmpeg) Stream(ctx context.Context, job StreamJob) error {
	if strings.TrimSpace(job.Ingest) == "" {
		return ErrNoIngest
	}
	bin := strings.TrimSpace(f.Bin)
	if bin == "" {
		bin = "ffmpeg"
	}
	grace := f.Grace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	log := f.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	args := BuildArgs(job)
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = grace
	cmd.Stdin = job.Stdin
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr

	log.Debug("ffmpeg start", logx.String("bin", bin), logx.String("input", job.Input), logx.Int("argc", len(args)))
	err := cmd.Run()
	if ctx.Err() != nil {
		// Interrupted on purpose; exit status after SIGINT is not a failure.
		return ctx.Err()
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return fmt.Errorf("ffmpeg exited %d: %s", ee.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

// tailBuffer keeps the last max bytes written.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
