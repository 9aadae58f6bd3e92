package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("boom", func(context.Context) error { return errors.New("bad") })
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := s.Wait(waitCtx(t))
	if err == nil || !strings.Contains(err.Error(), "boom: bad") {
		t.Fatalf("Wait = %v, want boom error", err)
	}
	if got := s.Counters(); got.Active != 0 || got.Started != 2 {
		t.Fatalf("counters = %+v", got)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background())
	s.Go("panicky", func(context.Context) error { panic("oops") })
	if err := s.Wait(waitCtx(t)); err == nil || !strings.Contains(err.Error(), "oops") {
		t.Fatalf("Wait = %v, want panic error", err)
	}
	snap := s.Snapshot()
	if len(snap.Tasks) != 1 || snap.Tasks[0].Panics != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGoCancelledIsClean(t *testing.T) {
	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := s.Stop(waitCtx(t)); err != nil {
		t.Fatalf("Stop = %v, want nil", err)
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond), WithPublishFirstError(true))

	if err := s.Wait(waitCtx(t)); err == nil {
		t.Fatalf("expected published first error")
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}
	for _, task := range s.Snapshot().Tasks {
		if task.Name == "flaky" && task.Restarts != 2 {
			t.Fatalf("restarts = %d, want 2", task.Restarts)
		}
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("dead", func(context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait = %v, want nil without publish", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}
}
