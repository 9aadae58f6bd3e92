package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"livecast/internal/config"
	"livecast/internal/schedule"
	"livecast/internal/storage"
	logx "livecast/pkg/logx"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	body := `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
logging:
  level: error
schedule:
  timezone: UTC
storage:
  driver: file
  path: ` + filepath.Join(dir, "schedule.json") + `
notifier:
  enabled: true
stream:
  width: 1280
  height: 720
  fps: 30
  bitrate_kbps: 2500
  max_bitrate_kbps: 3500
  video_codec: H264
  default_ingest: rtmp://live.example/app/key
`
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func seedStore(t *testing.T, dir string, rec storage.Record) {
	t.Helper()
	fs, err := storage.NewFileStore(afero.NewOsFs(), filepath.Join(dir, "schedule.json"), logx.Nop())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := fs.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func newOfflineApp(t *testing.T, dir string) *App {
	t.Helper()
	a, err := NewApp(context.Background(), writeConfig(t, dir), WithOffline(true))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return a
}

func TestMappingDefaults(t *testing.T) {
	cfg := &config.Config{}

	n, err := mapNotifierConfig(cfg)
	if err != nil {
		t.Fatalf("mapNotifierConfig: %v", err)
	}
	if n.RetryBase != 500*time.Millisecond || n.RetryMaxDelay != 10*time.Second || n.DedupWindow != 30*time.Second {
		t.Fatalf("notifier = %+v", n)
	}

	o, err := mapOpsConfig(cfg)
	if err != nil {
		t.Fatalf("mapOpsConfig: %v", err)
	}
	if o.Addr != "127.0.0.1:9090" || o.ReadTimeout != 10*time.Second || o.IdleTimeout != time.Minute {
		t.Fatalf("ops = %+v", o)
	}

	l, err := mapCommandLimits(cfg)
	if err != nil {
		t.Fatalf("mapCommandLimits: %v", err)
	}
	if l.Burst != 3 || l.Timeout != 30*time.Second {
		t.Fatalf("limits = %+v", l)
	}

	cfg.Schedule.Timezone = "UTC"
	cfg.Schedule.AllowNextDay = true
	copt, err := mapCommandOptions(cfg)
	if err != nil {
		t.Fatalf("mapCommandOptions: %v", err)
	}
	if copt.Location != time.UTC || !copt.AllowNextDay {
		t.Fatalf("options = %+v", copt)
	}

	cfg.Commands.Timeout = "soon"
	if _, err := mapCommandLimits(cfg); err == nil {
		t.Fatalf("expected bad timeout error")
	}
}

func TestLogTarget(t *testing.T) {
	cfg := &config.Config{}
	if got := logTarget(cfg); got != 0 {
		t.Fatalf("empty group_log = %d", got)
	}
	cfg.Telegram.GroupLog = " -100987 "
	if got := logTarget(cfg); got != -100987 {
		t.Fatalf("group_log = %d", got)
	}
	cfg.Telegram.GroupLog = "@channel"
	if got := logTarget(cfg); got != 0 {
		t.Fatalf("non-numeric group_log = %d", got)
	}
}

type fakeLoader struct {
	rec schedule.Record
	ok  bool
	err error
}

func (f fakeLoader) Load(context.Context) (schedule.Record, bool, error) {
	return f.rec, f.ok, f.err
}

func TestCheckSlot(t *testing.T) {
	at := time.Date(2030, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := schedule.Record{ID: "a", TargetMoment: at}
	other := schedule.Record{ID: "b", TargetMoment: at}
	moved := schedule.Record{ID: "a", TargetMoment: at.Add(time.Minute)}

	tests := []struct {
		name   string
		store  fakeLoader
		snap   schedule.Snapshot
		result string
		reason string
	}{
		{"both empty", fakeLoader{}, schedule.Snapshot{}, "ok", ""},
		{"in sync", fakeLoader{rec: rec, ok: true}, schedule.Snapshot{State: schedule.StateArmed, Record: &rec}, "ok", ""},
		{"stopped", fakeLoader{err: errors.New("boom")}, schedule.Snapshot{Stopped: true}, "ok", ""},
		{"recovering", fakeLoader{err: errors.New("boom")}, schedule.Snapshot{State: schedule.StateRecovering}, "ok", ""},
		{"firing", fakeLoader{}, schedule.Snapshot{State: schedule.StateFiring, Record: &rec}, "ok", ""},
		{"read error", fakeLoader{err: errors.New("boom")}, schedule.Snapshot{}, "error", "boom"},
		{"stored not armed", fakeLoader{rec: rec, ok: true}, schedule.Snapshot{}, "diverged", "not armed"},
		{"armed missing", fakeLoader{}, schedule.Snapshot{State: schedule.StateArmed, Record: &rec}, "diverged", "missing"},
		{"id mismatch", fakeLoader{rec: other, ok: true}, schedule.Snapshot{State: schedule.StateArmed, Record: &rec}, "diverged", "store holds b"},
		{"target mismatch", fakeLoader{rec: moved, ok: true}, schedule.Snapshot{State: schedule.StateArmed, Record: &rec}, "diverged", "target moment"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			snap := func() schedule.Snapshot { return tc.snap }
			result, reason := checkSlot(context.Background(), tc.store, snap)
			if result != tc.result {
				t.Fatalf("result = %q, want %q (%s)", result, tc.result, reason)
			}
			if !strings.Contains(reason, tc.reason) {
				t.Fatalf("reason = %q, want it to contain %q", reason, tc.reason)
			}
		})
	}
}

func TestCheckSlotSkipsTransitionDuringLoad(t *testing.T) {
	rec := schedule.Record{ID: "a", TargetMoment: time.Date(2030, 3, 1, 12, 0, 0, 0, time.UTC)}
	next := schedule.Record{ID: "b", TargetMoment: rec.TargetMoment.Add(time.Hour)}

	tests := []struct {
		name  string
		store fakeLoader
		snaps []schedule.Snapshot
	}{
		// Fired and cleared between the two samples.
		{"fired", fakeLoader{}, []schedule.Snapshot{{State: schedule.StateArmed, Record: &rec}, {}}},
		// Scheduled right after an empty slot was sampled.
		{"armed", fakeLoader{rec: next, ok: true}, []schedule.Snapshot{{}, {State: schedule.StateArmed, Record: &next}}},
		{"replaced", fakeLoader{rec: next, ok: true}, []schedule.Snapshot{{State: schedule.StateArmed, Record: &rec}, {State: schedule.StateArmed, Record: &next}}},
		{"started firing", fakeLoader{}, []schedule.Snapshot{{State: schedule.StateArmed, Record: &rec}, {State: schedule.StateFiring, Record: &rec}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			snap := func() schedule.Snapshot {
				s := tc.snaps[min(calls, len(tc.snaps)-1)]
				calls++
				return s
			}
			result, reason := checkSlot(context.Background(), tc.store, snap)
			if result != "ok" {
				t.Fatalf("result = %q (%s)", result, reason)
			}
			if calls != 2 {
				t.Fatalf("snapshot sampled %d times", calls)
			}
		})
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte("telegram:\n  token: \"\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewApp(context.Background(), p, WithOffline(true)); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestRecoverArmsStoredSchedule(t *testing.T) {
	dir := t.TempDir()
	rec := storage.Record{
		ID:           "future",
		TargetMoment: time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		Destination:  storage.Destination{Scope: "-100"},
		Payload:      "https://example.com/live.m3u8",
		CreatedAt:    time.Now().UTC(),
	}
	seedStore(t, dir, rec)

	a := newOfflineApp(t, dir)
	defer a.Close()

	a.recoverSchedule(context.Background())
	snap := a.sched.Snapshot()
	if snap.State != schedule.StateArmed || snap.Record == nil || snap.Record.ID != "future" || !snap.Recovered {
		t.Fatalf("snapshot = %+v", snap)
	}
	if result, reason := checkSlot(context.Background(), a.store, a.sched.Snapshot); result != "ok" {
		t.Fatalf("checkSlot = %s (%s)", result, reason)
	}

	a.sched.Stop()
	if _, ok, err := a.store.Load(context.Background()); err != nil || !ok {
		t.Fatalf("stop must keep the stored schedule: ok=%v err=%v", ok, err)
	}
}

func TestRecoverDiscardsStaleSchedule(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir, storage.Record{
		ID:           "stale",
		TargetMoment: time.Now().Add(-time.Hour).UTC(),
		Destination:  storage.Destination{Scope: "-100"},
		Payload:      "https://example.com/live.m3u8",
	})

	a := newOfflineApp(t, dir)
	defer a.Close()

	a.recoverSchedule(context.Background())
	if snap := a.sched.Snapshot(); snap.State != schedule.StateEmpty || snap.Record != nil {
		t.Fatalf("snapshot = %+v", snap)
	}
	if _, ok, err := a.store.Load(context.Background()); err != nil || ok {
		t.Fatalf("stale schedule should be cleared: ok=%v err=%v", ok, err)
	}
}

func TestApplyConfigReloadsLiveSettings(t *testing.T) {
	dir := t.TempDir()
	a := newOfflineApp(t, dir)
	defer a.Close()

	prev := a.cfgm.Get()
	if !a.notif.Enabled() {
		t.Fatalf("notifier should start enabled")
	}
	if a.loc.Load() != time.UTC {
		t.Fatalf("loc = %v", a.loc.Load())
	}

	next := *prev
	next.Notifier = &config.NotifierConfig{Enabled: false}
	next.Schedule = config.ScheduleConfig{Timezone: "", AllowNextDay: true}
	next.Telegram.OwnerUserIDs = []int64{42, 43}

	a.applyConfig(context.Background(), prev, &next)

	if a.notif.Enabled() {
		t.Fatalf("notifier should be disabled after reload")
	}
	if a.loc.Load() != time.Local {
		t.Fatalf("loc = %v, want Local", a.loc.Load())
	}
}
