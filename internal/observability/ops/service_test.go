package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"livecast/internal/media"
	rtsup "livecast/internal/runtime/supervisor"
	"livecast/internal/schedule"
	"livecast/internal/storage"
	logx "livecast/pkg/logx"
)

func testSources() Sources {
	target := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return Sources{
		Schedule: func() schedule.Snapshot {
			return schedule.Snapshot{
				State:    schedule.StateArmed,
				Record:   &storage.Record{ID: "r1", TargetMoment: target, Payload: "https://example/video"},
				NextFire: target,
			}
		},
		Stream: func() (media.ActiveStream, bool) {
			return media.ActiveStream{ID: "s1", Kind: media.SourceVideo, Source: "https://example/video"}, true
		},
		Supervisors: func() map[string]rtsup.Snapshot {
			return map[string]rtsup.Snapshot{"app": {}}
		},
	}
}

func get(t *testing.T, h http.Handler, path, auth string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func TestHandlerEndpoints(t *testing.T) {
	s := New(Config{}, testSources(), logx.Nop())
	h := s.Handler(Config{})

	if code, body := get(t, h, "/healthz", ""); code != http.StatusOK || body != "ok" {
		t.Fatalf("/healthz = %d %q", code, body)
	}

	code, body := get(t, h, "/schedule", "")
	if code != http.StatusOK {
		t.Fatalf("/schedule = %d", code)
	}
	var snap map[string]any
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap["state"] != "armed" {
		t.Fatalf("state = %v", snap["state"])
	}

	code, body = get(t, h, "/status", "")
	if code != http.StatusOK || !strings.Contains(body, `"stream"`) || !strings.Contains(body, `"supervisors"`) {
		t.Fatalf("/status = %d %s", code, body)
	}

	if code, body := get(t, h, "/metrics", ""); code != http.StatusOK || !strings.Contains(body, "livecast_") {
		t.Fatalf("/metrics = %d", code)
	}

	if code, _ := get(t, h, "/debug/pprof/", ""); code != http.StatusNotFound {
		t.Fatalf("pprof without flag = %d, want 404", code)
	}
	if code, _ := get(t, s.Handler(Config{Pprof: true}), "/debug/pprof/", ""); code != http.StatusOK {
		t.Fatalf("pprof with flag = %d", code)
	}
}

func TestHandlerTokenAuth(t *testing.T) {
	s := New(Config{}, testSources(), logx.Nop())
	h := s.Handler(Config{Token: "secret"})

	if code, _ := get(t, h, "/healthz", ""); code != http.StatusOK {
		t.Fatalf("/healthz must stay open, got %d", code)
	}
	if code, _ := get(t, h, "/schedule", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", code)
	}
	if code, _ := get(t, h, "/schedule", "wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", code)
	}
	if code, _ := get(t, h, "/schedule", "secret"); code != http.StatusOK {
		t.Fatalf("bearer token = %d", code)
	}
	if code, _ := get(t, h, "/schedule?token=secret", ""); code != http.StatusOK {
		t.Fatalf("query token = %d", code)
	}
}

func TestScheduleUnavailable(t *testing.T) {
	s := New(Config{}, Sources{}, logx.Nop())
	if code, _ := get(t, s.Handler(Config{}), "/schedule", ""); code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d", code)
	}
}

func TestServiceStartStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, testSources(), logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	var addr string
	deadline := time.Now().Add(2 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		addr = s.Addr()
	}
	if addr == "" {
		t.Fatalf("server did not bind")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{})
	if s.Supervisor() != nil {
		t.Fatalf("disabled service still running")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.1:9090":  false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
