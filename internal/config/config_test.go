package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  poll_timeout: 10s
logging:
  level: info
  console: true
schedule:
  timezone: UTC
storage:
  driver: file
  path: ./data/schedule.json
stream:
  width: 1280
  height: 720
  fps: 30
  bitrate_kbps: 2500
  max_bitrate_kbps: 3500
  video_codec: H264
  default_ingest: rtmp://live.example/app/key
  ingests:
    - chat_id: -100123
      thread_id: 7
      url: rtmp://other.example/app/key
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAMLAndValidate(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return committed config")
	}
	if cfg.Stream.Ingests[0].ThreadID != 7 {
		t.Fatalf("ingest thread = %d", cfg.Stream.Ingests[0].ThreadID)
	}

	tbl, err := cfg.Stream.IngestTable()
	if err != nil {
		t.Fatalf("IngestTable: %v", err)
	}
	if tbl.Len() != 1 {
		t.Fatalf("ingest entries = %d, want 1", tbl.Len())
	}
	sc, err := cfg.Storage.StoreConfig()
	if err != nil || sc.Driver != "file" {
		t.Fatalf("StoreConfig = %+v, %v", sc, err)
	}
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	if _, err := NewConfigManager(writeFile(t, "c.json", `{"telegram":{},"bogus":1}`)).Parse(); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if _, err := NewConfigManager(writeFile(t, "c.json", `{"telegram":{}} {}`)).Parse(); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestEnvOverridesToken(t *testing.T) {
	t.Setenv(EnvTelegramToken, "env-token")
	cfg, err := NewConfigManager(writeFile(t, "config.yaml", validYAML)).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("token = %q, want env override", cfg.Telegram.Token)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := &Config{
		Storage:  StorageConfig{Driver: "postgres"},
		Schedule: ScheduleConfig{Timezone: "Not/AZone"},
		Stream:   StreamConfig{VideoCodec: "AV1"},
		Ops:      OpsConfig{Enabled: true, Addr: "0.0.0.0:9090"},
		Commands: CommandsConfig{Timeout: "soon"},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{
		"telegram.token",
		"owner_user_ids",
		"schedule.timezone",
		"storage.dsn",
		"stream",
		"ops.addr",
		"commands.timeout",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestValidateRejectsVP8OverRTMP(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", strings.Replace(validYAML, "H264", "VP8", 1)))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "RTMP") {
		t.Fatalf("Validate = %v, want RTMP error", err)
	}
}

func TestEffectiveNotifierDefaults(t *testing.T) {
	var cfg Config
	if got := cfg.EffectiveNotifier(); got != DefaultNotifierConfig() {
		t.Fatalf("nil section = %+v", got)
	}
	cfg.Notifier = &NotifierConfig{Enabled: true, Workers: 5}
	got := cfg.EffectiveNotifier()
	if got.Workers != 5 || got.QueueSize != DefaultNotifierConfig().QueueSize {
		t.Fatalf("partial section = %+v", got)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}, Storage: StorageConfig{Driver: "file"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "b"}, Storage: StorageConfig{Driver: "sqlite"}, Logging: LoggingConfig{Level: "debug"}}

	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "logging,storage,telegram" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(restart, ",") != "storage,telegram" {
		t.Fatalf("restart = %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}

	changed, _, _ = SummarizeConfigChange(newCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("identical configs changed = %v", changed)
	}
}

func TestReloadSkipsUnchangedAndPublishes(t *testing.T) {
	path := writeFile(t, "config.yaml", validYAML)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx := context.Background()
	if m.reload(ctx) {
		t.Fatalf("unchanged file should not publish")
	}

	if err := os.WriteFile(path, []byte(strings.Replace(validYAML, "level: info", "level: debug", 1)), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !m.reload(ctx) {
		t.Fatalf("changed file should publish")
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(time.Second):
		t.Fatalf("no config published")
	}
}

func TestReloadHonorsValidator(t *testing.T) {
	path := writeFile(t, "config.yaml", validYAML)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(context.Context, *Config) error { return os.ErrInvalid })
	if err := os.WriteFile(path, []byte(strings.Replace(validYAML, "fps: 30", "fps: 25", 1)), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m.reload(context.Background()) {
		t.Fatalf("rejected config was published")
	}
	if m.Get().Stream.FPS != 30 {
		t.Fatalf("rejected config was committed")
	}
}

func TestWatchPublishesOnWrite(t *testing.T) {
	path := writeFile(t, "config.yaml", validYAML)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	body := []byte(strings.Replace(validYAML, "fps: 30", "fps: 24", 1))
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		// rewrite until the watcher is up and sees it
		if err := os.WriteFile(path, body, 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		select {
		case cfg := <-ch:
			if cfg.Stream.FPS != 24 {
				t.Fatalf("fps = %d", cfg.Stream.FPS)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatalf("watch did not publish")
		}
	}
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		path string
		body string
		want format
	}{
		{"c.yaml", `{"a":1}`, formatYAML},
		{"c.YML", "a: 1", formatYAML},
		{"c.json", "a: 1", formatJSON},
		{"config", "  {\"telegram\":{}}", formatJSON},
		{"config", "telegram:\n  token: x", formatYAML},
	}
	for _, tc := range tests {
		if got := detectFormat(tc.path, []byte(tc.body)); got != tc.want {
			t.Errorf("detectFormat(%q) = %s, want %s", tc.path, got, tc.want)
		}
	}
}

func TestYAMLRejectsExtraDocumentsAndNonStringKeys(t *testing.T) {
	if _, err := NewConfigManager(writeFile(t, "c.yaml", validYAML+"---\ntelegram: {}\n")).Parse(); err == nil || !strings.Contains(err.Error(), "more than one document") {
		t.Fatalf("multi-document err = %v", err)
	}
	_, err := NewConfigManager(writeFile(t, "c.yaml", "telegram:\n  1: x\n")).Parse()
	var fe *FieldError
	if !errors.As(err, &fe) || fe.Path != "telegram.1" {
		t.Fatalf("non-string key err = %v", err)
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", " "); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
	_, err := ParseDurationField("stream.stop_timeout", "-1s")
	var fe *FieldError
	if !errors.As(err, &fe) || fe.Path != "stream.stop_timeout" || !errors.Is(err, errNegative) {
		t.Fatalf("negative err = %v", err)
	}
	if _, err := ParseDurationOrDefault("x", "later", time.Second); err == nil {
		t.Fatalf("expected parse error")
	}
}
