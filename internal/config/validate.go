package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"livecast/internal/media"
	"livecast/internal/storage"
)

// Validate checks a parsed config. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is required (or set LIVECAST_TELEGRAM_TOKEN)"))
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		add(errors.New("telegram.owner_user_ids must list at least one owner"))
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			add(&FieldError{Path: "telegram.group_log", Value: g, Err: errors.New("must be a numeric chat id")})
		}
	}
	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)

	if _, err := cfg.Schedule.Location(); err != nil {
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required for postgres"))
		}
	case "redis":
		if strings.TrimSpace(cfg.Storage.Redis.Addr) == "" {
			add(errors.New("storage.redis.addr is required for redis"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	enc := cfg.Stream.EncoderOptions()
	if err := enc.Validate(); err != nil {
		add(fmt.Errorf("stream: %w", err))
	}
	tbl, err := cfg.Stream.IngestTable()
	if err != nil {
		add(fmt.Errorf("stream: %w", err))
	} else if tbl.Len() == 0 && strings.TrimSpace(cfg.Stream.DefaultIngest) == "" {
		add(errors.New("stream: configure default_ingest or at least one ingests entry"))
	}
	if enc.VideoCodec == media.CodecVP8 && strings.HasPrefix(strings.ToLower(cfg.Stream.DefaultIngest), "rtmp") {
		add(errors.New("stream.video_codec VP8 cannot be pushed over RTMP"))
	}
	_, err = ParseDurationField("stream.probe_timeout", cfg.Stream.ProbeTimeout)
	add(err)
	_, err = ParseDurationField("stream.stop_timeout", cfg.Stream.StopTimeout)
	add(err)

	if cfg.Screen.Quality < 0 || cfg.Screen.Quality > 100 {
		add(&FieldError{Path: "screen.quality", Value: strconv.Itoa(cfg.Screen.Quality), Err: errors.New("must be within 0..100")})
	}

	if cfg.Ops.Enabled {
		addr := cfg.Ops.ListenAddr()
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			add(fmt.Errorf("ops.addr: %w", err))
		} else if !isLoopbackHost(host) && strings.TrimSpace(cfg.Ops.Token) == "" && !cfg.Ops.AllowInsecure {
			add(fmt.Errorf("ops.addr %q is not loopback: set ops.token or ops.allow_insecure", addr))
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"ops.read_timeout", cfg.Ops.ReadTimeout},
		{"ops.write_timeout", cfg.Ops.WriteTimeout},
		{"ops.idle_timeout", cfg.Ops.IdleTimeout},
		{"commands.timeout", cfg.Commands.Timeout},
	} {
		_, err := ParseDurationField(f.path, f.raw)
		add(err)
	}
	if n := cfg.Notifier; n != nil {
		_, err := ParseDurationField("notifier.retry_base", n.RetryBase)
		add(err)
		_, err = ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
		add(err)
	}
	if cfg.Commands.RatePerSec < 0 || cfg.Commands.Burst < 0 {
		add(errors.New("commands.rate_per_sec and commands.burst must be >= 0"))
	}
	return errors.Join(errs...)
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Location resolves the schedule timezone.
func (c ScheduleConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, &FieldError{Path: "schedule.timezone", Value: tz, Err: err}
	}
	return loc, nil
}

// StoreConfig maps the storage section to the driver config.
func (c StorageConfig) StoreConfig() (storage.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      c.Driver,
		Path:        c.Path,
		DSN:         c.DSN,
		BusyTimeout: busy,
		Redis: storage.RedisConfig{
			Addr:     c.Redis.Addr,
			Username: c.Redis.Username,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Key:      c.Redis.Key,
		},
	}, nil
}

func (c StreamConfig) EncoderOptions() media.EncoderOptions {
	return media.EncoderOptions{
		Width:                c.Width,
		Height:               c.Height,
		FPS:                  c.FPS,
		BitrateKbps:          c.BitrateKbps,
		MaxBitrateKbps:       c.MaxBitrateKbps,
		VideoCodec:           media.VideoCodec(c.VideoCodec),
		HardwareAcceleration: c.HardwareAcceleration,
	}.Normalize()
}

// IngestTable builds the destination routing table. Destinations are
// (chat id, thread id) in their decimal form; thread 0 means any thread.
func (c StreamConfig) IngestTable() (*media.IngestTable, error) {
	entries := make([]media.Ingest, 0, len(c.Ingests))
	for _, e := range c.Ingests {
		in := media.Ingest{Scope: strconv.FormatInt(e.ChatID, 10), URL: e.URL}
		if e.ChatID == 0 {
			in.Scope = ""
		}
		if e.ThreadID != 0 {
			in.Channel = strconv.Itoa(e.ThreadID)
		}
		entries = append(entries, in)
	}
	return media.NewIngestTable(entries, c.DefaultIngest)
}

// RunnerConfig maps the stream section to the runner's reloadable config.
func (c StreamConfig) RunnerConfig() (media.RunnerConfig, error) {
	tbl, err := c.IngestTable()
	if err != nil {
		return media.RunnerConfig{}, err
	}
	stop, err := ParseDurationOrDefault("stream.stop_timeout", c.StopTimeout, 10*time.Second)
	if err != nil {
		return media.RunnerConfig{}, err
	}
	return media.RunnerConfig{Encoder: c.EncoderOptions(), Ingests: tbl, StopTimeout: stop}, nil
}

// ListenAddr returns the ops bind address with its default applied.
func (c OpsConfig) ListenAddr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return "127.0.0.1:9090"
}

// EffectiveNotifier returns the notifier section with defaults for omitted fields.
func (c *Config) EffectiveNotifier() NotifierConfig {
	def := DefaultNotifierConfig()
	if c == nil || c.Notifier == nil {
		return def
	}
	n := *c.Notifier
	if n.Workers <= 0 {
		n.Workers = def.Workers
	}
	if n.QueueSize <= 0 {
		n.QueueSize = def.QueueSize
	}
	if n.RatePerSec <= 0 {
		n.RatePerSec = def.RatePerSec
	}
	if n.RetryMax < 0 {
		n.RetryMax = 0
	}
	if strings.TrimSpace(n.RetryBase) == "" {
		n.RetryBase = def.RetryBase
	}
	if strings.TrimSpace(n.RetryMaxDelay) == "" {
		n.RetryMaxDelay = def.RetryMaxDelay
	}
	return n
}
