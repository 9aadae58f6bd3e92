package app

import (
	"strconv"
	"strings"
	"time"

	"livecast/internal/commands"
	"livecast/internal/config"
	"livecast/internal/media"
	"livecast/internal/notifier"
	"livecast/internal/observability/ops"
	logx "livecast/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logTarget returns the chat that receives Telegram log lines (0 when unset).
func logTarget(cfg *config.Config) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.EffectiveNotifier()
	base, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       n.Enabled,
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   30 * time.Second,
	}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("ops.write_timeout", o.WriteTimeout, 30*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          o.ListenAddr(),
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// commandLimits maps the per-user command throttle and handler timeout.
type commandLimits struct {
	RatePerSec float64
	Burst      int
	Timeout    time.Duration
}

func mapCommandLimits(cfg *config.Config) (commandLimits, error) {
	timeout, err := config.ParseDurationOrDefault("commands.timeout", cfg.Commands.Timeout, 30*time.Second)
	if err != nil {
		return commandLimits{}, err
	}
	burst := cfg.Commands.Burst
	if burst <= 0 {
		burst = 3
	}
	return commandLimits{RatePerSec: cfg.Commands.RatePerSec, Burst: burst, Timeout: timeout}, nil
}

func mapCommandOptions(cfg *config.Config) (commands.Options, error) {
	loc, err := cfg.Schedule.Location()
	if err != nil {
		return commands.Options{}, err
	}
	return commands.Options{
		Location:      loc,
		AllowNextDay:  cfg.Schedule.AllowNextDay,
		ScreenEnabled: cfg.Screen.Enabled,
	}, nil
}

func mapProber(cfg *config.Config) (media.FFProbe, error) {
	timeout, err := config.ParseDurationOrDefault("stream.probe_timeout", cfg.Stream.ProbeTimeout, 30*time.Second)
	if err != nil {
		return media.FFProbe{}, err
	}
	return media.FFProbe{Bin: cfg.Stream.FFprobe, Timeout: timeout}, nil
}

func mapScreen(cfg *config.Config, log logx.Logger) media.ScreenSource {
	enc := cfg.Stream.EncoderOptions()
	fps := cfg.Screen.FPS
	if fps <= 0 {
		fps = enc.FPS
	}
	return media.ScreenSource{
		BrowserBin: cfg.Screen.Browser,
		Width:      enc.Width,
		Height:     enc.Height,
		FPS:        fps,
		Quality:    cfg.Screen.Quality,
		Log:        log,
	}
}
