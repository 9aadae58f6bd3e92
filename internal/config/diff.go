package config

import (
	"reflect"
	"sort"
	"strings"

	logx "livecast/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens,
// DSNs or ingest URLs), and (3) the changed sections that only take effect
// after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	var restart []string

	// Telegram (never log token)
	tokenChanged := strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token)
	if tokenChanged ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
			logx.Bool("telegram.token_changed", tokenChanged),
		)
		if tokenChanged || strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) {
			restart = append(restart, "telegram")
		}
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.timezone", strings.TrimSpace(newCfg.Schedule.Timezone)),
			logx.Bool("schedule.allow_next_day", newCfg.Schedule.AllowNextDay),
		)
	}

	// The store is opened once; a change needs a restart.
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
			logx.String("storage.redis_addr", strings.TrimSpace(newCfg.Storage.Redis.Addr)),
		)
	}

	// Stream (never log ingest URLs: they carry stream keys)
	if !reflect.DeepEqual(oldCfg.Stream, newCfg.Stream) {
		changed = append(changed, "stream")
		attrs = append(attrs,
			logx.Int("stream.width", newCfg.Stream.Width),
			logx.Int("stream.height", newCfg.Stream.Height),
			logx.Int("stream.fps", newCfg.Stream.FPS),
			logx.Int("stream.bitrate_kbps", newCfg.Stream.BitrateKbps),
			logx.String("stream.video_codec", newCfg.Stream.VideoCodec),
			logx.Bool("stream.hwaccel", newCfg.Stream.HardwareAcceleration),
			logx.Int("stream.ingest_count", len(newCfg.Stream.Ingests)),
			logx.Bool("stream.default_ingest_set", strings.TrimSpace(newCfg.Stream.DefaultIngest) != ""),
		)
		if oldCfg.Stream.FFmpeg != newCfg.Stream.FFmpeg || oldCfg.Stream.FFprobe != newCfg.Stream.FFprobe {
			restart = append(restart, "stream.binaries")
		}
	}

	if oldCfg.Screen != newCfg.Screen {
		changed = append(changed, "screen")
		restart = append(restart, "screen")
		attrs = append(attrs,
			logx.Bool("screen.enabled", newCfg.Screen.Enabled),
			logx.Int("screen.fps", newCfg.Screen.FPS),
		)
	}

	// Ops (never log token)
	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.ListenAddr()),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.allow_insecure", newCfg.Ops.AllowInsecure),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	// Nil means defaults.
	oldN := oldCfg.EffectiveNotifier()
	newN := newCfg.EffectiveNotifier()
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
		)
	}

	if oldCfg.Commands != newCfg.Commands {
		changed = append(changed, "commands")
		attrs = append(attrs,
			logx.Any("commands.rate_per_sec", newCfg.Commands.RatePerSec),
			logx.Int("commands.burst", newCfg.Commands.Burst),
			logx.String("commands.timeout", strings.TrimSpace(newCfg.Commands.Timeout)),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
