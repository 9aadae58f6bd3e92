package config

// Config is the on-disk configuration (JSON or YAML).
type Config struct {
	Telegram TelegramConfig  `json:"telegram"`
	Logging  LoggingConfig   `json:"logging"`
	Schedule ScheduleConfig  `json:"schedule"`
	Storage  StorageConfig   `json:"storage"`
	Stream   StreamConfig    `json:"stream"`
	Screen   ScreenConfig    `json:"screen,omitempty"`
	Ops      OpsConfig       `json:"ops,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Commands CommandsConfig  `json:"commands,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// ScheduleConfig controls how /schedule_live reads times.
type ScheduleConfig struct {
	// Timezone is an IANA name (e.g. "Asia/Jakarta") used for date/time
	// expressions. Empty means the host's local zone.
	Timezone string `json:"timezone,omitempty"`
	// AllowNextDay lets --next-day roll a passed time-of-day to tomorrow.
	AllowNextDay bool `json:"allow_next_day,omitempty"`
}

// StorageConfig selects where the pending schedule is persisted.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/schedule.json" }
type StorageConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path,omitempty"`
	DSN         string      `json:"dsn,omitempty"`          // postgres (do not log)
	BusyTimeout string      `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Key      string `json:"key,omitempty"`
}

// StreamConfig controls ffmpeg and where streams are pushed.
type StreamConfig struct {
	FFmpeg               string        `json:"ffmpeg,omitempty"`  // default: "ffmpeg"
	FFprobe              string        `json:"ffprobe,omitempty"` // default: "ffprobe"
	Width                int           `json:"width"`
	Height               int           `json:"height"`
	FPS                  int           `json:"fps"`
	BitrateKbps          int           `json:"bitrate_kbps"`
	MaxBitrateKbps       int           `json:"max_bitrate_kbps"`
	VideoCodec           string        `json:"video_codec"` // "H264" or "VP8"
	HardwareAcceleration bool          `json:"hardware_acceleration"`
	ProbeTimeout         string        `json:"probe_timeout,omitempty"`
	StopTimeout          string        `json:"stop_timeout,omitempty"`
	DefaultIngest        string        `json:"default_ingest,omitempty"` // do not log (contains stream key)
	Ingests              []IngestEntry `json:"ingests,omitempty"`
}

// IngestEntry routes a chat (and optionally a forum thread) to a push URL.
type IngestEntry struct {
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	URL      string `json:"url"` // do not log
}

// ScreenConfig controls /play_screen browser capture.
type ScreenConfig struct {
	Enabled bool   `json:"enabled"`
	Browser string `json:"browser,omitempty"` // browser binary; empty lets rod locate one
	FPS     int    `json:"fps,omitempty"`
	Quality int    `json:"quality,omitempty"` // JPEG quality 1..100
}

// OpsConfig controls the optional ops HTTP server (/healthz, /schedule,
// /metrics, /debug/pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// NotifierConfig controls the async acknowledgement pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier runs with defaults.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
}

// CommandsConfig throttles chat commands per user.
type CommandsConfig struct {
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	// Timeout bounds a single command handler (Go duration string).
	Timeout string `json:"timeout,omitempty"`
}

func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		Enabled:       true,
		Workers:       2,
		QueueSize:     256,
		RatePerSec:    3,
		RetryMax:      3,
		RetryBase:     "500ms",
		RetryMaxDelay: "10s",
	}
}
