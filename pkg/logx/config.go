package logx

import (
	"strings"

	"github.com/rs/zerolog"
)

// DefaultFilePath is used when the file sink is enabled without a path.
const DefaultFilePath = "./data/livecast.log"

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig controls the operator chat sink. The target chat is set
// separately with Service.SetTelegramTarget.
type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	if s == "" {
		return def
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return def
	}
	return lvl
}
