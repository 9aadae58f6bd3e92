package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Service owns the sinks behind every Logger it hands out.
type Service struct {
	mu       sync.Mutex
	file     *os.File
	filePath string
	remote   *telegramSink

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with its root logger. sender may
// be nil, which disables the Telegram sink.
func New(cfg Config, sender Sender) (*Service, Logger) {
	s := &Service{remote: newTelegramSink(sender)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetTelegramTarget sets the operator chat. A chatID of 0 mutes the sink.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	s.remote.setTarget(chatID, threadID)
}

// Apply rebuilds the sinks from cfg. The log file is reopened only when its
// path changes.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	if f := s.openFileLocked(cfg.File); f != nil {
		writers = append(writers, zerolog.SyncWriter(f))
	}
	if s.remote.configure(cfg.Telegram) {
		writers = append(writers, s.remote)
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func (s *Service) openFileLocked(fc FileConfig) *os.File {
	if !fc.Enabled {
		s.closeFileLocked()
		return nil
	}
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = DefaultFilePath
	}
	if s.file != nil && s.filePath == path {
		return s.file
	}
	s.closeFileLocked()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "logx: create log dir for %q: %v\n", path, err)
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		return nil
	}
	s.file, s.filePath = f, path
	return f
}

func (s *Service) closeFileLocked() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.filePath = nil, ""
	return err
}

// Close stops the Telegram worker and closes the log file. Loggers keep
// working afterwards but only the console sink stays usable.
func (s *Service) Close() error {
	s.remote.close()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFileLocked()
}
