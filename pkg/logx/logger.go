package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "15:04:05.000"

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// Logger is a structured logger. The zero value discards everything.
type Logger struct {
	svc    *Service
	base   *zerolog.Logger
	fields []Field
}

// Nop returns a logger that never writes.
func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{base: &zl}
}

// NewConsole returns a standalone console logger, for use before a Service exists.
func NewConsole(level string) Logger {
	zl := zerolog.New(consoleWriter(os.Stdout)).
		Level(parseLevel(level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	return Logger{base: &zl}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.base == nil && len(l.fields) == 0 }

func (l Logger) zl() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.base != nil:
		return *l.base
	default:
		return zerolog.Nop()
	}
}

// With returns a logger that adds fields to every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := l
	out.fields = append(append(make([]Field, 0, len(l.fields)+len(fields)), l.fields...), fields...)
	return out
}

func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	zl := l.zl()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// skip: emit, Info/Warn/..., caller
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}

func consoleWriter(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:           w,
		TimeFormat:    consoleTimeFormat,
		FieldsExclude: []string{localKey},
		FormatCaller:  func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}
