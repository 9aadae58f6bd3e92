package logx

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// localKey marks events that must stay out of remote sinks.
const localKey = "local"

// Field adds one key to an event. Later fields override earlier ones.
type Field func(e *zerolog.Event)

func String(k, v string) Field         { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field        { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field    { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field  { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field      { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }
func Stringer(k string, v fmt.Stringer) Field {
	return func(e *zerolog.Event) { e.Stringer(k, v) }
}

// Duration renders d as a Go duration string ("1h59m58s").
func Duration(k string, d time.Duration) Field {
	return func(e *zerolog.Event) { e.Str(k, d.String()) }
}

func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Local keeps the event out of the Telegram sink. Use it for failures of the
// Telegram transport itself.
func Local() Field {
	return func(e *zerolog.Event) { e.Bool(localKey, true) }
}
