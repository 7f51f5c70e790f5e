package logx

import (
	"time"

	"github.com/rs/zerolog"
)

// Field appends one structured attribute to a log event. Helpers below cover
// the types rembot logs; later fields win when a key repeats.
type Field func(e *zerolog.Event)

// Err attaches err under the "err" key. A nil error adds nothing, so call
// sites don't need to guard.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

func String(k, v string) Field { return func(e *zerolog.Event) { e.Str(k, v) } }

func Int(k string, v int) Field       { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field   { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field { return func(e *zerolog.Event) { e.Uint64(k, v) } }

func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }

func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }
func Time(k string, v time.Time) Field         { return func(e *zerolog.Event) { e.Time(k, v) } }

// Any falls back to zerolog's reflection-based encoder. Prefer a typed
// helper when one exists.
func Any(k string, v any) Field { return func(e *zerolog.Event) { e.Interface(k, v) } }
