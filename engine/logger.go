package engine

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the structured-logging surface the engine and comm package log
// through.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

// NopLogger discards everything; the default when no Logger is configured.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}

// ZerologLogger adapts zerolog.Logger to the engine's Logger interface.
type ZerologLogger struct{ l zerolog.Logger }

// NewZerologLogger builds a zerolog logger at the named level (debug,
// info, warn, error, fatal, silent); an unrecognized or empty value
// defaults to info.
func NewZerologLogger(level string) ZerologLogger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if level == "silent" {
		lvl = zerolog.Disabled
	}
	return ZerologLogger{l: zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()}
}

func (z ZerologLogger) log(e *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		e = e.Interface(key, kv[i+1])
	}
	e.Msg(msg)
}

func (z ZerologLogger) Debug(msg string, kv ...any) { z.log(z.l.Debug(), msg, kv) }
func (z ZerologLogger) Info(msg string, kv ...any)  { z.log(z.l.Info(), msg, kv) }
func (z ZerologLogger) Warn(msg string, kv ...any)  { z.log(z.l.Warn(), msg, kv) }
func (z ZerologLogger) Error(msg string, kv ...any) { z.log(z.l.Error(), msg, kv) }

var (
	_ Logger = NopLogger{}
	_ Logger = ZerologLogger{}
)
