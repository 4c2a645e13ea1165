package zerolog

import (
	"io"
	"time"

	"github.com/3rs4lg4d0/relaybox/rbx"
	"github.com/rs/zerolog"
)

// zerolog implementation of rbx.Logger interface.
type Logger struct {
	Logger zerolog.Logger
}

var _ rbx.Logger = (*Logger)(nil)

// NewConsole returns a human friendly logger writing to w.
func NewConsole(w io.Writer, level zerolog.Level) *Logger {
	return &Logger{
		Logger: zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Logger(),
	}
}

func (l *Logger) Debug(msg string) {
	l.Logger.Debug().Msg(msg)
}

func (l *Logger) Warn(msg string) {
	l.Logger.Warn().Msg(msg)
}

func (l *Logger) Error(msg string, err error) {
	l.Logger.Err(err).Msg(msg)
}

func (l *Logger) Info(msg string) {
	l.Logger.Info().Msg(msg)
}
