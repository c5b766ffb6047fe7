package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance. The zero value discards output.
	Logger zerolog.Logger
)

// Level is a log level name as written in config files and flags
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

var levels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// Valid reports whether l names a known level
func (l Level) Valid() bool {
	_, ok := levels[l]
	return ok
}

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// ParseLevel maps a level name to a zerolog level, defaulting to info
func ParseLevel(l Level) zerolog.Level {
	if lvl, ok := levels[l]; ok {
		return lvl
	}
	return zerolog.InfoLevel
}

// Init initializes the global logger
func Init(cfg Config) {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithController creates a child logger tagged with a controller instance
func WithController(instance int) zerolog.Logger {
	return Logger.With().Str("component", "controller").Int("ctrl", instance).Logger()
}

// WithGroup creates a child logger tagged with a multipath group id
func WithGroup(groupID string) zerolog.Logger {
	return Logger.With().Str("component", "multipath").Str("group", groupID).Logger()
}

// Errorf logs err at error level on the global logger
func Errorf(msg string, err error) {
	Logger.Error().Err(err).Msg(msg)
}
