// Package log wraps zerolog with the component/job/host tagging helpers the
// dispatcher core and its supporting packages use for structured logging.
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog's levels under names this module's config accepts.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config controls how the global Logger is initialized.
type Config struct {
	Level      Level
	Foreground bool // when true, human-readable console output; otherwise JSON
	Output     io.Writer
}

// Logger is the package-level logger every component derives its tagged
// logger from via With*.
var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Init configures the package-level Logger. Call once at process startup.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Foreground {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

func parseLevel(l Level) zerolog.Level {
	switch strings.ToLower(string(l)) {
	case string(LevelDebug):
		return zerolog.DebugLevel
	case string(LevelWarn):
		return zerolog.WarnLevel
	case string(LevelError):
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent returns a logger tagged with the given component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithJob returns a logger tagged with the given jobid.
func WithJob(jobid string) zerolog.Logger {
	return Logger.With().Str("jobid", jobid).Logger()
}

// WithHost returns a logger tagged with the given hostname.
func WithHost(hostname string) zerolog.Logger {
	return Logger.With().Str("hostname", hostname).Logger()
}

// WithWorker returns a logger tagged with the given worker id.
func WithWorker(workerID string) zerolog.Logger {
	return Logger.With().Str("worker_id", workerID).Logger()
}

// Info logs at info level on the global logger.
func Info(msg string) { Logger.Info().Msg(msg) }

// Error logs an error at error level on the global logger.
func Error(err error, msg string) { Logger.Error().Err(err).Msg(msg) }

// Fatal logs at fatal level and exits the process.
func Fatal(err error, msg string) { Logger.Fatal().Err(err).Msg(msg) }
