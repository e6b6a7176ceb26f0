package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Packages derive child loggers from it
// with the With* helpers rather than logging on it directly.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Level is a log level name as it appears in configuration
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer

	// Cluster is added to every line when set
	Cluster string
}

// Init replaces the global logger. An unknown level falls back to info.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(string(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if cfg.Cluster != "" {
		ctx = ctx.Str("cluster", cfg.Cluster)
	}
	Logger = ctx.Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithServiceName creates a child logger for one managed service
func WithServiceName(name string) zerolog.Logger {
	return Logger.With().Str("service", name).Logger()
}

// WithInstanceID creates a child logger for one worker instance
func WithInstanceID(instanceID string) zerolog.Logger {
	return Logger.With().
		Str("component", "instance").
		Str("instance_id", instanceID).
		Logger()
}

// WithFilesystem creates a child logger scoped to a filesystem service
func WithFilesystem(name, mountPoint string) zerolog.Logger {
	return Logger.With().
		Str("component", "filesystem").
		Str("filesystem", name).
		Str("mount_point", mountPoint).
		Logger()
}
