package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the process logger. It owns the rotating log file, if any.
type Logger struct {
	zerolog.Logger

	file *RotatingWriter
}

// Config holds logger configuration
type Config struct {
	Level     string    // debug, info, warn, error
	Service   string    // value of the "service" field on every line
	File      string    // log file path, rotated
	Console   bool      // write to Output
	Pretty    bool      // human-readable console lines
	Output    io.Writer // console destination, stderr when nil
	Redaction bool      // mask credentials
	SecretEnv []string  // env vars whose values are masked when redaction is on
	MaxSize   int       // MB
	MaxAge    int       // days
	Compress  bool      // gzip rotated files
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Service:   "aleph",
		Console:   true,
		Redaction: true,
		MaxSize:   100,
		MaxAge:    7,
		Compress:  true,
	}
}

// New builds a logger and installs it as the global zerolog logger.
// Console output never goes to stdout unless Output says so, because
// stdout carries the stdio protocol.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	l := &Logger{}
	var sinks []io.Writer

	if cfg.Console {
		sinks = append(sinks, consoleWriter(cfg))
	}
	if cfg.File != "" {
		maxSize := cfg.MaxSize
		if maxSize <= 0 {
			maxSize = DefaultConfig().MaxSize
		}
		rw, err := NewRotatingWriter(cfg.File, maxSize, cfg.MaxAge, cfg.Compress)
		if err != nil {
			return nil, err
		}
		l.file = rw
		sinks = append(sinks, rw)
	}

	out := io.Discard
	if len(sinks) == 1 {
		out = sinks[0]
	} else if len(sinks) > 1 {
		out = io.MultiWriter(sinks...)
	}

	if cfg.Redaction {
		redactor := NewRedactor()
		redactor.AddSecretsFromEnv(os.Getenv, cfg.SecretEnv...)
		out = redactor.Wrap(out)
	}

	zc := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.Service != "" {
		zc = zc.Str("service", cfg.Service)
	}
	l.Logger = zc.Int("pid", os.Getpid()).Logger()

	log.Logger = l.Logger
	return l, nil
}

func consoleWriter(cfg Config) io.Writer {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.Pretty {
		return out
	}
	return zerolog.ConsoleWriter{
		Out:           out,
		TimeFormat:    time.RFC3339,
		FieldsExclude: []string{"pid"},
	}
}

// Close flushes and closes the log file
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Component returns a child logger tagged with the component name
func (l *Logger) Component(name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
