package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Field names shared by every tstack log line.
const (
	FieldRunID    = "run_id"
	FieldStack    = "stack"
	FieldURN      = "urn"
	FieldProvider = "provider"
)

// Logger is a zerolog logger carrying deployment fields. Every With method
// returns a child; the receiver is never modified.
type Logger struct {
	zl zerolog.Logger
}

type loggerKey struct{}

// LoggerOption customizes NewLogger.
type LoggerOption func(*loggerSetup)

type loggerSetup struct {
	out      io.Writer
	redactor *Redactor
}

// WithWriter sends log lines to w instead of the configured output.
func WithWriter(w io.Writer) LoggerOption {
	return func(s *loggerSetup) { s.out = w }
}

// WithRedactor scrubs every value tracked by r from log output.
func WithRedactor(r *Redactor) LoggerOption {
	return func(s *loggerSetup) { s.redactor = r }
}

// NewLogger builds a logger from cfg.
func NewLogger(cfg LoggingConfig, opts ...LoggerOption) (*Logger, error) {
	var setup loggerSetup
	for _, opt := range opts {
		opt(&setup)
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	out := setup.out
	if out == nil {
		if out, err = openLogOutput(cfg.Output); err != nil {
			return nil, err
		}
	}
	// The redactor sits below the console writer so colored output is
	// scrubbed as well.
	if setup.redactor != nil {
		setup.redactor.out = out
		out = setup.redactor
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat(cfg.TimeFormat), NoColor: cfg.NoColor}
	}

	zerolog.TimeFieldFormat = timeFieldFormat(cfg.TimeFormat)

	zctx := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	return &Logger{zl: zctx.Logger()}, nil
}

func openLogOutput(target string) (io.Writer, error) {
	switch target {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// parseLevel maps an empty level to info.
func parseLevel(level string) (zerolog.Level, error) {
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level: %s", level)
	}
	return l, nil
}

func timeFieldFormat(format string) string {
	switch format {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	}
	return time.RFC3339
}

func consoleTimeFormat(format string) string {
	if format == "unix" {
		return zerolog.TimeFormatUnix
	}
	return time.TimeOnly
}

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the logger stored in ctx, or an info level stderr
// logger when there is none.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zl: zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()}
}

// Zerolog exposes the underlying logger for packages that take one.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

func (l *Logger) derive(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zl: fn(l.zl.With()).Logger()}
}

// WithField adds one field of any type.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

func (l *Logger) withString(key, value string) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Str(key, value) })
}

func (l *Logger) WithRunID(runID string) *Logger { return l.withString(FieldRunID, runID) }
func (l *Logger) WithStack(stack string) *Logger { return l.withString(FieldStack, stack) }
func (l *Logger) WithResourceID(urn string) *Logger { return l.withString(FieldURN, urn) }
func (l *Logger) WithProvider(name string) *Logger { return l.withString(FieldProvider, name) }

// WithError attaches err under zerolog's error field.
func (l *Logger) WithError(err error) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

func (l *Logger) Debug(msg string) { l.zl.Debug().Msg(msg) }
func (l *Logger) Info(msg string) { l.zl.Info().Msg(msg) }
func (l *Logger) Warn(msg string) { l.zl.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zl.Error().Msg(msg) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.zl.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{}) { l.zl.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{}) { l.zl.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.zl.Error().Msgf(format, args...) }
