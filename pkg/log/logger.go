package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents the severity level of a log message.
type Level int

// Log levels
const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zap() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func fromZap(l zapcore.Level) Level {
	switch l {
	case zapcore.DebugLevel:
		return DebugLevel
	case zapcore.WarnLevel:
		return WarnLevel
	case zapcore.ErrorLevel:
		return ErrorLevel
	case zapcore.FatalLevel, zapcore.PanicLevel, zapcore.DPanicLevel:
		return FatalLevel
	default:
		return InfoLevel
	}
}

// ParseLevel parses a case-insensitive level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// Format selects the encoder.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Logger defines the core logging interface for stageflow components.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	// With adds fields to every entry written by the returned Logger.
	With(fields ...Field) Logger
	// WithComponent tags logs with a component name.
	WithComponent(component string) Logger
	// WithError attaches err under the "error" key.
	WithError(err error) Logger

	SetLevel(level Level)
	GetLevel() Level

	// Sync flushes buffered entries.
	Sync() error
}

// LoggerOption configures NewLogger.
type LoggerOption func(*options)

type options struct {
	level  Level
	format Format
	out    io.Writer
}

// WithLevel sets the minimum log level.
func WithLevel(level Level) LoggerOption {
	return func(o *options) { o.level = level }
}

// WithFormat selects json or text encoding.
func WithFormat(format Format) LoggerOption {
	return func(o *options) { o.format = format }
}

// WithWriter sends output to w instead of stderr.
func WithWriter(w io.Writer) LoggerOption {
	return func(o *options) { o.out = w }
}

type zapLogger struct {
	z     *zap.Logger
	level zap.AtomicLevel
}

// NewLogger creates a new logger with the given options. Defaults are
// info level, JSON encoding, stderr.
func NewLogger(opts ...LoggerOption) Logger {
	o := options{level: InfoLevel, format: FormatJSON, out: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}
	atom := zap.NewAtomicLevelAt(o.level.zap())

	var enc zapcore.Encoder
	if o.format == FormatText {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
		enc = zapcore.NewConsoleEncoder(ec)
	} else {
		ec := zap.NewProductionEncoderConfig()
		ec.TimeKey = "ts"
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(ec)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(o.out), atom)
	return &zapLogger{z: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)), level: atom}
}

// NewNop returns a Logger that discards everything.
func NewNop() Logger {
	return &zapLogger{z: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.FatalLevel)}
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, toZap(fields)...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.z.Info(msg, toZap(fields)...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, toZap(fields)...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.z.Error(msg, toZap(fields)...) }
func (l *zapLogger) Fatal(msg string, fields ...Field) { l.z.Fatal(msg, toZap(fields)...) }

func (l *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{z: l.z.With(toZap(fields)...), level: l.level}
}

func (l *zapLogger) WithComponent(component string) Logger {
	return l.With(Component(component))
}

func (l *zapLogger) WithError(err error) Logger {
	return l.With(Err(err))
}

func (l *zapLogger) SetLevel(level Level) { l.level.SetLevel(level.zap()) }
func (l *zapLogger) GetLevel() Level      { return fromZap(l.level.Level()) }
func (l *zapLogger) Sync() error          { return l.z.Sync() }

// Config is the declarative logger configuration.
type Config struct {
	Level  string `json:"level" yaml:"level" env:"STAGEFLOW_LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"STAGEFLOW_LOG_FORMAT"`
}

// ApplyConfig builds a Logger from cfg.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		return NewLogger(), nil
	}
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var format Format
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		format = FormatJSON
	case "text", "console":
		format = FormatText
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return NewLogger(WithLevel(lvl), WithFormat(format)), nil
}

// RedirectStdLog sends output of the standard library's package-global
// logger to l at info level. It returns a function restoring the original
// output.
func RedirectStdLog(l Logger) func() {
	zl, ok := l.(*zapLogger)
	if !ok {
		return func() {}
	}
	return zap.RedirectStdLog(zl.z.WithOptions(zap.AddCallerSkip(-1)))
}
