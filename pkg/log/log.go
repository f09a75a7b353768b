package log

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the verbosity of logging
type LogLevel string

const (
	// LevelDebug enables all logs
	LevelDebug LogLevel = "debug"
	// LevelInfo enables info, warning, and error logs
	LevelInfo LogLevel = "info"
	// LevelProgress enables progress, warning, and error logs (default)
	LevelProgress LogLevel = "progress"
	// LevelMinimal enables only warning and error logs
	LevelMinimal LogLevel = "minimal"
	// LevelWarn enables only warning and error logs (alias for minimal)
	LevelWarn LogLevel = "warn"
	// LevelError enables only error logs
	LevelError LogLevel = "error"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

var (
	globalLogger *zap.SugaredLogger
	globalMutex  sync.RWMutex
)

// Config holds logger configuration.
//
// Output defaults to stderr: stdout belongs to the NDJSON frontend protocol
// when shellpilot runs in serve mode.
type Config struct {
	Level  LogLevel
	Format string
	Output io.Writer
}

// DefaultConfig returns the default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:  LevelProgress,
		Format: FormatConsole,
	}
}

// Init initializes the global logger with the given configuration
func Init(cfg Config) error {
	logger, err := build(cfg)
	if err != nil {
		return err
	}

	globalMutex.Lock()
	defer globalMutex.Unlock()
	globalLogger = logger
	return nil
}

// ParseLevel maps a level name to a LogLevel, reporting whether it is known.
func ParseLevel(s string) (LogLevel, bool) {
	switch level := LogLevel(s); level {
	case LevelDebug, LevelInfo, LevelProgress, LevelMinimal, LevelWarn, LevelError:
		return level, true
	default:
		return LevelProgress, false
	}
}

// mapLevelToZapLevel maps our log level to zap level
func mapLevelToZapLevel(level LogLevel) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo, LevelProgress:
		// progress has no zap counterpart; it shares info
		return zapcore.InfoLevel
	case LevelMinimal, LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func buildEncoderConfig(format string) zapcore.EncoderConfig {
	if format == FormatJSON {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "timestamp"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		return cfg
	}
	return zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func build(cfg Config) (*zap.SugaredLogger, error) {
	format := cfg.Format
	if format == "" {
		format = FormatConsole
	}

	var encoder zapcore.Encoder
	switch format {
	case FormatConsole, "text":
		encoder = zapcore.NewConsoleEncoder(buildEncoderConfig(FormatConsole))
	case FormatJSON:
		encoder = zapcore.NewJSONEncoder(buildEncoderConfig(FormatJSON))
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(out), mapLevelToZapLevel(cfg.Level))
	logger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger.Sugar(), nil
}

// Get returns the global logger, creating a default one on first use.
func Get() *zap.SugaredLogger {
	globalMutex.RLock()
	logger := globalLogger
	globalMutex.RUnlock()

	if logger != nil {
		return logger
	}

	// Build outside the lock; Init takes the same lock.
	loggerToSet, err := build(DefaultConfig())
	if err != nil {
		loggerToSet = zap.NewNop().Sugar()
	}

	globalMutex.Lock()
	defer globalMutex.Unlock()
	if globalLogger != nil {
		return globalLogger
	}
	globalLogger = loggerToSet
	return globalLogger
}

// Named returns a component logger. Component loggers do not skip a caller
// frame, unlike the package-level helpers.
func Named(component string) *zap.SugaredLogger {
	return Get().Desugar().WithOptions(zap.AddCallerSkip(-1)).Sugar().Named(component)
}

// Debug logs a debug message
func Debug(msg string, args ...interface{}) {
	Get().Debugw(msg, args...)
}

// Debugf logs a formatted debug message
func Debugf(template string, args ...interface{}) {
	Get().Debugf(template, args...)
}

// Info logs an info message
func Info(msg string, args ...interface{}) {
	Get().Infow(msg, args...)
}

// Infof logs a formatted info message
func Infof(template string, args ...interface{}) {
	Get().Infof(template, args...)
}

// Progress logs a progress message (maps to Info level)
func Progress(msg string, args ...interface{}) {
	Get().Infow(msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...interface{}) {
	Get().Warnw(msg, args...)
}

// Warnf logs a formatted warning message
func Warnf(template string, args ...interface{}) {
	Get().Warnf(template, args...)
}

// Error logs an error message
func Error(msg string, args ...interface{}) {
	Get().Errorw(msg, args...)
}

// Errorf logs a formatted error message
func Errorf(template string, args ...interface{}) {
	Get().Errorf(template, args...)
}

// With returns a logger with additional fields
func With(args ...interface{}) *zap.SugaredLogger {
	return Get().With(args...)
}

// Sync flushes any buffered log entries
func Sync() error {
	globalMutex.RLock()
	logger := globalLogger
	globalMutex.RUnlock()

	if logger != nil {
		return logger.Sync()
	}
	return nil
}

// Reset drops the global logger so the next Get rebuilds it. Used by tests.
func Reset() {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
	globalLogger = nil
}
