// Package logging provides structured logging for conductor on top of zap.
package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rizome-dev/conductor/pkg/config"
)

// Logger provides structured logging functionality
type Logger struct {
	z     *zap.Logger
	level zap.AtomicLevel
}

// ParseLevel parses a level name, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewLogger creates a new structured logger
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	sink, err := openOutput(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to setup writer: %w", err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	level := zap.NewAtomicLevelAt(ParseLevel(cfg.Level))
	opts := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	return &Logger{
		z:     zap.New(zapcore.NewCore(encoder, sink, level), opts...),
		level: level,
	}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{z: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.FatalLevel)}
}

// FromZap wraps an existing zap logger.
func FromZap(z *zap.Logger) *Logger {
	return &Logger{z: z.WithOptions(zap.AddCallerSkip(1)), level: zap.NewAtomicLevelAt(zapcore.DebugLevel)}
}

func openOutput(cfg *config.LoggingConfig) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file path must be specified for file output")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		return zapcore.AddSync(file), nil
	default:
		return nil, fmt.Errorf("unsupported output type: %s", cfg.Output)
	}
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level string) {
	l.level.SetLevel(ParseLevel(level))
}

// Zap exposes the underlying zap logger.
func (l *Logger) Zap() *zap.Logger { return l.z }

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{z: l.z.With(zap.Any(key, value)), level: l.level}
}

// WithFields adds multiple fields to the logger context
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return &Logger{z: l.z.With(zf...), level: l.level}
}

// WithComponent adds a component field to the logger
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{z: l.z.With(zap.String("component", component)), level: l.level}
}

// WithOperation adds an operation field to the logger
func (l *Logger) WithOperation(operation string) *Logger {
	return &Logger{z: l.z.With(zap.String("operation", operation)), level: l.level}
}

// WithError adds an error field to the logger
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{z: l.z.With(zap.Error(err)), level: l.level}
}

// WithContext attaches the active trace and span ids, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	return &Logger{
		z:     l.z.With(zap.String("trace_id", sc.TraceID().String()), zap.String("span_id", sc.SpanID().String())),
		level: l.level,
	}
}

func format(msg string, args []interface{}) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...interface{}) {
	if l.z.Core().Enabled(zapcore.DebugLevel) {
		l.z.Debug(format(msg, args))
	}
}

// Info logs an info message
func (l *Logger) Info(msg string, args ...interface{}) {
	if l.z.Core().Enabled(zapcore.InfoLevel) {
		l.z.Info(format(msg, args))
	}
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.z.Warn(format(msg, args))
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...interface{}) {
	l.z.Error(format(msg, args))
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// InitializeGlobalLogger initializes the global logger
func InitializeGlobalLogger(cfg *config.LoggingConfig) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	SetGlobalLogger(logger)
	return nil
}

// SetGlobalLogger replaces the global logger.
func SetGlobalLogger(logger *Logger) {
	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
}

// GetLogger returns the global logger
func GetLogger() *Logger {
	defaultMu.RLock()
	logger := defaultLogger
	defaultMu.RUnlock()
	if logger != nil {
		return logger
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		logger, err := NewLogger(&config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"})
		if err != nil {
			logger = NewNop()
		}
		defaultLogger = logger
	}
	return defaultLogger
}

// Debug logs a debug message using the global logger
func Debug(msg string, args ...interface{}) { GetLogger().Debug(msg, args...) }

// Info logs an info message using the global logger
func Info(msg string, args ...interface{}) { GetLogger().Info(msg, args...) }

// Warn logs a warning message using the global logger
func Warn(msg string, args ...interface{}) { GetLogger().Warn(msg, args...) }

// Error logs an error message using the global logger
func Error(msg string, args ...interface{}) { GetLogger().Error(msg, args...) }

// WithComponent returns a logger with component using the global logger
func WithComponent(component string) *Logger { return GetLogger().WithComponent(component) }

// WithError returns a logger with error using the global logger
func WithError(err error) *Logger { return GetLogger().WithError(err) }
