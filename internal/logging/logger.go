package logging

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a context-aware structured logger. Records logged with a
// context carrying a recording span get its trace and span ids.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...zap.Field)
	Info(ctx context.Context, msg string, fields ...zap.Field)
	Warn(ctx context.Context, msg string, fields ...zap.Field)
	Error(ctx context.Context, msg string, fields ...zap.Field)

	With(fields ...zap.Field) Logger
	WithContext(ctx context.Context) Logger
	// Zap returns the underlying logger for packages that take *zap.Logger.
	Zap() *zap.Logger

	Sync() error
}

// ZapLogger implements Logger using Zap with OpenTelemetry integration
type ZapLogger struct {
	logger *zap.Logger
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
	ErrorPath  string `mapstructure:"error_path"`
}

// NewLogger creates a logger writing json or console records to
// OutputPath. Internal zap errors go to ErrorPath.
func NewLogger(config LoggingConfig) (Logger, error) {
	if config.Level == "" {
		config.Level = "info"
	}
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}

	var encoder zapcore.Encoder
	switch config.Format {
	case "json", "":
		ec := zap.NewProductionEncoderConfig()
		ec.TimeKey = "timestamp"
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(ec)
	case "console":
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(ec)
	default:
		return nil, fmt.Errorf("invalid log format %q", config.Format)
	}

	out, err := openSink(config.OutputPath, "stdout")
	if err != nil {
		return nil, err
	}
	errOut, err := openSink(config.ErrorPath, "stderr")
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder, out, level)
	logger := zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.ErrorOutput(errOut))
	return &ZapLogger{logger: logger}, nil
}

// FromZap wraps an existing zap logger
func FromZap(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{logger: l}
}

func openSink(path, def string) (zapcore.WriteSyncer, error) {
	if path == "" {
		path = def
	}
	switch path {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return zapcore.AddSync(f), nil
}

func (l *ZapLogger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.logger.Debug(msg, withTrace(ctx, fields)...)
}

func (l *ZapLogger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.logger.Info(msg, withTrace(ctx, fields)...)
}

func (l *ZapLogger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.logger.Warn(msg, withTrace(ctx, fields)...)
}

func (l *ZapLogger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.logger.Error(msg, withTrace(ctx, fields)...)
}

// With creates a child logger with additional fields
func (l *ZapLogger) With(fields ...zap.Field) Logger {
	return &ZapLogger{logger: l.logger.With(fields...)}
}

// WithContext creates a logger carrying the trace ids of ctx
func (l *ZapLogger) WithContext(ctx context.Context) Logger {
	return l.With(traceFields(ctx)...)
}

func (l *ZapLogger) Zap() *zap.Logger { return l.logger }

// Sync flushes any buffered log entries
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

func withTrace(ctx context.Context, fields []zap.Field) []zap.Field {
	tf := traceFields(ctx)
	if len(tf) == 0 {
		return fields
	}
	return append(tf, fields...)
}

func traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return nil
	}
	sc := span.SpanContext()
	fields := []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
	if sc.IsSampled() {
		fields = append(fields, zap.Bool("sampled", true))
	}
	return fields
}
