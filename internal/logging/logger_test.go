package logging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config LoggingConfig
		valid  bool
	}{
		{name: "valid json config", config: LoggingConfig{Level: "info", Format: "json"}, valid: true},
		{name: "valid console config", config: LoggingConfig{Level: "debug", Format: "console"}, valid: true},
		{name: "defaults", config: LoggingConfig{}, valid: true},
		{name: "invalid level", config: LoggingConfig{Level: "invalid", Format: "json"}},
		{name: "invalid format", config: LoggingConfig{Level: "info", Format: "xml"}},
		{name: "unwritable output", config: LoggingConfig{OutputPath: "/nonexistent/dir/kvadmin.log"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.config)
			if !tt.valid {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger.Zap())
		})
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvadmin.log")
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json", OutputPath: path})
	require.NoError(t, err)

	logger.Debug(context.Background(), "dropped")
	logger.Info(context.Background(), "plan created", zap.Int64("plan", 7))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"plan created"`)
	assert.Contains(t, string(data), `"plan":7`)
	assert.NotContains(t, string(data), "dropped")
}

func TestTraceFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := FromZap(zap.New(core))

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "await-plan")
	defer span.End()

	logger.Info(ctx, "with span", zap.String("key", "value"))
	logger.Warn(context.Background(), "without span")
	logger.WithContext(ctx).Error(context.Background(), "bound to span")

	entries := logs.All()
	require.Len(t, entries, 3)

	traceID := span.SpanContext().TraceID().String()
	assert.Equal(t, traceID, entries[0].ContextMap()["trace_id"])
	assert.Equal(t, "value", entries[0].ContextMap()["key"])
	assert.NotContains(t, entries[1].ContextMap(), "trace_id")
	assert.Equal(t, traceID, entries[2].ContextMap()["trace_id"])
}

func TestFromZapNil(t *testing.T) {
	logger := FromZap(nil)
	logger.With(zap.String("component", "test")).Info(context.Background(), "discarded")
	assert.NotNil(t, logger.Zap())
}
