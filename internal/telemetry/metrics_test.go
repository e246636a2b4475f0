package telemetry

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"

	"github.com/global-data-controller/kvadmin/internal/models"
)

func TestNewTelemetry(t *testing.T) {
	tests := []struct {
		name   string
		config TelemetryConfig
	}{
		{name: "disabled telemetry", config: TelemetryConfig{}},
		{
			name: "enabled telemetry with basic config",
			config: TelemetryConfig{
				Enabled:        true,
				ServiceName:    "kvadmin-test",
				ServiceVersion: "1.0.0",
				SampleRate:     1.0,
			},
		},
		{
			name: "enabled telemetry with Jaeger",
			config: TelemetryConfig{
				Enabled:        true,
				ServiceName:    "kvadmin-test",
				JaegerEndpoint: "http://localhost:14268/api/traces",
				SampleRate:     0.5,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tel, err := NewTelemetry(tt.config, zaptest.NewLogger(t))
			require.NoError(t, err)
			require.NotNil(t, tel)
			assert.NotNil(t, tel.Tracer())
			assert.NotNil(t, tel.Meter())
			require.NoError(t, tel.Stop(context.Background()))
		})
	}
}

func TestTelemetrySpans(t *testing.T) {
	tel, err := NewTelemetry(TelemetryConfig{Enabled: true, ServiceName: "kvadmin-test"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer tel.Stop(context.Background())

	ctx, span := tel.StartSpan(context.Background(), "parent")
	assert.True(t, span.SpanContext().IsValid())
	_, child := tel.StartSpan(ctx, "child")
	assert.Equal(t, span.SpanContext().TraceID(), child.SpanContext().TraceID())
	child.End()
	span.End()
}

func TestHandlerExposesDomainMetrics(t *testing.T) {
	tel, err := NewTelemetry(TelemetryConfig{Enabled: true, ServiceName: "kvadmin-test"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer tel.Stop(context.Background())

	m, err := NewMetrics(tel.Meter())
	require.NoError(t, err)
	m.PlanFinished(models.PlanKindFailover, models.PlanStateSucceeded)
	m.QuorumRepaired()

	w := httptest.NewRecorder()
	tel.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body := w.Body.String()
	assert.Contains(t, body, "kvadmin_plans_finished_total")
	assert.Contains(t, body, `kind="FAILOVER"`)
	assert.Contains(t, body, "kvadmin_quorum_repairs_total")
	assert.Contains(t, body, "go_goroutines")
}

func sum(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			data, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			var total int64
			for _, dp := range data.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	m.TaskFinished(models.TaskCommitTopology, models.TaskStateSucceeded, 20*time.Millisecond)
	m.TaskFinished(models.TaskVerifyTopology, models.TaskStateError, time.Millisecond)
	m.PlanFinished(models.PlanKindRepair, models.PlanStateError)
	m.PlanInterrupted(models.PlanKindDeployTopology)
	m.PlanInterrupted(models.PlanKindDeployTopology)
	m.QuorumRepaired()
	m.MasterWaited(time.Second, nil)
	m.PlanSettled(models.PlanStateSucceeded, time.Second)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, int64(2), sum(t, rm, "kvadmin_tasks_total"))
	assert.Equal(t, int64(1), sum(t, rm, "kvadmin_plans_finished_total"))
	assert.Equal(t, int64(2), sum(t, rm, "kvadmin_plans_interrupted_total"))
	assert.Equal(t, int64(1), sum(t, rm, "kvadmin_quorum_repairs_total"))
}

func TestDisabledTelemetry(t *testing.T) {
	tel, err := NewTelemetry(TelemetryConfig{}, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, tel.Start(ctx))

	_, span := tel.StartSpan(ctx, "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	_, err = NewMetrics(tel.Meter())
	require.NoError(t, err)
	require.NoError(t, tel.Stop(ctx))
}
