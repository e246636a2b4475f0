package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/global-data-controller/kvadmin/internal/models"
)

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	PrometheusPort int     `mapstructure:"prometheus_port"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	SampleRate     float64 `mapstructure:"sample_rate"`
}

// Telemetry manages OpenTelemetry instrumentation
type Telemetry struct {
	config         TelemetryConfig
	logger         *zap.Logger
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	registry       *prometheus.Registry
	tracer         trace.Tracer
	meter          metric.Meter
	server         *http.Server
}

// NewTelemetry creates a new telemetry instance
func NewTelemetry(config TelemetryConfig, logger *zap.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ServiceName == "" {
		config.ServiceName = "kvadmin"
	}
	t := &Telemetry{config: config, logger: logger}
	if !config.Enabled {
		return t, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.initTracing(res); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	if err := t.initMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return t, nil
}

func (t *Telemetry) initTracing(res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if t.config.JaegerEndpoint != "" {
		exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(t.config.JaegerEndpoint)))
		if err != nil {
			return fmt.Errorf("failed to create Jaeger exporter: %w", err)
		}
		rate := t.config.SampleRate
		if rate == 0 {
			rate = 1.0
		}
		opts = append(opts,
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))))
	}

	t.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(t.tracerProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.tracer = t.tracerProvider.Tracer(t.config.ServiceName)
	return nil
}

func (t *Telemetry) initMetrics(res *resource.Resource) error {
	t.registry = prometheus.NewRegistry()
	t.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(t.registry))
	if err != nil {
		return fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}
	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(t.meterProvider)
	t.meter = t.meterProvider.Meter(t.config.ServiceName)
	return nil
}

// Start serves /metrics on PrometheusPort when one is configured
func (t *Telemetry) Start(ctx context.Context) error {
	if !t.config.Enabled || t.config.PrometheusPort <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", t.Handler())
	t.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.config.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("Prometheus server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop flushes spans and stops the metrics server
func (t *Telemetry) Stop(ctx context.Context) error {
	if !t.config.Enabled {
		return nil
	}
	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown Prometheus server: %w", err)
		}
	}
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown meter provider: %w", err)
		}
	}
	return nil
}

// Handler serves the Prometheus exposition of every instrument
func (t *Telemetry) Handler() http.Handler {
	if t.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Tracer returns the service tracer, the global one when disabled
func (t *Telemetry) Tracer() trace.Tracer {
	if t.tracer == nil {
		return otel.Tracer(t.config.ServiceName)
	}
	return t.tracer
}

// Meter returns the service meter, the global one when disabled
func (t *Telemetry) Meter() metric.Meter {
	if t.meter == nil {
		return otel.Meter(t.config.ServiceName)
	}
	return t.meter
}

// StartSpan starts a new span
func (t *Telemetry) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if !t.config.Enabled || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, opts...)
}

// Metrics records the control plane instruments. It serves as the admin
// service metrics and the plan driver observer.
type Metrics struct {
	tasks        metric.Int64Counter
	taskDuration metric.Float64Histogram
	plans        metric.Int64Counter
	interrupted  metric.Int64Counter
	repairs      metric.Int64Counter
	masterWait   metric.Float64Histogram
	planAwait    metric.Float64Histogram
}

// NewMetrics creates the instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.tasks, err = meter.Int64Counter("kvadmin_tasks_total",
		metric.WithDescription("Plan tasks finished, by type and state")); err != nil {
		return nil, err
	}
	if m.taskDuration, err = meter.Float64Histogram("kvadmin_task_duration_seconds",
		metric.WithUnit("s"), metric.WithDescription("Time spent applying a plan task")); err != nil {
		return nil, err
	}
	if m.plans, err = meter.Int64Counter("kvadmin_plans_finished_total",
		metric.WithDescription("Plans that reached a terminal state")); err != nil {
		return nil, err
	}
	if m.interrupted, err = meter.Int64Counter("kvadmin_plans_interrupted_total",
		metric.WithDescription("Plans interrupted by a master change")); err != nil {
		return nil, err
	}
	if m.repairs, err = meter.Int64Counter("kvadmin_quorum_repairs_total",
		metric.WithDescription("Admin quorum repairs applied")); err != nil {
		return nil, err
	}
	if m.masterWait, err = meter.Float64Histogram("kvadmin_master_wait_seconds",
		metric.WithUnit("s"), metric.WithDescription("Time the plan driver waited for a master")); err != nil {
		return nil, err
	}
	if m.planAwait, err = meter.Float64Histogram("kvadmin_plan_await_seconds",
		metric.WithUnit("s"), metric.WithDescription("Time the plan driver waited for a plan to settle")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) TaskFinished(taskType models.TaskType, state models.TaskState, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("type", string(taskType)),
		attribute.String("state", string(state)))
	m.tasks.Add(context.Background(), 1, attrs)
	m.taskDuration.Record(context.Background(), elapsed.Seconds(), attrs)
}

func (m *Metrics) PlanFinished(kind models.PlanKind, state models.PlanState) {
	m.plans.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("state", string(state))))
}

func (m *Metrics) PlanInterrupted(kind models.PlanKind) {
	m.interrupted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *Metrics) QuorumRepaired() {
	m.repairs.Add(context.Background(), 1)
}

func (m *Metrics) MasterWaited(elapsed time.Duration, err error) {
	m.masterWait.Record(context.Background(), elapsed.Seconds(),
		metric.WithAttributes(attribute.Bool("found", err == nil)))
}

func (m *Metrics) PlanSettled(state models.PlanState, elapsed time.Duration) {
	m.planAwait.Record(context.Background(), elapsed.Seconds(),
		metric.WithAttributes(attribute.String("state", string(state))))
}
