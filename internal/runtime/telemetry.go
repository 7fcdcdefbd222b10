package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/safwanbuddy/buddy-core/internal/config"
)

const (
	exporterOTLP   = "otlp"
	exporterStdout = "stdout"
	exporterNone   = "none"
)

// LogLevel maps telemetry.log_level to a slog level. Unknown names map to info.
func LogLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// telemetry holds the trace and meter providers for one runtime. Metrics go
// to a private Prometheus registry so tests and embedded runtimes never
// collide on the global one.
type telemetry struct {
	traces   *sdktrace.TracerProvider
	meters   *sdkmetric.MeterProvider
	registry *prometheus.Registry
	exporter string
}

func newTelemetry(ctx context.Context, cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	spans, name, err := traceExporter(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("trace exporter %s: %w", name, err)
	}
	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Telemetry.TraceSampleRatio))),
	}
	if spans != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spans))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if reader, err := otelprom.New(otelprom.WithRegisterer(registry)); err != nil {
		logger.Warn("prometheus exporter unavailable, metrics are not exported", slogError(err))
	} else {
		meterOpts = append(meterOpts, sdkmetric.WithReader(reader))
	}

	t := &telemetry{
		traces:   sdktrace.NewTracerProvider(traceOpts...),
		meters:   sdkmetric.NewMeterProvider(meterOpts...),
		registry: registry,
		exporter: name,
	}
	logger.Info("telemetry initialized",
		slog.String("trace_exporter", name),
		slog.Float64("trace_sample_ratio", cfg.Telemetry.TraceSampleRatio),
	)
	return t, nil
}

// resourceAttributes describes this assistant node: identity plus the
// capabilities it was configured with.
func resourceAttributes(cfg config.Config) []attribute.KeyValue {
	voiceSource := "disabled"
	if cfg.Voice.Enabled {
		voiceSource = cfg.Voice.Source
	}
	ttsMode := "disabled"
	if cfg.TTS.Enabled {
		ttsMode = cfg.TTS.Mode
	}
	return []attribute.KeyValue{
		semconv.ServiceName(cfg.RuntimeName),
		semconv.ServiceInstanceID(cfg.Node.ID),
		semconv.DeploymentEnvironmentName(cfg.Environment),
		attribute.String("buddy.node.role", cfg.Node.Role),
		attribute.String("buddy.voice.source", voiceSource),
		attribute.String("buddy.stt.mode", cfg.STT.Mode),
		attribute.String("buddy.tts.mode", ttsMode),
		attribute.Bool("buddy.bus.enabled", cfg.Bus.Enabled),
		attribute.Bool("buddy.event_store.persistent", cfg.EventStore.RetentionMode == "persistent"),
	}
}

// traceExporter resolves telemetry.trace_exporter. A nil exporter means spans
// are sampled but dropped.
func traceExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	name := cfg.TraceExporter
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if name == "" {
		name = exporterNone
		if endpoint != "" {
			name = exporterOTLP
		}
	}

	switch name {
	case exporterOTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		return exp, name, err
	case exporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		return exp, name, err
	case exporterNone:
		return nil, name, nil
	default:
		return nil, name, fmt.Errorf("unsupported exporter %q", name)
	}
}

func (t *telemetry) metricsHandler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

func (t *telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.meters.Shutdown(ctx), t.traces.Shutdown(ctx))
}
