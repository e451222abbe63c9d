// Package otel builds the OpenTelemetry tracer provider used for job, bridge
// and object-store spans.
package otel

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/fluxorio/claimbridge/pkg/core"
)

// Exporter names accepted in Config.Exporter.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterZipkin = "zipkin"
)

// Config selects the span exporter and sampling.
type Config struct {
	// Exporter is none, stdout or zipkin. Default: none.
	Exporter string `yaml:"exporter" json:"exporter"`

	ServiceName    string `yaml:"service_name" json:"service_name"`
	ServiceVersion string `yaml:"service_version" json:"service_version"`
	Environment    string `yaml:"environment" json:"environment"`

	// Endpoint is the zipkin collector URL, e.g. http://localhost:9411/api/v2/spans.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// SampleRate is the fraction of new traces sampled, 0 to 1. Default: 1.
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate"`

	// Writer receives stdout exporter output. Default: os.Stdout.
	Writer io.Writer `yaml:"-" json:"-"`
}

// Provider owns the tracer provider and its exporter.
type Provider struct {
	tp       trace.TracerProvider
	shutdown func(context.Context) error
}

// Initialize builds a Provider for cfg and installs it as the global tracer
// provider and propagator. With the none exporter it returns a no-op provider.
func Initialize(ctx context.Context, cfg Config) (*Provider, error) {
	exporterName := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if exporterName == "" || exporterName == ExporterNone {
		return &Provider{
			tp:       noop.NewTracerProvider(),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "claimbridge"
	}
	if cfg.SampleRate < 0 || cfg.SampleRate > 1 {
		return nil, core.InvalidConfigf("otel: sample_rate %v outside [0,1]", cfg.SampleRate)
	}

	exporter, err := newExporter(exporterName, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("otel: build resource: %w", err)
	}

	sampler := sdktrace.ParentBased(sdktrace.AlwaysSample())
	if cfg.SampleRate > 0 && cfg.SampleRate < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp, shutdown: tp.Shutdown}, nil
}

func newExporter(name string, cfg Config) (sdktrace.SpanExporter, error) {
	switch name {
	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("otel: stdout exporter: %w", err)
		}
		return exp, nil
	case ExporterZipkin:
		if cfg.Endpoint == "" {
			return nil, core.InvalidConfigf("otel: zipkin exporter requires endpoint")
		}
		exp, err := zipkin.New(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("otel: zipkin exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, core.InvalidConfigf("otel: unknown exporter %q", name)
	}
}

// TracerProvider returns the provider spans should be created from.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tp
}

// Tracer returns a named tracer from the provider.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Shutdown flushes buffered spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}
