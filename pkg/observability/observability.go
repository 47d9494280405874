// Package observability exports broker metrics over OTLP. Disabled by
// default; every recording method is safe to call on a disabled provider.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the OTLP metric pipeline.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317" for gRPC
	Enabled        bool
	Insecure       bool
	ExportInterval time.Duration
}

// DefaultConfig returns the defaults for a local deployment: metrics off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "neuron",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		Enabled:        false,
		Insecure:       true,
		ExportInterval: 15 * time.Second,
	}
}

// Provider owns the meter provider and the broker's instruments.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	logger        *slog.Logger

	handshakes     metric.Int64Counter
	activeSessions metric.Int64UpDownCounter
	queueWait      metric.Float64Histogram
	heartbeats     metric.Int64Counter
	terminations   metric.Int64Counter
}

// New creates the provider. With Enabled false it returns a no-op provider
// and touches no network.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "metrics disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(config.ExportInterval),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)

	meter := otel.Meter("neuron.broker",
		metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(meter); err != nil {
		return nil, fmt.Errorf("observability: init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "metrics initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"interval", config.ExportInterval,
	)
	return p, nil
}

func (p *Provider) initInstruments(meter metric.Meter) error {
	var err error

	p.handshakes, err = meter.Int64Counter("neuron.handshakes.total",
		metric.WithDescription("Handshakes by terminal outcome"),
		metric.WithUnit("{handshake}"),
	)
	if err != nil {
		return err
	}

	p.activeSessions, err = meter.Int64UpDownCounter("neuron.sessions.active",
		metric.WithDescription("Currently open handshake streams"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return err
	}

	p.queueWait, err = meter.Float64Histogram("neuron.admission.wait",
		metric.WithDescription("Time spent in the admission queue"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return err
	}

	p.heartbeats, err = meter.Int64Counter("neuron.heartbeats.total",
		metric.WithDescription("Axon heartbeats by result"),
		metric.WithUnit("{heartbeat}"),
	)
	if err != nil {
		return err
	}

	p.terminations, err = meter.Int64Counter("neuron.terminations.total",
		metric.WithDescription("Provider-initiated relationship terminations"),
		metric.WithUnit("{termination}"),
	)
	return err
}

// RecordHandshake counts one terminal handshake outcome
// (completed, failed, timeout).
func (p *Provider) RecordHandshake(ctx context.Context, outcome string) {
	if p.handshakes != nil {
		p.handshakes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// AddActiveSessions moves the open-stream gauge by delta.
func (p *Provider) AddActiveSessions(ctx context.Context, delta int64) {
	if p.activeSessions != nil {
		p.activeSessions.Add(ctx, delta)
	}
}

// RecordQueueWait records how long an admission took.
func (p *Provider) RecordQueueWait(ctx context.Context, wait time.Duration) {
	if p.queueWait != nil {
		p.queueWait.Record(ctx, wait.Seconds())
	}
}

// RecordHeartbeat counts one heartbeat attempt.
func (p *Provider) RecordHeartbeat(ctx context.Context, healthy bool) {
	if p.heartbeats != nil {
		status := "ok"
		if !healthy {
			status = "failed"
		}
		p.heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

// RecordTermination counts one completed termination.
func (p *Provider) RecordTermination(ctx context.Context) {
	if p.terminations != nil {
		p.terminations.Add(ctx, 1)
	}
}

// Shutdown flushes and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		return err
	}
	return nil
}
