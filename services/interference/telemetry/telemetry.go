// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry records batch metrics and per-unit spans for comparison
// runs.
//
// A batch is a short-lived process, so nothing is served over HTTP. Spans go
// to a writer through the stdout exporter and metrics are collected into a
// private Prometheus registry that can be written as a node-exporter
// textfile when the batch ends.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrUnknownExporter is returned for an unrecognised exporter name.
	ErrUnknownExporter = errors.New("unknown telemetry exporter")

	// ErrNoRegistry is returned by WriteTextfile when metrics are not
	// exported to Prometheus.
	ErrNoRegistry = errors.New("prometheus metrics not enabled")
)

// Exporter names.
const (
	ExporterNone       = "none"
	ExporterStdout     = "stdout"
	ExporterPrometheus = "prometheus"
)

// Unit outcome labels.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// -----------------------------------------------------------------------------
// Sink
// -----------------------------------------------------------------------------

// Sink receives batch telemetry. Implementations must be safe for
// concurrent use.
type Sink interface {
	// StartSpan starts a span for one stage of the batch.
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)

	// RecordUnit counts a finished comparison unit by outcome.
	RecordUnit(ctx context.Context, status string)

	// RecordBootstrap records one bootstrap run for a phase.
	RecordBootstrap(ctx context.Context, phase string, elapsed time.Duration, excluded int)

	// RecordRows counts report rows written for a phase.
	RecordRows(ctx context.Context, phase string, n int)
}

// Nop returns a Sink that discards everything.
func Nop() Sink {
	return nopSink{tracer: noop.NewTracerProvider().Tracer("noiseeval")}
}

type nopSink struct {
	tracer trace.Tracer
}

func (n nopSink) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return n.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (nopSink) RecordUnit(context.Context, string)                          {}
func (nopSink) RecordBootstrap(context.Context, string, time.Duration, int) {}
func (nopSink) RecordRows(context.Context, string, int)                     {}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config controls which exporters are active.
type Config struct {
	// ServiceName identifies the batch in spans and metrics.
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is recorded on the resource.
	ServiceVersion string `yaml:"service_version"`

	// TraceExporter is "stdout" or "none".
	TraceExporter string `yaml:"trace_exporter" validate:"omitempty,oneof=stdout none"`

	// MetricExporter is "prometheus", "stdout" or "none".
	MetricExporter string `yaml:"metric_exporter" validate:"omitempty,oneof=prometheus stdout none"`

	// Output receives stdout exporter output. Defaults to os.Stderr.
	Output io.Writer `yaml:"-"`
}

// DefaultConfig returns spans off and Prometheus metrics on.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "noiseeval",
		ServiceVersion: "1.0.0",
		TraceExporter:  ExporterNone,
		MetricExporter: ExporterPrometheus,
	}
}

// -----------------------------------------------------------------------------
// Provider
// -----------------------------------------------------------------------------

// Provider is the OpenTelemetry-backed Sink.
//
// Thread Safety: Safe for concurrent use. Shutdown must be called once.
type Provider struct {
	tracer   trace.Tracer
	registry *prometheus.Registry

	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider

	units     metric.Int64Counter
	bootstrap metric.Float64Histogram
	excluded  metric.Int64Counter
	rows      metric.Int64Counter

	mu     sync.Mutex
	closed bool
}

// New builds a Provider from cfg.
//
// Description:
//
//	Tracing uses a batching stdout exporter when enabled and a no-op
//	tracer otherwise. Metrics go either to a private Prometheus registry,
//	to a periodic stdout reader, or nowhere. No global providers are set.
//
// Inputs:
//   - ctx: Used while creating exporters.
//   - cfg: Exporter selection. Empty exporter names mean "none".
//
// Outputs:
//   - *Provider: Ready to record. Call Shutdown to flush.
//   - error: ErrUnknownExporter or an exporter construction failure.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "noiseeval"
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	p := &Provider{}

	switch cfg.TraceExporter {
	case ExporterNone, "":
		p.tracer = noop.NewTracerProvider().Tracer(cfg.ServiceName)
	case ExporterStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		p.tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
		p.tracer = p.tp.Tracer(cfg.ServiceName)
	default:
		return nil, fmt.Errorf("%w: trace %q", ErrUnknownExporter, cfg.TraceExporter)
	}

	mp, err := p.initMeter(ctx, cfg, res, out)
	if err != nil {
		if p.tp != nil {
			_ = p.tp.Shutdown(ctx)
		}
		return nil, err
	}
	p.mp = mp

	if err := p.initInstruments(cfg.ServiceName); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}
	return p, nil
}

func (p *Provider) initMeter(_ context.Context, cfg Config, res *resource.Resource, out io.Writer) (*sdkmetric.MeterProvider, error) {
	switch cfg.MetricExporter {
	case ExporterNone, "":
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil

	case ExporterPrometheus:
		p.registry = prometheus.NewRegistry()
		exporter, err := promexporter.New(promexporter.WithRegisterer(p.registry))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		), nil

	case ExporterStdout:
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(out))
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		), nil

	default:
		return nil, fmt.Errorf("%w: metric %q", ErrUnknownExporter, cfg.MetricExporter)
	}
}

func (p *Provider) initInstruments(scope string) error {
	meter := p.mp.Meter(scope)
	var err error

	p.units, err = meter.Int64Counter("noiseeval_units",
		metric.WithDescription("Comparison units processed, by outcome"))
	if err != nil {
		return fmt.Errorf("create units counter: %w", err)
	}

	p.bootstrap, err = meter.Float64Histogram("noiseeval_bootstrap_duration",
		metric.WithDescription("Wall time of one bootstrap interval estimate"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10))
	if err != nil {
		return fmt.Errorf("create bootstrap histogram: %w", err)
	}

	p.excluded, err = meter.Int64Counter("noiseeval_bootstrap_excluded_replicates",
		metric.WithDescription("Bootstrap replicates dropped for a zero denominator"))
	if err != nil {
		return fmt.Errorf("create excluded counter: %w", err)
	}

	p.rows, err = meter.Int64Counter("noiseeval_rows_written",
		metric.WithDescription("Report rows written, by phase"))
	if err != nil {
		return fmt.Errorf("create rows counter: %w", err)
	}
	return nil
}

// StartSpan implements Sink.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordUnit implements Sink.
func (p *Provider) RecordUnit(ctx context.Context, status string) {
	p.units.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordBootstrap implements Sink.
func (p *Provider) RecordBootstrap(ctx context.Context, phase string, elapsed time.Duration, excluded int) {
	attrs := metric.WithAttributes(attribute.String("phase", phase))
	p.bootstrap.Record(ctx, elapsed.Seconds(), attrs)
	if excluded > 0 {
		p.excluded.Add(ctx, int64(excluded), attrs)
	}
}

// RecordRows implements Sink.
func (p *Provider) RecordRows(ctx context.Context, phase string, n int) {
	p.rows.Add(ctx, int64(n), metric.WithAttributes(attribute.String("phase", phase)))
}

// Registry returns the Prometheus registry, or nil when metrics are not
// exported to Prometheus.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// WriteTextfile writes the current metrics in the Prometheus text format
// to path, atomically.
func (p *Provider) WriteTextfile(path string) error {
	if p.registry == nil {
		return ErrNoRegistry
	}
	if err := prometheus.WriteToTextfile(path, p.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Shutdown flushes pending spans and metrics. Safe to call more than once.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter: %w", err))
		}
	}
	return errors.Join(errs...)
}
