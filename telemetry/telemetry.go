// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Package telemetry builds the OpenTelemetry tracer handed to bridge
// connections. The exporter is chosen with the OTEL_TRACES_EXPORTER
// environment variable:
//
//   - unset: the global tracer provider is used
//   - none: spans are recorded nowhere
//   - otlp: spans go to both the OTLP gRPC and the OTLP HTTP exporters,
//     configured through the standard OTEL_EXPORTER_OTLP_* variables
//   - console: spans are printed to stdout
//   - bridgefile: spans are written as JSON lines into rotating files
package telemetry

import (
	"context"
	"errors"
	"os"
	"time"

	bridge "github.com/zycgit/dbvisitor-sub003"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	EnvTracesExporter = "OTEL_TRACES_EXPORTER"

	ExporterNone       = "none"
	ExporterOtlp       = "otlp"
	ExporterConsole    = "console"
	ExporterBridgeFile = "bridgefile"

	serviceName = "dbvisitor.bridge"

	MessageExporterUnknown = "Unknown " + EnvTracesExporter + " option"
)

// ShutdownFunc flushes and stops the exporters behind a tracer.
type ShutdownFunc func(context.Context) error

func noShutdown(context.Context) error { return nil }

type config struct {
	exporter string
	fileOpts []FileOption
}

// Option configures NewTracer.
type Option func(*config)

// WithExporter overrides the OTEL_TRACES_EXPORTER environment variable.
func WithExporter(name string) Option {
	return func(c *config) { c.exporter = name }
}

// WithFileOptions configures the bridgefile exporter.
func WithFileOptions(opts ...FileOption) Option {
	return func(c *config) { c.fileOpts = append(c.fileOpts, opts...) }
}

// NewTracer returns the tracer for the instrumentation scope name. The
// returned ShutdownFunc must be called once the tracer is no longer used.
func NewTracer(ctx context.Context, name, version string, opts ...Option) (trace.Tracer, ShutdownFunc, error) {
	cfg := config{exporter: os.Getenv(EnvTracesExporter)}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.exporter == "" {
		return otel.Tracer(name, trace.WithInstrumentationVersion(version)), noShutdown, nil
	}

	exporters, err := newExporters(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	provider, err := newTracerProvider(exporters...)
	if err != nil {
		return nil, nil, err
	}
	tracer := provider.Tracer(name,
		trace.WithInstrumentationVersion(version),
		trace.WithSchemaURL(semconv.SchemaURL),
	)
	return tracer, provider.Shutdown, nil
}

func newExporters(ctx context.Context, cfg config) ([]sdktrace.SpanExporter, error) {
	switch cfg.exporter {
	case ExporterNone:
		return nil, nil
	case ExporterConsole:
		exporter, err := stdouttrace.New()
		if err != nil {
			return nil, err
		}
		return []sdktrace.SpanExporter{exporter}, nil
	case ExporterOtlp:
		return newOtlpExporters(ctx)
	case ExporterBridgeFile:
		writer, err := NewRotatingFile(cfg.fileOpts...)
		if err != nil {
			return nil, err
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(writer))
		if err != nil {
			return nil, errors.Join(err, writer.Close())
		}
		return []sdktrace.SpanExporter{&closingExporter{SpanExporter: exporter, writer: writer}}, nil
	}
	return nil, bridge.Error{
		Msg:  MessageExporterUnknown + " '" + cfg.exporter + "'",
		Code: bridge.StatusInvalidArgument,
	}
}

// closingExporter closes the trace file once the exporter shut down.
type closingExporter struct {
	sdktrace.SpanExporter
	writer *RotatingFile
}

func (e *closingExporter) Shutdown(ctx context.Context) error {
	return errors.Join(e.SpanExporter.Shutdown(ctx), e.writer.Close())
}

func newOtlpExporters(ctx context.Context) ([]sdktrace.SpanExporter, error) {
	// see: https://opentelemetry.io/docs/languages/sdk-configuration/otlp-exporter/
	grpcExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: 5 * time.Second,
			MaxInterval:     30 * time.Second,
		}),
	)
	if err != nil {
		return nil, err
	}
	httpExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithRetry(otlptracehttp.RetryConfig{
			Enabled:         true,
			InitialInterval: 5 * time.Second,
			MaxInterval:     30 * time.Second,
		}),
	)
	if err != nil {
		return nil, errors.Join(err, grpcExporter.Shutdown(ctx))
	}
	return []sdktrace.SpanExporter{grpcExporter, httpExporter}, nil
}

func newTracerProvider(exporters ...sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	own := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName))
	res, err := resource.Merge(resource.Default(), own)
	if err != nil {
		if !errors.Is(err, resource.ErrSchemaURLConflict) {
			return nil, err
		}
		// the default resource uses another semconv version
		res = own
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	for _, exporter := range exporters {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}
