// Package tracing wires OpenTelemetry spans for a feed run. Without Init the
// global no-op provider is used and spans cost nothing.
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/bighogz/insider-feed"

// Init installs a tracer provider exporting finished spans to w as JSON.
// The returned func flushes and shuts the provider down.
func Init(w io.Writer) (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the feed tracer from the current global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentation)
}
