// Package telemetry defines the logging, metrics and tracing surface used by the
// workflow worker. Implementations delegate to Clue and OpenTelemetry; noop
// variants are used when the caller does not configure any.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging used throughout the worker. Keyvals are
	// alternating keys and values.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter and histogram helpers for worker instrumentation.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer abstracts span creation so worker code remains agnostic of the
	// underlying OpenTelemetry provider.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span represents an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric names emitted by the worker.
const (
	MetricActivations         = "wfcore.worker.activations"
	MetricQueriesDelivered    = "wfcore.worker.queries_delivered"
	MetricEvictions           = "wfcore.worker.evictions"
	MetricCacheMiss           = "wfcore.worker.cache_miss"
	MetricCacheSize           = "wfcore.worker.cache_size"
	MetricHistoryFetch        = "wfcore.worker.history_fetch"
	MetricHistoryFetchLatency = "wfcore.worker.history_fetch_latency"
	MetricTaskCompletions     = "wfcore.worker.task_completions"
	MetricTaskFailures        = "wfcore.worker.task_failures"
)
