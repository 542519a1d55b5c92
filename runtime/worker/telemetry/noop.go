package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// discard implements Logger, Metrics, Tracer and Span by dropping
	// everything.
	discard struct{}

	// Recorder is a Metrics implementation that keeps counter totals and the
	// last gauge values in memory. Tags are ignored.
	Recorder struct {
		mu       sync.Mutex
		counters map[string]float64
		gauges   map[string]float64
		timers   map[string]int
	}
)

// NewNoopLogger returns a Logger that discards all messages.
func NewNoopLogger() Logger { return discard{} }

// NewNoopMetrics returns a Metrics recorder that discards all values.
func NewNoopMetrics() Metrics { return discard{} }

// NewNoopTracer returns a Tracer whose spans record nothing.
func NewNoopTracer() Tracer { return discard{} }

func (discard) Debug(context.Context, string, ...any) {}
func (discard) Info(context.Context, string, ...any) {}
func (discard) Warn(context.Context, string, ...any) {}
func (discard) Error(context.Context, string, ...any) {}
func (discard) IncCounter(string, float64, ...string) {}
func (discard) RecordTimer(string, time.Duration, ...string) {}
func (discard) RecordGauge(string, float64, ...string) {}
func (discard) Span(context.Context) Span { return discard{} }
func (discard) End(...trace.SpanEndOption) {}
func (discard) AddEvent(string, ...any) {}
func (discard) SetStatus(codes.Code, string) {}
func (discard) RecordError(error, ...trace.EventOption) {}

func (discard) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, discard{}
}

// NewRecorder returns an empty in-memory metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
		timers:   make(map[string]int),
	}
}

// IncCounter adds value to the named counter.
func (r *Recorder) IncCounter(name string, value float64, _ ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += value
}

// RecordTimer counts the observations of the named timer.
func (r *Recorder) RecordTimer(name string, _ time.Duration, _ ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timers[name]++
}

// RecordGauge stores the last value of the named gauge.
func (r *Recorder) RecordGauge(name string, value float64, _ ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = value
}

// Counter returns the total of the named counter.
func (r *Recorder) Counter(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// Gauge returns the last value of the named gauge.
func (r *Recorder) Gauge(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[name]
}

// Timings returns the number of observations of the named timer.
func (r *Recorder) Timings(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timers[name]
}

type (
	// TraceRecorder is a Tracer that keeps the names of the events added to
	// its spans in memory. Status and errors are ignored.
	TraceRecorder struct {
		mu     sync.Mutex
		events map[string][]string
	}

	recordedSpan struct {
		discard
		rec  *TraceRecorder
		name string
	}

	spanKey struct{}
)

// NewTraceRecorder returns an empty in-memory tracer.
func NewTraceRecorder() *TraceRecorder {
	return &TraceRecorder{events: make(map[string][]string)}
}

// Start returns a span recording its events under name.
func (t *TraceRecorder) Start(ctx context.Context, name string, _ ...trace.SpanStartOption) (context.Context, Span) {
	s := &recordedSpan{rec: t, name: name}
	return context.WithValue(ctx, spanKey{}, s), s
}

// Span returns the span started by t that ctx carries, or a span recording
// nothing.
func (t *TraceRecorder) Span(ctx context.Context) Span {
	if s, ok := ctx.Value(spanKey{}).(*recordedSpan); ok && s.rec == t {
		return s
	}
	return discard{}
}

// Events returns the names of the events added to spans named name.
func (t *TraceRecorder) Events(name string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events[name]...)
}

func (s *recordedSpan) AddEvent(name string, _ ...any) {
	s.rec.mu.Lock()
	defer s.rec.mu.Unlock()
	s.rec.events[s.name] = append(s.rec.events[s.name], name)
}
