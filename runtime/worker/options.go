package worker

import (
	"errors"

	"golang.org/x/time/rate"

	"goa.design/wfcore/runtime/worker/client"
	"goa.design/wfcore/runtime/worker/telemetry"
)

// DefaultMaxCachedWorkflows is the cache size used by the command line tools
// when none is configured.
const DefaultMaxCachedWorkflows = 1000

// Options configures a Worker.
type Options struct {
	// MaxCachedWorkflows bounds the number of runs whose replay state is kept
	// between workflow tasks. Zero disables caching: every run is evicted
	// once its workflow task is done and the next task replays from scratch.
	MaxCachedWorkflows int
	// Namespace is set on outbound requests.
	Namespace string
	// TaskQueue is the queue the worker polls. Activities and continue-as-new
	// commands without an explicit queue use it.
	TaskQueue string
	// Identity is set on outbound requests. Defaults to a process-unique
	// identity.
	Identity string
	// HistoryPageSize bounds the number of events per history page requested
	// by clients built from ClientOptions.
	HistoryPageSize int32
	// MaxPollsPerSecond throttles server polls. Zero means unlimited.
	MaxPollsPerSecond float64
	// Logger receives worker logs. Defaults to a noop logger.
	Logger telemetry.Logger
	// Metrics receives worker metrics. Defaults to a noop recorder.
	Metrics telemetry.Metrics
	// Tracer creates spans around history fetches and server responses.
	// Defaults to a noop tracer.
	Tracer telemetry.Tracer
}

// ClientOptions returns the transport options matching o.
func (o Options) ClientOptions() client.Options {
	return client.Options{
		Namespace:       o.Namespace,
		TaskQueue:       o.TaskQueue,
		Identity:        o.Identity,
		HistoryPageSize: o.HistoryPageSize,
	}
}

func (o Options) withDefaults() (Options, error) {
	if o.MaxCachedWorkflows < 0 {
		return o, errors.New("worker: max cached workflows must not be negative")
	}
	if o.MaxPollsPerSecond < 0 {
		return o, errors.New("worker: max polls per second must not be negative")
	}
	if o.Identity == "" {
		o.Identity = client.DefaultIdentity()
	}
	if o.Logger == nil {
		o.Logger = telemetry.NewNoopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NewNoopMetrics()
	}
	if o.Tracer == nil {
		o.Tracer = telemetry.NewNoopTracer()
	}
	return o, nil
}

func (o Options) limiter() *rate.Limiter {
	if o.MaxPollsPerSecond == 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(o.MaxPollsPerSecond), 1)
}
