package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	failurepb "go.temporal.io/api/failure/v1"
	"go.temporal.io/api/workflowservice/v1"
	"golang.org/x/time/rate"

	"goa.design/wfcore/runtime/worker/api"
	"goa.design/wfcore/runtime/worker/client"
	"goa.design/wfcore/runtime/worker/history"
	"goa.design/wfcore/runtime/worker/telemetry"
)

// Worker drives workflow tasks of one task queue. It is safe for concurrent
// use; activations of different runs may be processed in parallel while each
// run has at most one outstanding activation.
type Worker struct {
	client  client.Client
	opts    Options
	cache   *runCache
	fetcher *history.Fetcher
	limiter *rate.Limiter
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	// base is cancelled by Shutdown.
	base     context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New returns a worker polling through c.
func New(c client.Client, opts Options) (*Worker, error) {
	if c == nil {
		return nil, errors.New("worker: client is required")
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	cache, err := newRunCache(opts.MaxCachedWorkflows, opts.TaskQueue)
	if err != nil {
		return nil, err
	}
	base, cancel := context.WithCancel(context.Background())
	return &Worker{
		client:  c,
		opts:    opts,
		cache:   cache,
		fetcher: history.NewFetcher(c, opts.Logger, opts.Metrics, opts.Tracer),
		limiter: opts.limiter(),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		base:    base,
		cancel:  cancel,
	}, nil
}

// CompleteActivation reconciles the completion of the run's outstanding
// activation. When the completion finishes the workflow task, the server
// responses are sent before CompleteActivation returns and transport errors
// are returned. A NotFound response evicts the run and is not returned.
// Completing an eviction with anything but an empty completion returns
// ErrProtocolMismatch and leaves the eviction outstanding.
func (w *Worker) CompleteActivation(ctx context.Context, c *api.Completion) error {
	if w.closed() {
		return ErrShutdown
	}
	e, ok := w.cache.lookup(c.RunID)
	if !ok {
		return fmt.Errorf("complete activation for run %s: %w", c.RunID, ErrNoOutstandingActivation)
	}
	e.mu.Lock()
	act := e.outstanding
	if act == nil || e.removed {
		e.mu.Unlock()
		return fmt.Errorf("complete activation for run %s: %w", c.RunID, ErrNoOutstandingActivation)
	}
	if act.IsEviction() {
		if !c.Empty() {
			e.mu.Unlock()
			return fmt.Errorf("%w: eviction of run %s completed with commands, query results or a failure", ErrProtocolMismatch, c.RunID)
		}
		w.completeEviction(ctx, e)
		w.release(e, false)
		return nil
	}
	if err := checkQueryResults(act, c.QueryResults); err != nil {
		e.mu.Unlock()
		return err
	}
	e.outstanding = nil
	t := e.task

	if c.Failure != nil {
		w.logger.Warn(ctx, "workflow activation failed", "run_id", e.runID, "failure", c.Failure.GetMessage())
		err := w.failTask(ctx, e, causeUnhandled, c.Failure)
		e.requestEviction(&evictionRequest{reason: api.EvictionReasonLangFail, message: c.Failure.GetMessage()})
		w.release(e, true)
		if err != nil {
			return fmt.Errorf("fail workflow task for run %s: %w", c.RunID, err)
		}
		return nil
	}

	for _, q := range act.Queries() {
		res, ok := c.QueryResults[q.QueryID]
		if !ok {
			res = api.QueryFailure(unansweredQueryMessage)
		}
		if err := t.queries.answer(q.QueryID, res); err != nil {
			w.logger.Error(ctx, "query answer rejected", "run_id", e.runID, "err", err)
		}
	}
	if !act.IsReplaying && carriesHistory(act) {
		cmds, local, err := e.machine.Commands(t.commands, c.Commands)
		if err != nil {
			rpcErr := w.failTask(ctx, e, causeUnhandled, &failurepb.Failure{Message: err.Error()})
			e.requestEviction(&evictionRequest{reason: api.EvictionReasonFatal, message: err.Error()})
			w.release(e, true)
			return errors.Join(fmt.Errorf("%w: run %s: %w", ErrWorkflowTaskFailure, c.RunID, err), rpcErr)
		}
		t.commands = cmds
		t.local = append(t.local, local...)
	}
	var err error
	if t.done() {
		err = w.finishTask(ctx, e)
	}
	w.release(e, true)
	return err
}

// IsCached reports whether the run has an entry in the cache.
func (w *Worker) IsCached(runID string) bool {
	return w.cache.isCached(runID)
}

// Shutdown stops polling. Activations not yet completed are dropped and
// later calls return ErrShutdown.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() {
		w.cancel()
		w.logger.Info(ctx, "worker shut down", "task_queue", w.opts.TaskQueue, "cached_runs", w.cache.len())
	})
	return nil
}

func (w *Worker) closed() bool {
	return w.base.Err() != nil
}

// release unlocks e, detaches it from the cache when it was removed and
// admits waiting poll responses. ready marks the run for the next poll.
func (w *Worker) release(e *runEntry, ready bool) {
	var buffered []*workflowservice.PollWorkflowTaskQueueResponse
	detach := e.removed && !e.detached
	if detach {
		e.detached = true
		buffered = e.buffered
		e.buffered = nil
	}
	runID := e.runID
	e.mu.Unlock()

	var victims []string
	if detach {
		victims = w.cache.remove(e, buffered)
		w.metrics.RecordGauge(telemetry.MetricCacheSize, float64(w.cache.len()))
	} else {
		if ready {
			w.cache.markReady(runID)
		}
		victims = w.cache.balance()
	}
	w.logVictims(victims)
}

func (w *Worker) logVictims(victims []string) {
	for _, id := range victims {
		w.logger.Debug(w.base, "evicting run to make room", "run_id", id, "reason", string(api.EvictionReasonCacheFull))
	}
}

func (w *Worker) observe(ctx context.Context, act *api.Activation) {
	if act.IsEviction() {
		rm := act.Jobs[0].(*api.RemoveFromCache)
		w.logger.Debug(ctx, "delivering eviction", "run_id", act.RunID, "reason", string(rm.Reason))
		return
	}
	jobs := make([]string, len(act.Jobs))
	for i, j := range act.Jobs {
		jobs[i] = api.JobName(j)
	}
	w.metrics.IncCounter(telemetry.MetricActivations, 1, "replaying", strconv.FormatBool(act.IsReplaying))
	if n := len(act.Queries()); n > 0 {
		w.metrics.IncCounter(telemetry.MetricQueriesDelivered, float64(n))
	}
	w.logger.Debug(ctx, "delivering activation", "run_id", act.RunID, "replaying", act.IsReplaying, "jobs", jobs)
}

// carriesHistory reports whether act has jobs other than queries.
func carriesHistory(act *api.Activation) bool {
	for _, j := range act.Jobs {
		if _, ok := j.(*api.QueryWorkflow); !ok {
			return true
		}
	}
	return false
}
