package worker

import (
	"context"
	"errors"
	"fmt"

	commandpb "go.temporal.io/api/command/v1"
	commonpb "go.temporal.io/api/common/v1"
	historypb "go.temporal.io/api/history/v1"
	"go.temporal.io/api/workflowservice/v1"

	"goa.design/wfcore/runtime/worker/api"
	"goa.design/wfcore/runtime/worker/history"
	"goa.design/wfcore/runtime/worker/telemetry"
)

// workflowTask is the workflow task a run is processing.
type workflowTask struct {
	token          []byte
	execution      *commonpb.WorkflowExecution
	startedEventID int64
	// update holds the history of the task not yet turned into activations.
	update *history.Update
	// known is the history carried by the poll response, kept for the fetch
	// when needsFetch is set.
	known      history.Known
	needsFetch bool
	// attach is set when the task's queries ride with its last history
	// activation.
	attach bool
	// local holds jobs produced by completions, delivered before history.
	local   []api.Job
	queries *queryRegistry
	// commands accumulates the commands of non-replaying activations.
	commands []*commandpb.Command
}

// caughtUp reports whether every history event of the task was turned into
// activations.
func (t *workflowTask) caughtUp() bool {
	return !t.needsFetch && t.update.Done() && len(t.local) == 0
}

// done reports whether the task can be responded to.
func (t *workflowTask) done() bool {
	return t.caughtUp() && t.queries.unanswered() == 0
}

// PollActivation returns the next activation for workflow logic. Work already
// known to the worker (evictions, further history of a task, queries) is
// returned before the server is polled again. It blocks until an activation
// is available, ctx is done or the worker is shut down.
//
// PollActivation returns an error wrapping ErrHistoryFetch when history
// needed by a query could not be fetched; the workflow task has been failed
// by then.
//
// History fetches and server responses made while producing the activation
// run on ctx. Cancelling ctx during a query-driven history fetch fails the
// workflow task and drops the run like any other fetch failure, so the
// server retries the task and its queries.
func (w *Worker) PollActivation(ctx context.Context) (*api.Activation, error) {
	for {
		if w.closed() {
			return nil, ErrShutdown
		}
		act, err := w.nextReady(ctx)
		if err != nil || act != nil {
			return act, err
		}
		resp, err := w.poll(ctx)
		if err != nil {
			return nil, err
		}
		if len(resp.GetTaskToken()) == 0 {
			continue
		}
		w.ingest(ctx, resp)
	}
}

func (w *Worker) poll(ctx context.Context) (*workflowservice.PollWorkflowTaskQueueResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(w.base, cancel)
	defer stop()

	if err := w.limiter.Wait(ctx); err != nil {
		if w.closed() {
			return nil, ErrShutdown
		}
		return nil, fmt.Errorf("poll workflow task: %w", err)
	}
	resp, err := w.client.PollWorkflowTask(ctx)
	if err != nil {
		if w.closed() {
			return nil, ErrShutdown
		}
		return nil, fmt.Errorf("poll workflow task: %w", err)
	}
	return resp, nil
}

func (w *Worker) ingest(ctx context.Context, resp *workflowservice.PollWorkflowTaskQueueResponse) {
	exec := resp.GetWorkflowExecution()
	if exec.GetRunId() == "" {
		w.logger.Warn(ctx, "dropping workflow task without run id", "workflow_id", exec.GetWorkflowId())
		return
	}
	w.logger.Debug(ctx, "workflow task received",
		"run_id", exec.GetRunId(),
		"events", len(resp.GetHistory().GetEvents()),
		"paginated", len(resp.GetNextPageToken()) > 0,
		"legacy_query", resp.GetQuery() != nil,
		"queries", len(resp.GetQueries()))
	w.logVictims(w.cache.ingest(resp))
	w.metrics.RecordGauge(telemetry.MetricCacheSize, float64(w.cache.len()))
}

// nextReady returns the next activation known to the worker without polling
// the server. Ready evictions go first so cache slots free up.
func (w *Worker) nextReady(ctx context.Context) (*api.Activation, error) {
	for _, id := range w.cache.takeReadyEvictions() {
		e, ok := w.cache.lookup(id)
		if !ok {
			continue
		}
		if act, err := w.advance(ctx, e); act != nil || err != nil {
			return act, err
		}
	}
	for {
		e, ok := w.cache.popReady()
		if !ok {
			return nil, nil
		}
		if act, err := w.advance(ctx, e); act != nil || err != nil {
			return act, err
		}
	}
}

// advance produces the next activation of e if it has one.
func (w *Worker) advance(ctx context.Context, e *runEntry) (*api.Activation, error) {
	e.mu.Lock()
	for {
		if e.removed || e.busy || e.outstanding != nil {
			w.release(e, false)
			return nil, nil
		}
		if e.evictionReady() {
			act := e.deliver(e.evictionActivation())
			w.release(e, false)
			w.observe(ctx, act)
			return act, nil
		}
		if e.task == nil {
			if len(e.buffered) == 0 {
				w.release(e, false)
				return nil, nil
			}
			resp := e.buffered[0]
			e.buffered = e.buffered[1:]
			if err := w.startTask(ctx, e, resp); err != nil {
				w.release(e, true)
				return nil, err
			}
			continue
		}
		act, err := w.nextActivation(ctx, e)
		if err != nil {
			w.release(e, true)
			return nil, err
		}
		if act != nil {
			e.deliver(act)
			w.release(e, false)
			w.observe(ctx, act)
			return act, nil
		}
		if e.task == nil {
			continue
		}
		if !e.task.done() {
			w.release(e, false)
			return nil, nil
		}
		if err := w.finishTask(ctx, e); err != nil {
			w.release(e, true)
			return nil, err
		}
	}
}

// startTask begins processing resp. Must be called with e.mu held and no task
// in progress.
func (w *Worker) startTask(ctx context.Context, e *runEntry, resp *workflowservice.PollWorkflowTaskQueueResponse) error {
	cursor := e.machine.LastEventID()
	events := resp.GetHistory().GetEvents()
	token := resp.GetNextPageToken()
	t := &workflowTask{
		token:          resp.GetTaskToken(),
		execution:      resp.GetWorkflowExecution(),
		startedEventID: resp.GetStartedEventId(),
		queries:        newQueryRegistry(resp),
	}
	e.task = t

	if !t.queries.empty() {
		t.known = history.Known{Events: events, NextPageToken: token, Cursor: cursor}
		if history.NeedsFetch(t.known) {
			t.needsFetch = true
			t.update = history.NewUpdate(t.execution, nil, nil, nil)
			return nil
		}
	} else if len(events) > 0 && ((cursor == 0 && events[0].GetEventId() != 1) || history.StartsAfterGap(events, cursor)) {
		w.metrics.IncCounter(telemetry.MetricCacheMiss, 1)
		msg := fmt.Sprintf("history of run %s does not continue from event %d", e.runID, cursor)
		return w.resetRun(ctx, e, msg)
	}
	filtered := history.After(events, cursor)
	t.update = history.NewUpdate(t.execution, filtered, token, w.client)
	t.attach = cursor > 0 && len(token) == 0 && len(history.Split(filtered)) <= 1
	return nil
}

// nextActivation returns the next activation of the task in progress, nil
// when the task has nothing more to deliver. Must be called with e.mu held.
func (w *Worker) nextActivation(ctx context.Context, e *runEntry) (*api.Activation, error) {
	t := e.task
	if t.needsFetch {
		var (
			events []*historypb.HistoryEvent
			err    error
		)
		known := t.known
		e.unlocked(func() {
			events, err = w.fetcher.EnsureHistoryForQuery(ctx, t.execution, known)
		})
		if err != nil {
			return nil, w.historyFetchFailed(ctx, e, err)
		}
		t.needsFetch = false
		t.update = history.NewUpdate(t.execution, events, nil, nil)
	}
	if len(t.local) > 0 {
		jobs := t.local
		t.local = nil
		return e.activation(false, jobs), nil
	}
	for !t.update.Done() {
		var (
			seg []*historypb.HistoryEvent
			err error
		)
		if t.update.Paginated() {
			e.unlocked(func() { seg, err = t.update.Next(ctx) })
		} else {
			seg, err = t.update.Next(ctx)
		}
		if err != nil {
			return nil, w.historyFetchFailed(ctx, e, err)
		}
		if len(seg) == 0 {
			break
		}
		jobs, err := e.machine.Apply(seg)
		if err != nil {
			w.logger.Warn(ctx, "replay failed", "run_id", e.runID, "err", err)
			return nil, w.resetRun(ctx, e, err.Error())
		}
		// The last segment ends at the task's started event; earlier ones
		// were already answered by a previous worker.
		replaying := t.startedEventID == 0 || seg[len(seg)-1].GetEventId() < t.startedEventID
		if t.attach && t.update.Done() {
			jobs = append(jobs, t.queries.takeAll()...)
		}
		if len(jobs) > 0 {
			return e.activation(replaying, jobs), nil
		}
	}
	if jobs := t.queries.takeAll(); len(jobs) > 0 {
		return e.activation(false, jobs), nil
	}
	return nil, nil
}

// historyFetchFailed fails the task after its history could not be read and
// drops the run. The returned error wraps the fetch error. Must be called
// with e.mu held.
func (w *Worker) historyFetchFailed(ctx context.Context, e *runEntry, err error) error {
	w.logger.Warn(ctx, "history fetch failed", "run_id", e.runID, "err", err)
	rpcErr := w.failTask(ctx, e, causeResetSticky, failureFromError(err))
	e.drop(api.EvictionReasonPaginationOrHistoryFetch, err.Error())
	if !errors.Is(err, history.ErrHistoryFetch) {
		err = &history.FetchError{RunID: e.runID, Err: err}
	}
	return errors.Join(err, rpcErr)
}

// resetRun fails the task so the server resends full history, then drops the
// run. Only transport errors are returned. Must be called with e.mu held.
func (w *Worker) resetRun(ctx context.Context, e *runEntry, message string) error {
	w.logger.Info(ctx, "cached state does not match history", "run_id", e.runID, "message", message)
	err := w.failTask(ctx, e, causeResetSticky, failureFromMessage(message))
	e.drop(api.EvictionReasonCacheMiss, message)
	if err != nil {
		return fmt.Errorf("fail workflow task for run %s: %w", e.runID, err)
	}
	return nil
}
