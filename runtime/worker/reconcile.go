package worker

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/codes"
	enumspb "go.temporal.io/api/enums/v1"
	failurepb "go.temporal.io/api/failure/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"

	"goa.design/wfcore/runtime/worker/api"
	"goa.design/wfcore/runtime/worker/telemetry"
)

const (
	causeUnhandled   = enumspb.WORKFLOW_TASK_FAILED_CAUSE_WORKFLOW_WORKER_UNHANDLED_FAILURE
	causeResetSticky = enumspb.WORKFLOW_TASK_FAILED_CAUSE_RESET_STICKY_TASK_QUEUE
)

type (
	// outboundCalls are the server responses owed for one workflow task.
	// Exactly one of complete and fail is set.
	outboundCalls struct {
		complete *workflowservice.RespondWorkflowTaskCompletedRequest
		fail     *workflowservice.RespondWorkflowTaskFailedRequest
		// query answers the legacy query of the task.
		query *workflowservice.RespondQueryTaskCompletedRequest
	}

	taskFailure struct {
		cause   enumspb.WorkflowTaskFailedCause
		failure *failurepb.Failure
	}
)

// reconcile builds the responses for t. Without failure the task is completed
// with its commands and the answers to the queries map; a legacy query is
// answered separately. With failure the task is failed, commands are dropped
// and a legacy query is failed with the same message.
func reconcile(t *workflowTask, f *taskFailure) outboundCalls {
	if f != nil {
		calls := outboundCalls{fail: &workflowservice.RespondWorkflowTaskFailedRequest{
			TaskToken: t.token,
			Cause:     f.cause,
			Failure:   f.failure,
		}}
		if t.queries.legacy != nil {
			calls.query = failedQueryResponse(t.token, f.failure.GetMessage())
		}
		return calls
	}
	return outboundCalls{
		complete: &workflowservice.RespondWorkflowTaskCompletedRequest{
			TaskToken:    t.token,
			Commands:     t.commands,
			QueryResults: t.queries.results(),
		},
		query: t.queries.legacyResponse(t.token),
	}
}

// finishTask sends the responses of the completed task. A NotFound response
// evicts the run with ServerRequested; other transport errors evict it with
// Fatal and are returned. Must be called with e.mu held.
func (w *Worker) finishTask(ctx context.Context, e *runEntry) error {
	t := e.task
	calls := reconcile(t, nil)
	e.task = nil
	var (
		notFound bool
		err      error
	)
	e.unlocked(func() {
		notFound, err = w.send(ctx, calls)
	})
	w.metrics.IncCounter(telemetry.MetricTaskCompletions, 1)
	w.logger.Debug(ctx, "workflow task completed",
		"run_id", e.runID,
		"commands", len(calls.complete.GetCommands()),
		"query_results", len(calls.complete.GetQueryResults()),
		"legacy_query", calls.query != nil)
	switch {
	case err != nil:
		e.requestEviction(&evictionRequest{reason: api.EvictionReasonFatal, message: err.Error()})
		return fmt.Errorf("respond to workflow task for run %s: %w", e.runID, err)
	case notFound:
		e.requestEviction(&evictionRequest{reason: api.EvictionReasonServerRequested, message: "workflow task not found"})
	case w.opts.MaxCachedWorkflows == 0:
		e.requestEviction(&evictionRequest{reason: api.EvictionReasonCacheFull, message: "workflow cache is disabled"})
	}
	return nil
}

// failTask fails the task in progress. Commands and query answers gathered
// so far are dropped. Only transport errors other than NotFound are
// returned. Must be called with e.mu held.
func (w *Worker) failTask(ctx context.Context, e *runEntry, cause enumspb.WorkflowTaskFailedCause, failure *failurepb.Failure) error {
	w.tracer.Span(ctx).AddEvent("workflow task failed", "run_id", e.runID, "cause", cause.String())
	calls := reconcile(e.task, &taskFailure{cause: cause, failure: failure})
	e.task = nil
	var err error
	e.unlocked(func() {
		_, err = w.send(ctx, calls)
	})
	w.metrics.IncCounter(telemetry.MetricTaskFailures, 1, "cause", cause.String())
	return err
}

// send issues calls. NotFound errors are reported through notFound and left
// out of err.
func (w *Worker) send(ctx context.Context, calls outboundCalls) (notFound bool, err error) {
	ctx, span := w.tracer.Start(ctx, "worker.respond_workflow_task")
	defer span.End()

	var errs []error
	record := func(op string, err error) {
		if err == nil {
			return
		}
		var nf *serviceerror.NotFound
		if errors.As(err, &nf) {
			notFound = true
			return
		}
		errs = append(errs, fmt.Errorf("%s: %w", op, err))
	}
	if req := calls.complete; req != nil {
		req.Namespace = w.opts.Namespace
		req.Identity = w.opts.Identity
		record("complete workflow task", w.client.CompleteWorkflowTask(ctx, req))
	}
	if req := calls.fail; req != nil {
		req.Namespace = w.opts.Namespace
		req.Identity = w.opts.Identity
		record("fail workflow task", w.client.FailWorkflowTask(ctx, req))
	}
	if req := calls.query; req != nil {
		req.Namespace = w.opts.Namespace
		record("respond query task", w.client.RespondQueryTask(ctx, req))
	}
	if err = errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "respond to workflow task failed")
	}
	return notFound, err
}

func failureFromError(err error) *failurepb.Failure {
	return failureFromMessage(err.Error())
}

func failureFromMessage(message string) *failurepb.Failure {
	return &failurepb.Failure{Message: message}
}
