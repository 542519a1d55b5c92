package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	commonpb "go.temporal.io/api/common/v1"
	enumspb "go.temporal.io/api/enums/v1"
	failurepb "go.temporal.io/api/failure/v1"
	querypb "go.temporal.io/api/query/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"

	"goa.design/wfcore/runtime/worker/api"
	"goa.design/wfcore/runtime/worker/history/historytest"
	"goa.design/wfcore/runtime/worker/telemetry"
)

const (
	wfID  = "fake_wf_id"
	runID = "fake_run_id"
)

// startCachedTimerRun drives a run through its first workflow task, which
// starts timer 1, leaving it cached at event 3.
func startCachedTimerRun(t *testing.T, w *Worker, c *fakeClient, b *historytest.Builder) {
	t.Helper()
	c.enqueue(b.PollResponse(wfID, runID, b.ToTask(1)))
	act := poll(t, w)
	require.Equal(t, []string{"start_workflow"}, jobNames(act))
	require.False(t, act.IsReplaying)
	complete(t, w, runID, &api.StartTimer{Seq: 1, StartToFire: time.Second})
	require.True(t, w.IsCached(runID))
	require.Len(t, c.completed, 1)
}

func TestLegacyQueryFetchesHistoryOnce(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient()
	c.setHistory(runID, "", b.Events(), nil)
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})

	startCachedTimerRun(t, w, c, b)

	c.enqueue(b.PollResponse(wfID, runID, b.Task(2)))
	act := poll(t, w)
	require.Equal(t, []api.Job{&api.FireTimer{Seq: 1}}, act.Jobs)
	complete(t, w, runID)

	c.enqueue(withLegacyQuery(b.PollResponse(wfID, runID, nil), historytest.Query("query-type", []byte("hi"), nil)))
	act = poll(t, w)
	require.Len(t, act.Jobs, 1)
	q, ok := act.Jobs[0].(*api.QueryWorkflow)
	require.True(t, ok)
	require.Equal(t, legacyQueryID, q.QueryID)
	require.Equal(t, "query-type", q.QueryType)
	require.Equal(t, []byte("hi"), q.Arguments.GetPayloads()[0].GetData())
	answerAll(t, w, act)

	require.Len(t, c.historyCalls, 1)
	require.Len(t, c.completed, 3)
	last := c.completed[2]
	require.Empty(t, last.GetCommands())
	require.Empty(t, last.GetQueryResults())
	require.Len(t, c.queries, 1)
	require.Equal(t, enumspb.QUERY_RESULT_TYPE_ANSWERED, c.queries[0].GetCompletedType())
	require.Equal(t, []byte(runID+"/8"), c.queries[0].GetTaskToken())
	require.Equal(t, "test-namespace", c.queries[0].GetNamespace())
	requireDrained(t, w)
}

func TestQueriesMapRidesWithCaughtUpTask(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient()
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})
	startCachedTimerRun(t, w, c, b)

	c.enqueue(withQueries(b.PollResponse(wfID, runID, b.Task(2)), map[string]*querypb.WorkflowQuery{
		"q3": historytest.Query("third", nil, nil),
		"q1": historytest.Query("first", nil, map[string][]byte{"hdr": []byte("v")}),
		"q2": historytest.Query("second", nil, nil),
	}))
	act := poll(t, w)
	require.Equal(t, []string{"fire_timer", "query_workflow", "query_workflow", "query_workflow"}, jobNames(act))
	qs := act.Queries()
	require.Equal(t, "q1", qs[0].QueryID)
	require.Equal(t, "q2", qs[1].QueryID)
	require.Equal(t, "q3", qs[2].QueryID)
	require.Equal(t, []byte("v"), qs[0].Headers["hdr"].GetData())
	answerAll(t, w, act, &api.StartTimer{Seq: 2, StartToFire: time.Second})

	require.Len(t, c.completed, 2)
	resp := c.completed[1]
	require.Len(t, resp.GetCommands(), 1)
	require.Equal(t, enumspb.COMMAND_TYPE_START_TIMER, resp.GetCommands()[0].GetCommandType())
	require.Len(t, resp.GetQueryResults(), 3)
	for _, res := range resp.GetQueryResults() {
		require.Equal(t, enumspb.QUERY_RESULT_TYPE_ANSWERED, res.GetResultType())
	}
	require.Empty(t, c.queries)
	require.Empty(t, c.historyCalls)
	requireDrained(t, w)
}

func TestLegacyQueryRidesWithQueriesMap(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient()
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})
	startCachedTimerRun(t, w, c, b)

	resp := withQueries(b.PollResponse(wfID, runID, b.Task(2)), map[string]*querypb.WorkflowQuery{
		"q1": historytest.Query("first", nil, nil),
	})
	c.enqueue(withLegacyQuery(resp, historytest.Query("legacy", nil, nil)))
	act := poll(t, w)
	require.Equal(t, []string{"fire_timer", "query_workflow", "query_workflow"}, jobNames(act))
	qs := act.Queries()
	require.Equal(t, legacyQueryID, qs[0].QueryID)
	require.Equal(t, "q1", qs[1].QueryID)
	answerAll(t, w, act)

	require.Len(t, c.completed, 2)
	require.Len(t, c.completed[1].GetQueryResults(), 1)
	require.Len(t, c.queries, 1)
	require.Equal(t, enumspb.QUERY_RESULT_TYPE_ANSWERED, c.queries[0].GetCompletedType())
	require.Empty(t, c.historyCalls)
	requireDrained(t, w)
}

func TestQueryOnlyCompletionStillResponds(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient()
	c.setHistory(runID, "", b.ToTask(1), nil)
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})
	startCachedTimerRun(t, w, c, b)

	c.enqueue(withQueries(b.PollResponse(wfID, runID, nil), map[string]*querypb.WorkflowQuery{
		"only": historytest.Query("state", nil, nil),
	}))
	act := poll(t, w)
	require.Equal(t, []string{"query_workflow"}, jobNames(act))
	answerAll(t, w, act)

	require.Len(t, c.completed, 2)
	require.Empty(t, c.completed[1].GetCommands())
	require.Len(t, c.completed[1].GetQueryResults(), 1)
	require.Empty(t, c.queries)
}

func TestLegacyQueryFailedWhenTaskFails(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient(withLegacyQuery(b.PollResponse(wfID, runID, b.ToTask(1)), historytest.Query("state", nil, nil)))
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})

	act := poll(t, w)
	require.Equal(t, []string{"start_workflow"}, jobNames(act), "legacy query waits for replay")
	err := w.CompleteActivation(context.Background(), api.FailedCompletion(runID, &failurepb.Failure{Message: "boom"}))
	require.NoError(t, err)

	require.Empty(t, c.completed)
	require.Len(t, c.failed, 1)
	require.Equal(t, enumspb.WORKFLOW_TASK_FAILED_CAUSE_WORKFLOW_WORKER_UNHANDLED_FAILURE, c.failed[0].GetCause())
	require.Equal(t, "boom", c.failed[0].GetFailure().GetMessage())
	require.Len(t, c.queries, 1)
	require.Equal(t, enumspb.QUERY_RESULT_TYPE_FAILED, c.queries[0].GetCompletedType())
	require.Equal(t, "boom", c.queries[0].GetErrorMessage())

	act = poll(t, w)
	require.True(t, act.IsEviction())
	require.Equal(t, api.EvictionReasonLangFail, act.Jobs[0].(*api.RemoveFromCache).Reason)
	complete(t, w, runID)
	require.False(t, w.IsCached(runID))
	requireDrained(t, w)
}

func TestLegacyQueryAfterWorkflowCompleted(t *testing.T) {
	b := historytest.SingleTimerCompletes("1")
	c := newFakeClient()
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})
	startCachedTimerRun(t, w, c, b)

	c.enqueue(b.PollResponse(wfID, runID, b.Task(2)))
	act := poll(t, w)
	require.Equal(t, []string{"fire_timer"}, jobNames(act))
	complete(t, w, runID, &api.CompleteWorkflowExecution{Result: payload(t, "done")})

	c.enqueue(withLegacyQuery(b.PollResponse(wfID, runID, b.Events()), historytest.Query("state", nil, nil)))
	act = poll(t, w)
	require.Equal(t, []string{"query_workflow"}, jobNames(act))
	answerAll(t, w, act)

	require.Empty(t, c.historyCalls)
	require.Len(t, c.queries, 1)
	require.Equal(t, enumspb.QUERY_RESULT_TYPE_ANSWERED, c.queries[0].GetCompletedType())
	requireDrained(t, w)
}

func TestQueryOnUncachedPartialHistoryReplaysFirst(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient()
	c.setHistory(runID, "", b.Events(), nil)
	c.enqueue(withQueries(b.PollResponse(wfID, runID, b.Task(2)), map[string]*querypb.WorkflowQuery{
		"q": historytest.Query("state", nil, nil),
	}))
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})

	act := poll(t, w)
	require.Equal(t, []string{"start_workflow"}, jobNames(act))
	require.True(t, act.IsReplaying)
	complete(t, w, runID, &api.StartTimer{Seq: 1, StartToFire: time.Second})

	act = poll(t, w)
	require.Equal(t, []string{"fire_timer"}, jobNames(act), "query is not delivered with replay")
	require.False(t, act.IsReplaying)
	complete(t, w, runID, &api.CompleteWorkflowExecution{})
	require.Empty(t, c.completed, "no response before the query is answered")

	act = poll(t, w)
	require.Equal(t, []string{"query_workflow"}, jobNames(act))
	answerAll(t, w, act)

	require.Equal(t, []string{""}, c.historyCalls)
	require.Len(t, c.completed, 1)
	resp := c.completed[0]
	require.Len(t, resp.GetCommands(), 1)
	require.Equal(t, enumspb.COMMAND_TYPE_COMPLETE_WORKFLOW_EXECUTION, resp.GetCommands()[0].GetCommandType())
	require.Len(t, resp.GetQueryResults(), 1)
	requireDrained(t, w)
}

func TestQueryOnUncachedFullHistoryDoesNotFetch(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient(withQueries(b.PollResponse(wfID, runID, b.Events()), map[string]*querypb.WorkflowQuery{
		"q": historytest.Query("state", nil, nil),
	}))
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})

	act := poll(t, w)
	require.True(t, act.IsReplaying)
	complete(t, w, runID)
	act = poll(t, w)
	require.Equal(t, []string{"fire_timer"}, jobNames(act))
	complete(t, w, runID)
	act = poll(t, w)
	require.Equal(t, []string{"query_workflow"}, jobNames(act))
	answerAll(t, w, act)

	require.Empty(t, c.historyCalls)
	require.Len(t, c.completed, 1)
}

func TestContinueAsNewWithQueryAndEviction(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient(withQueries(b.PollResponse(wfID, runID, b.ToTask(1)), map[string]*querypb.WorkflowQuery{
		"q": historytest.Query("state", nil, nil),
	}))
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})

	act := poll(t, w)
	require.Equal(t, []string{"start_workflow"}, jobNames(act))
	complete(t, w, runID, &api.ContinueAsNewWorkflowExecution{WorkflowType: "test-workflow"})

	act = poll(t, w)
	require.Equal(t, []string{"query_workflow"}, jobNames(act))
	w.RequestEviction(runID, "lang asked", api.EvictionReasonLangRequested)
	answerAll(t, w, act)

	require.Len(t, c.completed, 1)
	resp := c.completed[0]
	require.Len(t, resp.GetCommands(), 1)
	require.Equal(t, enumspb.COMMAND_TYPE_CONTINUE_AS_NEW_WORKFLOW_EXECUTION, resp.GetCommands()[0].GetCommandType())
	require.Equal(t, "test-queue", resp.GetCommands()[0].GetContinueAsNewWorkflowExecutionCommandAttributes().GetTaskQueue().GetName())
	require.Len(t, resp.GetQueryResults(), 1)

	act = poll(t, w)
	require.True(t, act.IsEviction())
	require.Equal(t, api.EvictionReasonLangRequested, act.Jobs[0].(*api.RemoveFromCache).Reason)
	complete(t, w, runID)
	requireDrained(t, w)
}

func TestEvictionDeferredUntilQueryAnswered(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient()
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})
	startCachedTimerRun(t, w, c, b)

	c.enqueue(withQueries(b.PollResponse(wfID, runID, b.Task(2)), map[string]*querypb.WorkflowQuery{
		"q": historytest.Query("state", nil, nil),
	}))
	act := poll(t, w)
	require.Len(t, act.Queries(), 1)

	w.RequestEviction(runID, "first", api.EvictionReasonLangRequested)
	w.RequestEviction(runID, "second", api.EvictionReasonServerRequested)

	e, ok := w.cache.lookup(runID)
	require.True(t, ok)
	e.mu.Lock()
	require.Equal(t, stateQueryPending, e.state())
	e.mu.Unlock()

	// Nothing is ready while the query is unanswered.
	requireDrained(t, w)

	answerAll(t, w, act)
	act = poll(t, w)
	require.True(t, act.IsEviction())
	require.Len(t, act.Jobs, 1)
	rm := act.Jobs[0].(*api.RemoveFromCache)
	require.Equal(t, api.EvictionReasonLangRequested, rm.Reason)
	require.Equal(t, "first", rm.Message)

	e.mu.Lock()
	require.Equal(t, stateEvicting, e.state())
	e.mu.Unlock()

	complete(t, w, runID)
	require.False(t, w.IsCached(runID))
}

func TestProtocolMismatchKeepsActivationOutstanding(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient()
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})
	startCachedTimerRun(t, w, c, b)

	c.enqueue(withQueries(b.PollResponse(wfID, runID, b.Task(2)), map[string]*querypb.WorkflowQuery{
		"q": historytest.Query("state", nil, nil),
	}))
	act := poll(t, w)

	err := w.CompleteActivation(context.Background(), &api.Completion{
		RunID:        runID,
		QueryResults: map[string]api.QueryResult{"unknown": api.QuerySuccess(nil)},
	})
	require.ErrorIs(t, err, ErrProtocolMismatch)
	require.Len(t, c.completed, 1)

	answerAll(t, w, act)
	require.Len(t, c.completed, 2)
}

func TestEvictionCompletionMustBeEmpty(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient()
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})
	startCachedTimerRun(t, w, c, b)

	w.RequestEviction(runID, "done", api.EvictionReasonLangRequested)
	act := poll(t, w)
	require.True(t, act.IsEviction())

	err := w.CompleteActivation(context.Background(), &api.Completion{
		RunID:    runID,
		Commands: []api.Command{&api.StartTimer{Seq: 2, StartToFire: time.Second}},
	})
	require.ErrorIs(t, err, ErrProtocolMismatch)
	err = w.CompleteActivation(context.Background(), &api.Completion{
		RunID:        runID,
		QueryResults: map[string]api.QueryResult{"q": api.QuerySuccess(nil)},
	})
	require.ErrorIs(t, err, ErrProtocolMismatch)
	require.True(t, w.IsCached(runID))

	complete(t, w, runID)
	require.False(t, w.IsCached(runID))
	require.Len(t, c.completed, 1)
	requireDrained(t, w)
}

func TestTaskFailureAnnotatesCallerSpan(t *testing.T) {
	tracer := telemetry.NewTraceRecorder()
	b := historytest.SingleTimer("1")
	c := newFakeClient(b.PollResponse(wfID, runID, b.ToTask(1)))
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10, Tracer: tracer})

	poll(t, w)
	ctx, span := tracer.Start(context.Background(), "workflow logic")
	defer span.End()
	require.NoError(t, w.CompleteActivation(ctx, api.FailedCompletion(runID, &failurepb.Failure{Message: "boom"})))
	require.Equal(t, []string{"workflow task failed"}, tracer.Events("workflow logic"))
	require.Len(t, c.failed, 1)
}

func TestUnansweredQueryIsFailed(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient()
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})
	startCachedTimerRun(t, w, c, b)

	c.enqueue(withQueries(b.PollResponse(wfID, runID, b.Task(2)), map[string]*querypb.WorkflowQuery{
		"q": historytest.Query("state", nil, nil),
	}))
	poll(t, w)
	complete(t, w, runID)

	res := c.completed[1].GetQueryResults()["q"]
	require.Equal(t, enumspb.QUERY_RESULT_TYPE_FAILED, res.GetResultType())
	require.Equal(t, unansweredQueryMessage, res.GetErrorMessage())
}

func TestQueryFailureIsReported(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient()
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})
	startCachedTimerRun(t, w, c, b)

	c.enqueue(withQueries(b.PollResponse(wfID, runID, b.Task(2)), map[string]*querypb.WorkflowQuery{
		"q": historytest.Query("state", nil, nil),
	}))
	poll(t, w)
	err := w.CompleteActivation(context.Background(), &api.Completion{
		RunID:        runID,
		QueryResults: map[string]api.QueryResult{"q": api.QueryFailure("no such state")},
	})
	require.NoError(t, err)
	res := c.completed[1].GetQueryResults()["q"]
	require.Equal(t, enumspb.QUERY_RESULT_TYPE_FAILED, res.GetResultType())
	require.Equal(t, "no such state", res.GetErrorMessage())
}

func TestHistoryFetchErrorOnUncachedRun(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient(withLegacyQuery(b.PollResponse(wfID, runID, nil), historytest.Query("state", nil, nil)))
	c.historyErr = serviceerror.NewPermissionDenied("access revoked", "")
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})

	_, err := w.PollActivation(context.Background())
	require.ErrorIs(t, err, ErrHistoryFetch)
	var denied *serviceerror.PermissionDenied
	require.ErrorAs(t, err, &denied)

	require.Len(t, c.failed, 1)
	require.Len(t, c.queries, 1)
	require.Equal(t, enumspb.QUERY_RESULT_TYPE_FAILED, c.queries[0].GetCompletedType())
	require.False(t, w.IsCached(runID))
	requireDrained(t, w)
}

// cancellingClient cancels the caller's context from inside the history
// fetch.
type cancellingClient struct {
	*fakeClient
	cancel context.CancelFunc
}

func (c *cancellingClient) GetWorkflowExecutionHistory(ctx context.Context, _ *commonpb.WorkflowExecution, _ []byte) (*workflowservice.GetWorkflowExecutionHistoryResponse, error) {
	c.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCancelledPollDuringQueryFetchFailsTask(t *testing.T) {
	b := historytest.SingleTimer("1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &cancellingClient{
		fakeClient: newFakeClient(withLegacyQuery(b.PollResponse(wfID, runID, nil), historytest.Query("state", nil, nil))),
		cancel:     cancel,
	}
	w, err := New(c, Options{MaxCachedWorkflows: 10, TaskQueue: "test-queue"})
	require.NoError(t, err)

	_, err = w.PollActivation(ctx)
	require.ErrorIs(t, err, ErrHistoryFetch)
	require.ErrorIs(t, err, context.Canceled)

	require.Len(t, c.failed, 1)
	require.Equal(t, causeResetSticky, c.failed[0].GetCause())
	require.Len(t, c.queries, 1)
	require.Equal(t, enumspb.QUERY_RESULT_TYPE_FAILED, c.queries[0].GetCompletedType())
	require.False(t, w.IsCached(runID))
	requireDrained(t, w)
}

func TestHistoryFetchErrorOnCachedRunEvicts(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient()
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})
	startCachedTimerRun(t, w, c, b)

	c.historyErr = serviceerror.NewNotFound("run is gone")
	c.enqueue(withQueries(b.PollResponse(wfID, runID, nil), map[string]*querypb.WorkflowQuery{
		"q": historytest.Query("state", nil, nil),
	}))
	_, err := w.PollActivation(context.Background())
	require.ErrorIs(t, err, ErrHistoryFetch)
	require.Len(t, c.failed, 1)
	require.Empty(t, c.queries)

	act := poll(t, w)
	require.True(t, act.IsEviction())
	require.Equal(t, api.EvictionReasonPaginationOrHistoryFetch, act.Jobs[0].(*api.RemoveFromCache).Reason)
	complete(t, w, runID)
	requireDrained(t, w)
}

func TestNotFoundOnCompletionEvicts(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient(b.PollResponse(wfID, runID, b.ToTask(1)))
	c.completeErr = serviceerror.NewNotFound("task expired")
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})

	poll(t, w)
	complete(t, w, runID)

	act := poll(t, w)
	require.True(t, act.IsEviction())
	require.Equal(t, api.EvictionReasonServerRequested, act.Jobs[0].(*api.RemoveFromCache).Reason)
}

func TestTransportErrorOnCompletionIsReturned(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient(withLegacyQuery(b.PollResponse(wfID, runID, b.ToTask(1)), historytest.Query("state", nil, nil)))
	c.queryErr = serviceerror.NewUnavailable("frontend down")
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})

	poll(t, w)
	complete(t, w, runID)
	act := poll(t, w)
	require.Equal(t, []string{"query_workflow"}, jobNames(act))
	err := w.CompleteActivation(context.Background(), &api.Completion{RunID: runID})
	var unavailable *serviceerror.Unavailable
	require.ErrorAs(t, err, &unavailable)
	require.Len(t, c.completed, 1)

	act = poll(t, w)
	require.True(t, act.IsEviction())
	require.Equal(t, api.EvictionReasonFatal, act.Jobs[0].(*api.RemoveFromCache).Reason)
}

func TestCacheMissWithoutQueryFailsTask(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient(b.PollResponse(wfID, runID, b.Task(2)))
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})

	requireDrained(t, w)
	require.Len(t, c.failed, 1)
	require.Equal(t, enumspb.WORKFLOW_TASK_FAILED_CAUSE_RESET_STICKY_TASK_QUEUE, c.failed[0].GetCause())
	require.Empty(t, c.completed)
	require.False(t, w.IsCached(runID))
}

func TestCachedRunWithHistoryGapIsEvicted(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient()
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})
	startCachedTimerRun(t, w, c, b)

	c.enqueue(b.PollResponse(wfID, runID, b.Events()[5:]))
	act := poll(t, w)
	require.True(t, act.IsEviction())
	require.Equal(t, api.EvictionReasonCacheMiss, act.Jobs[0].(*api.RemoveFromCache).Reason)
	require.Len(t, c.failed, 1)
	require.Equal(t, enumspb.WORKFLOW_TASK_FAILED_CAUSE_RESET_STICKY_TASK_QUEUE, c.failed[0].GetCause())
}

func TestPaginatedHistoryWithoutQuery(t *testing.T) {
	b := historytest.SingleTimer("1")
	resp := b.PollResponse(wfID, runID, b.ToTask(1))
	resp.StartedEventId = 8
	resp.NextPageToken = []byte("p2")
	c := newFakeClient(resp)
	c.setHistory(runID, "p2", b.Events()[3:], nil)
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})

	act := poll(t, w)
	require.Equal(t, []string{"start_workflow"}, jobNames(act))
	require.True(t, act.IsReplaying)
	complete(t, w, runID, &api.StartTimer{Seq: 1, StartToFire: time.Second})

	act = poll(t, w)
	require.Equal(t, []string{"fire_timer"}, jobNames(act))
	require.False(t, act.IsReplaying)
	complete(t, w, runID, &api.CompleteWorkflowExecution{})

	require.Equal(t, []string{"p2"}, c.historyCalls)
	require.Len(t, c.completed, 1)
	require.Len(t, c.completed[0].GetCommands(), 1, "replayed commands are not sent")
	require.Equal(t, enumspb.COMMAND_TYPE_COMPLETE_WORKFLOW_EXECUTION, c.completed[0].GetCommands()[0].GetCommandType())
}

func TestCancelUnsentActivityResolvesLocally(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient(b.PollResponse(wfID, runID, b.ToTask(1)))
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})

	poll(t, w)
	complete(t, w, runID,
		&api.ScheduleActivity{Seq: 1, ActivityType: "charge"},
		&api.RequestCancelActivity{Seq: 1})
	require.Empty(t, c.completed)

	act := poll(t, w)
	require.False(t, act.IsReplaying)
	require.Equal(t, []api.Job{&api.ResolveActivity{Seq: 1, Result: api.ActivityResolution{Cancelled: true}}}, act.Jobs)
	complete(t, w, runID, &api.StartTimer{Seq: 2, StartToFire: time.Second})

	require.Len(t, c.completed, 1)
	cmds := c.completed[0].GetCommands()
	require.Len(t, cmds, 1)
	require.Equal(t, enumspb.COMMAND_TYPE_START_TIMER, cmds[0].GetCommandType())
}

func TestInvalidCommandFailsTask(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient(b.PollResponse(wfID, runID, b.ToTask(1)))
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})

	poll(t, w)
	err := w.CompleteActivation(context.Background(), &api.Completion{
		RunID:    runID,
		Commands: []api.Command{&api.RequestCancelActivity{Seq: 42}},
	})
	require.ErrorIs(t, err, ErrWorkflowTaskFailure)
	require.Len(t, c.failed, 1)

	act := poll(t, w)
	require.Equal(t, api.EvictionReasonFatal, act.Jobs[0].(*api.RemoveFromCache).Reason)
}

func TestCacheFullEvictsLeastRecentlyUsedIdleRun(t *testing.T) {
	a := historytest.SingleTimer("1")
	c := newFakeClient(a.PollResponse(wfID, "run-a", a.ToTask(1)))
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 1})

	act := poll(t, w)
	require.Equal(t, "run-a", act.RunID)
	complete(t, w, "run-a")

	c.enqueue(a.PollResponse("other", "run-b", a.ToTask(1)))
	act = poll(t, w)
	require.Equal(t, "run-a", act.RunID)
	require.True(t, act.IsEviction())
	require.Equal(t, api.EvictionReasonCacheFull, act.Jobs[0].(*api.RemoveFromCache).Reason)
	require.False(t, w.IsCached("run-b"))
	complete(t, w, "run-a")

	act = poll(t, w)
	require.Equal(t, "run-b", act.RunID)
	require.Equal(t, []string{"start_workflow"}, jobNames(act))
	require.False(t, w.IsCached("run-a"))
	require.True(t, w.IsCached("run-b"))
}

func TestCacheFullNeverEvictsBusyRun(t *testing.T) {
	a := historytest.SingleTimer("1")
	c := newFakeClient(
		a.PollResponse(wfID, "run-a", a.ToTask(1)),
		a.PollResponse("other", "run-b", a.ToTask(1)),
	)
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 1})

	act := poll(t, w)
	require.Equal(t, "run-a", act.RunID)

	// run-b waits for a slot while run-a has an outstanding activation.
	requireDrained(t, w)
	require.False(t, w.IsCached("run-b"))

	complete(t, w, "run-a")
	act = poll(t, w)
	require.True(t, act.IsEviction())
	require.Equal(t, "run-a", act.RunID)
	complete(t, w, "run-a")

	act = poll(t, w)
	require.Equal(t, "run-b", act.RunID)
}

func TestDisabledCacheEvictsAfterEachTask(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient(b.PollResponse(wfID, runID, b.ToTask(1)))
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 0})

	poll(t, w)
	complete(t, w, runID)
	require.Len(t, c.completed, 1)

	act := poll(t, w)
	require.True(t, act.IsEviction())
	require.Equal(t, api.EvictionReasonCacheFull, act.Jobs[0].(*api.RemoveFromCache).Reason)
	complete(t, w, runID)
	require.False(t, w.IsCached(runID))
}

func TestBufferedTaskWaitsForOutstandingActivation(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient(b.PollResponse(wfID, runID, b.ToTask(1)))
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})

	act := poll(t, w)
	require.Equal(t, []string{"start_workflow"}, jobNames(act))

	// The next task of the run arrives before the first is completed.
	c.enqueue(b.PollResponse(wfID, runID, b.Task(2)))
	_, err := w.PollActivation(context.Background())
	require.ErrorIs(t, err, errPollsExhausted)

	complete(t, w, runID, &api.StartTimer{Seq: 1, StartToFire: time.Second})
	act = poll(t, w)
	require.Equal(t, []string{"fire_timer"}, jobNames(act))
	complete(t, w, runID)
	require.Len(t, c.completed, 2)
}

func TestEvictionRequeuesBufferedTasks(t *testing.T) {
	b := historytest.SingleTimer("1")
	c := newFakeClient(b.PollResponse(wfID, runID, b.ToTask(1)))
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10})

	poll(t, w)
	complete(t, w, runID, &api.StartTimer{Seq: 1, StartToFire: time.Second})
	w.RequestEviction(runID, "drop", api.EvictionReasonLangRequested)

	act := poll(t, w)
	require.True(t, act.IsEviction())

	// Full history arrives while the eviction is outstanding.
	c.enqueue(b.PollResponse(wfID, runID, b.Events()))
	_, err := w.PollActivation(context.Background())
	require.ErrorIs(t, err, errPollsExhausted)
	complete(t, w, runID)

	act = poll(t, w)
	require.Equal(t, []string{"start_workflow"}, jobNames(act))
	require.True(t, act.IsReplaying)
}

func TestMetricsRecorded(t *testing.T) {
	rec := telemetry.NewRecorder()
	b := historytest.SingleTimer("1")
	c := newFakeClient()
	c.setHistory(runID, "", b.Events(), nil)
	w := newTestWorker(t, c, Options{MaxCachedWorkflows: 10, Metrics: rec})
	startCachedTimerRun(t, w, c, b)
	require.Equal(t, float64(1), rec.Gauge(telemetry.MetricCacheSize))

	c.enqueue(withLegacyQuery(b.PollResponse(wfID, runID, nil), historytest.Query("state", nil, nil)))
	answerAll(t, w, poll(t, w))
	require.Equal(t, float64(2), rec.Counter(telemetry.MetricActivations))
	require.Equal(t, float64(1), rec.Counter(telemetry.MetricQueriesDelivered))
	require.Equal(t, float64(2), rec.Counter(telemetry.MetricTaskCompletions))
	require.Equal(t, float64(1), rec.Counter(telemetry.MetricHistoryFetch))
	require.Equal(t, 1, rec.Timings(telemetry.MetricHistoryFetchLatency))

	w.RequestEviction(runID, "done", api.EvictionReasonLangRequested)
	complete(t, w, poll(t, w).RunID)
	require.Equal(t, float64(1), rec.Counter(telemetry.MetricEvictions))

	c.enqueue(b.PollResponse(wfID, runID, b.Task(2)))
	requireDrained(t, w)
	require.Equal(t, float64(1), rec.Counter(telemetry.MetricCacheMiss))
	require.Equal(t, float64(1), rec.Counter(telemetry.MetricTaskFailures))
	require.Zero(t, rec.Gauge(telemetry.MetricCacheSize))
}
