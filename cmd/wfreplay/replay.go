package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	commonpb "go.temporal.io/api/common/v1"
	enumspb "go.temporal.io/api/enums/v1"
	historypb "go.temporal.io/api/history/v1"
	querypb "go.temporal.io/api/query/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/converter"
	"google.golang.org/protobuf/encoding/protojson"

	"goa.design/wfcore/runtime/worker"
	"goa.design/wfcore/runtime/worker/api"
	"goa.design/wfcore/runtime/worker/telemetry"
)

// errReplayDone is returned by the replay client once its single workflow
// task was handed out.
var errReplayDone = errors.New("replay finished")

type (
	// replayClient serves a recorded history as a single workflow task and
	// records the responses of the worker.
	replayClient struct {
		mu        sync.Mutex
		events    []*historypb.HistoryEvent
		pageSize  int
		pending   *workflowservice.PollWorkflowTaskQueueResponse
		completed []*workflowservice.RespondWorkflowTaskCompletedRequest
		failed    []*workflowservice.RespondWorkflowTaskFailedRequest
		answered  []*workflowservice.RespondQueryTaskCompletedRequest
	}

	// replayRequest describes the task served by a replay client.
	replayRequest struct {
		execution   *commonpb.WorkflowExecution
		events      []*historypb.HistoryEvent
		pageSize    int
		queries     []string
		legacyQuery string
	}

	// report summarizes a replay.
	report struct {
		Activations int
		Replaying   int
		Jobs        []string
		Commands    int
		Failed      bool
		// Answers maps query ids to the decoded answers.
		Answers map[string]string
	}
)

// loadHistory decodes a JSON encoded history file.
func loadHistory(path string) ([]*historypb.HistoryEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read history %s: %w", path, err)
	}
	var h historypb.History
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode history %s: %w", path, err)
	}
	if len(h.GetEvents()) == 0 {
		return nil, fmt.Errorf("history %s has no events", path)
	}
	return h.GetEvents(), nil
}

func newReplayClient(req replayRequest) *replayClient {
	c := &replayClient{events: req.events, pageSize: max(req.pageSize, 1)}
	first, next := c.page(0)
	started, previous := lastWorkflowTasks(req.events)
	resp := &workflowservice.PollWorkflowTaskQueueResponse{
		TaskToken:              []byte(fmt.Sprintf("%s/%d", req.execution.GetRunId(), started)),
		WorkflowExecution:      req.execution,
		WorkflowType:           workflowType(req.events),
		PreviousStartedEventId: previous,
		StartedEventId:         started,
		Attempt:                1,
		History:                &historypb.History{Events: first},
		NextPageToken:          next,
	}
	if req.legacyQuery != "" {
		resp.Query = &querypb.WorkflowQuery{QueryType: req.legacyQuery}
	}
	if len(req.queries) > 0 {
		resp.Queries = make(map[string]*querypb.WorkflowQuery, len(req.queries))
		for i, qt := range req.queries {
			resp.Queries[fmt.Sprintf("q%d", i+1)] = &querypb.WorkflowQuery{QueryType: qt}
		}
	}
	c.pending = resp
	return c
}

func (c *replayClient) PollWorkflowTask(context.Context) (*workflowservice.PollWorkflowTaskQueueResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return nil, errReplayDone
	}
	resp := c.pending
	c.pending = nil
	return resp, nil
}

func (c *replayClient) GetWorkflowExecutionHistory(_ context.Context, _ *commonpb.WorkflowExecution, token []byte) (*workflowservice.GetWorkflowExecutionHistoryResponse, error) {
	offset := 0
	if len(token) > 0 {
		n, err := strconv.Atoi(string(token))
		if err != nil || n < 0 || n > len(c.events) {
			return nil, fmt.Errorf("invalid page token %q", token)
		}
		offset = n
	}
	events, next := c.page(offset)
	return &workflowservice.GetWorkflowExecutionHistoryResponse{
		History:       &historypb.History{Events: events},
		NextPageToken: next,
	}, nil
}

func (c *replayClient) CompleteWorkflowTask(_ context.Context, req *workflowservice.RespondWorkflowTaskCompletedRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = append(c.completed, req)
	return nil
}

func (c *replayClient) FailWorkflowTask(_ context.Context, req *workflowservice.RespondWorkflowTaskFailedRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, req)
	return nil
}

func (c *replayClient) RespondQueryTask(_ context.Context, req *workflowservice.RespondQueryTaskCompletedRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answered = append(c.answered, req)
	return nil
}

// page returns the events starting at offset and the token of the next page.
func (c *replayClient) page(offset int) ([]*historypb.HistoryEvent, []byte) {
	end := min(offset+c.pageSize, len(c.events))
	if end == len(c.events) {
		return c.events[offset:end], nil
	}
	return c.events[offset:end], []byte(strconv.Itoa(end))
}

// replay drives w until the replay client runs out of tasks. Workflow logic
// is simulated: activations produce no commands and every query is answered
// with the names of the jobs delivered so far.
func replay(ctx context.Context, w *worker.Worker, c *replayClient, logger telemetry.Logger) (*report, error) {
	dc := converter.GetDefaultDataConverter()
	rep := &report{}
	for {
		act, err := w.PollActivation(ctx)
		if errors.Is(err, errReplayDone) {
			break
		}
		if err != nil {
			return nil, err
		}
		rep.Activations++
		if act.IsReplaying {
			rep.Replaying++
		}
		if act.IsEviction() {
			if err := w.CompleteActivation(ctx, api.EmptyCompletion(act.RunID)); err != nil {
				return nil, err
			}
			continue
		}
		results := make(map[string]api.QueryResult)
		for _, j := range act.Jobs {
			q, ok := j.(*api.QueryWorkflow)
			if !ok {
				rep.Jobs = append(rep.Jobs, api.JobName(j))
				continue
			}
			answer, err := dc.ToPayloads(strings.Join(rep.Jobs, ","))
			if err != nil {
				results[q.QueryID] = api.QueryFailure(err.Error())
				continue
			}
			results[q.QueryID] = api.QuerySuccess(answer)
		}
		logger.Debug(ctx, "activation replayed", "run_id", act.RunID, "replaying", act.IsReplaying, "jobs", len(act.Jobs))
		if err := w.CompleteActivation(ctx, &api.Completion{RunID: act.RunID, QueryResults: results}); err != nil {
			return nil, err
		}
	}
	return rep, collect(rep, c, dc)
}

// collect adds the responses recorded by c to rep.
func collect(rep *report, c *replayClient, dc converter.DataConverter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rep.Answers = make(map[string]string)
	rep.Failed = len(c.failed) > 0
	for _, req := range c.completed {
		rep.Commands += len(req.GetCommands())
		for id, res := range req.GetQueryResults() {
			answer, err := decodeAnswer(dc, res.GetResultType(), res.GetAnswer(), res.GetErrorMessage())
			if err != nil {
				return err
			}
			rep.Answers[id] = answer
		}
	}
	for _, req := range c.answered {
		answer, err := decodeAnswer(dc, req.GetCompletedType(), req.GetQueryResult(), req.GetErrorMessage())
		if err != nil {
			return err
		}
		rep.Answers["legacy"] = answer
	}
	return nil
}

func decodeAnswer(dc converter.DataConverter, kind enumspb.QueryResultType, payloads *commonpb.Payloads, message string) (string, error) {
	if kind != enumspb.QUERY_RESULT_TYPE_ANSWERED {
		return "error: " + message, nil
	}
	var s string
	if err := dc.FromPayloads(payloads, &s); err != nil {
		return "", fmt.Errorf("decode query answer: %w", err)
	}
	return s, nil
}

// lastWorkflowTasks returns the ids of the last and previous workflow task
// started events.
func lastWorkflowTasks(events []*historypb.HistoryEvent) (started, previous int64) {
	for _, ev := range events {
		if ev.GetEventType() == enumspb.EVENT_TYPE_WORKFLOW_TASK_STARTED {
			previous, started = started, ev.GetEventId()
		}
	}
	return started, previous
}

func workflowType(events []*historypb.HistoryEvent) *commonpb.WorkflowType {
	for _, ev := range events {
		if attrs := ev.GetWorkflowExecutionStartedEventAttributes(); attrs != nil {
			return attrs.GetWorkflowType()
		}
	}
	return nil
}
