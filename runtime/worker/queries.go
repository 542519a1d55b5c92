package worker

import (
	"fmt"
	"maps"
	"slices"

	commonpb "go.temporal.io/api/common/v1"
	enumspb "go.temporal.io/api/enums/v1"
	querypb "go.temporal.io/api/query/v1"
	"go.temporal.io/api/workflowservice/v1"

	"goa.design/wfcore/runtime/worker/api"
)

const (
	// legacyQueryID is the query id given to the legacy single query field.
	legacyQueryID = "legacy_query"

	unansweredQueryMessage = "workflow completion did not include an answer for query"
)

type (
	// queryDescriptor is one query awaiting an answer.
	queryDescriptor struct {
		id        string
		queryType string
		args      *commonpb.Payloads
		headers   map[string]*commonpb.Payload
		legacy    bool
	}

	// queryRegistry tracks the queries of one workflow task from receipt to
	// answer. The legacy query is held like any other and is told apart only
	// when responding to the server.
	queryRegistry struct {
		// held queries are not delivered yet, in receipt order.
		held []*queryDescriptor
		// delivered queries are waiting for an answer.
		delivered map[string]*queryDescriptor
		// answers holds answers for queries of the queries map.
		answers map[string]*querypb.WorkflowQueryResult
		// legacy is the legacy query of the task, if any.
		legacy       *queryDescriptor
		legacyAnswer *api.QueryResult
	}
)

// newQueryRegistry collects the queries of a poll response. The legacy query
// comes first, followed by the queries map in ascending id order.
func newQueryRegistry(resp *workflowservice.PollWorkflowTaskQueueResponse) *queryRegistry {
	r := &queryRegistry{
		delivered: make(map[string]*queryDescriptor),
		answers:   make(map[string]*querypb.WorkflowQueryResult),
	}
	if q := resp.GetQuery(); q != nil {
		r.legacy = newQueryDescriptor(legacyQueryID, q, true)
		r.held = append(r.held, r.legacy)
	}
	queries := resp.GetQueries()
	for _, id := range slices.Sorted(maps.Keys(queries)) {
		r.held = append(r.held, newQueryDescriptor(id, queries[id], false))
	}
	return r
}

func newQueryDescriptor(id string, q *querypb.WorkflowQuery, legacy bool) *queryDescriptor {
	return &queryDescriptor{
		id:        id,
		queryType: q.GetQueryType(),
		args:      q.GetQueryArgs(),
		headers:   q.GetHeader().GetFields(),
		legacy:    legacy,
	}
}

// empty reports whether the task carries no query at all.
func (r *queryRegistry) empty() bool {
	return r.legacy == nil && len(r.held) == 0 && len(r.delivered) == 0 && len(r.answers) == 0
}

// unanswered returns the number of held and delivered queries.
func (r *queryRegistry) unanswered() int {
	return len(r.held) + len(r.delivered)
}

// takeAll delivers every held query.
func (r *queryRegistry) takeAll() []api.Job {
	jobs := make([]api.Job, 0, len(r.held))
	for _, q := range r.held {
		r.delivered[q.id] = q
		jobs = append(jobs, &api.QueryWorkflow{
			QueryID:   q.id,
			QueryType: q.queryType,
			Arguments: q.args,
			Headers:   q.headers,
		})
	}
	r.held = nil
	return jobs
}

// answer records the answer of a delivered query.
func (r *queryRegistry) answer(id string, res api.QueryResult) error {
	q, ok := r.delivered[id]
	if !ok {
		return fmt.Errorf("%w: query %q is not pending", ErrProtocolMismatch, id)
	}
	delete(r.delivered, id)
	if q.legacy {
		r.legacyAnswer = &res
		return nil
	}
	r.answers[id] = wireQueryResult(res)
	return nil
}

// results returns the answers bundled in the workflow task completion.
func (r *queryRegistry) results() map[string]*querypb.WorkflowQueryResult {
	if len(r.answers) == 0 {
		return nil
	}
	return r.answers
}

// legacyResponse returns the answer to the legacy query as a query task
// response. It returns nil when the task has no legacy query.
func (r *queryRegistry) legacyResponse(token []byte) *workflowservice.RespondQueryTaskCompletedRequest {
	if r.legacy == nil {
		return nil
	}
	res := api.QueryFailure(unansweredQueryMessage)
	if r.legacyAnswer != nil {
		res = *r.legacyAnswer
	}
	if res.Failure != nil {
		return failedQueryResponse(token, res.Failure.GetMessage())
	}
	return &workflowservice.RespondQueryTaskCompletedRequest{
		TaskToken:     token,
		CompletedType: enumspb.QUERY_RESULT_TYPE_ANSWERED,
		QueryResult:   res.Answer,
	}
}

func failedQueryResponse(token []byte, message string) *workflowservice.RespondQueryTaskCompletedRequest {
	return &workflowservice.RespondQueryTaskCompletedRequest{
		TaskToken:     token,
		CompletedType: enumspb.QUERY_RESULT_TYPE_FAILED,
		ErrorMessage:  message,
	}
}

func wireQueryResult(res api.QueryResult) *querypb.WorkflowQueryResult {
	if res.Failure != nil {
		return &querypb.WorkflowQueryResult{
			ResultType:   enumspb.QUERY_RESULT_TYPE_FAILED,
			ErrorMessage: res.Failure.GetMessage(),
		}
	}
	return &querypb.WorkflowQueryResult{
		ResultType: enumspb.QUERY_RESULT_TYPE_ANSWERED,
		Answer:     res.Answer,
	}
}

// checkQueryResults rejects answers to queries that act did not deliver.
func checkQueryResults(act *api.Activation, results map[string]api.QueryResult) error {
	if len(results) == 0 {
		return nil
	}
	delivered := make(map[string]struct{})
	for _, q := range act.Queries() {
		delivered[q.QueryID] = struct{}{}
	}
	for id := range results {
		if _, ok := delivered[id]; !ok {
			return fmt.Errorf("%w: run %s has no pending query %q", ErrProtocolMismatch, act.RunID, id)
		}
	}
	return nil
}
