// Package api defines the types exchanged between the workflow worker and the
// workflow logic runtime: activations and their jobs flow out, completions and
// their commands flow back in.
package api

import (
	"time"

	commonpb "go.temporal.io/api/common/v1"
	failurepb "go.temporal.io/api/failure/v1"
)

type (
	// Activation is an ordered batch of jobs for exactly one run. At most one
	// activation per run is outstanding at any time.
	Activation struct {
		// RunID identifies the workflow run the jobs apply to.
		RunID string
		// WorkflowID is the business identifier of the run's workflow.
		WorkflowID string
		// IsReplaying is true when the jobs were derived from history that the
		// server already holds commands for. Commands returned for a replaying
		// activation are not sent to the server.
		IsReplaying bool
		// Jobs lists the work to perform, in history order. Query jobs follow
		// history-derived jobs. A RemoveFromCache job is always alone.
		Jobs []Job
	}

	// Job is one instruction delivered to workflow logic. It is one of
	// *StartWorkflow, *FireTimer, *ResolveActivity, *SignalWorkflow,
	// *QueryWorkflow or *RemoveFromCache.
	Job interface {
		isJob()
	}

	// StartWorkflow begins executing the workflow function.
	StartWorkflow struct {
		WorkflowType string
		WorkflowID   string
		Arguments    *commonpb.Payloads
		Headers      map[string]*commonpb.Payload
		Attempt      int32
	}

	// FireTimer resolves the timer started with the given sequence number.
	FireTimer struct {
		Seq uint32
	}

	// ResolveActivity resolves the activity scheduled with the given sequence
	// number.
	ResolveActivity struct {
		Seq    uint32
		Result ActivityResolution
	}

	// ActivityResolution is the outcome of an activity. Exactly one of the
	// fields is set.
	ActivityResolution struct {
		Completed *commonpb.Payloads
		Failed    *failurepb.Failure
		Cancelled bool
	}

	// SignalWorkflow delivers an external signal.
	SignalWorkflow struct {
		SignalName string
		Input      *commonpb.Payloads
		Identity   string
		Headers    map[string]*commonpb.Payload
	}

	// QueryWorkflow asks workflow logic to answer a query. The answer must be
	// returned in Completion.QueryResults under QueryID.
	QueryWorkflow struct {
		QueryID   string
		QueryType string
		Arguments *commonpb.Payloads
		Headers   map[string]*commonpb.Payload
	}

	// RemoveFromCache tells workflow logic to discard any local state for the
	// run. The completion for it must be empty.
	RemoveFromCache struct {
		Reason  EvictionReason
		Message string
	}

	// Completion is workflow logic's answer to an activation.
	Completion struct {
		// RunID identifies the run whose outstanding activation is completed.
		RunID string
		// Commands are the workflow commands produced by the activation.
		Commands []Command
		// QueryResults maps query ids delivered in the activation to answers.
		QueryResults map[string]QueryResult
		// Failure, when set, reports that the activation failed. Commands are
		// ignored and the workflow task is failed.
		Failure *failurepb.Failure
	}

	// QueryResult is the answer to one query. Failure set means the query
	// failed; otherwise Answer holds the result payloads.
	QueryResult struct {
		Answer  *commonpb.Payloads
		Failure *failurepb.Failure
	}

	// Command is a workflow command. It is one of *StartTimer, *CancelTimer,
	// *ScheduleActivity, *RequestCancelActivity, *CompleteWorkflowExecution,
	// *FailWorkflowExecution or *ContinueAsNewWorkflowExecution.
	Command interface {
		isCommand()
	}

	// StartTimer starts a timer identified by Seq.
	StartTimer struct {
		Seq         uint32
		StartToFire time.Duration
	}

	// CancelTimer cancels the timer identified by Seq.
	CancelTimer struct {
		Seq uint32
	}

	// ScheduleActivity schedules an activity identified by Seq.
	ScheduleActivity struct {
		Seq             uint32
		ActivityType    string
		TaskQueue       string
		Input           *commonpb.Payloads
		ScheduleToClose time.Duration
		StartToClose    time.Duration
	}

	// RequestCancelActivity requests cancellation of the activity identified
	// by Seq.
	RequestCancelActivity struct {
		Seq uint32
	}

	// CompleteWorkflowExecution completes the run successfully.
	CompleteWorkflowExecution struct {
		Result *commonpb.Payloads
	}

	// FailWorkflowExecution fails the run.
	FailWorkflowExecution struct {
		Failure *failurepb.Failure
	}

	// ContinueAsNewWorkflowExecution closes the run and starts a new one.
	ContinueAsNewWorkflowExecution struct {
		WorkflowType string
		TaskQueue    string
		Input        *commonpb.Payloads
	}

	// EvictionReason explains why a run was removed from the cache.
	EvictionReason string
)

const (
	// EvictionReasonUnspecified is used when no reason was given.
	EvictionReasonUnspecified EvictionReason = "unspecified"
	// EvictionReasonCacheFull indicates the cache needed room for another run.
	EvictionReasonCacheFull EvictionReason = "cache_full"
	// EvictionReasonCacheMiss indicates cached state did not line up with the
	// history sent by the server.
	EvictionReasonCacheMiss EvictionReason = "cache_miss"
	// EvictionReasonServerRequested indicates the server no longer knows the
	// task (for example NotFound on completion). History must be resubmitted
	// from scratch.
	EvictionReasonServerRequested EvictionReason = "server_requested"
	// EvictionReasonLangFail indicates workflow logic failed the activation.
	EvictionReasonLangFail EvictionReason = "lang_fail"
	// EvictionReasonLangRequested indicates workflow logic asked for the
	// eviction.
	EvictionReasonLangRequested EvictionReason = "lang_requested"
	// EvictionReasonPaginationOrHistoryFetch indicates history could not be
	// fetched.
	EvictionReasonPaginationOrHistoryFetch EvictionReason = "pagination_or_history_fetch"
	// EvictionReasonFatal indicates an unexpected error while reconciling a
	// completion.
	EvictionReasonFatal EvictionReason = "fatal"
)

func (*StartWorkflow) isJob()   {}
func (*FireTimer) isJob()       {}
func (*ResolveActivity) isJob() {}
func (*SignalWorkflow) isJob()  {}
func (*QueryWorkflow) isJob()   {}
func (*RemoveFromCache) isJob() {}

func (*StartTimer) isCommand()                     {}
func (*CancelTimer) isCommand()                    {}
func (*ScheduleActivity) isCommand()               {}
func (*RequestCancelActivity) isCommand()          {}
func (*CompleteWorkflowExecution) isCommand()      {}
func (*FailWorkflowExecution) isCommand()          {}
func (*ContinueAsNewWorkflowExecution) isCommand() {}

// EmptyCompletion returns a completion with no commands, used to acknowledge
// evictions and activations that produce nothing.
func EmptyCompletion(runID string) *Completion {
	return &Completion{RunID: runID}
}

// Empty reports whether c carries no commands, query results or failure.
func (c *Completion) Empty() bool {
	return len(c.Commands) == 0 && len(c.QueryResults) == 0 && c.Failure == nil
}

// FailedCompletion returns a completion reporting the given failure.
func FailedCompletion(runID string, failure *failurepb.Failure) *Completion {
	return &Completion{RunID: runID, Failure: failure}
}

// QuerySuccess returns a successful query result.
func QuerySuccess(answer *commonpb.Payloads) QueryResult {
	return QueryResult{Answer: answer}
}

// QueryFailure returns a failed query result carrying message.
func QueryFailure(message string) QueryResult {
	return QueryResult{Failure: &failurepb.Failure{Message: message}}
}

// IsEviction reports whether the activation is a cache eviction.
func (a *Activation) IsEviction() bool {
	if len(a.Jobs) != 1 {
		return false
	}
	_, ok := a.Jobs[0].(*RemoveFromCache)
	return ok
}

// Queries returns the query jobs of the activation in delivery order.
func (a *Activation) Queries() []*QueryWorkflow {
	var qs []*QueryWorkflow
	for _, j := range a.Jobs {
		if q, ok := j.(*QueryWorkflow); ok {
			qs = append(qs, q)
		}
	}
	return qs
}

// JobName returns a short name for a job, used in logs and metrics.
func JobName(j Job) string {
	switch j.(type) {
	case *StartWorkflow:
		return "start_workflow"
	case *FireTimer:
		return "fire_timer"
	case *ResolveActivity:
		return "resolve_activity"
	case *SignalWorkflow:
		return "signal_workflow"
	case *QueryWorkflow:
		return "query_workflow"
	case *RemoveFromCache:
		return "remove_from_cache"
	default:
		return "unknown"
	}
}
