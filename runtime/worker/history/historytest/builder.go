// Package historytest builds workflow histories and poll responses for tests.
package historytest

import (
	"fmt"
	"time"

	commonpb "go.temporal.io/api/common/v1"
	enumspb "go.temporal.io/api/enums/v1"
	failurepb "go.temporal.io/api/failure/v1"
	historypb "go.temporal.io/api/history/v1"
	querypb "go.temporal.io/api/query/v1"
	"go.temporal.io/api/workflowservice/v1"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Builder accumulates history events with consecutive event ids starting at 1.
type Builder struct {
	events []*historypb.HistoryEvent
}

// New returns an empty builder.
func New() *Builder {
	return &Builder{}
}

// SingleTimer returns the history of a workflow that starts timer timerID in
// its first workflow task and is woken by the timer in its second:
//
//	1 WorkflowExecutionStarted
//	2 WorkflowTaskScheduled
//	3 WorkflowTaskStarted
//	4 WorkflowTaskCompleted
//	5 TimerStarted
//	6 TimerFired
//	7 WorkflowTaskScheduled
//	8 WorkflowTaskStarted
func SingleTimer(timerID string) *Builder {
	b := New()
	b.AddWorkflowExecutionStarted("test-workflow", nil)
	b.AddFullWorkflowTask()
	started := b.AddTimerStarted(timerID)
	b.AddTimerFired(started, timerID)
	b.AddWorkflowTask()
	return b
}

// SingleTimerCompletes extends SingleTimer with the workflow completing in its
// second workflow task.
func SingleTimerCompletes(timerID string) *Builder {
	b := SingleTimer(timerID)
	completed := b.AddWorkflowTaskCompleted()
	b.AddWorkflowExecutionCompleted(completed)
	return b
}

// Query returns a wire query with the given type and raw argument.
func Query(queryType string, arg []byte, headers map[string][]byte) *querypb.WorkflowQuery {
	q := &querypb.WorkflowQuery{QueryType: queryType}
	if arg != nil {
		q.QueryArgs = &commonpb.Payloads{Payloads: []*commonpb.Payload{{Data: arg}}}
	}
	if len(headers) > 0 {
		fields := make(map[string]*commonpb.Payload, len(headers))
		for k, v := range headers {
			fields[k] = &commonpb.Payload{Data: v}
		}
		q.Header = &commonpb.Header{Fields: fields}
	}
	return q
}

// LastEventID returns the id of the last event added.
func (b *Builder) LastEventID() int64 {
	return int64(len(b.events))
}

// AddWorkflowExecutionStarted appends the first event of a run.
func (b *Builder) AddWorkflowExecutionStarted(workflowType string, input *commonpb.Payloads) int64 {
	return b.add(enumspb.EVENT_TYPE_WORKFLOW_EXECUTION_STARTED, &historypb.HistoryEvent_WorkflowExecutionStartedEventAttributes{
		WorkflowExecutionStartedEventAttributes: &historypb.WorkflowExecutionStartedEventAttributes{
			WorkflowType: &commonpb.WorkflowType{Name: workflowType},
			Input:        input,
			Attempt:      1,
		},
	})
}

// AddWorkflowTask appends a scheduled and started workflow task and returns
// the started event id.
func (b *Builder) AddWorkflowTask() int64 {
	scheduled := b.add(enumspb.EVENT_TYPE_WORKFLOW_TASK_SCHEDULED, &historypb.HistoryEvent_WorkflowTaskScheduledEventAttributes{
		WorkflowTaskScheduledEventAttributes: &historypb.WorkflowTaskScheduledEventAttributes{},
	})
	return b.add(enumspb.EVENT_TYPE_WORKFLOW_TASK_STARTED, &historypb.HistoryEvent_WorkflowTaskStartedEventAttributes{
		WorkflowTaskStartedEventAttributes: &historypb.WorkflowTaskStartedEventAttributes{ScheduledEventId: scheduled},
	})
}

// AddWorkflowTaskCompleted completes the last started workflow task.
func (b *Builder) AddWorkflowTaskCompleted() int64 {
	started := b.lastOfType(enumspb.EVENT_TYPE_WORKFLOW_TASK_STARTED)
	return b.add(enumspb.EVENT_TYPE_WORKFLOW_TASK_COMPLETED, &historypb.HistoryEvent_WorkflowTaskCompletedEventAttributes{
		WorkflowTaskCompletedEventAttributes: &historypb.WorkflowTaskCompletedEventAttributes{
			ScheduledEventId: started - 1,
			StartedEventId:   started,
		},
	})
}

// AddWorkflowTaskFailed fails the last started workflow task.
func (b *Builder) AddWorkflowTaskFailed() int64 {
	started := b.lastOfType(enumspb.EVENT_TYPE_WORKFLOW_TASK_STARTED)
	return b.add(enumspb.EVENT_TYPE_WORKFLOW_TASK_FAILED, &historypb.HistoryEvent_WorkflowTaskFailedEventAttributes{
		WorkflowTaskFailedEventAttributes: &historypb.WorkflowTaskFailedEventAttributes{
			ScheduledEventId: started - 1,
			StartedEventId:   started,
		},
	})
}

// AddFullWorkflowTask appends a scheduled, started and completed workflow task
// and returns the completed event id.
func (b *Builder) AddFullWorkflowTask() int64 {
	b.AddWorkflowTask()
	return b.AddWorkflowTaskCompleted()
}

// AddTimerStarted appends a TimerStarted event.
func (b *Builder) AddTimerStarted(timerID string) int64 {
	return b.add(enumspb.EVENT_TYPE_TIMER_STARTED, &historypb.HistoryEvent_TimerStartedEventAttributes{
		TimerStartedEventAttributes: &historypb.TimerStartedEventAttributes{
			TimerId:                      timerID,
			StartToFireTimeout:           durationpb.New(time.Second),
			WorkflowTaskCompletedEventId: b.lastOfType(enumspb.EVENT_TYPE_WORKFLOW_TASK_COMPLETED),
		},
	})
}

// AddTimerFired appends a TimerFired event.
func (b *Builder) AddTimerFired(startedEventID int64, timerID string) int64 {
	return b.add(enumspb.EVENT_TYPE_TIMER_FIRED, &historypb.HistoryEvent_TimerFiredEventAttributes{
		TimerFiredEventAttributes: &historypb.TimerFiredEventAttributes{
			TimerId:        timerID,
			StartedEventId: startedEventID,
		},
	})
}

// AddActivityTaskScheduled appends an ActivityTaskScheduled event.
func (b *Builder) AddActivityTaskScheduled(activityID, activityType string) int64 {
	return b.add(enumspb.EVENT_TYPE_ACTIVITY_TASK_SCHEDULED, &historypb.HistoryEvent_ActivityTaskScheduledEventAttributes{
		ActivityTaskScheduledEventAttributes: &historypb.ActivityTaskScheduledEventAttributes{
			ActivityId:                   activityID,
			ActivityType:                 &commonpb.ActivityType{Name: activityType},
			WorkflowTaskCompletedEventId: b.lastOfType(enumspb.EVENT_TYPE_WORKFLOW_TASK_COMPLETED),
		},
	})
}

// AddActivityTaskCompleted appends an ActivityTaskCompleted event.
func (b *Builder) AddActivityTaskCompleted(scheduledEventID int64, result []byte) int64 {
	return b.add(enumspb.EVENT_TYPE_ACTIVITY_TASK_COMPLETED, &historypb.HistoryEvent_ActivityTaskCompletedEventAttributes{
		ActivityTaskCompletedEventAttributes: &historypb.ActivityTaskCompletedEventAttributes{
			ScheduledEventId: scheduledEventID,
			Result:           &commonpb.Payloads{Payloads: []*commonpb.Payload{{Data: result}}},
		},
	})
}

// AddActivityTaskFailed appends an ActivityTaskFailed event.
func (b *Builder) AddActivityTaskFailed(scheduledEventID int64, message string) int64 {
	return b.add(enumspb.EVENT_TYPE_ACTIVITY_TASK_FAILED, &historypb.HistoryEvent_ActivityTaskFailedEventAttributes{
		ActivityTaskFailedEventAttributes: &historypb.ActivityTaskFailedEventAttributes{
			ScheduledEventId: scheduledEventID,
			Failure:          &failurepb.Failure{Message: message},
		},
	})
}

// AddActivityTaskCanceled appends an ActivityTaskCanceled event.
func (b *Builder) AddActivityTaskCanceled(scheduledEventID int64) int64 {
	return b.add(enumspb.EVENT_TYPE_ACTIVITY_TASK_CANCELED, &historypb.HistoryEvent_ActivityTaskCanceledEventAttributes{
		ActivityTaskCanceledEventAttributes: &historypb.ActivityTaskCanceledEventAttributes{
			ScheduledEventId: scheduledEventID,
		},
	})
}

// AddSignaled appends a WorkflowExecutionSignaled event.
func (b *Builder) AddSignaled(name string, input []byte) int64 {
	return b.add(enumspb.EVENT_TYPE_WORKFLOW_EXECUTION_SIGNALED, &historypb.HistoryEvent_WorkflowExecutionSignaledEventAttributes{
		WorkflowExecutionSignaledEventAttributes: &historypb.WorkflowExecutionSignaledEventAttributes{
			SignalName: name,
			Input:      &commonpb.Payloads{Payloads: []*commonpb.Payload{{Data: input}}},
			Identity:   "historytest",
		},
	})
}

// AddWorkflowExecutionCompleted appends the closing event of a run.
func (b *Builder) AddWorkflowExecutionCompleted(workflowTaskCompletedEventID int64) int64 {
	return b.add(enumspb.EVENT_TYPE_WORKFLOW_EXECUTION_COMPLETED, &historypb.HistoryEvent_WorkflowExecutionCompletedEventAttributes{
		WorkflowExecutionCompletedEventAttributes: &historypb.WorkflowExecutionCompletedEventAttributes{
			WorkflowTaskCompletedEventId: workflowTaskCompletedEventID,
		},
	})
}

// Events returns a copy of every event.
func (b *Builder) Events() []*historypb.HistoryEvent {
	return cloneEvents(b.events)
}

// History returns a copy of every event wrapped in a History.
func (b *Builder) History() *historypb.History {
	return &historypb.History{Events: b.Events()}
}

// ToTask returns the events up to and including the n-th (1-based) workflow
// task started event.
func (b *Builder) ToTask(n int) []*historypb.HistoryEvent {
	starts := b.startedIDs()
	if n < 1 || n > len(starts) {
		panic(fmt.Sprintf("historytest: history has %d workflow tasks, asked for %d", len(starts), n))
	}
	return cloneEvents(b.events[:starts[n-1]])
}

// Task returns only the events belonging to the n-th (1-based) workflow task:
// everything after the previous workflow task started event up to and
// including the n-th one.
func (b *Builder) Task(n int) []*historypb.HistoryEvent {
	starts := b.startedIDs()
	if n < 1 || n > len(starts) {
		panic(fmt.Sprintf("historytest: history has %d workflow tasks, asked for %d", len(starts), n))
	}
	var from int64
	if n > 1 {
		from = starts[n-2]
	}
	return cloneEvents(b.events[from:starts[n-1]])
}

// PollResponse builds a poll response for the run carrying events. The
// started and previous started event ids are derived from the full history
// of the builder relative to the last event in events; with no events the
// last workflow task of the builder is used.
func (b *Builder) PollResponse(workflowID, runID string, events []*historypb.HistoryEvent) *workflowservice.PollWorkflowTaskQueueResponse {
	last := b.LastEventID()
	if len(events) > 0 {
		last = events[len(events)-1].GetEventId()
	}
	var started, previous int64
	for _, id := range b.startedIDs() {
		if id > last {
			break
		}
		previous, started = started, id
	}
	return &workflowservice.PollWorkflowTaskQueueResponse{
		TaskToken:              []byte(fmt.Sprintf("%s/%d", runID, started)),
		WorkflowExecution:      &commonpb.WorkflowExecution{WorkflowId: workflowID, RunId: runID},
		WorkflowType:           &commonpb.WorkflowType{Name: "test-workflow"},
		PreviousStartedEventId: previous,
		StartedEventId:         started,
		Attempt:                1,
		History:                &historypb.History{Events: events},
	}
}

func (b *Builder) add(t enumspb.EventType, attrs any) int64 {
	id := int64(len(b.events) + 1)
	ev := &historypb.HistoryEvent{
		EventId:   id,
		EventTime: timestamppb.New(time.Unix(1700000000+id, 0)),
		EventType: t,
	}
	setAttributes(ev, attrs)
	b.events = append(b.events, ev)
	return id
}

func (b *Builder) lastOfType(t enumspb.EventType) int64 {
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i].GetEventType() == t {
			return b.events[i].GetEventId()
		}
	}
	return 0
}

func (b *Builder) startedIDs() []int64 {
	var ids []int64
	for _, ev := range b.events {
		if ev.GetEventType() == enumspb.EVENT_TYPE_WORKFLOW_TASK_STARTED {
			ids = append(ids, ev.GetEventId())
		}
	}
	return ids
}

func setAttributes(ev *historypb.HistoryEvent, attrs any) {
	switch a := attrs.(type) {
	case *historypb.HistoryEvent_WorkflowExecutionStartedEventAttributes:
		ev.Attributes = a
	case *historypb.HistoryEvent_WorkflowTaskScheduledEventAttributes:
		ev.Attributes = a
	case *historypb.HistoryEvent_WorkflowTaskStartedEventAttributes:
		ev.Attributes = a
	case *historypb.HistoryEvent_WorkflowTaskCompletedEventAttributes:
		ev.Attributes = a
	case *historypb.HistoryEvent_WorkflowTaskFailedEventAttributes:
		ev.Attributes = a
	case *historypb.HistoryEvent_TimerStartedEventAttributes:
		ev.Attributes = a
	case *historypb.HistoryEvent_TimerFiredEventAttributes:
		ev.Attributes = a
	case *historypb.HistoryEvent_ActivityTaskScheduledEventAttributes:
		ev.Attributes = a
	case *historypb.HistoryEvent_ActivityTaskCompletedEventAttributes:
		ev.Attributes = a
	case *historypb.HistoryEvent_ActivityTaskFailedEventAttributes:
		ev.Attributes = a
	case *historypb.HistoryEvent_ActivityTaskCanceledEventAttributes:
		ev.Attributes = a
	case *historypb.HistoryEvent_WorkflowExecutionSignaledEventAttributes:
		ev.Attributes = a
	case *historypb.HistoryEvent_WorkflowExecutionCompletedEventAttributes:
		ev.Attributes = a
	default:
		panic(fmt.Sprintf("historytest: unsupported attributes %T", attrs))
	}
}

func cloneEvents(events []*historypb.HistoryEvent) []*historypb.HistoryEvent {
	out := make([]*historypb.HistoryEvent, len(events))
	for i, ev := range events {
		out[i] = proto.Clone(ev).(*historypb.HistoryEvent)
	}
	return out
}
