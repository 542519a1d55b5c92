// Package machines is a minimal replay interpreter for one workflow run. It
// turns history events into activation jobs and workflow commands into wire
// commands. It does not check determinism: commands are translated as
// returned and history is trusted.
package machines

import (
	"errors"
	"fmt"
	"strconv"

	commandpb "go.temporal.io/api/command/v1"
	commonpb "go.temporal.io/api/common/v1"
	enumspb "go.temporal.io/api/enums/v1"
	historypb "go.temporal.io/api/history/v1"
	taskqueuepb "go.temporal.io/api/taskqueue/v1"
	"google.golang.org/protobuf/types/known/durationpb"

	"goa.design/wfcore/runtime/worker/api"
)

var (
	// ErrNonContiguous is returned when events do not continue from the last
	// applied event.
	ErrNonContiguous = errors.New("history is not contiguous")
	// ErrUnknownTimer is returned for a timer id that is not a sequence number.
	ErrUnknownTimer = errors.New("unknown timer")
	// ErrUnknownActivity is returned when cancelling an activity that was never
	// scheduled.
	ErrUnknownActivity = errors.New("unknown activity")
	// ErrUnsupportedCommand is returned for a command type the interpreter
	// cannot translate.
	ErrUnsupportedCommand = errors.New("unsupported command")
)

// Run holds the replay state of one workflow run.
type Run struct {
	workflowID string
	runID      string
	taskQueue  string
	cursor     int64
	// activity sequence numbers by scheduled event id and back.
	activities map[int64]uint32
	scheduled  map[uint32]int64
}

// New returns the state of a run that has not applied any event. taskQueue
// is used for activities scheduled without an explicit queue.
func New(workflowID, runID, taskQueue string) *Run {
	return &Run{
		workflowID: workflowID,
		runID:      runID,
		taskQueue:  taskQueue,
		activities: make(map[int64]uint32),
		scheduled:  make(map[uint32]int64),
	}
}

// LastEventID returns the id of the last applied event, 0 if none.
func (r *Run) LastEventID() int64 {
	return r.cursor
}

// Apply consumes events in order and returns the jobs they produce. Events at
// or below the cursor are skipped. On error the cursor stays at the last
// event applied successfully.
func (r *Run) Apply(events []*historypb.HistoryEvent) ([]api.Job, error) {
	var jobs []api.Job
	for _, ev := range events {
		id := ev.GetEventId()
		if id <= r.cursor {
			continue
		}
		if id != r.cursor+1 {
			return jobs, fmt.Errorf("%w: run %s expected event %d, got %d", ErrNonContiguous, r.runID, r.cursor+1, id)
		}
		job, err := r.apply(ev)
		if err != nil {
			return jobs, fmt.Errorf("run %s event %d: %w", r.runID, id, err)
		}
		r.cursor = id
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (r *Run) apply(ev *historypb.HistoryEvent) (api.Job, error) {
	switch ev.GetEventType() {
	case enumspb.EVENT_TYPE_WORKFLOW_EXECUTION_STARTED:
		attrs := ev.GetWorkflowExecutionStartedEventAttributes()
		return &api.StartWorkflow{
			WorkflowType: attrs.GetWorkflowType().GetName(),
			WorkflowID:   r.workflowID,
			Arguments:    attrs.GetInput(),
			Headers:      attrs.GetHeader().GetFields(),
			Attempt:      attrs.GetAttempt(),
		}, nil
	case enumspb.EVENT_TYPE_TIMER_FIRED:
		seq, err := parseSeq(ev.GetTimerFiredEventAttributes().GetTimerId())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownTimer, err)
		}
		return &api.FireTimer{Seq: seq}, nil
	case enumspb.EVENT_TYPE_ACTIVITY_TASK_SCHEDULED:
		seq, err := parseSeq(ev.GetActivityTaskScheduledEventAttributes().GetActivityId())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownActivity, err)
		}
		r.activities[ev.GetEventId()] = seq
		r.scheduled[seq] = ev.GetEventId()
		return nil, nil
	case enumspb.EVENT_TYPE_ACTIVITY_TASK_COMPLETED:
		attrs := ev.GetActivityTaskCompletedEventAttributes()
		return r.resolve(attrs.GetScheduledEventId(), api.ActivityResolution{Completed: attrs.GetResult()})
	case enumspb.EVENT_TYPE_ACTIVITY_TASK_FAILED:
		attrs := ev.GetActivityTaskFailedEventAttributes()
		return r.resolve(attrs.GetScheduledEventId(), api.ActivityResolution{Failed: attrs.GetFailure()})
	case enumspb.EVENT_TYPE_ACTIVITY_TASK_TIMED_OUT:
		attrs := ev.GetActivityTaskTimedOutEventAttributes()
		return r.resolve(attrs.GetScheduledEventId(), api.ActivityResolution{Failed: attrs.GetFailure()})
	case enumspb.EVENT_TYPE_ACTIVITY_TASK_CANCELED:
		return r.resolve(ev.GetActivityTaskCanceledEventAttributes().GetScheduledEventId(), api.ActivityResolution{Cancelled: true})
	case enumspb.EVENT_TYPE_WORKFLOW_EXECUTION_SIGNALED:
		attrs := ev.GetWorkflowExecutionSignaledEventAttributes()
		return &api.SignalWorkflow{
			SignalName: attrs.GetSignalName(),
			Input:      attrs.GetInput(),
			Identity:   attrs.GetIdentity(),
			Headers:    attrs.GetHeader().GetFields(),
		}, nil
	default:
		return nil, nil
	}
}

func (r *Run) resolve(scheduledEventID int64, res api.ActivityResolution) (api.Job, error) {
	seq, ok := r.activities[scheduledEventID]
	if !ok {
		return nil, fmt.Errorf("%w: scheduled event %d", ErrUnknownActivity, scheduledEventID)
	}
	delete(r.activities, scheduledEventID)
	delete(r.scheduled, seq)
	return &api.ResolveActivity{Seq: seq, Result: res}, nil
}

// Commands appends the wire form of cmds to pending, the commands already
// accumulated for the current unsent workflow task completion. Cancelling an
// activity scheduled in pending removes the schedule command instead and
// returns a local ResolveActivity job reporting the cancellation.
func (r *Run) Commands(pending []*commandpb.Command, cmds []api.Command) ([]*commandpb.Command, []api.Job, error) {
	out := pending
	var local []api.Job
	for _, cmd := range cmds {
		if c, ok := cmd.(*api.RequestCancelActivity); ok {
			if i := unsentSchedule(out, c.Seq); i >= 0 {
				out = append(out[:i:i], out[i+1:]...)
				local = append(local, &api.ResolveActivity{Seq: c.Seq, Result: api.ActivityResolution{Cancelled: true}})
				continue
			}
		}
		wire, err := r.command(cmd)
		if err != nil {
			return pending, nil, err
		}
		out = append(out, wire)
	}
	return out, local, nil
}

func (r *Run) command(cmd api.Command) (*commandpb.Command, error) {
	switch c := cmd.(type) {
	case *api.StartTimer:
		return &commandpb.Command{
			CommandType: enumspb.COMMAND_TYPE_START_TIMER,
			Attributes: &commandpb.Command_StartTimerCommandAttributes{StartTimerCommandAttributes: &commandpb.StartTimerCommandAttributes{
				TimerId:            formatSeq(c.Seq),
				StartToFireTimeout: durationpb.New(c.StartToFire),
			}},
		}, nil
	case *api.CancelTimer:
		return &commandpb.Command{
			CommandType: enumspb.COMMAND_TYPE_CANCEL_TIMER,
			Attributes: &commandpb.Command_CancelTimerCommandAttributes{CancelTimerCommandAttributes: &commandpb.CancelTimerCommandAttributes{
				TimerId: formatSeq(c.Seq),
			}},
		}, nil
	case *api.ScheduleActivity:
		queue := c.TaskQueue
		if queue == "" {
			queue = r.taskQueue
		}
		attrs := &commandpb.ScheduleActivityTaskCommandAttributes{
			ActivityId:   formatSeq(c.Seq),
			ActivityType: &commonpb.ActivityType{Name: c.ActivityType},
			TaskQueue:    &taskqueuepb.TaskQueue{Name: queue, Kind: enumspb.TASK_QUEUE_KIND_NORMAL},
			Input:        c.Input,
		}
		if c.ScheduleToClose > 0 {
			attrs.ScheduleToCloseTimeout = durationpb.New(c.ScheduleToClose)
		}
		if c.StartToClose > 0 {
			attrs.StartToCloseTimeout = durationpb.New(c.StartToClose)
		}
		return &commandpb.Command{
			CommandType: enumspb.COMMAND_TYPE_SCHEDULE_ACTIVITY_TASK,
			Attributes:  &commandpb.Command_ScheduleActivityTaskCommandAttributes{ScheduleActivityTaskCommandAttributes: attrs},
		}, nil
	case *api.RequestCancelActivity:
		scheduled, ok := r.scheduled[c.Seq]
		if !ok {
			return nil, fmt.Errorf("%w: seq %d", ErrUnknownActivity, c.Seq)
		}
		return &commandpb.Command{
			CommandType: enumspb.COMMAND_TYPE_REQUEST_CANCEL_ACTIVITY_TASK,
			Attributes: &commandpb.Command_RequestCancelActivityTaskCommandAttributes{RequestCancelActivityTaskCommandAttributes: &commandpb.RequestCancelActivityTaskCommandAttributes{
				ScheduledEventId: scheduled,
			}},
		}, nil
	case *api.CompleteWorkflowExecution:
		return &commandpb.Command{
			CommandType: enumspb.COMMAND_TYPE_COMPLETE_WORKFLOW_EXECUTION,
			Attributes: &commandpb.Command_CompleteWorkflowExecutionCommandAttributes{CompleteWorkflowExecutionCommandAttributes: &commandpb.CompleteWorkflowExecutionCommandAttributes{
				Result: c.Result,
			}},
		}, nil
	case *api.FailWorkflowExecution:
		return &commandpb.Command{
			CommandType: enumspb.COMMAND_TYPE_FAIL_WORKFLOW_EXECUTION,
			Attributes: &commandpb.Command_FailWorkflowExecutionCommandAttributes{FailWorkflowExecutionCommandAttributes: &commandpb.FailWorkflowExecutionCommandAttributes{
				Failure: c.Failure,
			}},
		}, nil
	case *api.ContinueAsNewWorkflowExecution:
		queue := c.TaskQueue
		if queue == "" {
			queue = r.taskQueue
		}
		return &commandpb.Command{
			CommandType: enumspb.COMMAND_TYPE_CONTINUE_AS_NEW_WORKFLOW_EXECUTION,
			Attributes: &commandpb.Command_ContinueAsNewWorkflowExecutionCommandAttributes{ContinueAsNewWorkflowExecutionCommandAttributes: &commandpb.ContinueAsNewWorkflowExecutionCommandAttributes{
				WorkflowType: &commonpb.WorkflowType{Name: c.WorkflowType},
				TaskQueue:    &taskqueuepb.TaskQueue{Name: queue, Kind: enumspb.TASK_QUEUE_KIND_NORMAL},
				Input:        c.Input,
			}},
		}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedCommand, cmd)
	}
}

// unsentSchedule returns the index of the schedule command for seq in cmds or
// -1.
func unsentSchedule(cmds []*commandpb.Command, seq uint32) int {
	id := formatSeq(seq)
	for i, c := range cmds {
		if c.GetCommandType() != enumspb.COMMAND_TYPE_SCHEDULE_ACTIVITY_TASK {
			continue
		}
		if c.GetScheduleActivityTaskCommandAttributes().GetActivityId() == id {
			return i
		}
	}
	return -1
}

func formatSeq(seq uint32) string {
	return strconv.FormatUint(uint64(seq), 10)
}

func parseSeq(id string) (uint32, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}
