// Package history splits workflow history into workflow-task sized segments,
// follows history pagination, and fetches missing history when a query needs
// a complete view of a run.
package history

import (
	"context"
	"errors"
	"fmt"

	commonpb "go.temporal.io/api/common/v1"
	enumspb "go.temporal.io/api/enums/v1"
	historypb "go.temporal.io/api/history/v1"
	"go.temporal.io/api/workflowservice/v1"
)

type (
	// Pager retrieves history pages from the server. A nil token requests the
	// first page.
	Pager interface {
		GetWorkflowExecutionHistory(ctx context.Context, execution *commonpb.WorkflowExecution, nextPageToken []byte) (*workflowservice.GetWorkflowExecutionHistoryResponse, error)
	}

	// Update is the not yet consumed history of one workflow task. Segments are
	// handed out one workflow task at a time; pages are fetched only when the
	// buffered events do not contain a complete segment.
	Update struct {
		execution     *commonpb.WorkflowExecution
		events        []*historypb.HistoryEvent
		nextPageToken []byte
		pager         Pager
	}
)

// NewUpdate returns an update over events. When nextPageToken is not empty the
// remaining pages are requested from pager as segments are consumed.
func NewUpdate(execution *commonpb.WorkflowExecution, events []*historypb.HistoryEvent, nextPageToken []byte, pager Pager) *Update {
	return &Update{
		execution:     execution,
		events:        events,
		nextPageToken: nextPageToken,
		pager:         pager,
	}
}

// Done reports whether every event has been handed out.
func (u *Update) Done() bool {
	return len(u.events) == 0 && len(u.nextPageToken) == 0
}

// Paginated reports whether more pages remain on the server.
func (u *Update) Paginated() bool {
	return len(u.nextPageToken) > 0
}

// Next returns the next workflow task segment. It returns nil when the update
// is done. A page fetch failure is returned as a *FetchError.
func (u *Update) Next(ctx context.Context) ([]*historypb.HistoryEvent, error) {
	for {
		if n := segmentEnd(u.events, len(u.nextPageToken) == 0); n > 0 {
			seg := u.events[:n]
			u.events = u.events[n:]
			return seg, nil
		}
		if len(u.nextPageToken) == 0 {
			return nil, nil
		}
		if err := u.fetchPage(ctx); err != nil {
			return nil, err
		}
	}
}

func (u *Update) fetchPage(ctx context.Context) error {
	if u.pager == nil {
		return &FetchError{RunID: u.execution.GetRunId(), Err: errors.New("history is paginated but no pager is configured")}
	}
	resp, err := u.pager.GetWorkflowExecutionHistory(ctx, u.execution, u.nextPageToken)
	if err != nil {
		return &FetchError{RunID: u.execution.GetRunId(), Err: err}
	}
	events := resp.GetHistory().GetEvents()
	if len(events) == 0 && len(resp.GetNextPageToken()) > 0 {
		return &FetchError{RunID: u.execution.GetRunId(), Err: errors.New("server returned an empty history page with a continuation token")}
	}
	u.events = append(u.events, events...)
	u.nextPageToken = resp.GetNextPageToken()
	return nil
}

// Split cuts a complete event list into workflow task segments.
func Split(events []*historypb.HistoryEvent) [][]*historypb.HistoryEvent {
	var segs [][]*historypb.HistoryEvent
	for len(events) > 0 {
		n := segmentEnd(events, true)
		segs = append(segs, events[:n])
		events = events[n:]
	}
	return segs
}

// segmentEnd returns the length of the first workflow task segment in events.
// A segment ends at a WorkflowTaskStarted event followed by
// WorkflowTaskCompleted, or at a WorkflowTaskStarted event that is the last
// known event. A started task followed by a failure or timeout does not end
// a segment. When complete is false (more pages exist) the end of the buffer
// is not a boundary and 0 is returned if no boundary is found.
func segmentEnd(events []*historypb.HistoryEvent, complete bool) int {
	for i, ev := range events {
		if ev.GetEventType() != enumspb.EVENT_TYPE_WORKFLOW_TASK_STARTED {
			continue
		}
		if i+1 == len(events) {
			if complete {
				return i + 1
			}
			return 0
		}
		if events[i+1].GetEventType() == enumspb.EVENT_TYPE_WORKFLOW_TASK_COMPLETED {
			return i + 1
		}
	}
	if complete {
		return len(events)
	}
	return 0
}

// After returns the events with an id strictly greater than eventID.
func After(events []*historypb.HistoryEvent, eventID int64) []*historypb.HistoryEvent {
	for i, ev := range events {
		if ev.GetEventId() > eventID {
			return events[i:]
		}
	}
	return nil
}

// StartsAfterGap reports whether events do not continue directly from
// eventID. An empty list has no gap.
func StartsAfterGap(events []*historypb.HistoryEvent, eventID int64) bool {
	rest := After(events, eventID)
	if len(rest) == 0 {
		return false
	}
	return rest[0].GetEventId() != eventID+1
}

// describe is used in error messages.
func describe(execution *commonpb.WorkflowExecution) string {
	return fmt.Sprintf("%s/%s", execution.GetWorkflowId(), execution.GetRunId())
}
