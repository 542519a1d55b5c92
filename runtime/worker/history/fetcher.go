package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	commonpb "go.temporal.io/api/common/v1"
	historypb "go.temporal.io/api/history/v1"

	"goa.design/wfcore/runtime/worker/telemetry"
)

// ErrHistoryFetch is matched by every *FetchError.
var ErrHistoryFetch = errors.New("history fetch failed")

type (
	// FetchError reports that the server could not produce a run's history.
	// It usually means the run is gone or access was revoked.
	FetchError struct {
		RunID string
		Err   error
	}

	// Known describes the history already held for a run when a query
	// arrives.
	Known struct {
		// Events are the events carried by the poll response.
		Events []*historypb.HistoryEvent
		// NextPageToken is set when Events is only the first page.
		NextPageToken []byte
		// Cursor is the id of the last event already applied to cached state;
		// zero when the run is not cached.
		Cursor int64
	}

	// Fetcher fills history gaps for runs with pending queries.
	Fetcher struct {
		pager   Pager
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
	}
)

// Error implements error.
func (e *FetchError) Error() string {
	return fmt.Sprintf("history fetch for run %q failed: %v", e.RunID, e.Err)
}

// Unwrap returns the transport error.
func (e *FetchError) Unwrap() error { return e.Err }

// Is matches ErrHistoryFetch.
func (e *FetchError) Is(target error) bool { return target == ErrHistoryFetch }

// NewFetcher returns a fetcher using pager. Nil telemetry arguments default to
// noop implementations.
func NewFetcher(pager Pager, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Fetcher {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Fetcher{pager: pager, logger: logger, metrics: metrics, tracer: tracer}
}

// NeedsFetch reports whether known history is insufficient to answer a query:
// it is empty, does not continue from the cursor, or is only a first page.
func NeedsFetch(known Known) bool {
	if len(known.NextPageToken) > 0 {
		return true
	}
	if len(known.Events) == 0 {
		return true
	}
	if known.Cursor == 0 {
		return known.Events[0].GetEventId() != 1
	}
	return StartsAfterGap(known.Events, known.Cursor)
}

// EnsureHistoryForQuery returns every event after known.Cursor that the server
// holds for the execution. Known events are reused when they continue from
// the cursor and only the remaining pages are requested; otherwise history is
// requested from the first page. The pager is called once per page of the
// gap. Callers invoke it only for runs with a pending query.
func (f *Fetcher) EnsureHistoryForQuery(ctx context.Context, execution *commonpb.WorkflowExecution, known Known) ([]*historypb.HistoryEvent, error) {
	if !NeedsFetch(known) {
		return After(known.Events, known.Cursor), nil
	}
	ctx, span := f.tracer.Start(ctx, "history.fetch_for_query")
	defer span.End()
	start := time.Now()

	var (
		events []*historypb.HistoryEvent
		token  []byte
	)
	continues := len(known.Events) > 0 && !StartsAfterGap(known.Events, known.Cursor) &&
		(known.Cursor > 0 || known.Events[0].GetEventId() == 1)
	if continues {
		events = append(events, After(known.Events, known.Cursor)...)
		token = known.NextPageToken
	}
	pages := 0
	for {
		resp, err := f.pager.GetWorkflowExecutionHistory(ctx, execution, token)
		pages++
		if err != nil {
			ferr := &FetchError{RunID: execution.GetRunId(), Err: err}
			span.RecordError(ferr)
			span.SetStatus(codes.Error, "history fetch failed")
			f.metrics.IncCounter(telemetry.MetricHistoryFetch, 1, "outcome", "error")
			f.logger.Warn(ctx, "history fetch failed", "run_id", execution.GetRunId(), "err", err)
			return nil, ferr
		}
		span.AddEvent("history page", "page", pages, "events", len(resp.GetHistory().GetEvents()))
		events = append(events, After(resp.GetHistory().GetEvents(), lastID(events, known.Cursor))...)
		token = resp.GetNextPageToken()
		if len(token) == 0 {
			break
		}
	}
	if StartsAfterGap(events, known.Cursor) || (known.Cursor == 0 && len(events) > 0 && events[0].GetEventId() != 1) {
		ferr := &FetchError{RunID: execution.GetRunId(), Err: fmt.Errorf("history of %s does not continue from event %d", describe(execution), known.Cursor)}
		span.RecordError(ferr)
		span.SetStatus(codes.Error, "history gap")
		f.metrics.IncCounter(telemetry.MetricHistoryFetch, 1, "outcome", "error")
		return nil, ferr
	}
	f.metrics.IncCounter(telemetry.MetricHistoryFetch, 1, "outcome", "success")
	f.metrics.RecordTimer(telemetry.MetricHistoryFetchLatency, time.Since(start))
	f.logger.Debug(ctx, "fetched history for query", "run_id", execution.GetRunId(), "pages", pages, "events", len(events))
	return events, nil
}

func lastID(events []*historypb.HistoryEvent, cursor int64) int64 {
	if len(events) == 0 {
		return cursor
	}
	return events[len(events)-1].GetEventId()
}
