package worker

import (
	"errors"

	"goa.design/wfcore/runtime/worker/history"
)

var (
	// ErrHistoryFetch is returned by PollActivation when the server cannot
	// produce the history a query needs. The error is a *history.FetchError
	// wrapping the transport error.
	ErrHistoryFetch = history.ErrHistoryFetch
	// ErrWorkflowTaskFailure is returned by CompleteActivation when the
	// completion could not be turned into server commands. The workflow task
	// is failed and the run evicted.
	ErrWorkflowTaskFailure = errors.New("workflow task failed")
	// ErrEvictionRace is logged when an eviction targets a run that is not
	// cached. It is never returned.
	ErrEvictionRace = errors.New("eviction requested for a run that is not cached")
	// ErrProtocolMismatch is returned when a completion answers a query that
	// was not delivered in the outstanding activation, or when an eviction is
	// completed with a non-empty completion. The activation stays outstanding.
	ErrProtocolMismatch = errors.New("completion does not match the outstanding activation")
	// ErrNoOutstandingActivation is returned when completing a run that has no
	// activation outstanding.
	ErrNoOutstandingActivation = errors.New("no outstanding activation")
	// ErrShutdown is returned once the worker is shut down.
	ErrShutdown = errors.New("worker is shut down")
)
