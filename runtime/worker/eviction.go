package worker

import (
	"context"

	"goa.design/wfcore/runtime/worker/api"
	"goa.design/wfcore/runtime/worker/telemetry"
)

// evictionRequest is the pending eviction of one run. Later requests for the
// same run coalesce into the first one.
type evictionRequest struct {
	reason  api.EvictionReason
	message string
	// byWorkflow is set when workflow logic asked for the eviction.
	byWorkflow bool
}

// RequestEviction asks for the run to be dropped from the cache. The eviction
// is delivered as a RemoveFromCache activation once the run has no
// outstanding activation, unanswered query or unfinished workflow task. When
// an eviction is already pending its reason is kept. Requests for runs that
// are not cached are ignored.
func (w *Worker) RequestEviction(runID, message string, reason api.EvictionReason) {
	ctx := context.Background()
	e, ok := w.cache.lookup(runID)
	if !ok {
		w.logger.Debug(ctx, "eviction requested for unknown run", "run_id", runID, "reason", string(reason), "err", ErrEvictionRace)
		return
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		w.logger.Debug(ctx, "eviction requested for removed run", "run_id", runID, "reason", string(reason), "err", ErrEvictionRace)
		return
	}
	recorded := e.requestEviction(&evictionRequest{reason: reason, message: message, byWorkflow: true})
	state := e.state()
	w.release(e, true)
	w.logger.Debug(ctx, "eviction requested", "run_id", runID, "reason", string(reason), "recorded", recorded, "state", state.String())
}

// takeReadyEvictions returns the runs whose pending eviction can be delivered
// now, least recently used first.
func (c *runCache) takeReadyEvictions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for _, k := range c.lru.Keys() {
		e, _ := c.lru.Peek(k)
		e.mu.Lock()
		if e.evictionReady() {
			ids = append(ids, k)
		}
		e.mu.Unlock()
	}
	return ids
}

// requestEviction records req unless an eviction is already pending and
// reports whether it did. Must be called with e.mu held.
func (e *runEntry) requestEviction(req *evictionRequest) bool {
	if e.eviction != nil || e.removed {
		return false
	}
	e.eviction = req
	return true
}

// evictionReady reports whether the pending eviction may be delivered: the
// run has no workflow task in progress, no outstanding activation and no I/O
// in flight. Must be called with e.mu held.
func (e *runEntry) evictionReady() bool {
	return e.eviction != nil && e.task == nil && e.outstanding == nil && !e.busy && !e.removed
}

// evictionActivation returns the activation carrying the pending eviction as
// its sole job.
func (e *runEntry) evictionActivation() *api.Activation {
	return e.activation(false, []api.Job{&api.RemoveFromCache{
		Reason:  e.eviction.reason,
		Message: e.eviction.message,
	}})
}

// drop removes the run directly when workflow logic never saw it, and
// requests an eviction otherwise. Must be called with e.mu held; release
// detaches a removed entry from the cache.
func (e *runEntry) drop(reason api.EvictionReason, message string) {
	if !e.seen && e.outstanding == nil {
		e.removed = true
		return
	}
	e.requestEviction(&evictionRequest{reason: reason, message: message})
}

// completeEviction handles the completion of an eviction activation. Must be
// called with e.mu held.
func (w *Worker) completeEviction(ctx context.Context, e *runEntry) {
	req := e.eviction
	e.outstanding = nil
	e.removed = true
	w.metrics.IncCounter(telemetry.MetricEvictions, 1, "reason", string(req.reason))
	w.logger.Debug(ctx, "run evicted", "run_id", e.runID, "reason", string(req.reason), "message", req.message, "by_workflow", req.byWorkflow)
}
