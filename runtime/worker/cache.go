package worker

import (
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.temporal.io/api/workflowservice/v1"

	"goa.design/wfcore/runtime/worker/api"
	"goa.design/wfcore/runtime/worker/machines"
)

type (
	// runCache owns the run entries. Its mutex guards the LRU, the ready
	// queue and the admission queue only; each entry has its own mutex. The
	// cache mutex is always acquired before an entry mutex, never after.
	runCache struct {
		mu        sync.Mutex
		lru       *simplelru.LRU[string, *runEntry]
		capacity  int
		taskQueue string
		// ready lists runs that may have work to deliver, oldest first.
		ready  []string
		queued map[string]struct{}
		// admission holds poll responses for uncached runs waiting for a
		// free slot, in arrival order.
		admission []*workflowservice.PollWorkflowTaskQueueResponse
	}

	// runEntry is the cached state of one run.
	runEntry struct {
		mu         sync.Mutex
		runID      string
		workflowID string
		machine    *machines.Run
		// task is the workflow task being processed, nil between tasks.
		task *workflowTask
		// buffered holds poll responses that arrived while a task was in
		// progress, in arrival order.
		buffered []*workflowservice.PollWorkflowTaskQueueResponse
		// outstanding is the activation delivered and not yet completed.
		outstanding *api.Activation
		// eviction is the pending eviction, kept until the entry is removed.
		eviction *evictionRequest
		// busy is set while I/O for the entry runs without the lock held.
		busy bool
		// seen is set once workflow logic received a non-eviction activation.
		seen bool
		// removed is set once the entry is dropped; detached once the cache
		// forgot it.
		removed  bool
		detached bool
	}

	runState int
)

const (
	stateIdle runState = iota
	stateReplaying
	stateQueryPending
	stateEvicting
)

func (s runState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateReplaying:
		return "replaying"
	case stateQueryPending:
		return "query_pending"
	case stateEvicting:
		return "evicting"
	default:
		return fmt.Sprintf("runState(%d)", int(s))
	}
}

// newRunCache returns a cache admitting up to maxCached runs. Zero still
// admits one run at a time; the worker evicts it once its task is done.
func newRunCache(maxCached int, taskQueue string) (*runCache, error) {
	capacity := max(maxCached, 1)
	lru, err := simplelru.NewLRU[string, *runEntry](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("create run cache: %w", err)
	}
	return &runCache{
		lru:       lru,
		capacity:  capacity,
		taskQueue: taskQueue,
		queued:    make(map[string]struct{}),
	}, nil
}

func newRunEntry(resp *workflowservice.PollWorkflowTaskQueueResponse, taskQueue string) *runEntry {
	exec := resp.GetWorkflowExecution()
	return &runEntry{
		runID:      exec.GetRunId(),
		workflowID: exec.GetWorkflowId(),
		machine:    machines.New(exec.GetWorkflowId(), exec.GetRunId(), taskQueue),
	}
}

// ingest routes a poll response to its run, creating the entry when there is
// room. It returns the runs picked for eviction to make room.
func (c *runCache) ingest(resp *workflowservice.PollWorkflowTaskQueueResponse) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.admission = append(c.admission, resp)
	c.admitLocked()
	return c.selectVictimsLocked()
}

// getOrCreateLocked returns the live entry for resp's run, creating it when
// there is room. It returns nil when the run is not cached and the cache is
// full.
func (c *runCache) getOrCreateLocked(resp *workflowservice.PollWorkflowTaskQueueResponse) *runEntry {
	runID := resp.GetWorkflowExecution().GetRunId()
	e, ok := c.lru.Get(runID)
	if ok {
		e.mu.Lock()
		live := !e.removed
		e.mu.Unlock()
		if live {
			return e
		}
	} else if c.lru.Len() >= c.capacity {
		return nil
	}
	// A removed entry not yet detached is replaced in place.
	e = newRunEntry(resp, c.taskQueue)
	c.lru.Add(runID, e)
	return e
}

// admitLocked moves waiting poll responses into their run entries. Responses
// for the same run keep their order.
func (c *runCache) admitLocked() {
	waiting := c.admission[:0:0]
	for _, resp := range c.admission {
		e := c.getOrCreateLocked(resp)
		if e == nil {
			waiting = append(waiting, resp)
			continue
		}
		e.mu.Lock()
		e.buffered = append(e.buffered, resp)
		e.mu.Unlock()
		c.markReadyLocked(e.runID)
	}
	c.admission = waiting
}

// selectVictimsLocked requests CacheFull evictions of idle runs, least
// recently used first, until enough slots are being freed for the runs
// waiting in the admission queue.
func (c *runCache) selectVictimsLocked() []string {
	if len(c.admission) == 0 {
		return nil
	}
	waiting := make(map[string]struct{})
	for _, resp := range c.admission {
		waiting[resp.GetWorkflowExecution().GetRunId()] = struct{}{}
	}
	need := len(waiting)
	keys := c.lru.Keys()
	for _, k := range keys {
		e, _ := c.lru.Peek(k)
		e.mu.Lock()
		if e.eviction != nil || e.removed {
			need--
		}
		e.mu.Unlock()
	}
	var victims []string
	for _, k := range keys {
		if need <= 0 {
			break
		}
		e, _ := c.lru.Peek(k)
		e.mu.Lock()
		if e.idle() && e.requestEviction(&evictionRequest{
			reason:  api.EvictionReasonCacheFull,
			message: "workflow cache is full",
		}) {
			need--
			victims = append(victims, k)
			c.markReadyLocked(k)
		}
		e.mu.Unlock()
	}
	return victims
}

// remove forgets e and puts its buffered poll responses back at the front of
// the admission queue.
func (c *runCache) remove(e *runEntry, buffered []*workflowservice.PollWorkflowTaskQueueResponse) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.lru.Peek(e.runID); ok && cur == e {
		c.lru.Remove(e.runID)
	}
	if len(buffered) > 0 {
		c.admission = append(append([]*workflowservice.PollWorkflowTaskQueueResponse(nil), buffered...), c.admission...)
	}
	c.admitLocked()
	return c.selectVictimsLocked()
}

// balance admits waiting responses and picks victims after a run became idle.
func (c *runCache) balance() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.admission) == 0 {
		return nil
	}
	c.admitLocked()
	return c.selectVictimsLocked()
}

func (c *runCache) lookup(runID string) (*runEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Peek(runID)
}

func (c *runCache) isCached(runID string) bool {
	e, ok := c.lookup(runID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.removed
}

func (c *runCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *runCache) markReady(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markReadyLocked(runID)
}

func (c *runCache) markReadyLocked(runID string) {
	if _, ok := c.queued[runID]; ok {
		return
	}
	c.queued[runID] = struct{}{}
	c.ready = append(c.ready, runID)
}

// popReady returns the next entry that may have work.
func (c *runCache) popReady() (*runEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.ready) > 0 {
		id := c.ready[0]
		c.ready = c.ready[1:]
		delete(c.queued, id)
		if e, ok := c.lru.Peek(id); ok {
			return e, true
		}
	}
	return nil, false
}

// idle reports whether the run holds no work at all. Must be called with
// e.mu held.
func (e *runEntry) idle() bool {
	return e.task == nil && e.outstanding == nil && !e.busy && len(e.buffered) == 0 && !e.removed
}

// state derives the run's position in the activation cycle. Must be called
// with e.mu held.
func (e *runEntry) state() runState {
	switch {
	case e.outstanding != nil && e.outstanding.IsEviction():
		return stateEvicting
	case e.task == nil:
		return stateIdle
	case e.task.caughtUp() && e.task.queries.unanswered() > 0:
		return stateQueryPending
	default:
		return stateReplaying
	}
}

// unlocked runs fn with e.mu released and the entry marked busy. It must be
// called with e.mu held and returns with e.mu held.
func (e *runEntry) unlocked(fn func()) {
	e.busy = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.busy = false
	}()
	fn()
}

// deliver records act as the outstanding activation.
func (e *runEntry) deliver(act *api.Activation) *api.Activation {
	e.outstanding = act
	if !act.IsEviction() {
		e.seen = true
	}
	return act
}

func (e *runEntry) activation(replaying bool, jobs []api.Job) *api.Activation {
	return &api.Activation{
		RunID:       e.runID,
		WorkflowID:  e.workflowID,
		IsReplaying: replaying,
		Jobs:        jobs,
	}
}
