package worker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/wfcore/runtime/worker/api"
	"goa.design/wfcore/runtime/worker/history"
	"goa.design/wfcore/runtime/worker/history/historytest"
)

func TestRunCacheAdmitsUpToCapacity(t *testing.T) {
	b := historytest.SingleTimer("1")
	c, err := newRunCache(2, "q")
	require.NoError(t, err)

	require.Empty(t, c.ingest(b.PollResponse("wf", "a", b.ToTask(1))))
	require.Empty(t, c.ingest(b.PollResponse("wf", "b", b.ToTask(1))))
	require.Equal(t, 2, c.len())

	// Both runs hold a buffered task, so none can be evicted.
	require.Empty(t, c.ingest(b.PollResponse("wf", "c", b.ToTask(1))))
	require.Len(t, c.admission, 1)
	require.False(t, c.isCached("c"))
}

func TestRunCacheEvictsLeastRecentlyUsedIdleRun(t *testing.T) {
	b := historytest.SingleTimer("1")
	c, err := newRunCache(2, "q")
	require.NoError(t, err)
	c.ingest(b.PollResponse("wf", "a", b.ToTask(1)))
	c.ingest(b.PollResponse("wf", "b", b.ToTask(1)))
	for _, id := range []string{"a", "b"} {
		e, ok := c.lookup(id)
		require.True(t, ok)
		e.buffered = nil
	}

	victims := c.ingest(b.PollResponse("wf", "c", b.ToTask(1)))
	require.Equal(t, []string{"a"}, victims)
	require.Equal(t, []string{"a"}, c.takeReadyEvictions())

	// A second waiting run picks the next victim only.
	victims = c.ingest(b.PollResponse("wf", "d", b.ToTask(1)))
	require.Equal(t, []string{"b"}, victims)

	// A third waiting run finds nothing idle left.
	require.Empty(t, c.ingest(b.PollResponse("wf", "e", b.ToTask(1))))
}

func TestRunCacheRemoveRequeuesBuffered(t *testing.T) {
	b := historytest.SingleTimer("1")
	c, err := newRunCache(1, "q")
	require.NoError(t, err)
	first := b.PollResponse("wf", "a", b.ToTask(1))
	c.ingest(first)
	waiting := b.PollResponse("wf", "b", b.ToTask(1))
	c.ingest(waiting)

	e, ok := c.lookup("a")
	require.True(t, ok)
	e.removed = true
	buffered := e.buffered
	e.buffered = nil
	c.remove(e, buffered)

	// a's buffered response goes back first and takes the free slot again.
	cur, ok := c.lookup("a")
	require.True(t, ok)
	require.NotSame(t, e, cur)
	require.Equal(t, buffered, cur.buffered)
	require.Len(t, c.admission, 1)
	require.Same(t, waiting, c.admission[0])
}

func TestRunCacheReadyQueueDedups(t *testing.T) {
	c, err := newRunCache(1, "q")
	require.NoError(t, err)
	e := &runEntry{runID: "a"}
	c.lru.Add("a", e)

	c.markReady("a")
	c.markReady("a")
	got, ok := c.popReady()
	require.True(t, ok)
	require.Same(t, e, got)
	_, ok = c.popReady()
	require.False(t, ok)

	c.markReady("gone")
	_, ok = c.popReady()
	require.False(t, ok)
}

func TestRunEntryState(t *testing.T) {
	b := historytest.SingleTimer("1")
	resp := b.PollResponse("wf", "a", b.Task(2))

	tests := []struct {
		name  string
		setup func(e *runEntry)
		want  runState
	}{
		{name: "idle", setup: func(*runEntry) {}, want: stateIdle},
		{
			name: "replaying",
			setup: func(e *runEntry) {
				e.task = &workflowTask{needsFetch: true, queries: newQueryRegistry(resp)}
			},
			want: stateReplaying,
		},
		{
			name: "query pending",
			setup: func(e *runEntry) {
				r := newQueryRegistry(withLegacyQuery(b.PollResponse("wf", "a", nil), historytest.Query("q", nil, nil)))
				r.takeAll()
				e.task = &workflowTask{update: history.NewUpdate(nil, nil, nil, nil), queries: r}
			},
			want: stateQueryPending,
		},
		{
			name: "evicting",
			setup: func(e *runEntry) {
				e.eviction = &evictionRequest{reason: api.EvictionReasonCacheFull}
				e.deliver(e.evictionActivation())
			},
			want: stateEvicting,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newRunEntry(resp, "q")
			tc.setup(e)
			require.Equal(t, tc.want, e.state())
			require.Equal(t, tc.want.String(), e.state().String())
		})
	}
}

func TestRunEntryDrop(t *testing.T) {
	b := historytest.SingleTimer("1")
	resp := b.PollResponse("wf", "a", b.ToTask(1))

	unseen := newRunEntry(resp, "q")
	unseen.drop(api.EvictionReasonCacheMiss, "miss")
	require.True(t, unseen.removed)
	require.Nil(t, unseen.eviction)

	seen := newRunEntry(resp, "q")
	seen.deliver(seen.activation(false, []api.Job{&api.FireTimer{Seq: 1}}))
	seen.outstanding = nil
	seen.drop(api.EvictionReasonCacheMiss, "miss")
	require.False(t, seen.removed)
	require.Equal(t, api.EvictionReasonCacheMiss, seen.eviction.reason)

	// The first eviction reason is kept.
	require.False(t, seen.requestEviction(&evictionRequest{reason: api.EvictionReasonFatal}))
	require.Equal(t, api.EvictionReasonCacheMiss, seen.eviction.reason)
	require.True(t, seen.evictionReady())
}
