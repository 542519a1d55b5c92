// Package worker implements the workflow task cache of a workflow worker.
//
// The worker polls workflow tasks from the server, keeps the replay state of
// recently seen runs, and hands workflow logic one activation at a time per
// run. Queries are delivered only once the run reflects every history event
// the server holds for the task; missing history is fetched only when a
// query needs it. Completions are turned back into a single workflow task
// response carrying commands and query answers, plus a query task response
// when the task carried a legacy query.
//
// Evictions requested while a run is busy are deferred until its workflow
// task is done and are then delivered as a RemoveFromCache activation with
// no other job.
//
// Typical use:
//
//	w, err := worker.New(c, worker.Options{Namespace: "default", TaskQueue: "orders", MaxCachedWorkflows: 100})
//	for {
//		act, err := w.PollActivation(ctx)
//		...
//		err = w.CompleteActivation(ctx, run(act))
//	}
package worker
