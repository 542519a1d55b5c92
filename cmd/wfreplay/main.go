// Command wfreplay replays a recorded workflow history through the workflow
// worker and reports the activations it produced. Queries may be issued
// against the replayed state.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	commonpb "go.temporal.io/api/common/v1"
	"goa.design/clue/log"

	"goa.design/wfcore/runtime/worker"
	"goa.design/wfcore/runtime/worker/telemetry"
)

// queryFlag collects repeated -query flags.
type queryFlag []string

func (q *queryFlag) String() string { return strings.Join(*q, ",") }

func (q *queryFlag) Set(v string) error {
	*q = append(*q, v)
	return nil
}

func main() {
	var (
		configF     = flag.String("config", "", "Path to YAML configuration file")
		historyF    = flag.String("history", "", "Path to a JSON encoded workflow history (required)")
		workflowIDF = flag.String("workflow-id", "wfreplay", "Workflow ID of the replayed run")
		runIDF      = flag.String("run-id", "wfreplay-run", "Run ID of the replayed run")
		legacyF     = flag.String("legacy-query", "", "Query type sent through the legacy query field")
		dbgF        = flag.Bool("debug", false, "Log worker activity")
		queries     queryFlag
	)
	flag.Var(&queries, "query", "Query type to ask once replay caught up (repeatable)")
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if *historyF == "" {
		fmt.Fprintln(os.Stderr, "missing -history")
		flag.Usage()
		os.Exit(2)
	}
	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	events, err := loadHistory(*historyF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid history")
	}
	req := replayRequest{
		execution:   &commonpb.WorkflowExecution{WorkflowId: *workflowIDF, RunId: *runIDF},
		events:      events,
		pageSize:    int(cfg.HistoryPageSize),
		queries:     queries,
		legacyQuery: *legacyF,
	}
	rep, err := run(ctx, cfg, req)
	if err != nil {
		log.Fatalf(ctx, err, "replay failed")
	}
	printReport(os.Stdout, rep)
}

func run(ctx context.Context, cfg *config, req replayRequest) (*report, error) {
	c := newReplayClient(req)
	opts := cfg.workerOptions()
	opts.Logger = telemetry.NewClueLogger()
	opts.Metrics = telemetry.NewClueMetrics()
	opts.Tracer = telemetry.NewClueTracer()
	w, err := worker.New(c, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = w.Shutdown(ctx) }()
	log.Print(ctx, log.KV{K: "events", V: len(req.events)}, log.KV{K: "queries", V: len(req.queries)}, log.KV{K: "page-size", V: req.pageSize})
	return replay(ctx, w, c, opts.Logger)
}

func printReport(out io.Writer, rep *report) {
	fmt.Fprintf(out, "activations: %d (%d replaying)\n", rep.Activations, rep.Replaying)
	fmt.Fprintf(out, "jobs: %s\n", strings.Join(rep.Jobs, " "))
	fmt.Fprintf(out, "commands sent: %d\n", rep.Commands)
	if rep.Failed {
		fmt.Fprintln(out, "workflow task failed")
	}
	for _, id := range slices.Sorted(maps.Keys(rep.Answers)) {
		fmt.Fprintf(out, "query %s: %s\n", id, rep.Answers[id])
	}
}
