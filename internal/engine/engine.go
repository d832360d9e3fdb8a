// Package engine abstracts how the Delegation Scheduler's per-node work is
// actually carried out, so a deployment can promote a plan run from a plain
// in-process worker pool to a durable, replay-safe Temporal workflow without
// changing scheduler.Scheduler's dependency-graph logic at all. The
// scheduler computes the DAG and the per-node closures; engines only decide
// how those closures get run and how many run at once.
package engine

import "context"

// Job is one unit of scheduler work: a node id, the ids of jobs it depends
// on, and the closure that performs it. Run must be safe to call from any
// goroutine and must not itself spawn unbounded concurrency; the engine
// decides how many jobs run at once (see Engine).
type Job struct {
	ID   string
	Deps []string
	Run  func(ctx context.Context) error
}

// Engine executes a DAG of Jobs to completion, respecting Deps, returning
// once every job has run (or ctx is cancelled). The inmem engine runs at
// most maxConcurrency jobs at once; the temporal engine does not pass
// maxConcurrency to its workflow and does not enforce it.
// Job failures are reported through each Job's own Run closure (the
// scheduler records per-node failures itself); Engine.RunDAG only returns an
// error when the DAG itself could not be scheduled (for example: a durable
// backend rejected the run), not when an individual job's Run returns one.
type Engine interface {
	RunDAG(ctx context.Context, jobs []Job, maxConcurrency int) error
}
