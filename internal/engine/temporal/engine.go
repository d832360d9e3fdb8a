// Package temporal promotes engine.Engine.RunDAG to a durable, replay-safe
// Temporal workflow: the same node-dependency DAG the in-process inmem
// engine walks with goroutines is instead walked deterministically inside a
// Temporal workflow, with each job's Run closure executed as a Temporal
// activity. A worker crash mid-run resumes from Temporal's event history
// instead of losing progress.
package temporal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/veupathdb/strategy-orchestration-core/internal/engine"
)

const (
	workflowName = "DelegationPlanDAG"
	activityName = "RunDelegationJob"
)

// Options configures the Temporal-backed engine. Either Client or
// ClientOptions must be provided; TaskQueue is always required.
type Options struct {
	// Client is a pre-configured Temporal client. If nil, New builds one
	// from ClientOptions.
	Client client.Client

	// ClientOptions constructs the Temporal client when Client is nil.
	ClientOptions *client.Options

	// TaskQueue is the single queue this engine's worker polls.
	TaskQueue string

	// WorkerOptions is forwarded to worker.New.
	WorkerOptions worker.Options

	// DisableTracing skips installing the OTEL tracing interceptor.
	DisableTracing bool
}

// Engine implements engine.Engine by running jobs.RunDAG as one Temporal
// workflow execution per call, with each engine.Job's Run closure invoked as
// a Temporal activity.
type Engine struct {
	client      client.Client
	closeClient bool
	taskQueue   string
	worker      worker.Worker

	startOnce sync.Once
	startErr  error
	runSeq    atomic.Int64

	mu       sync.Mutex
	registry map[string]map[string]func(context.Context) error // runID -> jobID -> Run
}

// New constructs a Temporal engine bound to a single task queue, registering
// the DAG workflow and job activity on a worker that New.RunDAG starts
// lazily on first use.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporal engine: task queue is required")
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		if !opts.DisableTracing {
			tracer, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
			if err != nil {
				return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
			}
			clientOpts.Interceptors = append(clientOpts.Interceptors, tracer)
		}
		var err error
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	e := &Engine{
		client:      cli,
		closeClient: closeClient,
		taskQueue:   opts.TaskQueue,
		registry:    make(map[string]map[string]func(context.Context) error),
	}

	e.worker = worker.New(cli, opts.TaskQueue, opts.WorkerOptions)
	e.worker.RegisterWorkflowWithOptions(dagWorkflow, workflow.RegisterOptions{Name: workflowName})
	e.worker.RegisterActivityWithOptions(e.runJobActivity, activity.RegisterOptions{Name: activityName})

	return e, nil
}

// Close stops the worker and, if this Engine created the client, closes it.
func (e *Engine) Close() {
	e.worker.Stop()
	if e.closeClient {
		e.client.Close()
	}
}

func (e *Engine) ensureStarted() error {
	e.startOnce.Do(func() {
		go func() {
			if err := e.worker.Run(worker.InterruptCh()); err != nil {
				e.startErr = err
			}
		}()
	})
	return e.startErr
}

// dagJob is the serializable projection of an engine.Job that crosses the
// Temporal wire; Run cannot be serialized, so the workflow only ever sees ID
// and Deps and calls back into the RunDelegationJob activity
// (runJobActivity) keyed by runID/jobID.
type dagJob struct {
	ID   string
	Deps []string
}

type dagWorkflowInput struct {
	RunID string
	Jobs  []dagJob
}

type runJobInput struct {
	RunID string
	JobID string
}

// RunDAG implements engine.Engine by registering every job's Run closure
// under a fresh run id, then executing dagWorkflow and blocking for its
// result. The registry entry is released once the workflow completes.
// maxConcurrency is not passed to the workflow, so this engine does not
// bound how many jobs run at once.
func (e *Engine) RunDAG(ctx context.Context, jobs []engine.Job, maxConcurrency int) error {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if err := e.ensureStarted(); err != nil {
		return err
	}

	runID := fmt.Sprintf("delegation-dag-%d-%d", time.Now().UnixNano(), e.runSeq.Add(1))

	byID := make(map[string]func(context.Context) error, len(jobs))
	wireJobs := make([]dagJob, 0, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j.Run
		wireJobs = append(wireJobs, dagJob{ID: j.ID, Deps: j.Deps})
	}

	e.mu.Lock()
	e.registry[runID] = byID
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.registry, runID)
		e.mu.Unlock()
	}()

	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        runID,
		TaskQueue: e.taskQueue,
	}, workflowName, dagWorkflowInput{RunID: runID, Jobs: wireJobs})
	if err != nil {
		return fmt.Errorf("temporal engine: start workflow: %w", err)
	}

	return run.Get(ctx, nil)
}

// runJobActivity looks up the Run closure the matching RunDAG call
// registered and invokes it. Job failures are swallowed (not retried,
// not propagated) to match engine.Engine's contract that individual job
// failures are the scheduler's concern, not the DAG walk's.
func (e *Engine) runJobActivity(ctx context.Context, in runJobInput) error {
	e.mu.Lock()
	byID := e.registry[in.RunID]
	e.mu.Unlock()
	if byID == nil {
		return fmt.Errorf("temporal engine: no registered jobs for run %q", in.RunID)
	}
	run, ok := byID[in.JobID]
	if !ok {
		return fmt.Errorf("temporal engine: run %q has no job %q", in.RunID, in.JobID)
	}
	_ = run(ctx)
	return nil
}

// dagWorkflow walks the dependency DAG deterministically: it keeps
// scheduling every job whose dependencies have all completed, one activity
// per job, until all jobs have run. Temporal's own activity-task-queue
// backpressure bounds how many run concurrently; this workflow does not
// additionally throttle beyond that.
func dagWorkflow(ctx workflow.Context, input dagWorkflowInput) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	pending := make(map[string]int, len(input.Jobs))
	dependents := make(map[string][]string, len(input.Jobs))
	for _, j := range input.Jobs {
		pending[j.ID] = len(j.Deps)
	}
	for _, j := range input.Jobs {
		for _, dep := range j.Deps {
			dependents[dep] = append(dependents[dep], j.ID)
		}
	}

	remaining := len(input.Jobs)
	if remaining == 0 {
		return nil
	}

	selector := workflow.NewSelector(ctx)

	schedule := func(jobID string) {
		future := workflow.ExecuteActivity(ctx, activityName, runJobInput{RunID: input.RunID, JobID: jobID})
		selector.AddFuture(future, func(f workflow.Future) {
			remaining--
			_ = f.Get(ctx, nil)
			for _, dep := range dependents[jobID] {
				pending[dep]--
				if pending[dep] == 0 {
					schedule(dep)
				}
			}
		})
	}

	for _, j := range input.Jobs {
		if pending[j.ID] == 0 {
			schedule(j.ID)
		}
	}

	for remaining > 0 {
		selector.Select(ctx)
	}

	return nil
}
