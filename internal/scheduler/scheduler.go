// Package scheduler implements the Delegation Scheduler: it executes a
// DelegationPlan concurrently, respecting node dependencies, passing
// dependency results downstream as prompt context, and materializing
// combine nodes into real graph combine steps.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/veupathdb/strategy-orchestration-core/internal/engine"
	"github.com/veupathdb/strategy-orchestration-core/internal/engine/inmem"
	"github.com/veupathdb/strategy-orchestration-core/internal/graph"
	"github.com/veupathdb/strategy-orchestration-core/internal/model"
	"github.com/veupathdb/strategy-orchestration-core/internal/subtask"
	"github.com/veupathdb/strategy-orchestration-core/internal/telemetry"
	"github.com/veupathdb/strategy-orchestration-core/internal/toolerrors"
)

// TaskRunner drives one task node to completion. Callers typically wire
// this to subtask.RunSubtask with a concrete SubAgent bound in.
type TaskRunner func(ctx context.Context, node model.DelegationNode, dependencyContext string) model.TaskResult

// Emitter streams scheduler-level lifecycle events; it is the same seam
// subtask.Emitter uses so both layers can share one sink.
type Emitter func(eventType string, data map[string]any)

// Result is the scheduler's final output, partitioned the way downstream
// synthesis needs it: task results (failed tasks included, marked by their
// Notes), materialized combine step ids, and combine failures, none of
// which stop the rest of the plan. There is no separate bucket for
// rejected tasks.
type Result struct {
	Results        map[string]model.TaskResult
	CombineResults map[string]string
	CombineErrors  map[string]*toolerrors.CodedError
}

// Scheduler runs DelegationPlans against a single graph, passing
// maxConcurrency to the engine (the inmem engine enforces it; the temporal
// engine does not), delegating the actual execution of the plan's DAG to
// an engine.Engine so the run can be promoted to a durable backend without
// touching this dependency/combine logic.
type Scheduler struct {
	maxConcurrency int
	runTask        TaskRunner
	engine         engine.Engine
	metrics        telemetry.Metrics
	tracer         telemetry.Tracer
}

// New constructs a Scheduler backed by the in-process inmem engine.
// maxConcurrency below 1 is treated as 1.
func New(maxConcurrency int, runTask TaskRunner) *Scheduler {
	return NewWithEngine(maxConcurrency, runTask, inmem.New())
}

// NewWithEngine constructs a Scheduler backed by an arbitrary engine.Engine,
// letting a deployment promote plan execution to a durable backend (for
// example engine/temporal.Engine) without changing how plans are built or
// validated.
func NewWithEngine(maxConcurrency int, runTask TaskRunner, eng engine.Engine) *Scheduler {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Scheduler{
		maxConcurrency: maxConcurrency,
		runTask:        runTask,
		engine:         eng,
		metrics:        telemetry.NewNoopMetrics(),
		tracer:         telemetry.NewNoopTracer(),
	}
}

// WithMetrics attaches a metrics recorder; each node's execution increments
// a counter and records a duration timer.
func (s *Scheduler) WithMetrics(m telemetry.Metrics) *Scheduler {
	s.metrics = m
	return s
}

// WithTracer attaches a tracer; each node's execution runs inside its own
// span.
func (s *Scheduler) WithTracer(t telemetry.Tracer) *Scheduler {
	s.tracer = t
	return s
}

type indexedPlan struct {
	nodes map[string]model.DelegationNode
}

// validateAndIndex checks every dependsOn/inputs reference is declared and
// that the dependsOn graph is acyclic.
func validateAndIndex(plan model.DelegationPlan) (indexedPlan, *toolerrors.CodedError) {
	if err := validatePlanSchema(plan); err != nil {
		return indexedPlan{}, err
	}

	nodes := make(map[string]model.DelegationNode, len(plan.Nodes))
	for _, n := range plan.Nodes {
		nodes[n.ID] = n
	}

	for _, n := range plan.Nodes {
		for _, dep := range n.DependsOn {
			if _, ok := nodes[dep]; !ok {
				return indexedPlan{}, planInvalid(fmt.Sprintf("node %q depends on undeclared node %q", n.ID, dep))
			}
		}
		if n.Kind == model.NodeCombine {
			for _, in := range n.Inputs {
				if _, ok := nodes[in]; !ok {
					return indexedPlan{}, planInvalid(fmt.Sprintf("combine node %q references undeclared input %q", n.ID, in))
				}
			}
		}
	}

	if cyclic := hasCycle(nodes); cyclic {
		return indexedPlan{}, planInvalid("delegation plan contains a dependency cycle")
	}

	return indexedPlan{nodes: nodes}, nil
}

func planInvalid(msg string) *toolerrors.CodedError {
	return toolerrors.New(toolerrors.CodeDelegationPlanInvalid, msg)
}

func hasCycle(nodes map[string]model.DelegationNode) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	var visit func(id string) bool
	visit = func(id string) bool {
		switch color[id] {
		case gray:
			return true
		case black:
			return false
		}
		color[id] = gray
		for _, dep := range nodes[id].DependsOn {
			if visit(dep) {
				return true
			}
		}
		color[id] = black
		return false
	}
	for id := range nodes {
		if color[id] == white && visit(id) {
			return true
		}
	}
	return false
}

// Run executes plan against g, returning once every node has completed (or
// the plan was rejected outright as invalid).
func (s *Scheduler) Run(ctx context.Context, plan model.DelegationPlan, g *graph.Graph, emit Emitter) (Result, *toolerrors.CodedError) {
	indexed, verr := validateAndIndex(plan)
	if verr != nil {
		return Result{}, verr
	}

	result := Result{
		Results:        make(map[string]model.TaskResult),
		CombineResults: make(map[string]string),
		CombineErrors:  make(map[string]*toolerrors.CodedError),
	}
	if emit == nil {
		emit = func(string, map[string]any) {}
	}

	var mu sync.Mutex

	process := func(ctx context.Context, id string) error {
		node := indexed.nodes[id]
		depCtx := buildDependencyContext(node, &mu, result.Results)

		ctx, span := s.tracer.Start(ctx, "delegation_node:"+string(node.Kind))
		defer span.End()
		start := time.Now()
		s.metrics.IncCounter("delegation_node_start", 1, "kind", string(node.Kind))
		defer func() {
			s.metrics.RecordTimer("delegation_node_duration", time.Since(start), "kind", string(node.Kind))
		}()

		switch node.Kind {
		case model.NodeTask:
			emit("delegation_node_start", map[string]any{"nodeId": id})
			tr := s.runTask(ctx, node, depCtx)
			mu.Lock()
			result.Results[id] = tr
			mu.Unlock()
			emit("delegation_node_end", map[string]any{"nodeId": id})
		case model.NodeCombine:
			emit("delegation_node_start", map[string]any{"nodeId": id})
			mu.Lock()
			stepID, cerr := materializeCombine(g, node, result.Results, result.CombineResults)
			if cerr != nil {
				result.CombineErrors[id] = cerr
				emit("error", map[string]any{"nodeId": id, "code": string(cerr.Code)})
				span.RecordError(cerr)
			} else {
				result.CombineResults[id] = stepID
			}
			mu.Unlock()
			emit("delegation_node_end", map[string]any{"nodeId": id})
		}
		return nil
	}

	jobs := make([]engine.Job, 0, len(indexed.nodes))
	for id, node := range indexed.nodes {
		id := id
		jobs = append(jobs, engine.Job{
			ID:   id,
			Deps: node.DependsOn,
			Run:  func(ctx context.Context) error { return process(ctx, id) },
		})
	}

	if err := s.engine.RunDAG(ctx, jobs, s.maxConcurrency); err != nil {
		return result, toolerrors.New(toolerrors.CodeDelegationPlanInvalid, err.Error())
	}

	return result, nil
}

// buildDependencyContext concatenates one context line per direct
// dependency, each rendering that dependency's TaskResult as JSON.
func buildDependencyContext(node model.DelegationNode, mu *sync.Mutex, results map[string]model.TaskResult) string {
	mu.Lock()
	defer mu.Unlock()
	var out string
	for _, dep := range node.DependsOn {
		tr, ok := results[dep]
		if !ok {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += subtask.DependencyContextLine(dep, tr.Task, tr)
	}
	return out
}

// materializeCombine left-folds node.Inputs into real combine steps on g:
// inputs[0] seeds the fold, then each subsequent input is combined with the
// running result via node.Operator. The caller must hold mu.
func materializeCombine(g *graph.Graph, node model.DelegationNode, results map[string]model.TaskResult, combineResults map[string]string) (string, *toolerrors.CodedError) {
	if len(node.Inputs) == 0 {
		return "", toolerrors.New(toolerrors.CodeMissingCombineInputs, fmt.Sprintf("combine node %q has no inputs", node.ID))
	}

	resolve := func(inputID string) (string, bool) {
		if tr, ok := results[inputID]; ok {
			if tr.SubtreeRoot != "" {
				return tr.SubtreeRoot, true
			}
			if len(tr.Steps) > 0 {
				return tr.Steps[0].ID, true
			}
			return "", false
		}
		if stepID, ok := combineResults[inputID]; ok {
			return stepID, true
		}
		return "", false
	}

	acc, ok := resolve(node.Inputs[0])
	if !ok {
		return "", toolerrors.New(toolerrors.CodeMissingCombineInputs,
			fmt.Sprintf("combine node %q: input %q did not resolve to a step", node.ID, node.Inputs[0]))
	}

	for i := 1; i < len(node.Inputs); i++ {
		next, ok := resolve(node.Inputs[i])
		if !ok {
			return "", toolerrors.New(toolerrors.CodeMissingCombineInputs,
				fmt.Sprintf("combine node %q: input %q did not resolve to a step", node.ID, node.Inputs[i]))
		}

		step := graph.StepNode{
			PrimaryInput:   acc,
			SecondaryInput: next,
			Operator:       node.Operator,
		}
		if node.Operator == graph.OpColocate {
			step.Colocation = &graph.ColocationParams{Upstream: node.Upstream, Downstream: node.Downstream}
		}
		isFinal := i == len(node.Inputs)-1
		if isFinal {
			step.DisplayName = node.DisplayName
		}

		id, err := g.AddStep(step)
		if err != nil {
			return "", err
		}
		acc = id
	}

	return acc, nil
}
