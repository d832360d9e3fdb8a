package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veupathdb/strategy-orchestration-core/internal/graph"
	"github.com/veupathdb/strategy-orchestration-core/internal/model"
)

// fixedTaskRunner returns a TaskRunner that always produces the same
// TaskResult for a given node, recording the dependencyContext it was
// called with and optionally adding a leaf step to g so combine nodes
// downstream have something real to fold over.
func fixedTaskRunner(t *testing.T, g *graph.Graph, seen *sync.Map) TaskRunner {
	return func(ctx context.Context, node model.DelegationNode, dependencyContext string) model.TaskResult {
		seen.Store(node.ID, dependencyContext)
		id, err := g.AddStep(graph.StepNode{SearchName: node.Task})
		require.Nil(t, err)
		return model.TaskResult{
			ID:          node.ID,
			Task:        node.Task,
			Kind:        model.NodeTask,
			Steps:       []model.StepSummary{{ID: id, Kind: graph.KindLeaf, SearchName: node.Task}},
			SubtreeRoot: id,
			Notes:       model.NotesCreated,
		}
	}
}

func TestRunExecutesIndependentTasksConcurrently(t *testing.T) {
	g := graph.New("gene")
	var seen sync.Map
	s := New(4, fixedTaskRunner(t, g, &seen))

	plan := model.DelegationPlan{Nodes: []model.DelegationNode{
		{ID: "a", Kind: model.NodeTask, Task: "find genes by name"},
		{ID: "b", Kind: model.NodeTask, Task: "find genes by phenotype"},
	}}

	result, err := s.Run(context.Background(), plan, g, nil)
	require.Nil(t, err)
	assert.Len(t, result.Results, 2)
	assert.Contains(t, result.Results, "a")
	assert.Contains(t, result.Results, "b")
}

func TestRunPassesDependencyContextToDownstreamTask(t *testing.T) {
	g := graph.New("gene")
	var seen sync.Map
	s := New(2, fixedTaskRunner(t, g, &seen))

	plan := model.DelegationPlan{Nodes: []model.DelegationNode{
		{ID: "a", Kind: model.NodeTask, Task: "find genes by name"},
		{ID: "b", Kind: model.NodeTask, Task: "filter by phenotype", DependsOn: []string{"a"}},
	}}

	_, err := s.Run(context.Background(), plan, g, nil)
	require.Nil(t, err)

	ctxVal, ok := seen.Load("b")
	require.True(t, ok)
	depCtx := ctxVal.(string)
	assert.Contains(t, depCtx, "Context from a (find genes by name):")
}

func TestRunMaterializesCombineNodeOverTaskResults(t *testing.T) {
	g := graph.New("gene")
	var seen sync.Map
	s := New(2, fixedTaskRunner(t, g, &seen))

	plan := model.DelegationPlan{Nodes: []model.DelegationNode{
		{ID: "a", Kind: model.NodeTask, Task: "find genes by name"},
		{ID: "b", Kind: model.NodeTask, Task: "find genes by phenotype"},
		{ID: "c", Kind: model.NodeCombine, DependsOn: []string{"a", "b"}, Inputs: []string{"a", "b"}, Operator: graph.OpIntersect, DisplayName: "combined"},
	}}

	result, err := s.Run(context.Background(), plan, g, nil)
	require.Nil(t, err)
	require.Contains(t, result.CombineResults, "c")
	require.Empty(t, result.CombineErrors)

	stepID := result.CombineResults["c"]
	step, ok := g.GetStep(stepID)
	require.True(t, ok)
	assert.Equal(t, graph.OpIntersect, step.Operator)
	assert.Equal(t, "combined", step.DisplayName)
	assert.Equal(t, []string{stepID}, g.RootIDs())
}

func TestRunChainsThreeWayCombineAsLeftFold(t *testing.T) {
	g := graph.New("gene")
	var seen sync.Map
	s := New(3, fixedTaskRunner(t, g, &seen))

	plan := model.DelegationPlan{Nodes: []model.DelegationNode{
		{ID: "a", Kind: model.NodeTask, Task: "A"},
		{ID: "b", Kind: model.NodeTask, Task: "B"},
		{ID: "c", Kind: model.NodeTask, Task: "C"},
		{ID: "combo", Kind: model.NodeCombine, DependsOn: []string{"a", "b", "c"}, Inputs: []string{"a", "b", "c"}, Operator: graph.OpUnion},
	}}

	result, err := s.Run(context.Background(), plan, g, nil)
	require.Nil(t, err)
	require.Contains(t, result.CombineResults, "combo")

	final, ok := g.GetStep(result.CombineResults["combo"])
	require.True(t, ok)
	assert.Equal(t, graph.OpUnion, final.Operator)
	inner, ok := g.GetStep(final.PrimaryInput)
	require.True(t, ok)
	assert.Equal(t, graph.OpUnion, inner.Operator)
}

func TestRunReportsMissingCombineInputsWithoutAbortingScheduler(t *testing.T) {
	g := graph.New("gene")
	noStepsRunner := func(ctx context.Context, node model.DelegationNode, dependencyContext string) model.TaskResult {
		return model.TaskResult{ID: node.ID, Task: node.Task, Kind: model.NodeTask, Notes: model.NotesNoSteps, Errors: []string{"no match"}}
	}
	s := New(2, noStepsRunner)

	plan := model.DelegationPlan{Nodes: []model.DelegationNode{
		{ID: "a", Kind: model.NodeTask, Task: "A"},
		{ID: "bad", Kind: model.NodeCombine, DependsOn: []string{"a"}, Inputs: []string{"a"}, Operator: graph.OpUnion},
	}}

	result, err := s.Run(context.Background(), plan, g, nil)
	require.Nil(t, err)
	assert.Len(t, result.Results, 1)
	require.Contains(t, result.CombineErrors, "bad")
	assert.Equal(t, "MISSING_COMBINE_INPUTS", string(result.CombineErrors["bad"].Code))
}

func TestRunRejectsPlanWithUndeclaredDependency(t *testing.T) {
	g := graph.New("gene")
	var seen sync.Map
	s := New(2, fixedTaskRunner(t, g, &seen))

	plan := model.DelegationPlan{Nodes: []model.DelegationNode{
		{ID: "a", Kind: model.NodeTask, Task: "A", DependsOn: []string{"ghost"}},
	}}

	_, err := s.Run(context.Background(), plan, g, nil)
	require.NotNil(t, err)
	assert.Equal(t, "DELEGATION_PLAN_INVALID", string(err.Code))
}

func TestRunRejectsCyclicPlan(t *testing.T) {
	g := graph.New("gene")
	var seen sync.Map
	s := New(2, fixedTaskRunner(t, g, &seen))

	plan := model.DelegationPlan{Nodes: []model.DelegationNode{
		{ID: "a", Kind: model.NodeTask, Task: "A", DependsOn: []string{"b"}},
		{ID: "b", Kind: model.NodeTask, Task: "B", DependsOn: []string{"a"}},
	}}

	_, err := s.Run(context.Background(), plan, g, nil)
	require.NotNil(t, err)
	assert.Equal(t, "DELEGATION_PLAN_INVALID", string(err.Code))
}

func TestRunBoundsConcurrencyToMaxConcurrency(t *testing.T) {
	g := graph.New("gene")
	var active int32
	var maxSeen int32
	var mu sync.Mutex

	runner := func(ctx context.Context, node model.DelegationNode, dependencyContext string) model.TaskResult {
		n := atomic.AddInt32(&active, 1)
		mu.Lock()
		if n > maxSeen {
			maxSeen = n
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		id, _ := g.AddStep(graph.StepNode{SearchName: node.Task})
		return model.TaskResult{ID: node.ID, Task: node.Task, Kind: model.NodeTask, SubtreeRoot: id, Notes: model.NotesCreated}
	}

	s := New(2, runner)
	nodes := make([]model.DelegationNode, 0, 6)
	for i := 0; i < 6; i++ {
		nodes = append(nodes, model.DelegationNode{ID: string(rune('a' + i)), Kind: model.NodeTask, Task: "t"})
	}
	plan := model.DelegationPlan{Nodes: nodes}

	_, err := s.Run(context.Background(), plan, g, nil)
	require.Nil(t, err)
	assert.LessOrEqual(t, maxSeen, int32(2))
}

func TestRunEmitsLifecycleEvents(t *testing.T) {
	g := graph.New("gene")
	var seen sync.Map
	s := New(2, fixedTaskRunner(t, g, &seen))

	var events []string
	var mu sync.Mutex
	emit := func(eventType string, data map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, eventType)
	}

	plan := model.DelegationPlan{Nodes: []model.DelegationNode{
		{ID: "a", Kind: model.NodeTask, Task: "A"},
	}}

	_, err := s.Run(context.Background(), plan, g, emit)
	require.Nil(t, err)
	assert.Contains(t, events, "delegation_node_start")
	assert.Contains(t, events, "delegation_node_end")
}
