// Package model holds the data-model entities shared across the
// orchestration layer: DelegationPlan, TaskResult, and the building blocks
// the Event catalog streamed by the Turn Event Pipeline is built from. These
// types have no behavior of their own; they are the vocabulary the Sub-task
// Runner, Delegation Scheduler, and Turn Event Pipeline exchange.
package model

import "github.com/veupathdb/strategy-orchestration-core/internal/graph"

// NodeKind discriminates a DelegationPlan node.
type NodeKind string

const (
	// NodeTask is a unit of work handed to one sub-agent.
	NodeTask NodeKind = "task"
	// NodeCombine materializes a combine step from its dependencies' outputs.
	NodeCombine NodeKind = "combine"
)

// DelegationNode is one entry of a DelegationPlan.
type DelegationNode struct {
	ID        string
	Kind      NodeKind
	DependsOn []string

	// Task-kind fields.
	Task    string
	Hint    string
	Context map[string]any

	// Combine-kind fields.
	Inputs      []string
	Operator    graph.Operator
	DisplayName string
	Upstream    int
	Downstream  int
}

// DelegationPlan is the scheduler's input, produced by the planner and
// consumed once.
type DelegationPlan struct {
	Nodes []DelegationNode
}

// StepSummary is the compact per-step shape a TaskResult reports, avoiding a
// dependency from TaskResult on the full graph.StepNode for callers that
// only need id/kind/searchName.
type StepSummary struct {
	ID         string
	Kind       graph.Kind
	SearchName string
}

// TaskNotes is the terminal status of a Sub-task Runner invocation.
type TaskNotes string

const (
	NotesCreated TaskNotes = "created"
	NotesTimeout TaskNotes = "timeout"
	NotesNoSteps TaskNotes = "no_steps"
)

// TaskResult is the output of the Sub-task Runner (C4) and the unit the
// Delegation Scheduler (C5) passes downstream as dependency context.
type TaskResult struct {
	ID          string
	Task        string
	Kind        NodeKind
	Steps       []StepSummary
	SubtreeRoot string
	Notes       TaskNotes
	Errors      []string
}
