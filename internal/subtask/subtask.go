// Package subtask implements the Sub-task Runner: it drives one sub-agent
// through one task and guarantees that at least one valid step is added to
// a graph, or reports a structured failure. The driver abstraction mirrors
// how a multi-provider agent runtime keeps model-specific tool-calling
// loops (Anthropic, OpenAI, Bedrock) behind one narrow interface.
package subtask

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/veupathdb/strategy-orchestration-core/internal/graph"
	"github.com/veupathdb/strategy-orchestration-core/internal/model"
	"github.com/veupathdb/strategy-orchestration-core/internal/telemetry"
)

// maxRounds bounds the per-task retry loop.
const maxRounds = 5

// ChatTurn is a sanitized conversation turn handed to a sub-agent: plain
// user/assistant content with all tool-call framing stripped.
type ChatTurn struct {
	Role    string // "user" | "assistant"
	Content string
}

// RoundOutcome is what a SubAgent reports after driving one round: the steps
// it caused to be added to the graph during the round, plus any tool errors
// it hit along the way.
type RoundOutcome struct {
	StepsAdded []string
	Errors     []string
}

// SubAgent drives one round of sub-agent conversation against a graph,
// streaming tool-call activity through emit. Concrete drivers
// (anthropicdriver, openaidriver, bedrockdriver) adapt a specific model
// provider's tool-calling loop to this seam.
type SubAgent interface {
	RunRound(ctx context.Context, prompt string, history []ChatTurn, emit Emitter) (RoundOutcome, error)
}

// Emitter streams sub-agent tool-call and lifecycle events up to the Turn
// Event Pipeline (C6). The concrete event shapes are defined by package
// events; subtask only needs to forward opaque type/data pairs so it has no
// import-time dependency on the pipeline.
type Emitter func(eventType string, data map[string]any)

// Request bundles the inputs to RunSubtask.
type Request struct {
	TaskID            string
	Task              string
	Goal              string
	DependencyContext string
	ChatHistory       []ChatTurn
}

// SanitizeHistory strips tool-call and tool-result turns from history,
// keeping only plain user/assistant content, so a sub-agent cannot attempt
// to "continue" its parent's tool-call sequence.
func SanitizeHistory(history []ChatTurn) []ChatTurn {
	out := make([]ChatTurn, 0, len(history))
	for _, turn := range history {
		if turn.Role == "user" || turn.Role == "assistant" {
			out = append(out, turn)
		}
	}
	return out
}

// BuildPrompt renders the initial round prompt from the task/goal/graph/
// dependency-context tuple. Prompt construction content is otherwise opaque
// to the runner; only dependency-context injection is a hard requirement.
func BuildPrompt(task, goal, graphID, dependencyContext string) string {
	prompt := fmt.Sprintf("Task: %s\nGoal: %s\nGraph: %s", task, goal, graphID)
	if dependencyContext != "" {
		prompt += "\n" + dependencyContext
	}
	return prompt
}

// retryPreamble augments the prompt after an empty round with the prior
// round's errors and a nudge to consult catalog capabilities.
func retryPreamble(errs []string) string {
	preamble := "The previous round added no steps to the graph."
	if len(errs) > 0 {
		preamble += fmt.Sprintf(" Errors encountered: %v.", errs)
	}
	preamble += " Consult the catalog capabilities (listSearches/getSearchParameters) before retrying."
	return preamble
}

// RunSubtask drives agent through up to maxRounds rounds against g.
// ctxForRound builds a fresh per-round context with the supplied timeout;
// logger records a warning when a successful round yields anything other
// than exactly one new root, since the caller can then only report a null
// subtree root.
func RunSubtask(ctx context.Context, agent SubAgent, g *graph.Graph, req Request, ctxForRound func(context.Context) (context.Context, context.CancelFunc), emit Emitter, logger telemetry.Logger) model.TaskResult {
	rootsBefore := asSet(g.RootIDs())
	history := SanitizeHistory(req.ChatHistory)
	prompt := BuildPrompt(req.Task, req.Goal, g.ID, req.DependencyContext)

	emit("subkani_task_start", map[string]any{"taskId": req.TaskID, "task": req.Task})

	var lastErrors []string
	for round := 1; round <= maxRounds; round++ {
		roundCtx, cancel := ctxForRound(ctx)
		outcome, err := agent.RunRound(roundCtx, prompt, history, emit)
		cancel()

		if err != nil && roundCtx.Err() != nil {
			emit("subkani_task_end", map[string]any{"taskId": req.TaskID, "status": "timeout"})
			return model.TaskResult{ID: req.TaskID, Task: req.Task, Kind: model.NodeTask, Notes: model.NotesTimeout}
		}

		if len(outcome.StepsAdded) > 0 {
			return finishSuccess(req, g, rootsBefore, outcome, emit, logger)
		}

		lastErrors = outcome.Errors
		if round < maxRounds {
			emit("subkani_task_retry", map[string]any{"taskId": req.TaskID, "round": round, "errors": lastErrors})
			prompt = prompt + "\n\n" + retryPreamble(lastErrors)
		}
	}

	emit("subkani_task_end", map[string]any{"taskId": req.TaskID, "status": "no_steps"})
	return model.TaskResult{ID: req.TaskID, Task: req.Task, Kind: model.NodeTask, Notes: model.NotesNoSteps, Errors: lastErrors}
}

func finishSuccess(req Request, g *graph.Graph, rootsBefore map[string]bool, outcome RoundOutcome, emit Emitter, logger telemetry.Logger) model.TaskResult {
	rootsAfter := asSet(g.RootIDs())
	var newRoots []string
	for id := range rootsAfter {
		if !rootsBefore[id] {
			newRoots = append(newRoots, id)
		}
	}

	var subtreeRoot string
	if len(newRoots) == 1 {
		subtreeRoot = newRoots[0]
	} else if logger != nil {
		logger.Warn(context.Background(), "sub-task round produced an ambiguous subtree root",
			"taskId", req.TaskID, "newRootCount", len(newRoots))
	}

	seen := map[string]bool{}
	var summaries []model.StepSummary
	for _, id := range outcome.StepsAdded {
		if seen[id] {
			continue
		}
		seen[id] = true
		step, ok := g.GetStep(id)
		if !ok {
			continue
		}
		summaries = append(summaries, model.StepSummary{ID: id, Kind: step.Kind(), SearchName: step.SearchName})
		emit("strategy_update", map[string]any{"taskId": req.TaskID, "stepId": id})
	}
	emit("graph_snapshot", map[string]any{"taskId": req.TaskID, "snapshot": g.Snapshot()})
	strategy := g.CurrentStrategy()
	emit("graph_plan", map[string]any{
		"taskId":      req.TaskID,
		"name":        strategy.Name,
		"description": strategy.Description,
		"recordType":  g.RecordType,
		"snapshot":    g.Snapshot(),
	})
	emit("subkani_task_end", map[string]any{"taskId": req.TaskID, "status": "done"})

	return model.TaskResult{
		ID:          req.TaskID,
		Task:        req.Task,
		Kind:        model.NodeTask,
		Steps:       summaries,
		SubtreeRoot: subtreeRoot,
		Notes:       model.NotesCreated,
	}
}

func asSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

// DependencyContextLine renders one dependency's contribution to a
// downstream task's prompt, exactly as the scheduler composes it: "Context
// from <depId> (<depTask>): <depResultSummary>", where depResultSummary is
// the dependency's TaskResult rendered as JSON.
func DependencyContextLine(depID, depTask string, result model.TaskResult) string {
	summary, err := json.Marshal(result)
	if err != nil {
		summary = []byte(fmt.Sprintf("%+v", result))
	}
	return fmt.Sprintf("Context from %s (%s): %s", depID, depTask, string(summary))
}
