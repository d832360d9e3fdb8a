// Package events implements the Turn Event Pipeline: it consumes the
// tagged event stream one conversational turn produces, forwards it to an
// SSE sink, coalesces "thinking" activity for periodic persistence, and at
// finalization folds everything into canonical assistant messages and plan
// records in the conversation store. The Sink/Event split and the
// dispatch-table shape follow the stream package's event-bus pattern used
// elsewhere in this codebase's agent runtimes.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/veupathdb/strategy-orchestration-core/internal/graph"
	"github.com/veupathdb/strategy-orchestration-core/internal/store"
	"github.com/veupathdb/strategy-orchestration-core/internal/telemetry"
)

// thinkingFlushInterval bounds how often the coalesced thinking payload is
// persisted while a turn is in flight.
const thinkingFlushInterval = 2 * time.Second

// Event is one SSE-shaped occurrence: a type tag plus an opaque JSON-able
// payload.
type Event struct {
	Type string
	Data map[string]any
}

// Sink delivers Events to a transport (SSE response writer, Pulse stream).
// Implementations must be safe for concurrent Send calls.
type Sink interface {
	Send(ctx context.Context, event Event) error
	Close(ctx context.Context) error
}

// Emitter matches the seam subtask.Emitter and scheduler.Emitter already
// use, so a Pipeline can be wired in under either without an import-time
// dependency between the packages.
type Emitter func(eventType string, data map[string]any)

type toolCall struct {
	id     string
	name   string
	args   map[string]any
	result map[string]any
}

type subkaniTask struct {
	taskName string
	status   string
	calls    []toolCall
}

// Pipeline accumulates one turn's events and owns the bookkeeping the
// finalization sequence folds into the conversation store.
type Pipeline struct {
	mu sync.Mutex

	ctx        context.Context
	sink       Sink
	store      store.Store
	strategyID string
	logger     telemetry.Logger

	assistantMessages []string

	toolCallOrder []string
	toolCalls     map[string]*toolCall

	subkaniOrder map[string][]string // taskName -> ordered toolCall ids
	subkaniTasks map[string]*subkaniTask

	latestPlans          map[string]store.PlanRecord
	latestGraphSnapshots map[string]graph.Snapshot
	pendingStrategyLink  map[string]map[string]any

	seenStrategyUpdates map[string]bool

	lastThinkingFlush time.Time
	thinkingDirty     bool
}

// New constructs a Pipeline for one turn. ctx is the turn's lifetime
// context: event handling and finalization run under it, so cancelling it
// (the client disconnecting from the SSE stream) propagates down.
func New(ctx context.Context, sink Sink, st store.Store, strategyID string, logger telemetry.Logger) *Pipeline {
	return &Pipeline{
		ctx:                  ctx,
		sink:                 sink,
		store:                st,
		strategyID:           strategyID,
		logger:               logger,
		toolCalls:            make(map[string]*toolCall),
		subkaniOrder:         make(map[string][]string),
		subkaniTasks:         make(map[string]*subkaniTask),
		latestPlans:          make(map[string]store.PlanRecord),
		latestGraphSnapshots: make(map[string]graph.Snapshot),
		pendingStrategyLink:  make(map[string]map[string]any),
		seenStrategyUpdates:  make(map[string]bool),
	}
}

// Emitter returns an Emitter bound to this pipeline's OnEvent, for handing
// to subtask.RunSubtask or scheduler.Scheduler.Run.
func (p *Pipeline) Emitter() Emitter {
	return p.OnEvent
}

func (p *Pipeline) send(event Event) {
	if p.sink == nil {
		return
	}
	if err := p.sink.Send(p.ctx, event); err != nil && p.logger != nil {
		p.logger.Warn(p.ctx, "turn event pipeline: sink send failed", "eventType", event.Type, "error", err)
	}
}

func resolveGraphID(data map[string]any, fallback string) string {
	if id, ok := data["graphId"].(string); ok && id != "" {
		return id
	}
	return fallback
}

// OnEvent dispatches one tagged event: it updates the pipeline's per-turn
// state and (for every type except the buffered strategy_link) forwards the
// event to the sink. A strategy_update whose stepId was already seen this
// turn is dropped rather than forwarded.
func (p *Pipeline) OnEvent(eventType string, data map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch eventType {
	case "message_start":
		payload := map[string]any{
			"strategyId": p.strategyID,
			"authToken":  data["authToken"],
		}
		p.send(Event{Type: eventType, Data: payload})

	case "assistant_message":
		if content, ok := data["content"].(string); ok {
			p.assistantMessages = append(p.assistantMessages, content)
		}
		p.send(Event{Type: eventType, Data: data})

	case "graph_snapshot":
		graphID := resolveGraphID(data, p.strategyID)
		if snap, ok := data["snapshot"].(graph.Snapshot); ok {
			p.latestGraphSnapshots[graphID] = snap
		}
		p.send(Event{Type: eventType, Data: data})

	case "graph_plan":
		graphID := resolveGraphID(data, p.strategyID)
		plan := store.PlanRecord{GraphID: graphID}
		if name, ok := data["name"].(string); ok {
			plan.Name = name
		}
		if rt, ok := data["recordType"].(string); ok {
			plan.RecordType = rt
		}
		if desc, ok := data["description"].(string); ok {
			plan.Description = desc
		}
		plan.Snapshot = data["snapshot"]
		p.latestPlans[graphID] = plan
		p.send(Event{Type: eventType, Data: data})

	case "graph_cleared":
		graphID := resolveGraphID(data, p.strategyID)
		delete(p.latestPlans, graphID)
		p.send(Event{Type: eventType, Data: data})

	case "graph_deleted":
		graphID := resolveGraphID(data, p.strategyID)
		plan := p.latestPlans[graphID]
		plan.GraphID = graphID
		plan.Empty = true
		p.latestPlans[graphID] = plan
		p.send(Event{Type: eventType, Data: data})

	case "tool_call_start", "subkani_tool_call_start":
		p.registerToolCallStart(eventType, data)
		p.send(Event{Type: eventType, Data: data})

	case "tool_call_end", "subkani_tool_call_end":
		p.registerToolCallEnd(data)
		p.thinkingDirty = true
		p.send(Event{Type: eventType, Data: data})
		p.maybeFlushThinkingLocked(false)

	case "subkani_task_start", "subkani_task_end", "subkani_task_retry":
		p.registerSubkaniStatus(eventType, data)
		p.thinkingDirty = true
		p.send(Event{Type: eventType, Data: data})
		p.maybeFlushThinkingLocked(false)

	case "strategy_update":
		if stepID, ok := data["stepId"].(string); ok && stepID != "" {
			if p.seenStrategyUpdates[stepID] {
				return
			}
			p.seenStrategyUpdates[stepID] = true
		}
		p.send(Event{Type: eventType, Data: data})

	case "strategy_link":
		graphID := resolveGraphID(data, p.strategyID)
		p.pendingStrategyLink[graphID] = data
		if extID, ok := data["externalStrategyId"].(string); ok && extID != "" && p.store != nil {
			if err := p.store.SetExternalStrategyID(p.ctx, p.strategyID, extID); err != nil && p.logger != nil {
				p.logger.Warn(p.ctx, "turn event pipeline: failed to persist external strategy id", "error", err)
			}
		}
		// Buffered: emitted at finalization once strategySnapshotId is known.

	case "error":
		p.send(Event{Type: eventType, Data: data})

	default:
		p.send(Event{Type: eventType, Data: data})
	}
}

func (p *Pipeline) registerToolCallStart(eventType string, data map[string]any) {
	id, _ := data["callId"].(string)
	if id == "" {
		return
	}
	name, _ := data["name"].(string)
	args, _ := data["args"].(map[string]any)
	call := &toolCall{id: id, name: name, args: args}
	p.toolCalls[id] = call
	p.toolCallOrder = append(p.toolCallOrder, id)

	if eventType == "subkani_tool_call_start" {
		taskName, _ := data["taskName"].(string)
		if taskName != "" {
			p.subkaniOrder[taskName] = append(p.subkaniOrder[taskName], id)
		}
	}
}

func (p *Pipeline) registerToolCallEnd(data map[string]any) {
	id, _ := data["callId"].(string)
	if id == "" {
		return
	}
	call, ok := p.toolCalls[id]
	if !ok {
		call = &toolCall{id: id}
		p.toolCalls[id] = call
		p.toolCallOrder = append(p.toolCallOrder, id)
	}
	if result, ok := data["result"].(map[string]any); ok {
		call.result = result
	}
}

func (p *Pipeline) registerSubkaniStatus(eventType string, data map[string]any) {
	taskName, _ := data["taskId"].(string)
	if taskName == "" {
		taskName, _ = data["task"].(string)
	}
	if taskName == "" {
		return
	}
	task, ok := p.subkaniTasks[taskName]
	if !ok {
		task = &subkaniTask{taskName: taskName}
		p.subkaniTasks[taskName] = task
	}
	switch eventType {
	case "subkani_task_start":
		task.status = "running"
	case "subkani_task_retry":
		task.status = "retrying"
	case "subkani_task_end":
		if status, ok := data["status"].(string); ok {
			task.status = status
		} else {
			task.status = "done"
		}
	}
}

// maybeFlushThinkingLocked persists the coalesced thinking payload when
// force is set, or when it is dirty and thinkingFlushInterval has elapsed
// since the last flush. Callers must hold p.mu.
func (p *Pipeline) maybeFlushThinkingLocked(force bool) {
	if !p.thinkingDirty && !force {
		return
	}
	if !force && time.Since(p.lastThinkingFlush) < thinkingFlushInterval {
		return
	}
	if p.store != nil {
		payload := p.thinkingPayloadLocked()
		if err := p.store.UpdateThinking(p.ctx, p.strategyID, payload); err != nil && p.logger != nil {
			p.logger.Warn(p.ctx, "turn event pipeline: failed to flush thinking", "error", err)
		}
	}
	p.lastThinkingFlush = time.Now()
	p.thinkingDirty = false
}

func (p *Pipeline) thinkingPayloadLocked() map[string]any {
	return map[string]any{
		"toolCalls": p.normalizeToolCallsLocked(),
		"subkani":   p.normalizeSubkaniActivityLocked(),
	}
}

func (p *Pipeline) normalizeToolCallsLocked() []store.ToolCallRecord {
	out := make([]store.ToolCallRecord, 0, len(p.toolCallOrder))
	for _, id := range p.toolCallOrder {
		c := p.toolCalls[id]
		out = append(out, store.ToolCallRecord{ID: c.id, Name: c.name, Args: c.args, Result: c.result})
	}
	return out
}

func (p *Pipeline) normalizeSubkaniActivityLocked() []store.SubkaniActivity {
	out := make([]store.SubkaniActivity, 0, len(p.subkaniTasks))
	for taskName, task := range p.subkaniTasks {
		var calls []store.ToolCallRecord
		for _, id := range p.subkaniOrder[taskName] {
			if c, ok := p.toolCalls[id]; ok {
				calls = append(calls, store.ToolCallRecord{ID: c.id, Name: c.name, Args: c.args, Result: c.result})
			}
		}
		out = append(out, store.SubkaniActivity{TaskName: task.taskName, Status: task.status, Calls: calls})
	}
	return out
}

// Finalize runs the end-of-turn sequence: force-flushing and clearing
// thinking, folding tool/sub-task activity into the last assistant message
// (injecting a placeholder message if the turn produced activity but no
// text), persisting messages and the latest plan per graph, releasing
// buffered strategy_link events, and emitting message_end.
func (p *Pipeline) Finalize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.maybeFlushThinkingLocked(true)
	if p.store != nil {
		if err := p.store.ClearThinking(ctx, p.strategyID); err != nil {
			return err
		}
	}

	toolCalls := p.normalizeToolCallsLocked()
	subkani := p.normalizeSubkaniActivityLocked()

	if len(p.assistantMessages) == 0 && (len(toolCalls) > 0 || len(subkani) > 0) {
		p.assistantMessages = append(p.assistantMessages, "Done.")
	}

	for i, content := range p.assistantMessages {
		msg := store.Message{Role: "assistant", Content: SanitizeMarkdown(content)}
		if i == len(p.assistantMessages)-1 {
			msg.ToolCalls = toolCalls
			msg.SubkaniActivity = subkani
		}
		if p.store != nil {
			if err := p.store.AppendMessage(ctx, p.strategyID, msg); err != nil {
				return err
			}
		}
	}

	for graphID, plan := range p.latestPlans {
		if p.store != nil {
			if err := p.store.UpdatePlan(ctx, p.strategyID, graphID, plan); err != nil {
				return err
			}
		}
	}

	for _, link := range p.pendingStrategyLink {
		linked := make(map[string]any, len(link)+1)
		for k, v := range link {
			linked[k] = v
		}
		linked["strategySnapshotId"] = p.strategyID
		p.send(Event{Type: "strategy_link", Data: linked})
	}

	p.send(Event{Type: "message_end", Data: map[string]any{"strategyId": p.strategyID}})
	return nil
}
