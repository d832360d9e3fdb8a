package graph

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/veupathdb/strategy-orchestration-core/internal/toolerrors"
)

// historyLimit bounds the undo stack to the most recent 20 mutations.
const historyLimit = 20

// snapshot is an immutable pre-image of a graph's mutable state, pushed onto
// the undo stack before every mutation.
type snapshot struct {
	steps       map[string]*StepNode
	order       []string
	lastStepID  string
	name        string
	description string
}

// Strategy is the cached, lazily-derived view of "the current strategy":
// the root step plus the graph's display name/description, recomputed from
// lastStepID whenever it is stale.
type Strategy struct {
	RootStepID  string
	Name        string
	Description string
}

// Graph is the in-memory DAG of a single strategy. All exported methods are
// safe for concurrent use: each acquires the graph's own mutex, matching
// the "one mutation at a time" rule enforced by the tool dispatch path.
type Graph struct {
	mu sync.Mutex

	ID          string
	RecordType  string
	name        string
	description string

	steps      map[string]*StepNode
	order      []string // insertion order, preserved across mutation
	lastStepID string

	history []snapshot

	strategyDirty bool
	strategy      Strategy
}

// New constructs an empty Graph for the given record type.
func New(recordType string) *Graph {
	return &Graph{
		ID:            uuid.NewString(),
		RecordType:    recordType,
		steps:         make(map[string]*StepNode),
		order:         nil,
		strategyDirty: true,
	}
}

// snapshotNow captures the current mutable state for the undo stack.
func (g *Graph) snapshotNow() snapshot {
	steps := make(map[string]*StepNode, len(g.steps))
	for id, s := range g.steps {
		steps[id] = s.clone()
	}
	return snapshot{
		steps:       steps,
		order:       append([]string(nil), g.order...),
		lastStepID:  g.lastStepID,
		name:        g.name,
		description: g.description,
	}
}

// pushHistory records a pre-mutation snapshot, trimming the oldest entry once
// the bound is exceeded.
func (g *Graph) pushHistory() {
	g.history = append(g.history, g.snapshotNow())
	if len(g.history) > historyLimit {
		g.history = g.history[len(g.history)-historyLimit:]
	}
}

// restore applies a snapshot back onto the graph; Undo is its only caller.
func (g *Graph) restore(s snapshot) {
	g.steps = s.steps
	g.order = s.order
	g.lastStepID = s.lastStepID
	g.name = s.name
	g.description = s.description
	g.strategyDirty = true
}

// GetStep returns a defensive copy of the step with the given ID, or
// (nil, false) if no such step exists.
func (g *Graph) GetStep(id string) (*StepNode, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.steps[id]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// Steps returns defensive copies of every step, in insertion order.
func (g *Graph) Steps() []*StepNode {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*StepNode, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.steps[id].clone())
	}
	return out
}

// referencesExist validates that a proposed primary/secondary input pair
// refers to steps already present in the graph.
func (g *Graph) referencesExist(primary, secondary string) *toolerrors.CodedError {
	if primary != "" {
		if _, ok := g.steps[primary]; !ok {
			return validationError(toolerrors.CodeInvalidInputRef,
				fmt.Sprintf("primary input %q does not reference an existing step", primary),
				map[string]any{"stepId": primary})
		}
	}
	if secondary != "" {
		if _, ok := g.steps[secondary]; !ok {
			return validationError(toolerrors.CodeInvalidInputRef,
				fmt.Sprintf("secondary input %q does not reference an existing step", secondary),
				map[string]any{"stepId": secondary})
		}
	}
	return nil
}

// kindStructureError validates the combine-specific structural rule: a
// secondary input requires an operator and vice versa, and COLOCATE
// requires Colocation params while other operators must not set them.
func kindStructureError(primary, secondary string, op Operator, colo *ColocationParams) *toolerrors.CodedError {
	hasSecondary := secondary != ""
	hasOperator := op != ""
	if hasSecondary != hasOperator {
		return validationError(toolerrors.CodeInvalidKind,
			"a secondary input requires an operator, and an operator requires a secondary input",
			nil)
	}
	if hasOperator && !ValidOperator(op) {
		return validationError(toolerrors.CodeInvalidKind,
			fmt.Sprintf("unknown operator %q", op), map[string]any{"operator": string(op)})
	}
	if op == OpColocate && colo == nil {
		return validationError(toolerrors.CodeInvalidKind, "COLOCATE requires colocation parameters", nil)
	}
	if op != OpColocate && colo != nil {
		return validationError(toolerrors.CodeInvalidKind, "colocation parameters are only valid with COLOCATE", nil)
	}
	if primary == "" && hasSecondary {
		return validationError(toolerrors.CodeInvalidKind, "a combine step requires a primary input", nil)
	}
	return nil
}

// wouldCycle reports whether adding/retargeting a step whose primary or
// secondary input is newPrimary/newSecondary, under the identifier
// candidateID (may be "" for a not-yet-created step), would introduce a
// cycle. It walks backwards from each proposed input looking for
// candidateID.
func (g *Graph) wouldCycle(candidateID, newPrimary, newSecondary string) bool {
	visited := map[string]bool{}
	var reaches func(from string) bool
	reaches = func(from string) bool {
		if from == "" {
			return false
		}
		if from == candidateID {
			return true
		}
		if visited[from] {
			return false
		}
		visited[from] = true
		s, ok := g.steps[from]
		if !ok {
			return false
		}
		return reaches(s.PrimaryInput) || reaches(s.SecondaryInput)
	}
	return reaches(newPrimary) || reaches(newSecondary)
}

// referencedStepIDs returns the set of step IDs referenced as someone else's
// primary or secondary input.
func (g *Graph) referencedStepIDs() map[string]bool {
	refs := make(map[string]bool)
	for _, s := range g.steps {
		if s.PrimaryInput != "" {
			refs[s.PrimaryInput] = true
		}
		if s.SecondaryInput != "" {
			refs[s.SecondaryInput] = true
		}
	}
	return refs
}

// RootIDs returns the IDs of steps that are not referenced as another step's
// input, in insertion order.
func (g *Graph) RootIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rootIDsLocked()
}

func (g *Graph) rootIDsLocked() []string {
	refs := g.referencedStepIDs()
	roots := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if !refs[id] {
			roots = append(roots, id)
		}
	}
	return roots
}

// AddStep validates and inserts a new step, returning its assigned ID. For a
// combine step, each named input must be a current root of the pre-edit
// graph; operands may subsequently become internal nodes as further
// combines are built atop them, but cannot already be internal at
// construction time.
func (g *Graph) AddStep(input StepNode) (string, *toolerrors.CodedError) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.referencesExist(input.PrimaryInput, input.SecondaryInput); err != nil {
		return "", err
	}
	if err := kindStructureError(input.PrimaryInput, input.SecondaryInput, input.Operator, input.Colocation); err != nil {
		return "", err
	}

	if input.Kind() == KindCombine {
		referenced := g.referencedStepIDs()
		for _, in := range []string{input.PrimaryInput, input.SecondaryInput} {
			if referenced[in] {
				return "", validationError(toolerrors.CodeInvalidKind,
					fmt.Sprintf("input %q is not a subtree root; it is already referenced by another step", in),
					map[string]any{"stepId": in})
			}
		}
	}

	id := uuid.NewString()
	if g.wouldCycle(id, input.PrimaryInput, input.SecondaryInput) {
		return "", validationError(toolerrors.CodeInvalidKind, "adding this step would introduce a cycle", nil)
	}

	g.pushHistory()

	step := input.clone()
	step.ID = id
	g.steps[id] = step
	g.order = append(g.order, id)
	g.lastStepID = id
	g.strategyDirty = true

	return id, nil
}

// UpdateStep applies patch to the identified step. Parameter updates replace
// the full parameter map; operator changes are only permitted when the step
// already has a secondary input (operator changes on a leaf must go
// through delete+recreate — UpdateStep cannot add a secondary input).
func (g *Graph) UpdateStep(id string, patch Patch) *toolerrors.CodedError {
	g.mu.Lock()
	defer g.mu.Unlock()

	existing, ok := g.steps[id]
	if !ok {
		return validationError(toolerrors.CodeStepNotFound, fmt.Sprintf("step %q not found", id), map[string]any{"stepId": id})
	}

	next := existing.clone()
	if patch.SearchName != nil {
		next.SearchName = *patch.SearchName
	}
	if patch.Parameters != nil {
		next.Parameters = make(map[string]string, len(patch.Parameters))
		for k, v := range patch.Parameters {
			next.Parameters[k] = v
		}
	}
	if patch.DisplayName != nil {
		next.DisplayName = *patch.DisplayName
	}
	if patch.Operator != nil {
		if next.SecondaryInput == "" {
			return validationError(toolerrors.CodeInvalidKind,
				"changing the operator requires the step to already have a secondary input", map[string]any{"stepId": id})
		}
		if !ValidOperator(*patch.Operator) {
			return validationError(toolerrors.CodeInvalidKind, fmt.Sprintf("unknown operator %q", *patch.Operator), nil)
		}
		next.Operator = *patch.Operator
	}

	g.pushHistory()
	g.steps[id] = next
	g.strategyDirty = true
	return nil
}

// RenameStep sets a step's display name.
func (g *Graph) RenameStep(id, displayName string) *toolerrors.CodedError {
	g.mu.Lock()
	defer g.mu.Unlock()
	existing, ok := g.steps[id]
	if !ok {
		return validationError(toolerrors.CodeStepNotFound, fmt.Sprintf("step %q not found", id), map[string]any{"stepId": id})
	}
	g.pushHistory()
	next := existing.clone()
	next.DisplayName = displayName
	g.steps[id] = next
	g.strategyDirty = true
	return nil
}

// DeleteStep removes the target step and every step that transitively
// references it, via a fixed-point cascade. If the cascade would remove
// every remaining step, the deletion is rejected with WOULD_EMPTY_GRAPH;
// callers that actually want to empty the graph must use
// Clear(confirm=true) instead.
func (g *Graph) DeleteStep(id string) ([]string, *toolerrors.CodedError) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.steps[id]; !ok {
		return nil, validationError(toolerrors.CodeStepNotFound, fmt.Sprintf("step %q not found", id), map[string]any{"stepId": id})
	}

	toRemove := map[string]bool{id: true}
	for {
		grew := false
		for _, s := range g.steps {
			if toRemove[s.ID] {
				continue
			}
			if toRemove[s.PrimaryInput] || toRemove[s.SecondaryInput] {
				toRemove[s.ID] = true
				grew = true
			}
		}
		if !grew {
			break
		}
	}

	if len(toRemove) == len(g.steps) {
		return nil, validationError(toolerrors.CodeWouldEmptyGraph,
			"deleting this step would remove every remaining step in the graph; use clear(confirm=true) instead",
			map[string]any{"requiresConfirmation": true, "stepId": id})
	}

	g.pushHistory()

	removedIDs := make([]string, 0, len(toRemove))
	newOrder := make([]string, 0, len(g.order)-len(toRemove))
	for _, sid := range g.order {
		if toRemove[sid] {
			removedIDs = append(removedIDs, sid)
			delete(g.steps, sid)
		} else {
			newOrder = append(newOrder, sid)
		}
	}
	g.order = newOrder
	if toRemove[g.lastStepID] {
		if len(newOrder) > 0 {
			g.lastStepID = newOrder[len(newOrder)-1]
		} else {
			g.lastStepID = ""
		}
	}
	g.strategyDirty = true

	return removedIDs, nil
}

// Clear removes every step from the graph. confirm must be true, matching
// the explicit-confirmation path DeleteStep points callers at when a
// cascade would otherwise empty the graph.
func (g *Graph) Clear(confirm bool) *toolerrors.CodedError {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.steps) == 0 {
		return nil
	}
	if !confirm {
		return validationError(toolerrors.CodeConfirmationRequired, "clearing the graph requires confirmation",
			map[string]any{"requiresConfirmation": true})
	}
	g.pushHistory()
	g.steps = make(map[string]*StepNode)
	g.order = nil
	g.lastStepID = ""
	g.strategyDirty = true
	return nil
}

// Undo restores the most recent pre-mutation snapshot, reporting whether any
// history was available to restore.
func (g *Graph) Undo() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.history) == 0 {
		return false
	}
	last := g.history[len(g.history)-1]
	g.history = g.history[:len(g.history)-1]
	g.restore(last)
	return true
}

// EnsureSingleOutput guarantees the graph has exactly one root step. If the
// graph already has a single root, that root's ID is returned unchanged. If
// it has more than one, a left-fold of combine steps is built over
// rootIds() in insertion order — each pairwise combine becomes the primary
// input of the next — and the final combine's displayName is set to
// displayName. An empty graph fails with NO_ROOTS.
func (g *Graph) EnsureSingleOutput(operator Operator, displayName string) (string, *toolerrors.CodedError) {
	g.mu.Lock()
	defer g.mu.Unlock()

	roots := g.rootIDsLocked()
	switch len(roots) {
	case 0:
		return "", validationError(toolerrors.CodeNoRoots, "the graph has no root step", nil)
	case 1:
		return roots[0], nil
	}
	if !ValidOperator(operator) {
		return "", validationError(toolerrors.CodeInvalidKind, fmt.Sprintf("unknown operator %q", operator), nil)
	}

	g.pushHistory()

	acc := roots[0]
	for i := 1; i < len(roots); i++ {
		id := uuid.NewString()
		step := &StepNode{
			ID:             id,
			PrimaryInput:   acc,
			SecondaryInput: roots[i],
			Operator:       operator,
		}
		if i == len(roots)-1 {
			step.DisplayName = displayName
		}
		g.steps[id] = step
		g.order = append(g.order, id)
		acc = id
	}
	g.lastStepID = acc
	g.strategyDirty = true
	return acc, nil
}

// Edge is a single input reference, rendered for callers that want the DAG
// shape without walking StepNode.PrimaryInput/SecondaryInput themselves.
type Edge struct {
	SourceID string `json:"sourceId"`
	TargetID string `json:"targetId"`
	Kind     string `json:"kind"` // primary | secondary
}

// Snapshot renders a serializable view of the graph: every step plus
// rootStepId, set only when the graph has exactly one root, otherwise
// empty.
type Snapshot struct {
	GraphID     string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	RecordType  string      `json:"recordType"`
	Steps       []*StepNode `json:"steps"`
	Edges       []Edge      `json:"edges"`
	RootStepID  string      `json:"rootStepId,omitempty"`
}

// Snapshot returns the current serializable view of the graph.
func (g *Graph) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	steps := make([]*StepNode, 0, len(g.order))
	var edges []Edge
	for _, id := range g.order {
		s := g.steps[id]
		steps = append(steps, s.clone())
		if s.PrimaryInput != "" {
			edges = append(edges, Edge{SourceID: s.PrimaryInput, TargetID: s.ID, Kind: "primary"})
		}
		if s.SecondaryInput != "" {
			edges = append(edges, Edge{SourceID: s.SecondaryInput, TargetID: s.ID, Kind: "secondary"})
		}
	}
	roots := g.rootIDsLocked()
	snap := Snapshot{
		GraphID:     g.ID,
		Name:        g.name,
		Description: g.description,
		RecordType:  g.RecordType,
		Steps:       steps,
		Edges:       edges,
	}
	if len(roots) == 1 {
		snap.RootStepID = roots[0]
	}
	return snap
}

// SetMeta sets the graph's display name and description directly (used by
// the delegation scheduler once it has derived a final name/description for
// a newly built strategy).
func (g *Graph) SetMeta(name, description string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.name = name
	g.description = description
	g.strategyDirty = true
}

// SetRecordType reassigns the graph's record type (used when a leaf step's
// search turns out to belong to a different record type than the one the
// graph was created with).
func (g *Graph) SetRecordType(recordType string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.RecordType = recordType
}

// CurrentStrategy returns the lazily-derived current strategy view,
// recomputing name/description via DeriveName/DeriveDescription whenever
// the cache is stale. It derives currentStrategy from lastStepID on every
// stale read rather than maintaining it as a stored invariant.
func (g *Graph) CurrentStrategy() Strategy {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.strategyDirty {
		return g.strategy
	}
	name := g.name
	if IsPlaceholderName(name) {
		name = DeriveName(g.steps, g.lastStepID)
	}
	desc := g.description
	if desc == "" {
		desc = DeriveDescription(g.steps, g.lastStepID)
	}
	g.strategy = Strategy{RootStepID: g.lastStepID, Name: name, Description: desc}
	g.strategyDirty = false
	return g.strategy
}

// LastStepID returns the most recently added or retargeted step's ID. This
// is a hint used for display purposes (e.g. CurrentStrategy), not an
// invariant: it is not guaranteed to be a root after subsequent deletes, so
// callers needing the definitive output step must use EnsureSingleOutput.
func (g *Graph) LastStepID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastStepID
}
