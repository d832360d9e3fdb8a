// Package graph implements the Strategy Graph Engine: an in-memory DAG of
// step nodes with structural invariants, bounded undo history, and
// compilation-ready snapshot serialization. Graph mutations are
// synchronous, return structured errors instead of panicking, and leave the
// graph byte-identical to its pre-call state on failure.
package graph

import "github.com/veupathdb/strategy-orchestration-core/internal/toolerrors"

// Kind is the derived (not stored) classification of a StepNode.
type Kind string

const (
	// KindLeaf is a step with no inputs.
	KindLeaf Kind = "leaf"
	// KindTransform is a step with only a primary input.
	KindTransform Kind = "transform"
	// KindCombine is a step with both a primary and secondary input plus an operator.
	KindCombine Kind = "combine"
)

// Operator names a binary combine operation.
type Operator string

// The five combine operators the external platform supports.
const (
	OpIntersect Operator = "INTERSECT"
	OpUnion     Operator = "UNION"
	OpMinus     Operator = "MINUS"
	OpRMinus    Operator = "RMINUS"
	OpColocate  Operator = "COLOCATE"
)

// ValidOperator reports whether op is one of the five known combine operators.
func ValidOperator(op Operator) bool {
	switch op {
	case OpIntersect, OpUnion, OpMinus, OpRMinus, OpColocate:
		return true
	default:
		return false
	}
}

// ColocationParams carries the upstream/downstream basepair offsets and
// strand for a COLOCATE combine step.
type ColocationParams struct {
	Upstream   int    `json:"upstream"`
	Downstream int    `json:"downstream"`
	Strand     string `json:"strand"` // same | opposite | both
}

// Filter is a name+value+disabled attachment applied to a step.
type Filter struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Disabled bool   `json:"disabled"`
}

// Analysis is a name+params attachment applied to a step.
type Analysis struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params"`
}

// Report is a name+config attachment applied to a step.
type Report struct {
	Name   string            `json:"name"`
	Config map[string]string `json:"config"`
}

// StepNode is a vertex of the strategy graph. ID is assigned on
// creation by Graph.AddStep and is immutable thereafter. PrimaryInput and
// SecondaryInput are empty strings when absent (Go has no nil string, so the
// empty string is the sentinel for "no input"), and hold the referenced
// step's ID otherwise.
type StepNode struct {
	ID             string
	SearchName     string
	Parameters     map[string]string
	PrimaryInput   string
	SecondaryInput string
	Operator       Operator
	Colocation     *ColocationParams
	DisplayName    string
	Filters        []Filter
	Analyses       []Analysis
	Reports        []Report
	ExternalStepID *int64
}

// Kind derives the step's structural kind from its inputs: leaf (no
// inputs), transform (primary input only), or combine (both).
func (s *StepNode) Kind() Kind {
	switch {
	case s.PrimaryInput != "" && s.SecondaryInput != "":
		return KindCombine
	case s.PrimaryInput != "":
		return KindTransform
	default:
		return KindLeaf
	}
}

// clone returns a deep copy of s, used both for undo snapshots and for
// defensive copies returned to callers so external mutation cannot corrupt
// graph state without going through the mutation API.
func (s *StepNode) clone() *StepNode {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Parameters != nil {
		cp.Parameters = make(map[string]string, len(s.Parameters))
		for k, v := range s.Parameters {
			cp.Parameters[k] = v
		}
	}
	if s.Colocation != nil {
		colo := *s.Colocation
		cp.Colocation = &colo
	}
	if s.Filters != nil {
		cp.Filters = append([]Filter(nil), s.Filters...)
	}
	if s.Analyses != nil {
		cp.Analyses = make([]Analysis, len(s.Analyses))
		for i, a := range s.Analyses {
			na := a
			if a.Params != nil {
				na.Params = make(map[string]string, len(a.Params))
				for k, v := range a.Params {
					na.Params[k] = v
				}
			}
			cp.Analyses[i] = na
		}
	}
	if s.Reports != nil {
		cp.Reports = make([]Report, len(s.Reports))
		for i, r := range s.Reports {
			nr := r
			if r.Config != nil {
				nr.Config = make(map[string]string, len(r.Config))
				for k, v := range r.Config {
					nr.Config[k] = v
				}
			}
			cp.Reports[i] = nr
		}
	}
	if s.ExternalStepID != nil {
		id := *s.ExternalStepID
		cp.ExternalStepID = &id
	}
	return &cp
}

// Patch describes an optional partial update applied by Graph.UpdateStep.
// Nil pointers/fields mean "leave unchanged"; a non-nil Operator sets a new
// operator, which must be a valid one (the empty operator is rejected, so
// the operator cannot be cleared through a Patch).
type Patch struct {
	SearchName  *string
	Parameters  map[string]string
	Operator    *Operator
	DisplayName *string
}

// validationError is a convenience constructor used throughout the package
// for the "Validation" error kind.
func validationError(code toolerrors.Code, msg string, details map[string]any) *toolerrors.CodedError {
	return toolerrors.New(code, msg).WithDetails(details)
}
