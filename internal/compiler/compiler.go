// Package compiler implements the Step Compiler: it turns a single-output
// StrategyGraph into the external platform's pushable step tree, assigning
// externalStepId values in post-order and resolving the platform-defined
// boolean-combine search/params once per record type. The "compile against
// an external dependency, caching discovery per key" shape follows a
// pattern common to engines that push a local plan to a remote backend.
package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/veupathdb/strategy-orchestration-core/internal/graph"
	"github.com/veupathdb/strategy-orchestration-core/internal/toolerrors"
)

// Platform is the subset of the External Platform Adapter (C3) the compiler
// depends on. It is defined here, not in the platform package, so the
// compiler can be tested against a narrow fake without pulling in the full
// HTTP adapter.
type Platform interface {
	ListSearches(ctx context.Context, recordType string) ([]SearchSummary, error)
	GetSearchDetails(ctx context.Context, recordType, search string) (SearchDetails, error)
	CreateStep(ctx context.Context, searchName string, parameters map[string]string, customName string) (int64, error)
	CreateTransformStep(ctx context.Context, inputExternalID int64, searchName string, parameters map[string]string, customName string) (int64, error)
	CreateCombinedStep(ctx context.Context, primaryExternalID, secondaryExternalID int64, operator graph.Operator, recordType string, colocation *graph.ColocationParams, customName string) (int64, error)
	SetStepFilter(ctx context.Context, externalStepID int64, filter graph.Filter) error
	RunStepAnalysis(ctx context.Context, externalStepID int64, analysis graph.Analysis) error
	RunStepReport(ctx context.Context, externalStepID int64, report graph.Report) error
}

// SearchSummary is the shape returned by ListSearches.
type SearchSummary struct {
	URLSegment  string
	DisplayName string
}

// SearchDetails is the shape returned by GetSearchDetails, trimmed to the
// fields the compiler needs.
type SearchDetails struct {
	URLSegment string
	ParamNames []string
}

// booleanSearchPrefix is the platform-specific naming convention for the
// per-record-type boolean meta-search combine steps are created against.
const booleanSearchPrefix = "boolean_question"

// ExternalStep pairs a graph-local step id with the externalStepId the
// platform assigned to it.
type ExternalStep struct {
	LocalID        string
	ExternalStepID int64
}

// TreeNode is the nested stepTree form the platform's createStrategy/
// updateStrategy endpoints expect.
type TreeNode struct {
	StepID         int64     `json:"stepId"`
	PrimaryInput   *TreeNode `json:"primaryInput,omitempty"`
	SecondaryInput *TreeNode `json:"secondaryInput,omitempty"`
}

// Result is the compiler's output.
type Result struct {
	ExternalSteps      []ExternalStep
	RootExternalStepID int64
	StepTree           TreeNode
}

// booleanSearchInfo is the per-record-type cache entry: the discovered
// meta-search name plus its left/right/operator parameter names.
type booleanSearchInfo struct {
	searchName    string
	leftParam     string
	rightParam    string
	operatorParam string
}

// Compiler caches per-record-type boolean-combine search/parameter
// discovery across calls, guarded by a mutex since multiple graphs/record
// types may compile concurrently.
type Compiler struct {
	platform Platform

	mu    sync.Mutex
	cache map[string]booleanSearchInfo
}

// New constructs a Compiler backed by the given platform adapter.
func New(platform Platform) *Compiler {
	return &Compiler{platform: platform, cache: make(map[string]booleanSearchInfo)}
}

// Compile walks g bottom-up and pushes every step to the external platform,
// returning the assigned ids and step tree.
func (c *Compiler) Compile(ctx context.Context, g *graph.Graph) (Result, *toolerrors.CodedError) {
	rootID, err := rootOf(g)
	if err != nil {
		return Result{}, err
	}

	externalIDs := make(map[string]int64)
	var order []ExternalStep

	var walk func(id string) (int64, *toolerrors.CodedError)
	walk = func(id string) (int64, *toolerrors.CodedError) {
		if extID, done := externalIDs[id]; done {
			return extID, nil
		}
		step, ok := g.GetStep(id)
		if !ok {
			return 0, toolerrors.New(toolerrors.CodeStepNotFound, fmt.Sprintf("step %q not found during compile", id))
		}

		var extID int64
		var walkErr *toolerrors.CodedError
		switch step.Kind() {
		case graph.KindLeaf:
			extID, walkErr = c.pushLeaf(ctx, step)
		case graph.KindTransform:
			var primaryExt int64
			primaryExt, walkErr = walk(step.PrimaryInput)
			if walkErr == nil {
				extID, walkErr = c.pushTransform(ctx, primaryExt, step)
			}
		case graph.KindCombine:
			var primaryExt, secondaryExt int64
			primaryExt, walkErr = walk(step.PrimaryInput)
			if walkErr == nil {
				secondaryExt, walkErr = walk(step.SecondaryInput)
			}
			if walkErr == nil {
				extID, walkErr = c.pushCombine(ctx, g.RecordType, primaryExt, secondaryExt, step)
			}
		}
		if walkErr != nil {
			return 0, walkErr
		}

		if walkErr := c.applyAttachments(ctx, extID, step); walkErr != nil {
			return 0, walkErr
		}

		externalIDs[id] = extID
		order = append(order, ExternalStep{LocalID: id, ExternalStepID: extID})
		return extID, nil
	}

	rootExtID, walkErr := walk(rootID)
	if walkErr != nil {
		return Result{}, walkErr
	}

	tree := buildTree(g, rootID, externalIDs)
	return Result{ExternalSteps: order, RootExternalStepID: rootExtID, StepTree: tree}, nil
}

func rootOf(g *graph.Graph) (string, *toolerrors.CodedError) {
	roots := g.RootIDs()
	if len(roots) != 1 {
		return "", toolerrors.New(toolerrors.CodeInvalidStrategy,
			fmt.Sprintf("graph must have exactly one root to compile, has %d", len(roots))).
			WithDetails(map[string]any{"rootStepIds": roots})
	}
	return roots[0], nil
}

func buildTree(g *graph.Graph, id string, externalIDs map[string]int64) TreeNode {
	step, _ := g.GetStep(id)
	node := TreeNode{StepID: externalIDs[id]}
	if step.PrimaryInput != "" {
		child := buildTree(g, step.PrimaryInput, externalIDs)
		node.PrimaryInput = &child
	}
	if step.SecondaryInput != "" {
		child := buildTree(g, step.SecondaryInput, externalIDs)
		node.SecondaryInput = &child
	}
	return node
}

func (c *Compiler) pushLeaf(ctx context.Context, step *graph.StepNode) (int64, *toolerrors.CodedError) {
	id, err := c.platform.CreateStep(ctx, step.SearchName, NormalizeParameters(step.Parameters), step.DisplayName)
	if err != nil {
		return 0, toolerrors.FromError(err)
	}
	return id, nil
}

func (c *Compiler) pushTransform(ctx context.Context, primaryExt int64, step *graph.StepNode) (int64, *toolerrors.CodedError) {
	id, err := c.platform.CreateTransformStep(ctx, primaryExt, step.SearchName, NormalizeParameters(step.Parameters), step.DisplayName)
	if err != nil {
		return 0, toolerrors.FromError(err)
	}
	return id, nil
}

func (c *Compiler) pushCombine(ctx context.Context, recordType string, primaryExt, secondaryExt int64, step *graph.StepNode) (int64, *toolerrors.CodedError) {
	// Touch the boolean-search cache so the discovery/resolution algorithm
	// runs at least once per record type even though CreateCombinedStep
	// itself only needs the operator. The resolved names are not passed on:
	// the platform adapter looks up the boolean search and its
	// bq_left_op*/bq_right_op*/bq_operator* parameters again on its own.
	if _, err := c.resolveBooleanSearch(ctx, recordType); err != nil {
		return 0, err
	}
	id, err := c.platform.CreateCombinedStep(ctx, primaryExt, secondaryExt, step.Operator, recordType, step.Colocation, step.DisplayName)
	if err != nil {
		return 0, toolerrors.FromError(err)
	}
	return id, nil
}

func (c *Compiler) applyAttachments(ctx context.Context, extID int64, step *graph.StepNode) *toolerrors.CodedError {
	for _, f := range step.Filters {
		if err := c.platform.SetStepFilter(ctx, extID, f); err != nil {
			return toolerrors.FromError(err)
		}
	}
	for _, a := range step.Analyses {
		if err := c.platform.RunStepAnalysis(ctx, extID, a); err != nil {
			return toolerrors.FromError(err)
		}
	}
	for _, r := range step.Reports {
		if err := c.platform.RunStepReport(ctx, extID, r); err != nil {
			return toolerrors.FromError(err)
		}
	}
	return nil
}

// resolveBooleanSearch discovers and caches, per record type, the boolean
// meta-search's name and its left/right/operator parameter names.
func (c *Compiler) resolveBooleanSearch(ctx context.Context, recordType string) (booleanSearchInfo, *toolerrors.CodedError) {
	c.mu.Lock()
	if info, ok := c.cache[recordType]; ok {
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	searches, err := c.platform.ListSearches(ctx, recordType)
	if err != nil {
		return booleanSearchInfo{}, toolerrors.FromError(err)
	}
	var searchName string
	for _, s := range searches {
		if hasPrefix(s.URLSegment, booleanSearchPrefix) {
			searchName = s.URLSegment
			break
		}
	}
	if searchName == "" {
		return booleanSearchInfo{}, toolerrors.New(toolerrors.CodeSearchNotFound,
			fmt.Sprintf("no boolean-combine search found for record type %q", recordType))
	}

	details, err := c.platform.GetSearchDetails(ctx, recordType, searchName)
	if err != nil {
		return booleanSearchInfo{}, toolerrors.FromError(err)
	}
	info := booleanSearchInfo{searchName: searchName}
	for _, p := range details.ParamNames {
		switch {
		case hasPrefix(p, "bq_left_op"):
			info.leftParam = p
		case hasPrefix(p, "bq_right_op"):
			info.rightParam = p
		case hasPrefix(p, "bq_operator"):
			info.operatorParam = p
		}
	}
	if info.leftParam == "" || info.rightParam == "" || info.operatorParam == "" {
		return booleanSearchInfo{}, toolerrors.New(toolerrors.CodeSearchNotFound,
			fmt.Sprintf("boolean-combine search %q is missing expected bq_* parameters", searchName))
	}

	c.mu.Lock()
	c.cache[recordType] = info
	c.mu.Unlock()
	return info, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// NormalizeParameters returns a copy of a string-valued parameter map for
// the wire. Values are copied unchanged; NormalizeValue is not applied here.
func NormalizeParameters(params map[string]string) map[string]string {
	// params is already map[string]string at the graph boundary (enforced at
	// StepNode construction); callers holding looser values convert each one
	// with NormalizeValue before building the map.
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// NormalizeValue converts an arbitrary decoded JSON value into its canonical
// string wire form: booleans to "true"/"false", numbers to decimal text,
// lists/objects to compact JSON, and nil to "".
func NormalizeValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}
