package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veupathdb/strategy-orchestration-core/internal/graph"
)

func TestDispatchAddStepCreatesLeaf(t *testing.T) {
	g := graph.New("gene")
	result, err := Dispatch(g, "add_step", map[string]any{
		"searchName": "GenesByName",
		"parameters": map[string]any{"name": "BRCA1"},
	})
	require.Nil(t, err)
	stepID, _ := result["stepId"].(string)
	require.NotEmpty(t, stepID)

	step, ok := g.GetStep(stepID)
	require.True(t, ok)
	assert.Equal(t, "GenesByName", step.SearchName)
	assert.Equal(t, "BRCA1", step.Parameters["name"])
}

func TestDispatchAddStepCombine(t *testing.T) {
	g := graph.New("gene")
	leaf1, _ := Dispatch(g, "add_step", map[string]any{"searchName": "A"})
	leaf2, _ := Dispatch(g, "add_step", map[string]any{"searchName": "B"})

	result, err := Dispatch(g, "add_step", map[string]any{
		"primaryInput":   leaf1["stepId"],
		"secondaryInput": leaf2["stepId"],
		"operator":       "INTERSECT",
	})
	require.Nil(t, err)
	stepID, _ := result["stepId"].(string)
	step, ok := g.GetStep(stepID)
	require.True(t, ok)
	assert.Equal(t, graph.KindCombine, step.Kind())
}

func TestDispatchUpdateStepRequiresStepID(t *testing.T) {
	g := graph.New("gene")
	_, err := Dispatch(g, "update_step", map[string]any{"displayName": "x"})
	require.NotNil(t, err)
}

func TestDispatchRenameStep(t *testing.T) {
	g := graph.New("gene")
	added, _ := Dispatch(g, "add_step", map[string]any{"searchName": "A"})
	stepID, _ := added["stepId"].(string)

	_, err := Dispatch(g, "rename_step", map[string]any{"stepId": stepID, "displayName": "My search"})
	require.Nil(t, err)

	step, _ := g.GetStep(stepID)
	assert.Equal(t, "My search", step.DisplayName)
}

func TestDispatchDeleteStep(t *testing.T) {
	g := graph.New("gene")
	added, _ := Dispatch(g, "add_step", map[string]any{"searchName": "A"})
	stepID, _ := added["stepId"].(string)

	result, err := Dispatch(g, "delete_step", map[string]any{"stepId": stepID})
	require.Nil(t, err)
	assert.Contains(t, result["deletedStepIds"], stepID)
}

func TestDispatchEnsureSingleOutputFoldsRoots(t *testing.T) {
	g := graph.New("gene")
	Dispatch(g, "add_step", map[string]any{"searchName": "A"})
	Dispatch(g, "add_step", map[string]any{"searchName": "B"})

	result, err := Dispatch(g, "ensure_single_output", map[string]any{"operator": "UNION"})
	require.Nil(t, err)
	assert.NotEmpty(t, result["stepId"])
	assert.Len(t, g.RootIDs(), 1)
}

func TestDispatchUnknownToolReturnsError(t *testing.T) {
	g := graph.New("gene")
	_, err := Dispatch(g, "nonexistent_tool", map[string]any{})
	require.NotNil(t, err)
	assert.Equal(t, "INVALID_KIND", string(err.Code))
}

func TestCatalogHasEntryForEveryDispatchedTool(t *testing.T) {
	names := map[string]bool{}
	for _, def := range Catalog {
		names[def.Name] = true
	}
	for _, name := range []string{"add_step", "update_step", "rename_step", "delete_step", "ensure_single_output"} {
		assert.True(t, names[name], "missing catalog entry for %s", name)
	}
}
