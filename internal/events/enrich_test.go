package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeMarkdownMergesBareListMarkerWithFollowingLine(t *testing.T) {
	in := "Found these genes:\n1.\nBRCA1\n2.\nBRCA2\n"
	want := "Found these genes:\n1. BRCA1\n2. BRCA2\n"
	assert.Equal(t, want, SanitizeMarkdown(in))
}

func TestSanitizeMarkdownLeavesWellFormedListsAlone(t *testing.T) {
	in := "1. BRCA1\n2. BRCA2"
	assert.Equal(t, in, SanitizeMarkdown(in))
}

func TestSanitizeMarkdownIgnoresTrailingBareMarker(t *testing.T) {
	in := "Some text\n-\n"
	assert.Equal(t, in, SanitizeMarkdown(in))
}

func TestParseSelectedNodesStripsPrefixAndDecodesNodes(t *testing.T) {
	in := `__NODE__[{"stepId":"s1"},{"stepId":"s2"}]` + "\ncombine these two"
	cleaned, nodes := ParseSelectedNodes(in)
	assert.Equal(t, "combine these two", cleaned)
	assert.Equal(t, []map[string]any{{"stepId": "s1"}, {"stepId": "s2"}}, nodes)
}

func TestParseSelectedNodesReturnsUnchangedWithoutPrefix(t *testing.T) {
	cleaned, nodes := ParseSelectedNodes("just a plain message")
	assert.Equal(t, "just a plain message", cleaned)
	assert.Nil(t, nodes)
}

func TestParseSelectedNodesReturnsUnchangedOnInvalidJSON(t *testing.T) {
	in := "__NODE__{not json}\nhello"
	cleaned, nodes := ParseSelectedNodes(in)
	assert.Equal(t, in, cleaned)
	assert.Nil(t, nodes)
}

func TestFromToolResultMapsKnownEnrichmentKeys(t *testing.T) {
	result := map[string]any{
		"stepId":     "s1",
		"citations":  []string{"PMID:123"},
		"reasoning":  "considered two approaches",
		"planUpdate": map[string]any{"step": "searching"},
	}
	evs := FromToolResult("add_step", result)
	var types []string
	for _, e := range evs {
		types = append(types, e.Type)
	}
	assert.ElementsMatch(t, []string{"citations", "reasoning", "plan_update"}, types)
}

func TestFromToolResultReturnsNilWhenNoEnrichmentKeysPresent(t *testing.T) {
	evs := FromToolResult("add_step", map[string]any{"stepId": "s1"})
	assert.Empty(t, evs)
}
