package events

import (
	"encoding/json"
	"regexp"
	"strings"
)

// listMarkerLine matches a line that is only a bare ordered ("1.") or
// bullet ("-", "*") list marker, with nothing else on it.
var listMarkerLine = regexp.MustCompile(`^\s*(?:[-*]|\d+\.)\s*$`)

// SanitizeMarkdown merges a bare list marker line with the following
// non-blank line, so a model that emits "1.\nFoo" instead of "1. Foo"
// renders as one list item on the client.
func SanitizeMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if listMarkerLine.MatchString(line) && i+1 < len(lines) && strings.TrimSpace(lines[i+1]) != "" {
			out = append(out, strings.TrimRight(line, " \t")+" "+strings.TrimSpace(lines[i+1]))
			i++
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// selectedNodePrefix matches the "__NODE__[...]\n" prefix the UI sometimes
// attaches to a user message when the user has nodes selected in the graph
// view. The payload is a JSON array of node references.
var selectedNodePrefix = regexp.MustCompile(`(?s)^__NODE__(\[.*?\])\n`)

// ParseSelectedNodes strips a leading "__NODE__[...]\n" marker from text, if
// present, returning the cleaned message and the decoded node references.
// If the marker is absent, or its JSON fails to decode, text is returned
// unchanged with a nil node slice.
func ParseSelectedNodes(text string) (string, []map[string]any) {
	m := selectedNodePrefix.FindStringSubmatch(text)
	if m == nil {
		return text, nil
	}
	var nodes []map[string]any
	if err := json.Unmarshal([]byte(m[1]), &nodes); err != nil {
		return text, nil
	}
	return text[len(m[0]):], nodes
}

// FromToolResult maps a tool's result payload onto the turn's additional
// event types (citations, reasoning, plan_update, executor_build_request)
// alongside the core strategy_update mapping already handled inline in
// OnEvent. The keys present in result select which events are emitted;
// toolName is copied into each event's data as "tool". Unrecognized keys are
// ignored rather than erroring, since a result can carry both a core
// mutation field (stepId) and zero or more of these enrichments at once.
func FromToolResult(toolName string, result map[string]any) []Event {
	var out []Event

	if citations, ok := result["citations"]; ok {
		out = append(out, Event{Type: "citations", Data: map[string]any{"tool": toolName, "citations": citations}})
	}
	if reasoning, ok := result["reasoning"]; ok {
		out = append(out, Event{Type: "reasoning", Data: map[string]any{"tool": toolName, "reasoning": reasoning}})
	}
	if planUpdate, ok := result["planUpdate"]; ok {
		out = append(out, Event{Type: "plan_update", Data: map[string]any{"tool": toolName, "planUpdate": planUpdate}})
	}
	if req, ok := result["executorBuildRequest"]; ok {
		out = append(out, Event{Type: "executor_build_request", Data: map[string]any{"tool": toolName, "request": req}})
	}

	return out
}
