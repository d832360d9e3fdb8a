package graph

import (
	"fmt"
	"strings"
)

// placeholderNames lists the generic names a freshly created graph starts
// with before the model (or a derivation rule) gives it something
// meaningful.
var placeholderNames = map[string]bool{
	"draft":          true,
	"draft strategy": true,
	"draft graph":    true,
}

// IsPlaceholderName reports whether name is empty or one of the generic
// defaults a graph is seeded with, case/space-insensitively.
func IsPlaceholderName(name string) bool {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return true
	}
	return placeholderNames[strings.ToLower(trimmed)]
}

// DeriveName synthesizes a display name from the step ending at rootID,
// falling back to a generic label when the graph is empty or rootID is
// unknown. The name is based on the search backing the current output
// step.
func DeriveName(steps map[string]*StepNode, rootID string) string {
	s, ok := steps[rootID]
	if !ok || s == nil {
		return "Untitled Strategy"
	}
	if s.DisplayName != "" {
		return s.DisplayName
	}
	switch s.Kind() {
	case KindCombine:
		return fmt.Sprintf("%s of search results", titleCase(string(s.Operator)))
	default:
		return titleCase(s.SearchName)
	}
}

// DeriveDescription synthesizes a one-line description for the strategy
// ending at rootID.
func DeriveDescription(steps map[string]*StepNode, rootID string) string {
	s, ok := steps[rootID]
	if !ok || s == nil {
		return ""
	}
	switch s.Kind() {
	case KindLeaf:
		return fmt.Sprintf("Search for %s", s.SearchName)
	case KindTransform:
		return fmt.Sprintf("Transform of %s via %s", s.PrimaryInput, s.SearchName)
	case KindCombine:
		return fmt.Sprintf("Combination of %s and %s via %s", s.PrimaryInput, s.SecondaryInput, s.Operator)
	default:
		return ""
	}
}

func titleCase(s string) string {
	s = strings.ReplaceAll(s, "_", " ")
	if s == "" {
		return s
	}
	words := strings.Fields(s)
	for i, w := range words {
		if len(w) > 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
