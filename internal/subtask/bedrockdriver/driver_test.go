package bedrockdriver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veupathdb/strategy-orchestration-core/internal/graph"
)

type scriptedRuntimeClient struct {
	responses []*bedrockruntime.ConverseOutput
	calls     int
}

func (s *scriptedRuntimeClient) Converse(_ context.Context, _ *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	if s.calls >= len(s.responses) {
		return nil, errors.New("scriptedRuntimeClient: no more responses")
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func toolUseOutput(id, name string, input map[string]any) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{
				Role: brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberToolUse{
						Value: brtypes.ToolUseBlock{
							ToolUseId: aws.String(id),
							Name:      aws.String(name),
							Input:     document.NewLazyDocument(input),
						},
					},
				},
			},
		},
	}
}

func textOutput(text string) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
			},
		},
	}
}

func TestRunRoundDispatchesToolUseAndStopsOnFinalText(t *testing.T) {
	g := graph.New("gene")
	client := &scriptedRuntimeClient{
		responses: []*bedrockruntime.ConverseOutput{
			toolUseOutput("call-1", "add_step", map[string]any{"searchName": "GenesByName", "parameters": map[string]any{"name": "BRCA1"}}),
			textOutput("Done."),
		},
	}

	d, err := New(client, g, "anthropic.claude-sonnet")
	require.NoError(t, err)

	var emitted []string
	emit := func(eventType string, _ map[string]any) { emitted = append(emitted, eventType) }

	outcome, err := d.RunRound(context.Background(), "find genes named BRCA1", nil, emit)
	require.NoError(t, err)
	require.Len(t, outcome.StepsAdded, 1)
	require.Empty(t, outcome.Errors)

	step, ok := g.GetStep(outcome.StepsAdded[0])
	require.True(t, ok)
	assert.Equal(t, "GenesByName", step.SearchName)
	assert.Equal(t, 2, client.calls)
	assert.Contains(t, emitted, "subkani_tool_call_start")
	assert.Contains(t, emitted, "subkani_tool_call_end")
}

func TestRunRoundReturnsImmediatelyWithNoToolUse(t *testing.T) {
	g := graph.New("gene")
	client := &scriptedRuntimeClient{responses: []*bedrockruntime.ConverseOutput{textOutput("I need more information.")}}

	d, err := New(client, g, "anthropic.claude-sonnet")
	require.NoError(t, err)

	outcome, err := d.RunRound(context.Background(), "find genes", nil, func(string, map[string]any) {})
	require.NoError(t, err)
	assert.Empty(t, outcome.StepsAdded)
	assert.Equal(t, 1, client.calls)
}

func TestRunRoundRecordsToolError(t *testing.T) {
	g := graph.New("gene")
	client := &scriptedRuntimeClient{
		responses: []*bedrockruntime.ConverseOutput{
			toolUseOutput("call-1", "update_step", map[string]any{"displayName": "missing stepId"}),
			textOutput("Done."),
		},
	}

	d, err := New(client, g, "anthropic.claude-sonnet")
	require.NoError(t, err)

	outcome, err := d.RunRound(context.Background(), "rename a step", nil, func(string, map[string]any) {})
	require.NoError(t, err)
	assert.Empty(t, outcome.StepsAdded)
	require.Len(t, outcome.Errors, 1)
}

func TestRunRoundStopsAtMaxToolIterations(t *testing.T) {
	g := graph.New("gene")
	responses := make([]*bedrockruntime.ConverseOutput, 0, maxToolIterations)
	for i := 0; i < maxToolIterations; i++ {
		responses = append(responses, toolUseOutput("call-loop", "add_step", map[string]any{"searchName": "GenesByName"}))
	}
	client := &scriptedRuntimeClient{responses: responses}

	d, err := New(client, g, "anthropic.claude-sonnet")
	require.NoError(t, err)

	outcome, err := d.RunRound(context.Background(), "find genes", nil, func(string, map[string]any) {})
	require.NoError(t, err)
	assert.Len(t, outcome.StepsAdded, maxToolIterations)
	assert.Equal(t, maxToolIterations, client.calls)
}

func TestNewRequiresRuntimeGraphAndModel(t *testing.T) {
	g := graph.New("gene")
	client := &scriptedRuntimeClient{}

	_, err := New(nil, g, "anthropic.claude-sonnet")
	assert.Error(t, err)

	_, err = New(client, nil, "anthropic.claude-sonnet")
	assert.Error(t, err)

	_, err = New(client, g, "")
	assert.Error(t, err)
}

func TestDecodeDocumentRoundTripsToolInput(t *testing.T) {
	raw := decodeDocument(document.NewLazyDocument(map[string]any{"x": float64(1)}))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, float64(1), decoded["x"])
}
