package openaidriver

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veupathdb/strategy-orchestration-core/internal/graph"
)

type scriptedChatClient struct {
	responses []*openai.ChatCompletion
	calls     int
}

func (s *scriptedChatClient) New(_ context.Context, _ openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	if s.calls >= len(s.responses) {
		return nil, errors.New("scriptedChatClient: no more responses")
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func messageWithToolCall(id, name, args string) *openai.ChatCompletion {
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{
				Message: openai.ChatCompletionMessage{
					Role: "assistant",
					ToolCalls: []openai.ChatCompletionMessageToolCall{
						{
							ID: id,
							Function: openai.ChatCompletionMessageToolCallFunction{
								Name:      name,
								Arguments: args,
							},
						},
					},
				},
			},
		},
	}
}

func finalTextMessage(text string) *openai.ChatCompletion {
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{
				Message: openai.ChatCompletionMessage{
					Role:    "assistant",
					Content: text,
				},
			},
		},
	}
}

func TestRunRoundDispatchesToolCallAndStopsOnFinalText(t *testing.T) {
	g := graph.New("gene")
	client := &scriptedChatClient{
		responses: []*openai.ChatCompletion{
			messageWithToolCall("call-1", "add_step", `{"searchName":"GenesByName","parameters":{"name":"BRCA1"}}`),
			finalTextMessage("Done."),
		},
	}

	d, err := New(client, g, "gpt-4o")
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

func TestRunRoundReturnsImmediatelyWithNoToolCalls(t *testing.T) {
	g := graph.New("gene")
	client := &scriptedChatClient{responses: []*openai.ChatCompletion{finalTextMessage("I need more information.")}}

	d, err := New(client, g, "gpt-4o")
	require.NoError(t, err)

	outcome, err := d.RunRound(context.Background(), "find genes", nil, func(string, map[string]any) {})
	require.NoError(t, err)
	assert.Empty(t, outcome.StepsAdded)
	assert.Equal(t, 1, client.calls)
}

func TestRunRoundRecordsToolError(t *testing.T) {
	g := graph.New("gene")
	client := &scriptedChatClient{
		responses: []*openai.ChatCompletion{
			messageWithToolCall("call-1", "update_step", `{"displayName":"missing stepId"}`),
			finalTextMessage("Done."),
		},
	}

	d, err := New(client, g, "gpt-4o")
	require.NoError(t, err)

	outcome, err := d.RunRound(context.Background(), "rename a step", nil, func(string, map[string]any) {})
	require.NoError(t, err)
	assert.Empty(t, outcome.StepsAdded)
	require.Len(t, outcome.Errors, 1)
}

func TestRunRoundStopsAtMaxToolIterations(t *testing.T) {
	g := graph.New("gene")
	responses := make([]*openai.ChatCompletion, 0, maxToolIterations)
	for i := 0; i < maxToolIterations; i++ {
		responses = append(responses, messageWithToolCall("call-loop", "add_step", `{"searchName":"GenesByName"}`))
	}
	client := &scriptedChatClient{responses: responses}

	d, err := New(client, g, "gpt-4o")
	require.NoError(t, err)

	outcome, err := d.RunRound(context.Background(), "find genes", nil, func(string, map[string]any) {})
	require.NoError(t, err)
	assert.Len(t, outcome.StepsAdded, maxToolIterations)
	assert.Equal(t, maxToolIterations, client.calls)
}

func TestNewRequiresClientGraphAndModel(t *testing.T) {
	g := graph.New("gene")
	client := &scriptedChatClient{}

	_, err := New(nil, g, "gpt-4o")
	assert.Error(t, err)

	_, err = New(client, nil, "gpt-4o")
	assert.Error(t, err)

	_, err = New(client, g, "")
	assert.Error(t, err)
}
