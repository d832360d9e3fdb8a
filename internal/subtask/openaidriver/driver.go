// Package openaidriver implements subtask.SubAgent on top of the OpenAI
// Chat Completions API via github.com/openai/openai-go. One RunRound call
// drives a short tool-calling loop: send the prompt plus the shared tool
// catalog, dispatch any tool-call messages against the graph, feed the
// results back as tool messages, and repeat until the model stops calling
// tools or the loop's own call budget is spent.
package openaidriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/veupathdb/strategy-orchestration-core/internal/graph"
	"github.com/veupathdb/strategy-orchestration-core/internal/subtask"
	"github.com/veupathdb/strategy-orchestration-core/internal/subtask/tools"
)

// maxToolIterations bounds how many request/tool-result exchanges one
// RunRound performs, so a model that never stops calling tools cannot loop
// forever.
const maxToolIterations = 8

// ChatClient is the subset of the openai-go client this driver calls,
// letting tests substitute a fake without a real API key.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Driver implements subtask.SubAgent against one strategy graph.
type Driver struct {
	chat  ChatClient
	g     *graph.Graph
	model string
}

// New constructs a Driver. model is the OpenAI model identifier (e.g.
// openai.ChatModelGPT4o).
func New(chat ChatClient, g *graph.Graph, model string) (*Driver, error) {
	if chat == nil {
		return nil, errors.New("openai chat client is required")
	}
	if g == nil {
		return nil, errors.New("graph is required")
	}
	if model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Driver{chat: chat, g: g, model: model}, nil
}

// NewFromAPIKey constructs a Driver using the default openai-go HTTP client.
func NewFromAPIKey(apiKey string, g *graph.Graph, model string) (*Driver, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Chat.Completions, g, model)
}

func openaiTools() []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools.Catalog))
	for _, def := range tools.Catalog {
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  shared.FunctionParameters(def.InputSchema),
			},
		})
	}
	return out
}

func encodeHistory(history []subtask.ChatTurn) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(history))
	for _, turn := range history {
		if turn.Role == "assistant" {
			out = append(out, openai.AssistantMessage(turn.Content))
		} else {
			out = append(out, openai.UserMessage(turn.Content))
		}
	}
	return out
}

// RunRound implements subtask.SubAgent.
func (d *Driver) RunRound(ctx context.Context, prompt string, history []subtask.ChatTurn, emit subtask.Emitter) (subtask.RoundOutcome, error) {
	messages := encodeHistory(history)
	messages = append(messages, openai.UserMessage(prompt))

	var outcome subtask.RoundOutcome

	for iter := 0; iter < maxToolIterations; iter++ {
		resp, err := d.chat.New(ctx, openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(d.model),
			Messages: messages,
			Tools:    openaiTools(),
		})
		if err != nil {
			return outcome, fmt.Errorf("openai chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return outcome, nil
		}

		msg := resp.Choices[0].Message
		messages = append(messages, msg.ToParam())

		if len(msg.ToolCalls) == 0 {
			return outcome, nil
		}

		for _, call := range msg.ToolCalls {
			name := call.Function.Name
			emit("subkani_tool_call_start", map[string]any{"callId": call.ID, "name": name, "args": call.Function.Arguments})

			var args map[string]any
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				outcome.Errors = append(outcome.Errors, fmt.Sprintf("tool %s: invalid arguments: %v", name, err))
				messages = append(messages, openai.ToolMessage(err.Error(), call.ID))
				emit("subkani_tool_call_end", map[string]any{"callId": call.ID, "result": map[string]any{"error": err.Error()}})
				continue
			}

			result, coded := tools.Dispatch(d.g, name, args)
			if coded != nil {
				outcome.Errors = append(outcome.Errors, coded.Error())
				messages = append(messages, openai.ToolMessage(coded.Error(), call.ID))
				emit("subkani_tool_call_end", map[string]any{"callId": call.ID, "result": map[string]any{"error": coded.Error()}})
				continue
			}

			if stepID, ok := result["stepId"].(string); ok && stepID != "" && (name == "add_step" || name == "ensure_single_output") {
				outcome.StepsAdded = append(outcome.StepsAdded, stepID)
			}
			payload, _ := json.Marshal(result)
			messages = append(messages, openai.ToolMessage(string(payload), call.ID))
			emit("subkani_tool_call_end", map[string]any{"callId": call.ID, "result": result})
		}
	}

	return outcome, nil
}
