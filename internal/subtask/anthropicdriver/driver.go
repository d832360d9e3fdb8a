// Package anthropicdriver implements subtask.SubAgent on top of the
// Anthropic Claude Messages API. One RunRound call drives a short
// tool-calling loop: send the prompt plus the shared tool catalog, dispatch
// any tool_use blocks against the graph, feed the results back, and repeat
// until Claude stops calling tools or the loop's own call budget is spent.
package anthropicdriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/veupathdb/strategy-orchestration-core/internal/graph"
	"github.com/veupathdb/strategy-orchestration-core/internal/subtask"
	"github.com/veupathdb/strategy-orchestration-core/internal/subtask/tools"
)

// maxToolIterations bounds how many request/tool-result exchanges one
// RunRound performs before giving up and returning whatever steps were
// added, so a model that never stops calling tools cannot loop forever.
const maxToolIterations = 8

// MessagesClient is the subset of the Anthropic SDK client this driver
// calls, letting tests substitute a fake without a real API key.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Driver implements subtask.SubAgent against one strategy graph.
type Driver struct {
	msg   MessagesClient
	g     *graph.Graph
	model string
	maxTk int64
}

// New constructs a Driver. model is the Claude model identifier (e.g.
// sdk.ModelClaudeSonnet4_5); maxTokens bounds each completion.
func New(msg MessagesClient, g *graph.Graph, model string, maxTokens int64) (*Driver, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if g == nil {
		return nil, errors.New("graph is required")
	}
	if model == "" {
		return nil, errors.New("model identifier is required")
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Driver{msg: msg, g: g, model: model, maxTk: maxTokens}, nil
}

// NewFromAPIKey constructs a Driver using the default Anthropic HTTP client
// authenticated with apiKey, which must be non-empty.
func NewFromAPIKey(apiKey string, g *graph.Graph, model string, maxTokens int64) (*Driver, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Messages, g, model, maxTokens)
}

func anthropicTools() []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(tools.Catalog))
	for _, def := range tools.Catalog {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: def.InputSchema}, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out
}

func encodeHistory(history []subtask.ChatTurn) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(history))
	for _, turn := range history {
		switch turn.Role {
		case "assistant":
			out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(turn.Content)))
		default:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(turn.Content)))
		}
	}
	return out
}

// RunRound implements subtask.SubAgent.
func (d *Driver) RunRound(ctx context.Context, prompt string, history []subtask.ChatTurn, emit subtask.Emitter) (subtask.RoundOutcome, error) {
	messages := encodeHistory(history)
	messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(prompt)))

	var outcome subtask.RoundOutcome

	for iter := 0; iter < maxToolIterations; iter++ {
		resp, err := d.msg.New(ctx, sdk.MessageNewParams{
			Model:     sdk.Model(d.model),
			MaxTokens: d.maxTk,
			Messages:  messages,
			Tools:     anthropicTools(),
		})
		if err != nil {
			return outcome, fmt.Errorf("anthropic messages.new: %w", err)
		}

		type toolUse struct {
			id    string
			name  string
			input json.RawMessage
		}

		assistantBlocks := make([]sdk.ContentBlockParamUnion, 0, len(resp.Content))
		var toolUses []toolUse
		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				assistantBlocks = append(assistantBlocks, sdk.NewTextBlock(block.Text))
			case "tool_use":
				assistantBlocks = append(assistantBlocks, sdk.NewToolUseBlock(block.ID, block.Input, block.Name))
				toolUses = append(toolUses, toolUse{id: block.ID, name: block.Name, input: block.Input})
			}
		}
		if len(assistantBlocks) > 0 {
			messages = append(messages, sdk.NewAssistantMessage(assistantBlocks...))
		}

		if len(toolUses) == 0 {
			return outcome, nil
		}

		resultBlocks := make([]sdk.ContentBlockParamUnion, 0, len(toolUses))
		for _, call := range toolUses {
			emit("subkani_tool_call_start", map[string]any{"callId": call.id, "name": call.name, "args": call.input})

			var args map[string]any
			if err := json.Unmarshal(call.input, &args); err != nil {
				outcome.Errors = append(outcome.Errors, fmt.Sprintf("tool %s: invalid arguments: %v", call.name, err))
				resultBlocks = append(resultBlocks, sdk.NewToolResultBlock(call.id, err.Error(), true))
				emit("subkani_tool_call_end", map[string]any{"callId": call.id, "result": map[string]any{"error": err.Error()}})
				continue
			}

			result, coded := tools.Dispatch(d.g, call.name, args)
			if coded != nil {
				outcome.Errors = append(outcome.Errors, coded.Error())
				resultBlocks = append(resultBlocks, sdk.NewToolResultBlock(call.id, coded.Error(), true))
				emit("subkani_tool_call_end", map[string]any{"callId": call.id, "result": map[string]any{"error": coded.Error()}})
				continue
			}

			if stepID, ok := result["stepId"].(string); ok && stepID != "" && (call.name == "add_step" || call.name == "ensure_single_output") {
				outcome.StepsAdded = append(outcome.StepsAdded, stepID)
			}
			payload, _ := json.Marshal(result)
			resultBlocks = append(resultBlocks, sdk.NewToolResultBlock(call.id, string(payload), false))
			emit("subkani_tool_call_end", map[string]any{"callId": call.id, "result": result})
		}
		messages = append(messages, sdk.NewUserMessage(resultBlocks...))
	}

	return outcome, nil
}
