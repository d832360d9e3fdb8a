// Package bedrockdriver implements subtask.SubAgent on top of the AWS
// Bedrock Converse API. One RunRound call drives a short tool-calling loop:
// encode the shared tool catalog into a Bedrock ToolConfiguration, send the
// prompt, dispatch any tool_use content blocks against the graph, feed the
// results back as tool_result blocks, and repeat until the model stops
// calling tools or the loop's own call budget is spent.
package bedrockdriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/veupathdb/strategy-orchestration-core/internal/graph"
	"github.com/veupathdb/strategy-orchestration-core/internal/subtask"
	"github.com/veupathdb/strategy-orchestration-core/internal/subtask/tools"
)

// maxToolIterations bounds how many request/tool-result exchanges one
// RunRound performs, so a model that never stops calling tools cannot loop
// forever.
const maxToolIterations = 8

// RuntimeClient is the subset of the AWS Bedrock runtime client this driver
// calls, letting tests substitute a fake without real AWS credentials.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Driver implements subtask.SubAgent against one strategy graph.
type Driver struct {
	runtime RuntimeClient
	g       *graph.Graph
	model   string
}

// New constructs a Driver. model is the Bedrock model identifier (e.g. an
// inference profile ARN for a Claude or Nova model).
func New(runtime RuntimeClient, g *graph.Graph, model string) (*Driver, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if g == nil {
		return nil, errors.New("graph is required")
	}
	if model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Driver{runtime: runtime, g: g, model: model}, nil
}

func toolConfiguration() *brtypes.ToolConfiguration {
	toolList := make([]brtypes.Tool, 0, len(tools.Catalog))
	for _, def := range tools.Catalog {
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(def.Name),
				Description: aws.String(def.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(def.InputSchema)},
			},
		})
	}
	return &brtypes.ToolConfiguration{Tools: toolList}
}

func encodeHistory(history []subtask.ChatTurn) []brtypes.Message {
	out := make([]brtypes.Message, 0, len(history))
	for _, turn := range history {
		role := brtypes.ConversationRoleUser
		if turn.Role == "assistant" {
			role = brtypes.ConversationRoleAssistant
		}
		out = append(out, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: turn.Content}},
		})
	}
	return out
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

// RunRound implements subtask.SubAgent.
func (d *Driver) RunRound(ctx context.Context, prompt string, history []subtask.ChatTurn, emit subtask.Emitter) (subtask.RoundOutcome, error) {
	messages := encodeHistory(history)
	messages = append(messages, brtypes.Message{
		Role:    brtypes.ConversationRoleUser,
		Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt}},
	})

	var outcome subtask.RoundOutcome
	toolConfig := toolConfiguration()

	for iter := 0; iter < maxToolIterations; iter++ {
		output, err := d.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
			ModelId:    aws.String(d.model),
			Messages:   messages,
			ToolConfig: toolConfig,
		})
		if err != nil {
			return outcome, fmt.Errorf("bedrock converse: %w", err)
		}

		msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
		if !ok {
			return outcome, nil
		}
		messages = append(messages, msg.Value)

		type toolUse struct {
			id    string
			name  string
			input json.RawMessage
		}
		var toolUses []toolUse
		for _, block := range msg.Value.Content {
			if tu, ok := block.(*brtypes.ContentBlockMemberToolUse); ok {
				name, id := "", ""
				if tu.Value.Name != nil {
					name = *tu.Value.Name
				}
				if tu.Value.ToolUseId != nil {
					id = *tu.Value.ToolUseId
				}
				toolUses = append(toolUses, toolUse{id: id, name: name, input: decodeDocument(tu.Value.Input)})
			}
		}
		if len(toolUses) == 0 {
			return outcome, nil
		}

		resultBlocks := make([]brtypes.ContentBlock, 0, len(toolUses))
		for _, call := range toolUses {
			emit("subkani_tool_call_start", map[string]any{"callId": call.id, "name": call.name, "args": call.input})

			var args map[string]any
			if err := json.Unmarshal(call.input, &args); err != nil {
				outcome.Errors = append(outcome.Errors, fmt.Sprintf("tool %s: invalid arguments: %v", call.name, err))
				resultBlocks = append(resultBlocks, toolResultBlock(call.id, err.Error(), true))
				emit("subkani_tool_call_end", map[string]any{"callId": call.id, "result": map[string]any{"error": err.Error()}})
				continue
			}

			result, coded := tools.Dispatch(d.g, call.name, args)
			if coded != nil {
				outcome.Errors = append(outcome.Errors, coded.Error())
				resultBlocks = append(resultBlocks, toolResultBlock(call.id, coded.Error(), true))
				emit("subkani_tool_call_end", map[string]any{"callId": call.id, "result": map[string]any{"error": coded.Error()}})
				continue
			}

			if stepID, ok := result["stepId"].(string); ok && stepID != "" && (call.name == "add_step" || call.name == "ensure_single_output") {
				outcome.StepsAdded = append(outcome.StepsAdded, stepID)
			}
			payload, _ := json.Marshal(result)
			resultBlocks = append(resultBlocks, toolResultBlock(call.id, string(payload), false))
			emit("subkani_tool_call_end", map[string]any{"callId": call.id, "result": result})
		}
		messages = append(messages, brtypes.Message{Role: brtypes.ConversationRoleUser, Content: resultBlocks})
	}

	return outcome, nil
}

func toolResultBlock(toolUseID, text string, isError bool) brtypes.ContentBlock {
	status := brtypes.ToolResultStatusSuccess
	if isError {
		status = brtypes.ToolResultStatusError
	}
	return &brtypes.ContentBlockMemberToolResult{
		Value: brtypes.ToolResultBlock{
			ToolUseId: aws.String(toolUseID),
			Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: text}},
			Status:    status,
		},
	}
}
