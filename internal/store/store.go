// Package store defines the conversation persistence seam consumed by the
// Turn Event Pipeline: appended assistant messages, the coalesced
// "thinking" payload, and the latest canonical plan per graph. The core
// depends only on this interface; inmem and mongo provide concrete
// backends.
package store

import (
	"context"
	"time"
)

// ToolCallRecord is the canonical, persisted shape of one tool invocation:
// what was called, with what arguments, and what it returned.
type ToolCallRecord struct {
	ID     string         `json:"id" bson:"id"`
	Name   string         `json:"name" bson:"name"`
	Args   map[string]any `json:"args,omitempty" bson:"args,omitempty"`
	Result map[string]any `json:"result,omitempty" bson:"result,omitempty"`
}

// SubkaniActivity groups the tool calls a single delegated sub-task made,
// alongside its terminal status.
type SubkaniActivity struct {
	TaskName string           `json:"taskName" bson:"taskName"`
	Status   string           `json:"status" bson:"status"`
	Calls    []ToolCallRecord `json:"calls,omitempty" bson:"calls,omitempty"`
}

// Message is one persisted conversation turn. Tool call and sub-task
// activity are only ever attached to the last assistant message of a turn.
type Message struct {
	ID              string            `json:"id" bson:"id"`
	Role            string            `json:"role" bson:"role"`
	Content         string            `json:"content" bson:"content"`
	ToolCalls       []ToolCallRecord  `json:"toolCalls,omitempty" bson:"toolCalls,omitempty"`
	SubkaniActivity []SubkaniActivity `json:"subkaniActivity,omitempty" bson:"subkaniActivity,omitempty"`
	CreatedAt       time.Time         `json:"createdAt" bson:"createdAt"`
}

// PlanRecord is the latest canonical plan persisted for one graph: enough
// to redraw the strategy without replaying the turn.
type PlanRecord struct {
	GraphID     string `json:"graphId" bson:"graphId"`
	Name        string `json:"name" bson:"name"`
	RecordType  string `json:"recordType" bson:"recordType"`
	Description string `json:"description" bson:"description"`
	Snapshot    any    `json:"snapshot,omitempty" bson:"snapshot,omitempty"`
	Empty       bool   `json:"empty,omitempty" bson:"empty,omitempty"`
}

// ConversationRecord is the full persisted state for one conversation.
type ConversationRecord struct {
	StrategyID         string                `json:"strategyId" bson:"strategyId"`
	Messages           []Message             `json:"messages" bson:"messages"`
	Thinking           any                   `json:"thinking,omitempty" bson:"thinking,omitempty"`
	Plans              map[string]PlanRecord `json:"plans" bson:"plans"`
	ExternalStrategyID string                `json:"externalStrategyId,omitempty" bson:"externalStrategyId,omitempty"`
}

// Store is the repository interface the Turn Event Pipeline persists
// through. Implementations must make AppendMessage/UpdateThinking safe to
// call concurrently with reads of the same strategyId.
type Store interface {
	// Get returns the conversation record for strategyId, or ok=false if
	// none exists yet.
	Get(ctx context.Context, strategyID string) (ConversationRecord, bool, error)
	// Create initializes an empty conversation record for strategyId.
	Create(ctx context.Context, strategyID string) (ConversationRecord, error)
	// Update applies fn to the current record and persists the result.
	// Implementations must serialize concurrent Update calls for the same
	// strategyId.
	Update(ctx context.Context, strategyID string, fn func(*ConversationRecord)) error
	// AppendMessage appends msg to the conversation's message list.
	AppendMessage(ctx context.Context, strategyID string, msg Message) error
	// UpdateThinking overwrites the coalesced thinking payload.
	UpdateThinking(ctx context.Context, strategyID string, payload any) error
	// ClearThinking removes the thinking payload once it has been folded
	// into a finalized assistant message.
	ClearThinking(ctx context.Context, strategyID string) error
	// UpdatePlan records the latest canonical plan for one graph within the
	// conversation.
	UpdatePlan(ctx context.Context, strategyID, graphID string, plan PlanRecord) error
	// SetExternalStrategyID records the external platform's strategy id
	// once a strategy_link event resolves it.
	SetExternalStrategyID(ctx context.Context, strategyID, externalID string) error
}
