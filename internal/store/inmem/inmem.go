// Package inmem implements store.Store with a mutex-guarded map, suitable
// for single-process deployments and tests.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veupathdb/strategy-orchestration-core/internal/store"
)

// Store is an in-memory, process-local store.Store implementation.
type Store struct {
	mu      sync.Mutex
	records map[string]store.ConversationRecord
}

// New constructs an empty Store.
func New() *Store {
	return &Store{records: make(map[string]store.ConversationRecord)}
}

// Get returns a copy of the conversation record for strategyID.
func (s *Store) Get(_ context.Context, strategyID string) (store.ConversationRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[strategyID]
	return clone(rec), ok, nil
}

// Create initializes an empty record for strategyID, returning it unchanged
// if one already exists.
func (s *Store) Create(_ context.Context, strategyID string) (store.ConversationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[strategyID]; ok {
		return clone(rec), nil
	}
	rec := store.ConversationRecord{StrategyID: strategyID, Plans: make(map[string]store.PlanRecord)}
	s.records[strategyID] = rec
	return clone(rec), nil
}

// Update applies fn to the record for strategyID under the store's lock,
// creating the record first if it does not yet exist.
func (s *Store) Update(_ context.Context, strategyID string, fn func(*store.ConversationRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[strategyID]
	if !ok {
		rec = store.ConversationRecord{StrategyID: strategyID, Plans: make(map[string]store.PlanRecord)}
	}
	fn(&rec)
	s.records[strategyID] = rec
	return nil
}

// AppendMessage appends msg, assigning an id and timestamp if unset.
func (s *Store) AppendMessage(_ context.Context, strategyID string, msg store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[strategyID]
	if !ok {
		rec = store.ConversationRecord{StrategyID: strategyID, Plans: make(map[string]store.PlanRecord)}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	rec.Messages = append(rec.Messages, msg)
	s.records[strategyID] = rec
	return nil
}

// UpdateThinking overwrites the thinking payload.
func (s *Store) UpdateThinking(_ context.Context, strategyID string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[strategyID]
	if !ok {
		rec = store.ConversationRecord{StrategyID: strategyID, Plans: make(map[string]store.PlanRecord)}
	}
	rec.Thinking = payload
	s.records[strategyID] = rec
	return nil
}

// ClearThinking removes the thinking payload.
func (s *Store) ClearThinking(ctx context.Context, strategyID string) error {
	return s.UpdateThinking(ctx, strategyID, nil)
}

// UpdatePlan records the latest plan for graphID.
func (s *Store) UpdatePlan(_ context.Context, strategyID, graphID string, plan store.PlanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[strategyID]
	if !ok {
		rec = store.ConversationRecord{StrategyID: strategyID, Plans: make(map[string]store.PlanRecord)}
	}
	if rec.Plans == nil {
		rec.Plans = make(map[string]store.PlanRecord)
	}
	rec.Plans[graphID] = plan
	s.records[strategyID] = rec
	return nil
}

// SetExternalStrategyID records the external platform's strategy id.
func (s *Store) SetExternalStrategyID(_ context.Context, strategyID, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[strategyID]
	if !ok {
		rec = store.ConversationRecord{StrategyID: strategyID, Plans: make(map[string]store.PlanRecord)}
	}
	rec.ExternalStrategyID = externalID
	s.records[strategyID] = rec
	return nil
}

func clone(rec store.ConversationRecord) store.ConversationRecord {
	out := rec
	out.Messages = append([]store.Message(nil), rec.Messages...)
	if rec.Plans != nil {
		out.Plans = make(map[string]store.PlanRecord, len(rec.Plans))
		for k, v := range rec.Plans {
			out.Plans[k] = v
		}
	}
	return out
}
