// Package mongo implements store.Store against MongoDB, the durable
// conversation store for multi-process deployments.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/veupathdb/strategy-orchestration-core/internal/store"
)

const (
	defaultCollection = "conversations"
	defaultOpTimeout  = 5 * time.Second
)

// Options configures the Mongo-backed store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store is a store.Store backed by a single MongoDB collection, one
// document per conversation keyed by strategyId.
type Store struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// New constructs a Store and ensures the strategyId uniqueness index exists.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)

	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	idx := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "strategyId", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(idxCtx, idx); err != nil {
		return nil, err
	}

	return &Store{coll: coll, timeout: timeout}, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Get returns the conversation document for strategyID.
func (s *Store) Get(ctx context.Context, strategyID string) (store.ConversationRecord, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var rec store.ConversationRecord
	err := s.coll.FindOne(ctx, bson.M{"strategyId": strategyID}).Decode(&rec)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.ConversationRecord{}, false, nil
	}
	if err != nil {
		return store.ConversationRecord{}, false, err
	}
	return rec, true, nil
}

// Create inserts an empty conversation document, ignoring a duplicate-key
// error from a concurrent Create for the same strategyID.
func (s *Store) Create(ctx context.Context, strategyID string) (store.ConversationRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rec := store.ConversationRecord{StrategyID: strategyID, Plans: map[string]store.PlanRecord{}}
	_, err := s.coll.InsertOne(ctx, rec)
	if err != nil && !mongodriver.IsDuplicateKeyError(err) {
		return store.ConversationRecord{}, err
	}
	existing, _, getErr := s.Get(ctx, strategyID)
	if getErr != nil {
		return store.ConversationRecord{}, getErr
	}
	return existing, nil
}

// Update loads the current record, applies fn, and writes the result back
// with a full document replacement. Concurrent updates to the same
// strategyID race at the application layer; callers needing stronger
// guarantees should serialize through the pipeline's own per-turn lock.
func (s *Store) Update(ctx context.Context, strategyID string, fn func(*store.ConversationRecord)) error {
	rec, ok, err := s.Get(ctx, strategyID)
	if err != nil {
		return err
	}
	if !ok {
		rec = store.ConversationRecord{StrategyID: strategyID, Plans: map[string]store.PlanRecord{}}
	}
	fn(&rec)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = s.coll.ReplaceOne(ctx, bson.M{"strategyId": strategyID}, rec, options.Replace().SetUpsert(true))
	return err
}

// AppendMessage pushes msg onto the conversation's messages array.
func (s *Store) AppendMessage(ctx context.Context, strategyID string, msg store.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$push": bson.M{"messages": msg}}
	_, err := s.coll.UpdateOne(ctx, bson.M{"strategyId": strategyID}, update, options.Update().SetUpsert(true))
	return err
}

// UpdateThinking overwrites the thinking field.
func (s *Store) UpdateThinking(ctx context.Context, strategyID string, payload any) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{"thinking": payload}}
	_, err := s.coll.UpdateOne(ctx, bson.M{"strategyId": strategyID}, update, options.Update().SetUpsert(true))
	return err
}

// ClearThinking unsets the thinking field.
func (s *Store) ClearThinking(ctx context.Context, strategyID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$unset": bson.M{"thinking": ""}}
	_, err := s.coll.UpdateOne(ctx, bson.M{"strategyId": strategyID}, update)
	return err
}

// UpdatePlan sets plans.<graphID> to plan.
func (s *Store) UpdatePlan(ctx context.Context, strategyID, graphID string, plan store.PlanRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{"plans." + graphID: plan}}
	_, err := s.coll.UpdateOne(ctx, bson.M{"strategyId": strategyID}, update, options.Update().SetUpsert(true))
	return err
}

// SetExternalStrategyID records the external platform's strategy id.
func (s *Store) SetExternalStrategyID(ctx context.Context, strategyID, externalID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{"externalStrategyId": externalID}}
	_, err := s.coll.UpdateOne(ctx, bson.M{"strategyId": strategyID}, update, options.Update().SetUpsert(true))
	return err
}
