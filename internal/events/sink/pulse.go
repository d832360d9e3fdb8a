package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/veupathdb/strategy-orchestration-core/internal/events"
	"github.com/veupathdb/strategy-orchestration-core/internal/events/sink/pulseclient"
)

// PulseEnvelope wraps one turn event for transmission over a Pulse stream.
type PulseEnvelope struct {
	Type       string    `json:"type"`
	StrategyID string    `json:"strategyId"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    any       `json:"payload,omitempty"`
}

// PulseOptions configures Pulse.
type PulseOptions struct {
	// Client publishes to Pulse streams. Required.
	Client pulseclient.Client
	// StreamID derives the target stream name from the strategy id this
	// sink was constructed for. Defaults to "strategy/<strategyID>".
	StreamID func(strategyID string) (string, error)
	// MarshalEnvelope overrides envelope serialization, primarily for tests.
	MarshalEnvelope func(PulseEnvelope) ([]byte, error)
}

// Pulse publishes turn events to a Pulse (Redis-backed) stream, one stream
// per strategy, so other processes (persistence drains, fan-out consumers)
// can observe a turn without sharing the SSE connection.
type Pulse struct {
	client          pulseclient.Client
	strategyID      string
	streamID        func(string) (string, error)
	marshalEnvelope func(PulseEnvelope) ([]byte, error)
}

// NewPulse constructs a Pulse sink for one strategy's event stream.
func NewPulse(strategyID string, opts PulseOptions) (*Pulse, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultPulseStreamID
	}
	marshal := opts.MarshalEnvelope
	if marshal == nil {
		marshal = defaultPulseMarshal
	}
	return &Pulse{
		client:          opts.Client,
		strategyID:      strategyID,
		streamID:        streamID,
		marshalEnvelope: marshal,
	}, nil
}

// Send publishes event to this sink's strategy stream.
func (p *Pulse) Send(ctx context.Context, event events.Event) error {
	streamID, err := p.streamID(p.strategyID)
	if err != nil {
		return err
	}
	stream, err := p.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := PulseEnvelope{
		Type:       event.Type,
		StrategyID: p.strategyID,
		Timestamp:  time.Now().UTC(),
		Payload:    event.Data,
	}
	payload, err := p.marshalEnvelope(env)
	if err != nil {
		return err
	}
	_, err = stream.Add(ctx, env.Type, payload)
	return err
}

// Close releases the underlying Pulse client.
func (p *Pulse) Close(ctx context.Context) error {
	return p.client.Close(ctx)
}

func defaultPulseStreamID(strategyID string) (string, error) {
	if strategyID == "" {
		return "", errors.New("strategy id is required")
	}
	return fmt.Sprintf("strategy/%s", strategyID), nil
}

func defaultPulseMarshal(env PulseEnvelope) ([]byte, error) {
	return json.Marshal(env)
}
