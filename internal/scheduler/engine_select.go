package scheduler

import (
	"fmt"

	"go.temporal.io/sdk/client"

	"github.com/veupathdb/strategy-orchestration-core/internal/config"
	"github.com/veupathdb/strategy-orchestration-core/internal/engine/temporal"
)

// NewFromConfig builds a Scheduler backed by whichever engine.Engine
// cfg.Backend names. "inmem" (the default) needs nothing further; "temporal"
// builds a lazy client for cfg.Temporal.HostPort (no connection is made
// until first use) and registers the DAG workflow on
// cfg.Temporal.TaskQueue.
func NewFromConfig(cfg config.SchedulerConfig, runTask TaskRunner) (*Scheduler, error) {
	switch cfg.Backend {
	case "", "inmem":
		return New(cfg.MaxConcurrency, runTask), nil
	case "temporal":
		eng, err := temporal.New(temporal.Options{
			ClientOptions: &client.Options{
				HostPort:  cfg.Temporal.HostPort,
				Namespace: cfg.Temporal.Namespace,
			},
			TaskQueue: cfg.Temporal.TaskQueue,
		})
		if err != nil {
			return nil, fmt.Errorf("scheduler: build temporal engine: %w", err)
		}
		return NewWithEngine(cfg.MaxConcurrency, runTask, eng), nil
	default:
		return nil, fmt.Errorf("scheduler: unknown engine backend %q", cfg.Backend)
	}
}
