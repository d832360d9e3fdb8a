// Package inmem provides an in-process, non-durable implementation of
// engine.Engine: goroutines plus a bounded worker pool, exactly the
// concurrency model a single-process deployment needs and nothing more.
package inmem

import (
	"context"
	"sync"

	"github.com/veupathdb/strategy-orchestration-core/internal/engine"
)

// Engine runs a DAG of jobs with up to maxConcurrency goroutines active at
// once. It keeps no record of a run once RunDAG returns, so a process crash
// mid-run loses all progress; use the temporal engine when that matters.
type Engine struct{}

// New returns an in-memory Engine suitable for local development, tests, and
// single-process deployments.
func New() *Engine {
	return &Engine{}
}

// RunDAG implements engine.Engine.
func (*Engine) RunDAG(ctx context.Context, jobs []engine.Job, maxConcurrency int) error {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	byID := make(map[string]engine.Job, len(jobs))
	dependents := make(map[string][]string, len(jobs))
	pending := make(map[string]int, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
		pending[j.ID] = len(j.Deps)
	}
	for _, j := range jobs {
		for _, dep := range j.Deps {
			dependents[dep] = append(dependents[dep], j.ID)
		}
	}

	var mu sync.Mutex
	ready := make(chan string, len(jobs))
	var wg sync.WaitGroup

	var initial []string
	for id, count := range pending {
		if count == 0 {
			initial = append(initial, id)
		}
	}
	wg.Add(len(initial))
	for _, id := range initial {
		ready <- id
	}

	go func() {
		wg.Wait()
		close(ready)
	}()

	process := func(id string) {
		defer wg.Done()
		_ = byID[id].Run(ctx)

		mu.Lock()
		var unblocked []string
		for _, dep := range dependents[id] {
			pending[dep]--
			if pending[dep] == 0 {
				unblocked = append(unblocked, dep)
			}
		}
		mu.Unlock()

		if len(unblocked) > 0 {
			wg.Add(len(unblocked))
			for _, dep := range unblocked {
				ready <- dep
			}
		}
	}

	var workers sync.WaitGroup
	for i := 0; i < maxConcurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for id := range ready {
				process(id)
			}
		}()
	}
	workers.Wait()

	return nil
}
