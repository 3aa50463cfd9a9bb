package workflow

import (
	"context"
	"log"
	"sync"
)

// Saga accumulates compensations as stages complete. On a later-stage
// failure they run in reverse order, so a half-built deployment does not
// leave orphaned resources behind.
type Saga struct {
	mu    sync.Mutex
	steps []sagaStep
}

type sagaStep struct {
	name string
	fn   func(ctx context.Context) error
}

// Add registers a compensation for work that just completed.
func (s *Saga) Add(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, sagaStep{name: name, fn: fn})
}

// Rollback runs all compensations in reverse order. Compensation failures
// are logged and skipped; the original stage error stays authoritative.
func (s *Saga) Rollback(ctx context.Context) {
	s.mu.Lock()
	steps := make([]sagaStep, len(s.steps))
	copy(steps, s.steps)
	s.steps = nil
	s.mu.Unlock()

	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if err := step.fn(ctx); err != nil {
			log.Printf("workflow: compensation %s failed: %v", step.name, err)
			continue
		}
		log.Printf("workflow: compensation %s done", step.name)
	}
}
