package compose

import (
	"context"
	"fmt"
	"time"

	"github.com/blankon/irgsh-composer/internal/entity"
)

// Step is one entry of the worker's step table.
type Step struct {
	Name  string
	State entity.ComposeState
	Run   func(ctx context.Context) error
}

// StepLog records which steps of a compose completed. A step found in the
// log is not run again; a failed step is not recorded, so a resumed compose
// retries it from scratch.
type StepLog struct {
	store     CheckpointStore
	composeID string
	done      map[string]bool
}

func LoadStepLog(ctx context.Context, store CheckpointStore, composeID string) (*StepLog, error) {
	done, err := store.Checkpoints(ctx, composeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}
	if done == nil {
		done = map[string]bool{}
	}
	return &StepLog{store: store, composeID: composeID, done: done}, nil
}

func (l *StepLog) Done(step string) bool {
	return l.done[step]
}

// Run executes step unless it already completed. It reports whether the
// step ran.
func (l *StepLog) Run(ctx context.Context, step Step) (bool, error) {
	if l.done[step.Name] {
		return false, nil
	}

	start := time.Now()
	if err := step.Run(ctx); err != nil {
		return true, fmt.Errorf("%s: %w", step.Name, err)
	}
	stepDuration.WithLabelValues(step.Name).Observe(time.Since(start).Seconds())

	if err := l.store.MarkCheckpoint(ctx, l.composeID, step.Name); err != nil {
		return true, fmt.Errorf("failed to checkpoint %s: %w", step.Name, err)
	}
	l.done[step.Name] = true
	return true, nil
}
