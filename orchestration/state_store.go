package orchestration

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/listforge/listforge/core"
)

// StateStore is the durable side of execution state: executions, steps and
// item results. Writes are transactional at single-entity granularity;
// ApplyProgress updates step and execution counters together in one
// transaction per progress tick. The ephemeral side (snapshots, checkpoints)
// lives behind core.Memory, see CheckpointStore.
type StateStore interface {
	SaveExecution(ctx context.Context, execution *Execution) error
	UpdateExecution(ctx context.Context, execution *Execution) error
	GetExecution(ctx context.Context, executionID string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	// DeleteExecution removes the execution and, by ownership, its steps and
	// item results.
	DeleteExecution(ctx context.Context, executionID string) error

	SaveStep(ctx context.Context, step *Step) error
	UpdateStep(ctx context.Context, step *Step) error
	StepsForExecution(ctx context.Context, executionID string) ([]*Step, error)

	SaveItemResult(ctx context.Context, result *ItemResult) error
	UpdateItemResult(ctx context.Context, result *ItemResult) error
	GetItemResult(ctx context.Context, executionID, itemID string) (*ItemResult, error)
	ItemResultsForExecution(ctx context.Context, executionID string) ([]*ItemResult, error)

	// ApplyProgress persists the current counters of a step and its execution
	// atomically.
	ApplyProgress(ctx context.Context, execution *Execution, step *Step) error

	// RecoveryCandidates surfaces executions in running or paused whose
	// UpdatedAt is older than now minus staleAfter.
	RecoveryCandidates(ctx context.Context, staleAfter time.Duration) ([]*Execution, error)
}

// MemoryStateStore is an in-process StateStore for development and tests.
type MemoryStateStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
	steps      map[string][]*Step       // execution id -> steps
	items      map[string][]*ItemResult // execution id -> item results
}

// NewMemoryStateStore creates an empty in-process state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		executions: make(map[string]*Execution),
		steps:      make(map[string][]*Step),
		items:      make(map[string][]*ItemResult),
	}
}

func (s *MemoryStateStore) SaveExecution(ctx context.Context, execution *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	execution.UpdatedAt = time.Now()
	s.executions[execution.ID] = execution.Clone()
	return nil
}

func (s *MemoryStateStore) UpdateExecution(ctx context.Context, execution *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[execution.ID]; !ok {
		return core.ErrExecutionNotFound
	}
	execution.UpdatedAt = time.Now()
	s.executions[execution.ID] = execution.Clone()
	return nil
}

func (s *MemoryStateStore) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	execution, ok := s.executions[executionID]
	if !ok {
		return nil, core.ErrExecutionNotFound
	}
	return execution.Clone(), nil
}

func (s *MemoryStateStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Execution
	for _, execution := range s.executions {
		if filter.TemplateName != "" && execution.TemplateName != filter.TemplateName {
			continue
		}
		if filter.Status != "" && execution.Status != filter.Status {
			continue
		}
		matched = append(matched, execution.Clone())
	}
	// Newest first.
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	return paginate(matched, filter.Offset, filter.Limit), nil
}

func (s *MemoryStateStore) DeleteExecution(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[executionID]; !ok {
		return core.ErrExecutionNotFound
	}
	delete(s.executions, executionID)
	delete(s.steps, executionID)
	delete(s.items, executionID)
	return nil
}

func (s *MemoryStateStore) SaveStep(ctx context.Context, step *Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[step.ExecutionID] = append(s.steps[step.ExecutionID], step.Clone())
	return nil
}

func (s *MemoryStateStore) UpdateStep(ctx context.Context, step *Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.steps[step.ExecutionID] {
		if existing.ID == step.ID {
			s.steps[step.ExecutionID][i] = step.Clone()
			return nil
		}
	}
	return core.NewPipelineError("statestore.UpdateStep", "step", core.ErrExecutionNotFound)
}

func (s *MemoryStateStore) StepsForExecution(ctx context.Context, executionID string) ([]*Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := make([]*Step, 0, len(s.steps[executionID]))
	for _, step := range s.steps[executionID] {
		steps = append(steps, step.Clone())
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Ordinal < steps[j].Ordinal })
	return steps, nil
}

func (s *MemoryStateStore) SaveItemResult(ctx context.Context, result *ItemResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[result.ExecutionID] = append(s.items[result.ExecutionID], cloneItemResult(result))
	return nil
}

func (s *MemoryStateStore) UpdateItemResult(ctx context.Context, result *ItemResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.items[result.ExecutionID] {
		if existing.ItemID == result.ItemID {
			s.items[result.ExecutionID][i] = cloneItemResult(result)
			return nil
		}
	}
	return core.ErrItemNotFound
}

func (s *MemoryStateStore) GetItemResult(ctx context.Context, executionID, itemID string) (*ItemResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, existing := range s.items[executionID] {
		if existing.ItemID == itemID {
			return cloneItemResult(existing), nil
		}
	}
	return nil, core.ErrItemNotFound
}

func (s *MemoryStateStore) ItemResultsForExecution(ctx context.Context, executionID string) ([]*ItemResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	results := make([]*ItemResult, 0, len(s.items[executionID]))
	for _, existing := range s.items[executionID] {
		results = append(results, cloneItemResult(existing))
	}
	return results, nil
}

func (s *MemoryStateStore) ApplyProgress(ctx context.Context, execution *Execution, step *Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[execution.ID]; !ok {
		return core.ErrExecutionNotFound
	}
	execution.UpdatedAt = time.Now()
	s.executions[execution.ID] = execution.Clone()
	for i, existing := range s.steps[step.ExecutionID] {
		if existing.ID == step.ID {
			s.steps[step.ExecutionID][i] = step.Clone()
			break
		}
	}
	return nil
}

func (s *MemoryStateStore) RecoveryCandidates(ctx context.Context, staleAfter time.Duration) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-staleAfter)
	var candidates []*Execution
	for _, execution := range s.executions {
		if execution.Status != ExecutionRunning && execution.Status != ExecutionPaused {
			continue
		}
		if execution.UpdatedAt.Before(cutoff) {
			candidates = append(candidates, execution.Clone())
		}
	}
	return candidates, nil
}

func cloneItemResult(in *ItemResult) *ItemResult {
	copied := *in
	copied.Stages = make(map[string]*StageOutcome, len(in.Stages))
	for name, outcome := range in.Stages {
		oc := *outcome
		oc.Artifacts = cloneMap(outcome.Artifacts)
		copied.Stages[name] = &oc
	}
	return &copied
}

func paginate[T any](in []T, offset, limit int) []T {
	if offset >= len(in) {
		return nil
	}
	out := in[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

var _ StateStore = (*MemoryStateStore)(nil)
