package orchestration

import (
	"context"
	"time"

	"github.com/listforge/listforge/core"
	"github.com/listforge/listforge/telemetry"
)

// Recover resumes a single interrupted execution from its last snapshot.
// Returns false when the execution is already active in this process, is
// terminal, or has no usable snapshot. Resumption is at-least-once: items
// processed after the last snapshot may run their current stage again.
func (e *Engine) Recover(ctx context.Context, executionID string) (bool, error) {
	e.activeMu.Lock()
	_, running := e.active[executionID]
	e.activeMu.Unlock()
	if running {
		return false, nil
	}

	execution, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	if execution.Status.IsTerminal() {
		return false, nil
	}

	snapshot, err := e.checkpoints.LoadSnapshot(ctx, executionID)
	if err != nil {
		return false, core.NewPipelineError("orchestrator.Recover", "execution", err)
	}
	if snapshot == nil || snapshot.Template == nil {
		// Snapshot expired: the execution cannot be resumed safely. Fail it so
		// operators see a terminal state instead of a zombie.
		now := time.Now()
		execution.Status = ExecutionFailed
		execution.EndedAt = &now
		execution.ErrorLog = append(execution.ErrorLog, "recovery failed: snapshot expired or missing")
		if err := e.store.UpdateExecution(ctx, execution); err != nil {
			return false, err
		}
		e.logger.Warn("Execution unrecoverable, marked failed", map[string]interface{}{
			"operation":    "execution_recover",
			"execution_id": executionID,
		})
		return false, nil
	}

	if snapshot.CancelRequested {
		now := time.Now()
		execution.Status = ExecutionCancelled
		execution.EndedAt = &now
		return false, e.store.UpdateExecution(ctx, execution)
	}

	staleSteps := e.reconcileInterruptedSteps(ctx, execution, snapshot.StepIndex)

	handle := newExecutionHandle(execution, snapshot.Template, snapshot.Items, snapshot.RunConfig)
	handle.pauseRequested = snapshot.PauseRequested
	handle.staleSteps = staleSteps
	for _, result := range mustItemResults(ctx, e, executionID) {
		handle.itemResults[result.ItemID] = result
	}

	e.activeMu.Lock()
	if _, raced := e.active[executionID]; raced {
		e.activeMu.Unlock()
		return false, nil
	}
	e.active[executionID] = handle
	e.activeMu.Unlock()

	e.logger.Info("Recovering workflow execution", map[string]interface{}{
		"operation":    "execution_recover",
		"execution_id": executionID,
		"step_index":   snapshot.StepIndex,
		"processed":    execution.Items.Processed,
	})
	telemetry.Counter("listforge.executions.recovered", "template", execution.TemplateName)

	go e.run(handle, snapshot.StepIndex)
	return true, nil
}

// RecoverStale scans for executions stuck in running or paused past the
// staleness threshold and resumes each one. Returns the ids resumed.
func (e *Engine) RecoverStale(ctx context.Context) ([]string, error) {
	candidates, err := e.store.RecoveryCandidates(ctx, e.cfg.RecoveryStaleThreshold)
	if err != nil {
		return nil, core.NewPipelineError("orchestrator.RecoverStale", "execution", err)
	}

	var recovered []string
	for _, candidate := range candidates {
		resumed, err := e.Recover(ctx, candidate.ID)
		if err != nil {
			e.logger.Error("Failed to recover execution", map[string]interface{}{
				"operation":    "execution_recover",
				"execution_id": candidate.ID,
				"error":        err.Error(),
			})
			continue
		}
		if resumed {
			recovered = append(recovered, candidate.ID)
		}
	}
	return recovered, nil
}

// reconcileInterruptedSteps backs the interrupted run's in-flight work out of
// the execution. Step records at or past the resume index have their counters
// removed from the execution totals, and the records themselves are handed to
// the resumed run so the replayed stage updates them in place instead of
// writing a second step at the same ordinal.
func (e *Engine) reconcileInterruptedSteps(ctx context.Context, execution *Execution, resumeIndex int) map[int]*Step {
	steps, err := e.store.StepsForExecution(ctx, execution.ID)
	if err != nil {
		e.logger.Warn("Failed to load steps for recovery", map[string]interface{}{
			"operation":    "execution_recover",
			"execution_id": execution.ID,
			"error":        err.Error(),
		})
		return nil
	}

	stale := make(map[int]*Step)
	for _, step := range steps {
		if step.Ordinal < resumeIndex {
			continue
		}
		execution.Items.Processed -= step.Items.Processed
		execution.Items.Succeeded -= step.Items.Succeeded
		execution.Items.Failed -= step.Items.Failed
		if step.Status == StepCompleted && execution.CompletedSteps > 0 {
			execution.CompletedSteps--
		}
		stale[step.Ordinal] = step
	}
	return stale
}

func mustItemResults(ctx context.Context, e *Engine, executionID string) []*ItemResult {
	results, err := e.store.ItemResultsForExecution(ctx, executionID)
	if err != nil {
		e.logger.Warn("Failed to load item results for recovery", map[string]interface{}{
			"operation":    "execution_recover",
			"execution_id": executionID,
			"error":        err.Error(),
		})
		return nil
	}
	return results
}
