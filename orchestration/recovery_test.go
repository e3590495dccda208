package orchestration

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// seedInterruptedExecution persists the durable and ephemeral state an
// execution leaves behind when its process dies between the first and second
// stage.
func seedInterruptedExecution(t *testing.T, f *engineFixture, executionID string) {
	t.Helper()
	ctx := context.Background()

	tmpl := &Template{
		Name: "resumable",
		Stages: []StageDefinition{
			{Name: "first", Type: "first"},
			{Name: "second", Type: "second", DependsOn: []string{"first"}},
		},
	}
	f.registerTemplate(t, tmpl)

	items := testItems(2)
	now := time.Now()
	execution := &Execution{
		ID:             executionID,
		TemplateName:   tmpl.Name,
		Status:         ExecutionRunning,
		TotalSteps:     2,
		CompletedSteps: 1,
		Items:          ItemCounters{Total: 2, Processed: 2, Succeeded: 2},
		StartedAt:      now.Add(-time.Minute),
		CreatedAt:      now.Add(-time.Minute),
	}
	if err := f.store.SaveExecution(ctx, execution); err != nil {
		t.Fatalf("SaveExecution() error = %v", err)
	}

	completedAt := now.Add(-30 * time.Second)
	step := &Step{
		ID:          executionID + "-first",
		ExecutionID: executionID,
		Ordinal:     0,
		Name:        "first",
		Status:      StepCompleted,
		StartedAt:   &execution.StartedAt,
		CompletedAt: &completedAt,
		Items:       ItemCounters{Total: 2, Processed: 2, Succeeded: 2},
	}
	if err := f.store.SaveStep(ctx, step); err != nil {
		t.Fatalf("SaveStep() error = %v", err)
	}

	for _, item := range items {
		result := &ItemResult{
			ID:          executionID + "-" + item.ID,
			ExecutionID: executionID,
			ItemID:      item.ID,
			Stages: map[string]*StageOutcome{
				"first": {Status: StepCompleted, CompletedAt: &completedAt},
			},
			FinalStatus: ItemRunning,
		}
		if err := f.store.SaveItemResult(ctx, result); err != nil {
			t.Fatalf("SaveItemResult() error = %v", err)
		}
	}

	snapshot := &ExecutionSnapshot{
		ExecutionID: executionID,
		StepIndex:   1,
		Template:    tmpl,
		Items:       items,
	}
	if err := f.engine.Checkpoints().SaveSnapshot(ctx, snapshot); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
}

func TestRecoverResumesAtSnapshotIndex(t *testing.T) {
	f := newEngineFixture(t)
	seedInterruptedExecution(t, f, "e1")

	var firstRuns, secondRuns int64
	f.engine.RegisterProcessor("first", echoProcessor(&firstRuns))
	f.engine.RegisterProcessor("second", echoProcessor(&secondRuns))

	ctx := context.Background()
	resumed, err := f.engine.Recover(ctx, "e1")
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if !resumed {
		t.Fatal("Recover() = false, want resumed")
	}

	execution := waitForTerminal(t, f.engine, "e1")
	if execution.Status != ExecutionCompleted {
		t.Fatalf("Status = %s, want completed (errors: %v)", execution.Status, execution.ErrorLog)
	}
	// The completed first stage must not replay.
	if atomic.LoadInt64(&firstRuns) != 0 {
		t.Errorf("first stage ran %d times after recovery, want 0", firstRuns)
	}
	if atomic.LoadInt64(&secondRuns) != 2 {
		t.Errorf("second stage runs = %d, want 2", secondRuns)
	}

	results, err := f.store.ItemResultsForExecution(ctx, "e1")
	if err != nil {
		t.Fatalf("ItemResultsForExecution() error = %v", err)
	}
	for _, result := range results {
		if result.FinalStatus != ItemCompleted {
			t.Errorf("item %s = %s, want completed", result.ItemID, result.FinalStatus)
		}
	}
}

func TestRecoverSupersedesInFlightStep(t *testing.T) {
	f := newEngineFixture(t)
	seedInterruptedExecution(t, f, "e1")
	ctx := context.Background()

	// The process died while the second stage had processed 1 of 2 items.
	startedAt := time.Now().Add(-20 * time.Second)
	inflight := &Step{
		ID:          "e1-second",
		ExecutionID: "e1",
		Ordinal:     1,
		Name:        "second",
		Status:      StepRunning,
		StartedAt:   &startedAt,
		Items:       ItemCounters{Total: 2, Processed: 1, Succeeded: 1},
	}
	if err := f.store.SaveStep(ctx, inflight); err != nil {
		t.Fatalf("SaveStep() error = %v", err)
	}
	execution, err := f.store.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	execution.Items.Processed = 3
	execution.Items.Succeeded = 3
	if err := f.store.UpdateExecution(ctx, execution); err != nil {
		t.Fatalf("UpdateExecution() error = %v", err)
	}

	var secondRuns int64
	f.engine.RegisterProcessor("first", echoProcessor(nil))
	f.engine.RegisterProcessor("second", echoProcessor(&secondRuns))

	resumed, err := f.engine.Recover(ctx, "e1")
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if !resumed {
		t.Fatal("Recover() = false, want resumed")
	}

	got := waitForTerminal(t, f.engine, "e1")
	if got.Status != ExecutionCompleted {
		t.Fatalf("Status = %s, want completed (errors: %v)", got.Status, got.ErrorLog)
	}
	// 2 items across 2 stages; the replayed stage must not double-count the
	// item the interrupted run had already recorded.
	if got.Items.Processed != 4 || got.Items.Succeeded != 4 {
		t.Errorf("counters = %+v, want 4 processed / 4 succeeded", got.Items)
	}
	if got.CompletedSteps != 2 {
		t.Errorf("CompletedSteps = %d, want 2", got.CompletedSteps)
	}
	if atomic.LoadInt64(&secondRuns) != 2 {
		t.Errorf("second stage runs = %d, want 2", secondRuns)
	}

	steps, err := f.store.StepsForExecution(ctx, "e1")
	if err != nil {
		t.Fatalf("StepsForExecution() error = %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want one per ordinal", len(steps))
	}
	seen := make(map[int]bool)
	var second *Step
	for _, step := range steps {
		if seen[step.Ordinal] {
			t.Errorf("duplicate step at ordinal %d", step.Ordinal)
		}
		seen[step.Ordinal] = true
		if step.Ordinal == 1 {
			second = step
		}
	}
	if second == nil || second.ID != "e1-second" {
		t.Fatalf("ordinal 1 step = %+v, want the interrupted record reused", second)
	}
	if second.Status != StepCompleted || second.Items.Processed != 2 {
		t.Errorf("second = %s with %+v, want completed over both items", second.Status, second.Items)
	}
}

func TestRecoverMissingSnapshotFailsExecution(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	execution := sampleExecution("e1")
	if err := f.store.SaveExecution(ctx, execution); err != nil {
		t.Fatalf("SaveExecution() error = %v", err)
	}

	resumed, err := f.engine.Recover(ctx, "e1")
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if resumed {
		t.Error("Recover() = true, want false without a snapshot")
	}

	got, err := f.store.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if got.Status != ExecutionFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
	if got.EndedAt == nil {
		t.Error("EndedAt should be set")
	}
	if len(got.ErrorLog) == 0 || got.ErrorLog[0] != "recovery failed: snapshot expired or missing" {
		t.Errorf("ErrorLog = %v", got.ErrorLog)
	}
}

func TestRecoverHonoursPendingCancel(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	execution := sampleExecution("e1")
	if err := f.store.SaveExecution(ctx, execution); err != nil {
		t.Fatalf("SaveExecution() error = %v", err)
	}
	snapshot := &ExecutionSnapshot{
		ExecutionID:     "e1",
		Template:        &Template{Name: "full_pipeline", Stages: pipelineStages()},
		CancelRequested: true,
	}
	if err := f.engine.Checkpoints().SaveSnapshot(ctx, snapshot); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	resumed, err := f.engine.Recover(ctx, "e1")
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if resumed {
		t.Error("Recover() = true, want false for a cancel-pending execution")
	}

	got, _ := f.store.GetExecution(ctx, "e1")
	if got.Status != ExecutionCancelled {
		t.Errorf("Status = %s, want cancelled", got.Status)
	}
}

func TestRecoverTerminalIsNoop(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	execution := sampleExecution("e1")
	execution.Status = ExecutionCompleted
	if err := f.store.SaveExecution(ctx, execution); err != nil {
		t.Fatalf("SaveExecution() error = %v", err)
	}

	resumed, err := f.engine.Recover(ctx, "e1")
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if resumed {
		t.Error("terminal executions must not resume")
	}
	got, _ := f.store.GetExecution(ctx, "e1")
	if got.Status != ExecutionCompleted {
		t.Errorf("Status = %s, terminal state must not change", got.Status)
	}
}

func TestRecoverStale(t *testing.T) {
	f := newEngineFixture(t)
	seedInterruptedExecution(t, f, "e1")
	f.engine.RegisterProcessor("first", echoProcessor(nil))
	f.engine.RegisterProcessor("second", echoProcessor(nil))

	ctx := context.Background()

	// Fresh executions are not candidates.
	recovered, err := f.engine.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("RecoverStale() error = %v", err)
	}
	if len(recovered) != 0 {
		t.Errorf("recovered = %v, want none while fresh", recovered)
	}

	// Backdate the heartbeat past the staleness threshold.
	f.store.mu.Lock()
	f.store.executions["e1"].UpdatedAt = time.Now().Add(-24 * time.Hour)
	f.store.mu.Unlock()

	recovered, err = f.engine.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("RecoverStale() error = %v", err)
	}
	if len(recovered) != 1 || recovered[0] != "e1" {
		t.Fatalf("recovered = %v, want [e1]", recovered)
	}

	execution := waitForTerminal(t, f.engine, "e1")
	if execution.Status != ExecutionCompleted {
		t.Errorf("Status = %s, want completed", execution.Status)
	}
}
