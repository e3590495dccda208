package orchestration

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/listforge/listforge/alerts"
	"github.com/listforge/listforge/core"
	"github.com/listforge/listforge/telemetry"
)

// ItemSelector resolves the item set for an execution, e.g. "all sourced
// products awaiting listing". Supplied by the sourcing collaborator.
type ItemSelector func(ctx context.Context) ([]Item, error)

// Engine drives executions of registered workflow templates to a terminal
// state: it schedules stages in dependency order, fans out per-item work,
// persists every observable transition, and honours pause/cancel intents at
// stage boundaries.
type Engine struct {
	registry    *Registry
	store       StateStore
	checkpoints *CheckpointStore
	tracker     *Tracker
	emitter     alerts.Emitter
	cfg         *core.Config
	logger      core.Logger

	processorsMu sync.RWMutex
	processors   map[string]StageProcessor

	activeMu sync.Mutex
	active   map[string]*executionHandle
}

// executionHandle is the in-process state of one live execution. Its mutex
// serialises all progress writes for the execution, so counters never
// regress under parallel fan-out.
type executionHandle struct {
	execution *Execution
	template  *Template
	items     []Item
	runConfig map[string]interface{}

	mu              sync.Mutex
	cond            *sync.Cond
	pauseRequested  bool
	cancelRequested bool

	itemResults       map[string]*ItemResult
	lastSnapshotAt    time.Time
	lastSnapshotItems int
	stepIndex         int
	currentStep       *Step

	// staleSteps maps ordinal to the step record an interrupted run left
	// behind; the replayed stage reuses the record instead of saving a new
	// one. Written before run starts, read only by the run goroutine.
	staleSteps map[int]*Step
}

func newExecutionHandle(execution *Execution, template *Template, items []Item, runConfig map[string]interface{}) *executionHandle {
	h := &executionHandle{
		execution:   execution,
		template:    template,
		items:       items,
		runConfig:   runConfig,
		itemResults: make(map[string]*ItemResult, len(items)),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *executionHandle) cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelRequested
}

// NewEngine wires the orchestrator from its collaborators. memory backs the
// ephemeral snapshot/checkpoint layer; emitter receives threshold alerts.
func NewEngine(registry *Registry, store StateStore, memory core.Memory, emitter alerts.Emitter, cfg *core.Config, logger core.Logger) *Engine {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Engine{
		registry:    registry,
		store:       store,
		checkpoints: NewCheckpointStore(memory, cfg, logger),
		tracker:     NewTracker(cfg, logger),
		emitter:     emitter,
		cfg:         cfg,
		logger:      logger,
		processors:  make(map[string]StageProcessor),
		active:      make(map[string]*executionHandle),
	}
}

// Checkpoints exposes the ephemeral layer for operator tooling.
func (e *Engine) Checkpoints() *CheckpointStore { return e.checkpoints }

// Progress exposes the tracker for read-only summaries.
func (e *Engine) Progress() *Tracker { return e.tracker }

// Sweep purges ephemeral state marked for cleanup and drops tracker entries
// older than maxAge. Hosts schedule it, typically on an hourly ticker.
func (e *Engine) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	e.tracker.Sweep(maxAge)
	return e.checkpoints.Sweep(ctx)
}

// RegisterProcessor binds a stage type to its processor. Stage types without
// a processor fail their step at execution time.
func (e *Engine) RegisterProcessor(stageType string, processor StageProcessor) {
	e.processorsMu.Lock()
	defer e.processorsMu.Unlock()
	e.processors[stageType] = processor
}

func (e *Engine) processor(stageType string) (StageProcessor, bool) {
	e.processorsMu.RLock()
	defer e.processorsMu.RUnlock()
	processor, ok := e.processors[stageType]
	return processor, ok
}

// Start creates an execution of the named template over the given items and
// returns its id immediately; the execution proceeds asynchronously.
func (e *Engine) Start(ctx context.Context, templateName string, items []Item, runConfig map[string]interface{}) (string, error) {
	template, err := e.registry.Get(templateName)
	if err != nil {
		return "", err
	}
	if template.RequireItems && len(items) == 0 {
		return "", core.NewPipelineError("orchestrator.Start", "execution", core.ErrInvalidSelector)
	}

	now := time.Now()
	execution := &Execution{
		ID:           uuid.New().String(),
		TemplateName: template.Name,
		Status:       ExecutionPending,
		TotalSteps:   len(template.Stages),
		Items:        ItemCounters{Total: len(items)},
		Config:       runConfig,
		CreatedAt:    now,
	}
	if err := e.store.SaveExecution(ctx, execution); err != nil {
		return "", core.NewPipelineError("orchestrator.Start", "execution", err)
	}

	handle := newExecutionHandle(execution, template, items, runConfig)
	for _, item := range items {
		result := &ItemResult{
			ID:          uuid.New().String(),
			ExecutionID: execution.ID,
			ItemID:      item.ID,
			Stages:      make(map[string]*StageOutcome),
			FinalStatus: ItemPending,
		}
		handle.itemResults[item.ID] = result
		if err := e.store.SaveItemResult(ctx, result); err != nil {
			return "", core.NewPipelineError("orchestrator.Start", "item_result", err)
		}
	}

	e.activeMu.Lock()
	e.active[execution.ID] = handle
	e.activeMu.Unlock()

	e.logger.Info("Starting workflow execution", map[string]interface{}{
		"operation":     "execution_start",
		"execution_id":  execution.ID,
		"template_name": template.Name,
		"stage_count":   len(template.Stages),
		"item_count":    len(items),
	})

	go e.run(handle, 0)
	return execution.ID, nil
}

// StartSelector resolves the item set through a selector, failing with
// InvalidSelector when it yields nothing.
func (e *Engine) StartSelector(ctx context.Context, templateName string, selector ItemSelector, runConfig map[string]interface{}) (string, error) {
	items, err := selector(ctx)
	if err != nil {
		return "", core.NewPipelineError("orchestrator.StartSelector", "execution", err)
	}
	if len(items) == 0 {
		return "", core.NewPipelineError("orchestrator.StartSelector", "execution", core.ErrInvalidSelector)
	}
	return e.Start(ctx, templateName, items, runConfig)
}

// Status returns a live snapshot for active executions, or the persisted
// record for finished ones.
func (e *Engine) Status(ctx context.Context, executionID string) (*Execution, error) {
	e.activeMu.Lock()
	handle, ok := e.active[executionID]
	e.activeMu.Unlock()
	if ok {
		handle.mu.Lock()
		defer handle.mu.Unlock()
		return handle.execution.Clone(), nil
	}
	return e.store.GetExecution(ctx, executionID)
}

// ListExecutions returns persisted executions matching the filter.
func (e *Engine) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	return e.store.ListExecutions(ctx, filter)
}

// Pause sets a pause intent, honoured at the next stage boundary. No-op if
// the execution is already paused or terminal.
func (e *Engine) Pause(ctx context.Context, executionID string) error {
	handle, err := e.handleFor(ctx, executionID)
	if err != nil || handle == nil {
		return err
	}
	handle.mu.Lock()
	handle.pauseRequested = true
	handle.cond.Broadcast()
	handle.mu.Unlock()
	return nil
}

// Resume clears the pause intent; the execution continues at the next stage
// boundary.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	handle, err := e.handleFor(ctx, executionID)
	if err != nil || handle == nil {
		return err
	}
	handle.mu.Lock()
	handle.pauseRequested = false
	handle.cond.Broadcast()
	handle.mu.Unlock()
	return nil
}

// Cancel sets a cancel intent. The current in-flight per-item units finish
// and are recorded; no new work is dispatched. Idempotent and terminal.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	handle, err := e.handleFor(ctx, executionID)
	if err != nil {
		return err
	}
	if handle != nil {
		handle.mu.Lock()
		handle.cancelRequested = true
		handle.cond.Broadcast()
		handle.mu.Unlock()
		return nil
	}

	// Not active in this process: flip a non-terminal persisted execution
	// (e.g. an orphan from a crashed process) directly.
	execution, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if execution.Status.IsTerminal() {
		return nil
	}
	now := time.Now()
	execution.Status = ExecutionCancelled
	execution.EndedAt = &now
	return e.store.UpdateExecution(ctx, execution)
}

// handleFor returns the active handle, or nil (with a nil error) when the
// execution exists but is not running in this process.
func (e *Engine) handleFor(ctx context.Context, executionID string) (*executionHandle, error) {
	e.activeMu.Lock()
	handle, ok := e.active[executionID]
	e.activeMu.Unlock()
	if ok {
		return handle, nil
	}
	if _, err := e.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return nil, nil
}

// run drives one execution from startIndex to a terminal state. It is the
// only writer of the execution's durable state while the handle is active.
func (e *Engine) run(handle *executionHandle, startIndex int) {
	ctx := context.Background()
	execution := handle.execution

	ctx, span := telemetry.StartSpan(ctx, "orchestration.execution",
		attribute.String("listforge.execution.id", execution.ID),
		attribute.String("listforge.execution.template", execution.TemplateName),
		attribute.Int("listforge.execution.item_count", execution.Items.Total),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("execution panic: %v", r)
			e.logger.Error("Execution panicked", map[string]interface{}{
				"operation":    "execution_run",
				"execution_id": execution.ID,
				"panic":        fmt.Sprintf("%v", r),
				"stack_trace":  string(debug.Stack()),
			})
			telemetry.RecordSpanError(ctx, err)
			e.finalize(ctx, handle, ExecutionFailed, err)
		}
		e.activeMu.Lock()
		delete(e.active, execution.ID)
		e.activeMu.Unlock()
	}()

	handle.mu.Lock()
	execution.Status = ExecutionRunning
	if execution.StartedAt.IsZero() {
		execution.StartedAt = time.Now()
	}
	handle.mu.Unlock()
	if err := e.store.UpdateExecution(ctx, execution); err != nil {
		e.logger.Error("Failed to persist running transition", map[string]interface{}{
			"operation":    "execution_run",
			"execution_id": execution.ID,
			"error":        err.Error(),
		})
	}

	dag := NewStageDAG(handle.template.Stages)
	order := dag.TopologicalOrder()

	// The tracker counts work units: each item passes through every stage.
	e.tracker.StartTracking(execution.ID, execution.Items.Total*len(order))
	defer e.tracker.StopTracking(execution.ID)

	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go e.watchExecution(ctx, handle, watchdogDone)

	// On recovery the stages before startIndex already ran.
	for i := 0; i < startIndex && i < len(order); i++ {
		dag.SetStatus(order[i], StepCompleted)
	}

	for index := startIndex; index < len(order); index++ {
		if stopped := e.waitWhilePaused(ctx, handle); stopped {
			e.finalize(ctx, handle, ExecutionCancelled, nil)
			return
		}

		handle.mu.Lock()
		handle.stepIndex = index
		handle.mu.Unlock()

		stage := handle.template.Stage(order[index])
		done, failed := e.runStage(ctx, handle, dag, stage, index)
		if failed != nil {
			e.finalize(ctx, handle, ExecutionFailed, failed)
			return
		}
		if !done { // cancelled mid-stage
			e.finalize(ctx, handle, ExecutionCancelled, nil)
			return
		}

		e.writeSnapshot(ctx, handle, index+1)
	}

	e.finalize(ctx, handle, ExecutionCompleted, nil)
}

// runStage executes one stage. Returns done=false when a cancel intent was
// observed, or a non-nil error when the stage (and so the execution) failed.
func (e *Engine) runStage(ctx context.Context, handle *executionHandle, dag *StageDAG, stage *StageDefinition, ordinal int) (done bool, failed error) {
	execution := handle.execution

	satisfied, blocking := dag.PredecessorsSatisfied(stage.Name, stage.OnFailureSkip)
	if !satisfied {
		blockingStatus := dag.Status(blocking)
		if stage.OnFailureSkip && (blockingStatus == StepFailed || blockingStatus == StepSkipped) {
			e.recordSkippedStage(ctx, handle, dag, stage, ordinal)
			return true, nil
		}
		return false, core.NewPipelineError("orchestrator.runStage", "step",
			fmt.Errorf("stage %s blocked by dependency %s in status %s", stage.Name, blocking, blockingStatus))
	}

	now := time.Now()
	step := &Step{
		ID:          uuid.New().String(),
		ExecutionID: execution.ID,
		Ordinal:     ordinal,
		Name:        stage.Name,
		Type:        stage.Type,
		Status:      StepRunning,
		StartedAt:   &now,
		Items:       ItemCounters{Total: len(handle.items)},
		Config:      stage.Config,
	}
	if stale := handle.staleSteps[ordinal]; stale != nil {
		// An interrupted run left a record at this ordinal; reset and update
		// it in place so the execution keeps one step per ordinal.
		step.ID = stale.ID
		delete(handle.staleSteps, ordinal)
		if err := e.store.UpdateStep(ctx, step); err != nil {
			return false, core.NewPipelineError("orchestrator.runStage", "step", err)
		}
	} else if err := e.store.SaveStep(ctx, step); err != nil {
		return false, core.NewPipelineError("orchestrator.runStage", "step", err)
	}
	dag.SetStatus(stage.Name, StepRunning)
	handle.mu.Lock()
	handle.currentStep = step
	handle.mu.Unlock()

	telemetry.AddSpanEvent(ctx, "stage_started",
		attribute.String("stage", stage.Name),
		attribute.String("execution_id", execution.ID),
	)
	e.logger.Debug("Stage started", map[string]interface{}{
		"operation":    "stage_run",
		"execution_id": execution.ID,
		"stage":        stage.Name,
		"stage_type":   stage.Type,
	})

	result, err := e.invokeProcessor(ctx, handle, stage, step)
	if err != nil {
		e.closeStepFailed(ctx, handle, dag, step, err)
		e.saveErrorContext(ctx, execution.ID, stage.Name, err)
		e.emitAlert(ctx, execution.ID, alerts.KindError, alerts.SeverityHigh,
			fmt.Sprintf("Stage %s failed", stage.Name), err.Error(), "orchestrator",
			map[string]interface{}{"stage": stage.Name, "stage_type": stage.Type})
		return false, err
	}

	handle.mu.Lock()
	// Processors that fan out per item report through the progress callback;
	// aggregate processors that never call Report return counters instead.
	if step.Items.Processed == 0 && result != nil && result.Processed > 0 {
		step.Items.Processed = result.Processed
		step.Items.Succeeded = result.Succeeded
		step.Items.Failed = result.Failed
		execution.Items.Processed += result.Processed
		execution.Items.Succeeded += result.Succeeded
		execution.Items.Failed += result.Failed
	}
	if result != nil {
		step.Results = result.Results
	}
	cancelled := handle.cancelRequested
	completedAt := time.Now()
	if cancelled {
		step.Status = StepFailed
		step.ErrorDetail = "cancelled"
	} else {
		step.Status = StepCompleted
		execution.CompletedSteps++
	}
	step.CompletedAt = &completedAt
	if step.StartedAt != nil {
		elapsed := completedAt.Sub(*step.StartedAt).Minutes()
		if elapsed > 0 {
			step.ProcessingRate = float64(step.Items.Processed) / elapsed
		}
	}
	handle.mu.Unlock()

	if err := e.store.ApplyProgress(ctx, execution, step); err != nil {
		e.logger.Error("Failed to persist stage close", map[string]interface{}{
			"operation":    "stage_run",
			"execution_id": execution.ID,
			"stage":        stage.Name,
			"error":        err.Error(),
		})
	}

	if cancelled {
		dag.SetStatus(stage.Name, StepFailed)
		return false, nil
	}
	dag.SetStatus(stage.Name, StepCompleted)

	telemetry.AddSpanEvent(ctx, "stage_completed",
		attribute.String("stage", stage.Name),
		attribute.Int("processed", step.Items.Processed),
	)
	return true, nil
}

// invokeProcessor runs the stage processor with panic recovery: a panicking
// processor fails its step, never the process.
func (e *Engine) invokeProcessor(ctx context.Context, handle *executionHandle, stage *StageDefinition, step *Step) (result *StageResult, err error) {
	processor, ok := e.processor(stage.Type)
	if !ok {
		return nil, core.NewPipelineError("orchestrator.invokeProcessor", "step",
			fmt.Errorf("no processor registered for stage type %s", stage.Type))
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage processor panic: %v", r)
			e.logger.Error("Stage processor panicked", map[string]interface{}{
				"operation":    "stage_run",
				"execution_id": handle.execution.ID,
				"stage":        stage.Name,
				"panic":        fmt.Sprintf("%v", r),
				"stack_trace":  string(debug.Stack()),
			})
		}
	}()

	req := &StageRequest{
		Execution: handle.execution,
		Step:      step,
		Items:     handle.items,
		Config:    mergeConfig(handle.template.Config, handle.runConfig, stage.Config),
		Cancelled: handle.cancelled,
		Report:    e.progressReporter(ctx, handle, step),
	}
	return processor.Process(ctx, req)
}

// progressReporter builds the per-item progress callback for a stage. All
// mutation happens under the handle mutex; durable and ephemeral writes are
// throttled by the progress-tick policy.
func (e *Engine) progressReporter(ctx context.Context, handle *executionHandle, step *Step) func(string, map[string]interface{}, error) {
	execution := handle.execution
	return func(itemID string, artifacts map[string]interface{}, itemErr error) {
		handle.mu.Lock()

		step.Items.Processed++
		execution.Items.Processed++
		if itemErr != nil {
			step.Items.Failed++
			execution.Items.Failed++
		} else {
			step.Items.Succeeded++
			execution.Items.Succeeded++
		}
		e.applyItemOutcome(ctx, handle, step.Name, itemID, artifacts, itemErr)

		e.tracker.Record(execution.ID, step.Name, execution.Items.Processed)
		if estimate, ok := e.tracker.Summary(execution.ID); ok {
			execution.ProcessingRate = estimate.ItemsPerMinute
			if !estimate.EstimatedCompletion.IsZero() {
				completion := estimate.EstimatedCompletion
				execution.ExpectedCompletion = &completion
			}
		}
		if execution.Items.Processed > 0 {
			execution.SuccessRate = float64(execution.Items.Succeeded) / float64(execution.Items.Processed) * 100
			execution.ErrorRate = float64(execution.Items.Failed) / float64(execution.Items.Processed) * 100
		}

		itemsSince := execution.Items.Processed - handle.lastSnapshotItems
		due := time.Since(handle.lastSnapshotAt) >= e.cfg.ProgressTickMinInterval ||
			itemsSince >= e.cfg.ProgressTickMinItems
		stepIndex := handle.stepIndex
		if due {
			// Persist under the handle mutex so concurrent reporters never
			// mutate the counters mid-write.
			if err := e.store.ApplyProgress(ctx, execution, step); err != nil {
				e.logger.Warn("Progress tick persistence failed", map[string]interface{}{
					"operation":    "progress_tick",
					"execution_id": execution.ID,
					"error":        err.Error(),
				})
			}
			handle.lastSnapshotAt = time.Now()
			handle.lastSnapshotItems = execution.Items.Processed
		}
		handle.mu.Unlock()

		if due {
			e.writeSnapshot(ctx, handle, stepIndex)
			for _, signal := range e.tracker.DetectBottlenecks(execution.ID, []*Step{step}) {
				e.emitBottleneck(ctx, signal)
			}
		}
	}
}

// applyItemOutcome records one item's stage outcome and recomputes its final
// status. Caller holds the handle mutex.
func (e *Engine) applyItemOutcome(ctx context.Context, handle *executionHandle, stageName, itemID string, artifacts map[string]interface{}, itemErr error) {
	result, ok := handle.itemResults[itemID]
	if !ok {
		return
	}

	now := time.Now()
	outcome := &StageOutcome{Status: StepCompleted, CompletedAt: &now, Artifacts: artifacts}
	if itemErr != nil {
		outcome.Status = StepFailed
		outcome.Error = itemErr.Error()
		result.LastError = itemErr.Error()
	}
	result.Stages[stageName] = outcome
	result.FinalStatus = finalStatusFor(result, len(handle.template.Stages))
	result.TotalProcessingTime = now.Sub(handle.execution.StartedAt)

	if err := e.store.UpdateItemResult(ctx, result); err != nil {
		e.logger.Warn("Failed to persist item result", map[string]interface{}{
			"operation":    "item_result_update",
			"execution_id": handle.execution.ID,
			"item_id":      itemID,
			"error":        err.Error(),
		})
	}
}

// finalStatusFor applies the roll-up rules: completed only when every stage
// completed; failed when a stage failed and nothing is pending.
func finalStatusFor(result *ItemResult, totalStages int) ItemFinalStatus {
	completed, failed := 0, 0
	for _, outcome := range result.Stages {
		switch outcome.Status {
		case StepCompleted, StepSkipped:
			completed++
		case StepFailed:
			failed++
		}
	}
	switch {
	case failed > 0 && completed+failed >= totalStages:
		return ItemFailed
	case failed > 0:
		return ItemRunning
	case completed >= totalStages:
		return ItemCompleted
	case completed > 0:
		return ItemRunning
	default:
		return ItemPending
	}
}

func (e *Engine) recordSkippedStage(ctx context.Context, handle *executionHandle, dag *StageDAG, stage *StageDefinition, ordinal int) {
	step := &Step{
		ID:          uuid.New().String(),
		ExecutionID: handle.execution.ID,
		Ordinal:     ordinal,
		Name:        stage.Name,
		Type:        stage.Type,
		Status:      StepSkipped,
		Items:       ItemCounters{Total: len(handle.items)},
	}
	if stale := handle.staleSteps[ordinal]; stale != nil {
		step.ID = stale.ID
		delete(handle.staleSteps, ordinal)
		if err := e.store.UpdateStep(ctx, step); err != nil {
			e.logger.Warn("Failed to persist skipped step", map[string]interface{}{
				"operation":    "stage_skip",
				"execution_id": handle.execution.ID,
				"stage":        stage.Name,
				"error":        err.Error(),
			})
		}
		dag.SetStatus(stage.Name, StepSkipped)
		return
	}
	if err := e.store.SaveStep(ctx, step); err != nil {
		e.logger.Warn("Failed to persist skipped step", map[string]interface{}{
			"operation":    "stage_skip",
			"execution_id": handle.execution.ID,
			"stage":        stage.Name,
			"error":        err.Error(),
		})
	}
	dag.SetStatus(stage.Name, StepSkipped)
}

func (e *Engine) closeStepFailed(ctx context.Context, handle *executionHandle, dag *StageDAG, step *Step, cause error) {
	handle.mu.Lock()
	now := time.Now()
	step.Status = StepFailed
	step.CompletedAt = &now
	step.ErrorDetail = cause.Error()
	handle.execution.FailedSteps++
	handle.execution.ErrorLog = append(handle.execution.ErrorLog,
		fmt.Sprintf("%s: %s", step.Name, cause.Error()))
	handle.mu.Unlock()

	dag.SetStatus(step.Name, StepFailed)
	if err := e.store.ApplyProgress(ctx, handle.execution, step); err != nil {
		e.logger.Error("Failed to persist failed step", map[string]interface{}{
			"operation":    "stage_run",
			"execution_id": handle.execution.ID,
			"stage":        step.Name,
			"error":        err.Error(),
		})
	}
}

// waitWhilePaused blocks at a stage boundary while a pause intent is set.
// Returns true when the wait ended because of a cancel intent.
func (e *Engine) waitWhilePaused(ctx context.Context, handle *executionHandle) (cancelled bool) {
	handle.mu.Lock()
	defer handle.mu.Unlock()

	if handle.cancelRequested {
		return true
	}
	if !handle.pauseRequested {
		return false
	}

	handle.execution.Status = ExecutionPaused
	execution := handle.execution
	stepIndex := handle.stepIndex
	handle.mu.Unlock()
	if err := e.store.UpdateExecution(ctx, execution); err != nil {
		e.logger.Warn("Failed to persist paused transition", map[string]interface{}{
			"operation":    "execution_pause",
			"execution_id": execution.ID,
			"error":        err.Error(),
		})
	}
	e.writeSnapshot(ctx, handle, stepIndex)
	handle.mu.Lock()

	for handle.pauseRequested && !handle.cancelRequested {
		handle.cond.Wait()
	}
	if handle.cancelRequested {
		return true
	}

	handle.execution.Status = ExecutionRunning
	handle.mu.Unlock()
	if err := e.store.UpdateExecution(ctx, execution); err != nil {
		e.logger.Warn("Failed to persist resumed transition", map[string]interface{}{
			"operation":    "execution_resume",
			"execution_id": execution.ID,
			"error":        err.Error(),
		})
	}
	handle.mu.Lock()
	return false
}

// finalize transitions the execution to its terminal state, closes out item
// results, writes the results summary and emits the terminal alert.
func (e *Engine) finalize(ctx context.Context, handle *executionHandle, status ExecutionStatus, cause error) {
	execution := handle.execution

	handle.mu.Lock()
	if execution.Status.IsTerminal() {
		handle.mu.Unlock()
		return
	}
	now := time.Now()
	execution.Status = status
	execution.EndedAt = &now
	execution.ExpectedCompletion = nil
	if cause != nil {
		execution.ErrorLog = append(execution.ErrorLog, cause.Error())
	}

	duration := now.Sub(execution.StartedAt)
	successRate := 0.0
	if execution.Items.Processed > 0 {
		successRate = float64(execution.Items.Succeeded) / float64(execution.Items.Processed) * 100
	}
	execution.SuccessRate = successRate
	execution.ResultsSummary = map[string]interface{}{
		"duration_seconds": duration.Seconds(),
		"total_items":      execution.Items.Total,
		"processed_items":  execution.Items.Processed,
		"succeeded_items":  execution.Items.Succeeded,
		"failed_items":     execution.Items.Failed,
		"success_rate":     successRate,
		"completed_steps":  execution.CompletedSteps,
		"failed_steps":     execution.FailedSteps,
	}

	// Close out non-terminal item results: a failed stage with nothing left
	// pending fails the item; partial completion at cancel stays visible.
	for _, result := range handle.itemResults {
		if result.FinalStatus == ItemCompleted || result.FinalStatus == ItemFailed {
			continue
		}
		completed, failed := 0, 0
		for _, outcome := range result.Stages {
			switch outcome.Status {
			case StepCompleted, StepSkipped:
				completed++
			case StepFailed:
				failed++
			}
		}
		switch {
		case failed > 0:
			result.FinalStatus = ItemFailed
		case completed > 0 && completed < len(handle.template.Stages):
			result.FinalStatus = ItemPartiallyCompleted
		case completed == 0:
			result.FinalStatus = ItemPending
		}
		if err := e.store.UpdateItemResult(ctx, result); err != nil {
			e.logger.Warn("Failed to close out item result", map[string]interface{}{
				"operation":    "execution_finalize",
				"execution_id": execution.ID,
				"item_id":      result.ItemID,
				"error":        err.Error(),
			})
		}
	}
	stepIndex := handle.stepIndex
	handle.mu.Unlock()

	if err := e.store.UpdateExecution(ctx, execution); err != nil {
		e.logger.Error("Failed to persist terminal state", map[string]interface{}{
			"operation":    "execution_finalize",
			"execution_id": execution.ID,
			"status":       string(status),
			"error":        err.Error(),
		})
	}
	e.writeSnapshot(ctx, handle, stepIndex)
	if err := e.checkpoints.MarkCleanup(ctx, execution.ID); err != nil {
		e.logger.Debug("Failed to mark cleanup", map[string]interface{}{
			"operation":    "execution_finalize",
			"execution_id": execution.ID,
			"error":        err.Error(),
		})
	}

	fields := map[string]interface{}{
		"operation":      "execution_finalize",
		"execution_id":   execution.ID,
		"status":         string(status),
		"processed":      execution.Items.Processed,
		"succeeded":      execution.Items.Succeeded,
		"failed":         execution.Items.Failed,
		"duration_ms":    time.Since(execution.StartedAt).Milliseconds(),
	}
	switch status {
	case ExecutionCompleted:
		e.logger.Info("Workflow execution completed", fields)
		telemetry.Counter("listforge.executions.completed", "template", execution.TemplateName)
	case ExecutionFailed:
		e.logger.Error("Workflow execution failed", fields)
		telemetry.Counter("listforge.executions.failed", "template", execution.TemplateName)
		telemetry.RecordSpanError(ctx, cause)
	case ExecutionCancelled:
		e.logger.Warn("Workflow execution cancelled", fields)
		telemetry.Counter("listforge.executions.cancelled", "template", execution.TemplateName)
	}
}

// writeSnapshot persists the ephemeral execution-state snapshot.
func (e *Engine) writeSnapshot(ctx context.Context, handle *executionHandle, stepIndex int) {
	handle.mu.Lock()
	snapshot := &ExecutionSnapshot{
		ExecutionID: handle.execution.ID,
		StepIndex:   stepIndex,
		Template:    handle.template,
		Items:       handle.items,
		RunConfig:   handle.runConfig,
		LastProgress: ProgressPoint{
			CompletedItems: handle.execution.Items.Processed,
			Timestamp:      time.Now(),
		},
		PauseRequested:  handle.pauseRequested,
		CancelRequested: handle.cancelRequested,
	}
	point := snapshot.LastProgress
	handle.mu.Unlock()

	if err := e.checkpoints.SaveSnapshot(ctx, snapshot); err != nil {
		e.logger.Warn("Failed to write execution snapshot", map[string]interface{}{
			"operation":    "snapshot_write",
			"execution_id": handle.execution.ID,
			"error":        err.Error(),
		})
	}
	if err := e.checkpoints.SaveProgress(ctx, handle.execution.ID, point); err != nil {
		e.logger.Debug("Failed to publish progress point", map[string]interface{}{
			"operation":    "snapshot_write",
			"execution_id": handle.execution.ID,
			"error":        err.Error(),
		})
	}
}

func (e *Engine) saveErrorContext(ctx context.Context, executionID, stageName string, cause error) {
	errCtx := &ErrorContext{
		Type:    fmt.Sprintf("%T", cause),
		Message: cause.Error(),
		Context: map[string]interface{}{
			"execution_id": executionID,
			"stage":        stageName,
		},
	}
	if err := e.checkpoints.SaveErrorContext(ctx, executionID, stageName, errCtx); err != nil {
		e.logger.Warn("Failed to persist error context", map[string]interface{}{
			"operation":    "error_context_write",
			"execution_id": executionID,
			"stage":        stageName,
			"error":        err.Error(),
		})
	}
}

// watchExecution periodically evaluates the in-flight step for bottleneck
// conditions. The per-item reporter only fires when an item completes, so a
// stage that stalls before its first item would otherwise never be checked.
func (e *Engine) watchExecution(ctx context.Context, handle *executionHandle, done <-chan struct{}) {
	interval := e.cfg.BottleneckCheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			handle.mu.Lock()
			var step *Step
			if handle.currentStep != nil {
				step = handle.currentStep.Clone()
			}
			handle.mu.Unlock()
			if step == nil {
				continue
			}
			for _, signal := range e.tracker.DetectBottlenecks(handle.execution.ID, []*Step{step}) {
				e.emitBottleneck(ctx, signal)
			}
		}
	}
}

func (e *Engine) emitBottleneck(ctx context.Context, signal BottleneckSignal) {
	kind := alerts.KindWarning
	if signal.Kind == BottleneckHighErrorRate || signal.Kind == BottleneckStuck {
		kind = alerts.KindError
	}
	e.emitAlert(ctx, signal.ExecutionID, kind, alerts.Severity(signal.Severity),
		fmt.Sprintf("Bottleneck detected: %s", signal.Kind), signal.Detail, "progress_tracker",
		map[string]interface{}{"stage": signal.StepName, "kind": string(signal.Kind)})
}

func (e *Engine) emitAlert(ctx context.Context, executionID string, kind alerts.Kind, severity alerts.Severity, title, body, component string, payload map[string]interface{}) {
	if e.emitter == nil {
		return
	}
	if _, err := e.emitter.Emit(ctx, &alerts.Alert{
		ExecutionID: executionID,
		Kind:        kind,
		Severity:    severity,
		Title:       title,
		Body:        body,
		Component:   component,
		Payload:     payload,
	}); err != nil {
		e.logger.Warn("Failed to emit alert", map[string]interface{}{
			"operation":    "alert_emit",
			"execution_id": executionID,
			"title":        title,
			"error":        err.Error(),
		})
	}
}
