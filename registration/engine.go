package registration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/listforge/listforge/alerts"
	"github.com/listforge/listforge/core"
	"github.com/listforge/listforge/orchestration"
	"github.com/listforge/listforge/telemetry"
)

// ItemCatalog resolves item ids to their canonical shapes. The engine writes
// items it receives at batch creation; a production deployment backs this
// with the sourcing service.
type ItemCatalog interface {
	Put(ctx context.Context, item orchestration.Item) error
	Get(ctx context.Context, itemID string) (orchestration.Item, error)
}

// MemoryItemCatalog is the in-process catalog used by default.
type MemoryItemCatalog struct {
	mu    sync.RWMutex
	items map[string]orchestration.Item
}

// NewMemoryItemCatalog creates an empty catalog.
func NewMemoryItemCatalog() *MemoryItemCatalog {
	return &MemoryItemCatalog{items: make(map[string]orchestration.Item)}
}

func (c *MemoryItemCatalog) Put(ctx context.Context, item orchestration.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[item.ID] = item
	return nil
}

func (c *MemoryItemCatalog) Get(ctx context.Context, itemID string) (orchestration.Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[itemID]
	if !ok {
		return orchestration.Item{}, core.ErrItemNotFound
	}
	return item, nil
}

// Engine drives platform registrations: for every (item, platform) pair in a
// batch it produces either a success carrying the platform-assigned id or a
// durably recorded failure, retrying transient errors inline under the
// backoff schedule.
type Engine struct {
	store      BatchStore
	adapters   *AdapterRegistry
	transforms *TransformRegistry
	accounts   *AccountPool
	catalog    ItemCatalog
	policy     *Policy
	emitter    alerts.Emitter
	cfg        *core.Config
	logger     core.Logger

	cancelMu  sync.Mutex
	cancelled map[string]bool // batch id -> cancel intent
}

// NewEngine wires the registration engine from its collaborators. A nil
// catalog gets an in-process one; a nil policy derives from cfg.
func NewEngine(store BatchStore, adapters *AdapterRegistry, transforms *TransformRegistry, accounts *AccountPool, catalog ItemCatalog, policy *Policy, emitter alerts.Emitter, cfg *core.Config, logger core.Logger) *Engine {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if catalog == nil {
		catalog = NewMemoryItemCatalog()
	}
	if policy == nil {
		policy = NewPolicy(cfg)
	}
	if transforms == nil {
		transforms = NewTransformRegistry()
	}
	return &Engine{
		store:      store,
		adapters:   adapters,
		transforms: transforms,
		accounts:   accounts,
		catalog:    catalog,
		policy:     policy,
		emitter:    emitter,
		cfg:        cfg,
		logger:     logger,
		cancelled:  make(map[string]bool),
	}
}

// CreateBatch records a new batch and one pending registration per
// (item, platform) pair. Items are validated lazily at dispatch, not here.
func (e *Engine) CreateBatch(ctx context.Context, userID, name string, items []orchestration.Item, platforms []string, priority int, settings map[string]interface{}, scheduledAt *time.Time) (string, error) {
	if len(items) == 0 {
		return "", core.NewPipelineError("registration.CreateBatch", "batch", core.ErrInvalidSelector)
	}
	if len(platforms) == 0 {
		return "", &core.PipelineError{
			Op:      "registration.CreateBatch",
			Kind:    "batch",
			Message: "no target platforms",
		}
	}

	now := time.Now()
	batch := &Batch{
		ID:          uuid.New().String(),
		UserID:      userID,
		Name:        name,
		Priority:    priority,
		Platforms:   append([]string(nil), platforms...),
		Status:      BatchPending,
		TotalCount:  len(items) * len(platforms),
		Settings:    settings,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
	}
	for _, item := range items {
		batch.ItemIDs = append(batch.ItemIDs, item.ID)
		if err := e.catalog.Put(ctx, item); err != nil {
			return "", core.NewPipelineError("registration.CreateBatch", "item", err)
		}
	}
	if err := e.store.SaveBatch(ctx, batch); err != nil {
		return "", core.NewPipelineError("registration.CreateBatch", "batch", err)
	}

	for _, item := range items {
		for _, platform := range platforms {
			registration := &PlatformRegistration{
				ID:          uuid.New().String(),
				BatchID:     batch.ID,
				ItemID:      item.ID,
				Platform:    platform,
				Status:      RegistrationPending,
				MaxAttempts: e.maxAttempts(batch),
				CreatedAt:   now,
			}
			if err := e.store.SaveRegistration(ctx, registration); err != nil {
				return "", core.NewPipelineError("registration.CreateBatch", "registration", err)
			}
		}
	}

	e.logger.Info("Registration batch created", map[string]interface{}{
		"operation":  "batch_create",
		"batch_id":   batch.ID,
		"user_id":    userID,
		"item_count": len(items),
		"platforms":  platforms,
	})
	return batch.ID, nil
}

// ProcessBatch runs every pending or retry-eligible registration in the batch
// to a terminal state and returns the roll-up. Terminal batches are refused
// unless force is set.
func (e *Engine) ProcessBatch(ctx context.Context, batchID string, force bool) (*BatchSummary, error) {
	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status.IsTerminal() && !force {
		return nil, core.NewPipelineError("registration.ProcessBatch", "batch", core.ErrBatchTerminal)
	}

	registrations, err := e.store.RegistrationsForBatch(ctx, batchID)
	if err != nil {
		return nil, core.NewPipelineError("registration.ProcessBatch", "batch", err)
	}

	var pending []*PlatformRegistration
	for _, registration := range registrations {
		if registration.Status == RegistrationPending {
			pending = append(pending, registration)
			continue
		}
		if force && registration.Status == RegistrationFailed && registration.Attempts < registration.MaxAttempts {
			pending = append(pending, registration)
		}
	}
	return e.dispatch(ctx, batch, pending)
}

// RegisterSingle lists one item on the given platforms through an ephemeral
// single-item batch and returns its roll-up.
func (e *Engine) RegisterSingle(ctx context.Context, userID string, item orchestration.Item, platforms []string, priority int) (*BatchSummary, error) {
	batchID, err := e.CreateBatch(ctx, userID, "single:"+item.ID, []orchestration.Item{item}, platforms, priority, nil, nil)
	if err != nil {
		return nil, err
	}
	return e.ProcessBatch(ctx, batchID, false)
}

// RetryFailed re-runs the batch's failed registrations that are still under
// the attempt cap and not permanently failed, optionally filtered to one
// platform. The attempt count carries over; the cap is never reset.
func (e *Engine) RetryFailed(ctx context.Context, batchID, platformFilter string) (*BatchSummary, error) {
	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	registrations, err := e.store.RegistrationsForBatch(ctx, batchID)
	if err != nil {
		return nil, core.NewPipelineError("registration.RetryFailed", "batch", err)
	}

	var eligible []*PlatformRegistration
	for _, registration := range registrations {
		if registration.Status != RegistrationFailed {
			continue
		}
		if platformFilter != "" && registration.Platform != platformFilter {
			continue
		}
		if registration.Attempts >= registration.MaxAttempts {
			continue
		}
		eligible = append(eligible, registration)
	}
	return e.dispatch(ctx, batch, eligible)
}

// ProcessItem runs one item's pending registrations to a terminal state,
// sequentially across the batch's platforms, and returns the item roll-up.
// Callers that fan out across items (the workflow stage processor) provide
// the concurrency; batch counters are not recomputed here, see FinalizeBatch.
func (e *Engine) ProcessItem(ctx context.Context, batchID, itemID string) (*ItemRollup, error) {
	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	registrations, err := e.store.RegistrationsForBatch(ctx, batchID)
	if err != nil {
		return nil, core.NewPipelineError("registration.ProcessItem", "batch", err)
	}

	platforms := make(map[string]*PlatformRegistration)
	for _, registration := range registrations {
		if registration.ItemID != itemID {
			continue
		}
		if registration.Status == RegistrationPending {
			e.runUnit(ctx, batch, registration)
		}
		platforms[registration.ItemID+":"+registration.Platform] = registration
	}
	if len(platforms) == 0 {
		return nil, core.ErrItemNotFound
	}

	byPlatform := make(map[string]*PlatformRegistration, len(platforms))
	for _, registration := range platforms {
		byPlatform[registration.Platform] = registration
	}
	return &ItemRollup{
		ItemID:      itemID,
		FinalStatus: rollupStatus(byPlatform),
		Platforms:   byPlatform,
	}, nil
}

// FinalizeBatch recomputes roll-ups and batch counters once all items have
// been driven by an external fan-out.
func (e *Engine) FinalizeBatch(ctx context.Context, batchID string) (*BatchSummary, error) {
	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return e.settle(ctx, batch)
}

// BatchStatus returns the detailed snapshot: batch, registrations and the
// per-item roll-ups.
func (e *Engine) BatchStatus(ctx context.Context, batchID string) (*BatchSummary, error) {
	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	registrations, err := e.store.RegistrationsForBatch(ctx, batchID)
	if err != nil {
		return nil, core.NewPipelineError("registration.BatchStatus", "batch", err)
	}
	return buildSummary(batch, registrations), nil
}

// CancelBatch sets a cancel intent: in-flight units finish and are recorded,
// no new units dispatch. Returns true when the batch transitioned.
func (e *Engine) CancelBatch(ctx context.Context, batchID string) (bool, error) {
	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	if batch.Status.IsTerminal() {
		return false, nil
	}

	e.cancelMu.Lock()
	e.cancelled[batchID] = true
	e.cancelMu.Unlock()

	now := time.Now()
	batch.Status = BatchCancelled
	batch.CompletedAt = &now
	if err := e.store.UpdateBatch(ctx, batch); err != nil {
		return false, err
	}
	e.logger.Warn("Registration batch cancelled", map[string]interface{}{
		"operation": "batch_cancel",
		"batch_id":  batchID,
	})
	return true, nil
}

func (e *Engine) batchCancelled(batchID string) bool {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	return e.cancelled[batchID]
}

// dispatch fans the work units out through a bounded pool, waits for all of
// them to settle, then recomputes item roll-ups and batch counters.
func (e *Engine) dispatch(ctx context.Context, batch *Batch, units []*PlatformRegistration) (*BatchSummary, error) {
	ctx, span := telemetry.StartSpan(ctx, "registration.dispatch",
		attribute.String("listforge.batch.id", batch.ID),
		attribute.Int("listforge.batch.unit_count", len(units)),
	)
	defer span.End()

	now := time.Now()
	if batch.StartedAt == nil {
		batch.StartedAt = &now
	}
	batch.Status = BatchProcessing
	if err := e.store.UpdateBatch(ctx, batch); err != nil {
		return nil, core.NewPipelineError("registration.dispatch", "batch", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.maxConcurrency(batch))
	for _, unit := range units {
		unit := unit
		group.Go(func() error {
			if groupCtx.Err() != nil || e.batchCancelled(batch.ID) {
				return nil
			}
			e.runUnit(groupCtx, batch, unit)
			return nil
		})
	}
	_ = group.Wait()

	return e.settle(ctx, batch)
}

// runUnit drives one (item, platform) registration to a terminal state,
// retrying transient failures inline under the backoff schedule. Failures
// are recorded on the registration, never returned.
func (e *Engine) runUnit(ctx context.Context, batch *Batch, registration *PlatformRegistration) {
	item, err := e.catalog.Get(ctx, registration.ItemID)
	if err != nil {
		e.failUnit(ctx, registration, fmt.Errorf("%w: %s", core.ErrInvalidItem, registration.ItemID))
		return
	}

	adapter, err := e.adapters.Get(registration.Platform)
	if err != nil {
		e.failUnit(ctx, registration, err)
		return
	}
	transformer := e.transforms.Get(registration.Platform)

	// Payload shaping is pure and validation must precede any network call.
	payload, err := transformer.BuildPayload(item)
	if err != nil {
		e.failUnit(ctx, registration, err)
		return
	}

	registration.Status = RegistrationProcessing
	if err := e.store.UpdateRegistration(ctx, registration); err != nil {
		e.logger.Warn("Failed to persist processing transition", map[string]interface{}{
			"operation":       "registration_run",
			"registration_id": registration.ID,
			"error":           err.Error(),
		})
	}

	for {
		if e.batchCancelled(batch.ID) || ctx.Err() != nil {
			registration.Status = RegistrationCancelled
			if err := e.store.UpdateRegistration(ctx, registration); err == nil {
				return
			}
			return
		}

		registration.Attempts++
		registration.IdempotencyKey = IdempotencyKey(item.ID, registration.Platform, registration.Attempts)

		callErr := e.attempt(ctx, adapter, transformer, item, payload, registration)
		if callErr == nil {
			now := time.Now()
			registration.Status = RegistrationCompleted
			registration.LastError = ""
			registration.NextRetryAt = nil
			registration.CompletedAt = &now
			if err := e.store.UpdateRegistration(ctx, registration); err != nil {
				e.logger.Error("Failed to persist completed registration", map[string]interface{}{
					"operation":       "registration_run",
					"registration_id": registration.ID,
					"error":           err.Error(),
				})
			}
			telemetry.Counter("listforge.registrations.completed", "platform", registration.Platform)
			return
		}

		registration.LastError = callErr.Error()
		if !e.policy.Eligible(registration, callErr) {
			e.failUnit(ctx, registration, callErr)
			return
		}

		backoff := e.policy.Backoff(registration.Attempts)
		next := time.Now().Add(backoff)
		registration.NextRetryAt = &next
		if err := e.store.UpdateRegistration(ctx, registration); err != nil {
			e.logger.Warn("Failed to persist retry schedule", map[string]interface{}{
				"operation":       "registration_run",
				"registration_id": registration.ID,
				"error":           err.Error(),
			})
		}
		e.logger.Debug("Registration attempt failed, backing off", map[string]interface{}{
			"operation":       "registration_run",
			"registration_id": registration.ID,
			"platform":        registration.Platform,
			"attempt":         registration.Attempts,
			"backoff_ms":      backoff.Milliseconds(),
			"error":           callErr.Error(),
		})

		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
	}
}

// attempt issues one create_product call and returns the classified error.
func (e *Engine) attempt(ctx context.Context, adapter PlatformAdapter, transformer *Transformer, item orchestration.Item, payload map[string]interface{}, registration *PlatformRegistration) error {
	account, err := e.accounts.Select(ctx, registration.Platform)
	if err != nil {
		return err
	}
	registration.AccountID = account.ID

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.PlatformCallTimeout)
	defer cancel()

	response, callErr := adapter.CreateProduct(callCtx, &CreateRequest{
		Item:           item,
		Payload:        payload,
		Account:        account,
		IdempotencyKey: registration.IdempotencyKey,
	})
	registration.APICallCount++

	statusCode := 0
	if response != nil {
		statusCode = response.StatusCode
	}
	classified := Classify(callErr, statusCode)
	e.accounts.RecordCall(account.ID, classified)
	if classified != nil {
		return classified
	}
	if response == nil {
		return fmt.Errorf("%w: platform %s returned an empty response", core.ErrMissingProductID, registration.Platform)
	}

	productID, ok := transformer.ExtractID(response.Raw)
	if !ok {
		return fmt.Errorf("%w: platform %s", core.ErrMissingProductID, registration.Platform)
	}
	registration.PlatformProductID = productID
	return nil
}

// failUnit records a terminal failure and surfaces permanent errors as
// high-severity alerts.
func (e *Engine) failUnit(ctx context.Context, registration *PlatformRegistration, cause error) {
	now := time.Now()
	registration.Status = RegistrationFailed
	registration.LastError = cause.Error()
	registration.NextRetryAt = nil
	registration.CompletedAt = &now
	if err := e.store.UpdateRegistration(ctx, registration); err != nil {
		e.logger.Error("Failed to persist failed registration", map[string]interface{}{
			"operation":       "registration_run",
			"registration_id": registration.ID,
			"error":           err.Error(),
		})
	}
	telemetry.Counter("listforge.registrations.failed", "platform", registration.Platform)

	if core.IsPermanent(cause) && e.emitter != nil {
		if _, err := e.emitter.Emit(ctx, &alerts.Alert{
			Kind:      alerts.KindError,
			Severity:  alerts.SeverityHigh,
			Title:     fmt.Sprintf("Permanent registration failure on %s", registration.Platform),
			Body:      cause.Error(),
			Component: "registration_engine",
			Payload: map[string]interface{}{
				"batch_id": registration.BatchID,
				"item_id":  registration.ItemID,
				"platform": registration.Platform,
				"attempts": registration.Attempts,
			},
		}); err != nil {
			e.logger.Warn("Failed to emit registration alert", map[string]interface{}{
				"operation":       "registration_run",
				"registration_id": registration.ID,
				"error":           err.Error(),
			})
		}
	}
}

// settle recomputes roll-ups and batch counters after the pool drains.
func (e *Engine) settle(ctx context.Context, batch *Batch) (*BatchSummary, error) {
	registrations, err := e.store.RegistrationsForBatch(ctx, batch.ID)
	if err != nil {
		return nil, core.NewPipelineError("registration.settle", "batch", err)
	}
	summary := buildSummary(batch, registrations)

	processed, succeeded, failed := 0, 0, 0
	for _, registration := range registrations {
		switch registration.Status {
		case RegistrationCompleted:
			processed++
			succeeded++
		case RegistrationFailed, RegistrationCancelled:
			processed++
			failed++
		}
	}
	batch.Processed = processed
	batch.Succeeded = succeeded
	batch.Failed = failed
	if batch.TotalCount > 0 {
		batch.Progress = float64(processed) / float64(batch.TotalCount) * 100
	}

	if !e.batchCancelled(batch.ID) {
		completedItems, failedItems, partialItems, settledItems := 0, 0, 0, 0
		for _, rollup := range summary.Items {
			switch rollup.FinalStatus {
			case "completed":
				completedItems++
				settledItems++
			case "failed":
				failedItems++
				settledItems++
			case "partially_completed":
				partialItems++
				settledItems++
			}
		}
		switch {
		case settledItems < len(summary.Items):
			batch.Status = BatchProcessing
		case partialItems > 0 || (completedItems > 0 && failedItems > 0):
			batch.Status = BatchPartiallyCompleted
		case failedItems == len(summary.Items) && failedItems > 0:
			batch.Status = BatchFailed
		default:
			batch.Status = BatchCompleted
		}
		if batch.Status.IsTerminal() {
			now := time.Now()
			batch.CompletedAt = &now
		}
	}

	if err := e.store.UpdateBatch(ctx, batch); err != nil {
		return nil, core.NewPipelineError("registration.settle", "batch", err)
	}
	summary.Batch = batch.Clone()

	e.logger.Info("Registration batch settled", map[string]interface{}{
		"operation": "batch_settle",
		"batch_id":  batch.ID,
		"status":    string(batch.Status),
		"processed": processed,
		"succeeded": succeeded,
		"failed":    failed,
	})
	return summary, nil
}

// buildSummary groups registrations per item and applies the roll-up table.
func buildSummary(batch *Batch, registrations []*PlatformRegistration) *BatchSummary {
	byItem := make(map[string]map[string]*PlatformRegistration)
	for _, registration := range registrations {
		if byItem[registration.ItemID] == nil {
			byItem[registration.ItemID] = make(map[string]*PlatformRegistration)
		}
		byItem[registration.ItemID][registration.Platform] = registration
	}

	items := make([]*ItemRollup, 0, len(batch.ItemIDs))
	for _, itemID := range batch.ItemIDs {
		platforms := byItem[itemID]
		items = append(items, &ItemRollup{
			ItemID:      itemID,
			FinalStatus: rollupStatus(platforms),
			Platforms:   platforms,
		})
	}
	return &BatchSummary{
		Batch:         batch.Clone(),
		Registrations: registrations,
		Items:         items,
	}
}

// rollupStatus folds per-platform statuses into the overall item status:
// all completed wins, any in-flight means running, a mix of completed and
// terminal failure is partial, all failed is failed, otherwise pending.
func rollupStatus(platforms map[string]*PlatformRegistration) string {
	total := len(platforms)
	if total == 0 {
		return "pending"
	}
	completed, failed, running := 0, 0, 0
	for _, registration := range platforms {
		switch registration.Status {
		case RegistrationCompleted:
			completed++
		case RegistrationFailed, RegistrationCancelled:
			failed++
		case RegistrationProcessing:
			running++
		}
	}
	switch {
	case completed == total:
		return "completed"
	case running > 0:
		return "running"
	case completed > 0 && failed > 0:
		return "partially_completed"
	case failed == total:
		return "failed"
	default:
		return "pending"
	}
}

func (e *Engine) maxConcurrency(batch *Batch) int {
	if n := orchestration.IntConfig(batch.Settings, "max_concurrency", 0); n > 0 {
		return n
	}
	return e.cfg.MaxConcurrentRegistrations
}

func (e *Engine) maxAttempts(batch *Batch) int {
	if n := orchestration.IntConfig(batch.Settings, "max_attempts", 0); n > 0 {
		return n
	}
	return e.policy.MaxAttempts
}
