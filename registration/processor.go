package registration

import (
	"context"
	"fmt"

	"github.com/listforge/listforge/core"
	"github.com/listforge/listforge/orchestration"
)

// StageType is the workflow stage type served by this package.
const StageType = "multi_platform_registration"

// StageProcessor adapts the registration engine to the workflow engine: one
// stage invocation becomes one batch, and the stage's bounded fan-out drives
// the per-item registrations.
type StageProcessor struct {
	engine *Engine
	cfg    *core.Config
}

// NewStageProcessor creates the workflow-facing processor.
func NewStageProcessor(engine *Engine, cfg *core.Config) *StageProcessor {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	return &StageProcessor{engine: engine, cfg: cfg}
}

// Process registers every item of the execution on the stage's configured
// platforms. Stage config: "platforms" ([]string, required), "user_id",
// "priority", "max_concurrency". Per-item outcomes flow through the stage
// request's Report callback; the batch roll-up lands in the stage results.
func (p *StageProcessor) Process(ctx context.Context, req *orchestration.StageRequest) (*orchestration.StageResult, error) {
	platforms := stringsConfig(req.Config, "platforms")
	if len(platforms) == 0 {
		return nil, &core.PipelineError{
			Op:      "registration.Process",
			Kind:    "step",
			ID:      req.Step.Name,
			Message: "stage config missing platforms",
		}
	}
	userID, _ := req.Config["user_id"].(string)
	priority := orchestration.IntConfig(req.Config, "priority", 0)

	if len(req.Items) == 0 {
		return &orchestration.StageResult{Results: map[string]interface{}{"batch_id": ""}}, nil
	}

	var settings map[string]interface{}
	if attempts := orchestration.IntConfig(req.Config, "max_attempts", 0); attempts > 0 {
		settings = map[string]interface{}{"max_attempts": attempts}
	}
	batchID, err := p.engine.CreateBatch(ctx, userID,
		fmt.Sprintf("execution:%s:%s", req.Execution.ID, req.Step.Name),
		req.Items, platforms, priority, settings, nil)
	if err != nil {
		return nil, err
	}

	concurrency := orchestration.IntConfig(req.Config, "max_concurrency", p.cfg.MaxConcurrentRegistrations)
	result := orchestration.RunItems(ctx, req, concurrency, func(ctx context.Context, item orchestration.Item) (map[string]interface{}, error) {
		rollup, err := p.engine.ProcessItem(ctx, batchID, item.ID)
		if err != nil {
			return nil, err
		}

		artifacts := map[string]interface{}{
			"batch_id":            batchID,
			"registration_status": rollup.FinalStatus,
			"platforms":           platformArtifacts(rollup),
		}
		if rollup.FinalStatus != "completed" {
			return artifacts, fmt.Errorf("registration %s for item %s", rollup.FinalStatus, item.ID)
		}
		return artifacts, nil
	})

	if req.Cancelled != nil && req.Cancelled() {
		if _, err := p.engine.CancelBatch(ctx, batchID); err != nil {
			return nil, err
		}
	}
	summary, err := p.engine.FinalizeBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	result.Results = map[string]interface{}{
		"batch_id":     batchID,
		"batch_status": string(summary.Batch.Status),
		"succeeded":    summary.Batch.Succeeded,
		"failed":       summary.Batch.Failed,
	}
	return result, nil
}

// platformArtifacts flattens a roll-up for the item result blob.
func platformArtifacts(rollup *ItemRollup) map[string]interface{} {
	out := make(map[string]interface{}, len(rollup.Platforms))
	for platform, registration := range rollup.Platforms {
		entry := map[string]interface{}{
			"status":   string(registration.Status),
			"attempts": registration.Attempts,
		}
		if registration.PlatformProductID != "" {
			entry["platform_product_id"] = registration.PlatformProductID
		}
		if registration.LastError != "" {
			entry["last_error"] = registration.LastError
		}
		out[platform] = entry
	}
	return out
}

// stringsConfig reads a string-slice option from a merged config map,
// accepting the shapes JSON and YAML decoding produce.
func stringsConfig(config map[string]interface{}, key string) []string {
	switch v := config[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, raw := range v {
			if s, ok := raw.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

var _ orchestration.StageProcessor = (*StageProcessor)(nil)
