package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/listforge/listforge/core"
)

// Ephemeral keyspace layout. Keys are colon-separated composites so operators
// can scan by class: execution_state:{id}, checkpoint:{execution_id}:{step},
// progress:{id}, error:{execution_id}:{step}, cleanup:{id}.
const (
	snapshotKeyPrefix   = "execution_state:"
	checkpointKeyPrefix = "checkpoint:"
	progressKeyPrefix   = "progress:"
	errorKeyPrefix      = "error:"
	cleanupKeyPrefix    = "cleanup:"
)

// ErrorContext is the operator-facing error blob persisted on stage failure.
// The orchestrator writes it and never reads it back.
type ErrorContext struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Timestamp string                 `json:"timestamp"` // ISO 8601
	Context   map[string]interface{} `json:"context,omitempty"`
}

// CheckpointStore is the ephemeral side of the state store: execution-state
// snapshots, per-step checkpoints, latest progress points and error context,
// all with independent TTLs over a core.Memory backend.
type CheckpointStore struct {
	memory core.Memory
	cfg    *core.Config
	logger core.Logger
}

// NewCheckpointStore creates the ephemeral layer over the given Memory.
func NewCheckpointStore(memory core.Memory, cfg *core.Config, logger core.Logger) *CheckpointStore {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &CheckpointStore{memory: memory, cfg: cfg, logger: logger}
}

// SaveSnapshot writes the execution-state snapshot used for recovery.
func (c *CheckpointStore) SaveSnapshot(ctx context.Context, snapshot *ExecutionSnapshot) error {
	snapshot.SavedAt = time.Now()
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	return c.memory.Set(ctx, snapshotKeyPrefix+snapshot.ExecutionID, string(data), c.cfg.SnapshotTTL)
}

// LoadSnapshot returns the stored snapshot, or nil when absent or expired.
func (c *CheckpointStore) LoadSnapshot(ctx context.Context, executionID string) (*ExecutionSnapshot, error) {
	data, err := c.memory.Get(ctx, snapshotKeyPrefix+executionID)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	if data == "" {
		return nil, nil
	}

	var snapshot ExecutionSnapshot
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot: %w", err)
	}
	return &snapshot, nil
}

// DeleteSnapshot drops the snapshot, typically after a terminal transition.
func (c *CheckpointStore) DeleteSnapshot(ctx context.Context, executionID string) error {
	return c.memory.Delete(ctx, snapshotKeyPrefix+executionID)
}

// SaveCheckpoint stores an opaque per-step progress token.
func (c *CheckpointStore) SaveCheckpoint(ctx context.Context, executionID, stepName, token string) error {
	key := checkpointKeyPrefix + executionID + ":" + stepName
	return c.memory.Set(ctx, key, token, c.cfg.CheckpointTTL)
}

// LoadCheckpoint returns the step's token, or "" when absent.
func (c *CheckpointStore) LoadCheckpoint(ctx context.Context, executionID, stepName string) (string, error) {
	return c.memory.Get(ctx, checkpointKeyPrefix+executionID+":"+stepName)
}

// SaveProgress publishes the latest progress point for real-time readers.
func (c *CheckpointStore) SaveProgress(ctx context.Context, executionID string, point ProgressPoint) error {
	data, err := json.Marshal(point)
	if err != nil {
		return fmt.Errorf("marshaling progress point: %w", err)
	}
	return c.memory.Set(ctx, progressKeyPrefix+executionID, string(data), c.cfg.SnapshotTTL)
}

// LoadProgress returns the latest published progress point, if any.
func (c *CheckpointStore) LoadProgress(ctx context.Context, executionID string) (*ProgressPoint, error) {
	data, err := c.memory.Get(ctx, progressKeyPrefix+executionID)
	if err != nil || data == "" {
		return nil, err
	}
	var point ProgressPoint
	if err := json.Unmarshal([]byte(data), &point); err != nil {
		return nil, fmt.Errorf("unmarshaling progress point: %w", err)
	}
	return &point, nil
}

// SaveErrorContext persists the operator-facing error blob for a failed step.
func (c *CheckpointStore) SaveErrorContext(ctx context.Context, executionID, stepName string, errCtx *ErrorContext) error {
	if errCtx.Timestamp == "" {
		errCtx.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(errCtx)
	if err != nil {
		return fmt.Errorf("marshaling error context: %w", err)
	}
	key := errorKeyPrefix + executionID + ":" + stepName
	return c.memory.Set(ctx, key, string(data), c.cfg.ErrorContextTTL)
}

// LoadErrorContext reads back a persisted error blob, for operator tooling.
func (c *CheckpointStore) LoadErrorContext(ctx context.Context, executionID, stepName string) (*ErrorContext, error) {
	data, err := c.memory.Get(ctx, errorKeyPrefix+executionID+":"+stepName)
	if err != nil || data == "" {
		return nil, err
	}
	var errCtx ErrorContext
	if err := json.Unmarshal([]byte(data), &errCtx); err != nil {
		return nil, fmt.Errorf("unmarshaling error context: %w", err)
	}
	return &errCtx, nil
}

// MarkCleanup flags an execution whose ephemeral state should be purged by
// the periodic sweep.
func (c *CheckpointStore) MarkCleanup(ctx context.Context, executionID string) error {
	return c.memory.Set(ctx, cleanupKeyPrefix+executionID, time.Now().UTC().Format(time.RFC3339), c.cfg.SnapshotTTL)
}

// Sweep removes snapshots, progress points and checkpoints for every
// execution marked for cleanup, on the host's schedule via Engine.Sweep.
// Returns the number of executions purged.
func (c *CheckpointStore) Sweep(ctx context.Context) (int, error) {
	marks, err := c.memory.Keys(ctx, cleanupKeyPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("scanning cleanup marks: %w", err)
	}

	purged := 0
	for _, mark := range marks {
		executionID := strings.TrimPrefix(mark, cleanupKeyPrefix)
		for _, key := range []string{
			snapshotKeyPrefix + executionID,
			progressKeyPrefix + executionID,
		} {
			if err := c.memory.Delete(ctx, key); err != nil {
				c.logger.Warn("Failed to purge ephemeral key", map[string]interface{}{
					"operation": "ephemeral_sweep",
					"key":       key,
					"error":     err.Error(),
				})
			}
		}
		checkpoints, err := c.memory.Keys(ctx, checkpointKeyPrefix+executionID+":*")
		if err == nil {
			for _, key := range checkpoints {
				_ = c.memory.Delete(ctx, key)
			}
		}
		_ = c.memory.Delete(ctx, mark)
		purged++
	}
	return purged, nil
}
