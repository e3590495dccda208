package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/listforge/listforge/core"
)

// RedisStateStore implements StateStore on Redis: one JSON blob per entity,
// sorted-set indexes for listing, MULTI/EXEC pipelines where step and
// execution counters must move together. Retention is unbounded by default
// (ttl 0); operators may cap it for dev clusters.
type RedisStateStore struct {
	client *redis.Client
	ttl    time.Duration
	logger core.Logger
}

// NewRedisStateStore creates a Redis-backed state store.
func NewRedisStateStore(client *redis.Client, ttl time.Duration, logger core.Logger) *RedisStateStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisStateStore{client: client, ttl: ttl, logger: logger}
}

func execKey(id string) string             { return "exec:" + id }
func execIndexKey() string                 { return "exec:index" }
func stepKey(execID, stepID string) string { return "exec:" + execID + ":step:" + stepID }
func stepIndexKey(execID string) string    { return "exec:" + execID + ":steps" }
func itemKey(execID, itemID string) string { return "exec:" + execID + ":item:" + itemID }
func itemIndexKey(execID string) string    { return "exec:" + execID + ":items" }

func (s *RedisStateStore) SaveExecution(ctx context.Context, execution *Execution) error {
	execution.UpdatedAt = time.Now()
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("marshaling execution: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, execKey(execution.ID), data, s.ttl)
	pipe.ZAdd(ctx, execIndexKey(), &redis.Z{
		Score:  float64(execution.CreatedAt.UnixNano()),
		Member: execution.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving execution: %w", err)
	}
	return nil
}

func (s *RedisStateStore) UpdateExecution(ctx context.Context, execution *Execution) error {
	execution.UpdatedAt = time.Now()
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("marshaling execution: %w", err)
	}

	key := execKey(execution.ID)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return core.ErrExecutionNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, key)
}

func (s *RedisStateStore) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	data, err := s.client.Get(ctx, execKey(executionID)).Bytes()
	if err == redis.Nil {
		return nil, core.ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting execution: %w", err)
	}

	var execution Execution
	if err := json.Unmarshal(data, &execution); err != nil {
		return nil, fmt.Errorf("unmarshaling execution: %w", err)
	}
	return &execution, nil
}

func (s *RedisStateStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	// Newest first; status/template filters apply client-side, so over-fetch
	// and trim after filtering.
	ids, err := s.client.ZRevRangeByScore(ctx, execIndexKey(), &redis.ZRangeBy{
		Min: "-inf", Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}

	var matched []*Execution
	for _, id := range ids {
		execution, err := s.GetExecution(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				_ = s.client.ZRem(ctx, execIndexKey(), id).Err()
				continue
			}
			s.logger.Warn("Failed to load execution for list", map[string]interface{}{
				"operation":    "execution_list",
				"execution_id": id,
				"error":        err.Error(),
			})
			continue
		}
		if filter.TemplateName != "" && execution.TemplateName != filter.TemplateName {
			continue
		}
		if filter.Status != "" && execution.Status != filter.Status {
			continue
		}
		matched = append(matched, execution)
	}
	return paginate(matched, filter.Offset, filter.Limit), nil
}

func (s *RedisStateStore) DeleteExecution(ctx context.Context, executionID string) error {
	exists, err := s.client.Exists(ctx, execKey(executionID)).Result()
	if err != nil {
		return fmt.Errorf("checking execution: %w", err)
	}
	if exists == 0 {
		return core.ErrExecutionNotFound
	}

	// Cascade: steps and item results go with their execution.
	stepIDs, _ := s.client.ZRange(ctx, stepIndexKey(executionID), 0, -1).Result()
	itemIDs, _ := s.client.SMembers(ctx, itemIndexKey(executionID)).Result()

	pipe := s.client.TxPipeline()
	for _, stepID := range stepIDs {
		pipe.Del(ctx, stepKey(executionID, stepID))
	}
	for _, itemID := range itemIDs {
		pipe.Del(ctx, itemKey(executionID, itemID))
	}
	pipe.Del(ctx, stepIndexKey(executionID), itemIndexKey(executionID), execKey(executionID))
	pipe.ZRem(ctx, execIndexKey(), executionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting execution: %w", err)
	}
	return nil
}

func (s *RedisStateStore) SaveStep(ctx context.Context, step *Step) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshaling step: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, stepKey(step.ExecutionID, step.ID), data, s.ttl)
	pipe.ZAdd(ctx, stepIndexKey(step.ExecutionID), &redis.Z{
		Score:  float64(step.Ordinal),
		Member: step.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving step: %w", err)
	}
	return nil
}

func (s *RedisStateStore) UpdateStep(ctx context.Context, step *Step) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshaling step: %w", err)
	}
	if err := s.client.Set(ctx, stepKey(step.ExecutionID, step.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("updating step: %w", err)
	}
	return nil
}

func (s *RedisStateStore) StepsForExecution(ctx context.Context, executionID string) ([]*Step, error) {
	stepIDs, err := s.client.ZRange(ctx, stepIndexKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing steps: %w", err)
	}

	steps := make([]*Step, 0, len(stepIDs))
	for _, stepID := range stepIDs {
		data, err := s.client.Get(ctx, stepKey(executionID, stepID)).Bytes()
		if err != nil {
			continue
		}
		var step Step
		if err := json.Unmarshal(data, &step); err != nil {
			continue
		}
		steps = append(steps, &step)
	}
	return steps, nil
}

func (s *RedisStateStore) SaveItemResult(ctx context.Context, result *ItemResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling item result: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, itemKey(result.ExecutionID, result.ItemID), data, s.ttl)
	pipe.SAdd(ctx, itemIndexKey(result.ExecutionID), result.ItemID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving item result: %w", err)
	}
	return nil
}

func (s *RedisStateStore) UpdateItemResult(ctx context.Context, result *ItemResult) error {
	exists, err := s.client.Exists(ctx, itemKey(result.ExecutionID, result.ItemID)).Result()
	if err != nil {
		return fmt.Errorf("checking item result: %w", err)
	}
	if exists == 0 {
		return core.ErrItemNotFound
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling item result: %w", err)
	}
	if err := s.client.Set(ctx, itemKey(result.ExecutionID, result.ItemID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("updating item result: %w", err)
	}
	return nil
}

func (s *RedisStateStore) GetItemResult(ctx context.Context, executionID, itemID string) (*ItemResult, error) {
	data, err := s.client.Get(ctx, itemKey(executionID, itemID)).Bytes()
	if err == redis.Nil {
		return nil, core.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting item result: %w", err)
	}

	var result ItemResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshaling item result: %w", err)
	}
	return &result, nil
}

func (s *RedisStateStore) ItemResultsForExecution(ctx context.Context, executionID string) ([]*ItemResult, error) {
	itemIDs, err := s.client.SMembers(ctx, itemIndexKey(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing item results: %w", err)
	}

	results := make([]*ItemResult, 0, len(itemIDs))
	for _, itemID := range itemIDs {
		result, err := s.GetItemResult(ctx, executionID, itemID)
		if err != nil {
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

// ApplyProgress writes the step and execution counters in one MULTI/EXEC so
// a reader never observes a step ahead of its execution.
func (s *RedisStateStore) ApplyProgress(ctx context.Context, execution *Execution, step *Step) error {
	execution.UpdatedAt = time.Now()
	execData, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("marshaling execution: %w", err)
	}
	stepData, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshaling step: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, execKey(execution.ID), execData, s.ttl)
	pipe.Set(ctx, stepKey(step.ExecutionID, step.ID), stepData, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("applying progress: %w", err)
	}
	return nil
}

func (s *RedisStateStore) RecoveryCandidates(ctx context.Context, staleAfter time.Duration) ([]*Execution, error) {
	active, err := s.ListExecutions(ctx, ExecutionFilter{Status: ExecutionRunning})
	if err != nil {
		return nil, err
	}
	paused, err := s.ListExecutions(ctx, ExecutionFilter{Status: ExecutionPaused})
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-staleAfter)
	var candidates []*Execution
	for _, execution := range append(active, paused...) {
		if execution.UpdatedAt.Before(cutoff) {
			candidates = append(candidates, execution)
		}
	}
	return candidates, nil
}

var _ StateStore = (*RedisStateStore)(nil)
