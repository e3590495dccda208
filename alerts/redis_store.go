package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/listforge/listforge/core"
)

const alertKeyPrefix = "alert:"

// RedisStore persists alerts as JSON blobs with two sorted indexes: a global
// recency index and an unacknowledged index. Members move out of the
// unacknowledged index on acknowledgement.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger core.Logger
}

// NewRedisStore creates a Redis-backed alert store. Alerts are retained for
// ttl; 0 keeps them until explicitly deleted.
func NewRedisStore(client *redis.Client, ttl time.Duration, logger core.Logger) *RedisStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

func alertKey(id string) string          { return alertKeyPrefix + id }
func alertIndexKey() string              { return alertKeyPrefix + "index" }
func alertUnackedIndexKey() string       { return alertKeyPrefix + "unacked" }
func alertExecIndexKey(id string) string { return alertKeyPrefix + "execution:" + id }

func (s *RedisStore) SaveAlert(ctx context.Context, alert *Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}

	score := float64(alert.CreatedAt.UnixNano())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, alertKey(alert.ID), data, s.ttl)
	pipe.ZAdd(ctx, alertIndexKey(), &redis.Z{Score: score, Member: alert.ID})
	if alert.AcknowledgedAt == nil {
		pipe.ZAdd(ctx, alertUnackedIndexKey(), &redis.Z{Score: score, Member: alert.ID})
	}
	if alert.ExecutionID != "" {
		pipe.ZAdd(ctx, alertExecIndexKey(alert.ExecutionID), &redis.Z{Score: score, Member: alert.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving alert: %w", err)
	}
	return nil
}

func (s *RedisStore) GetAlert(ctx context.Context, id string) (*Alert, error) {
	data, err := s.client.Get(ctx, alertKey(id)).Bytes()
	if err == redis.Nil {
		return nil, core.ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting alert: %w", err)
	}

	var alert Alert
	if err := json.Unmarshal(data, &alert); err != nil {
		return nil, fmt.Errorf("unmarshaling alert: %w", err)
	}
	return &alert, nil
}

func (s *RedisStore) UpdateAlert(ctx context.Context, alert *Alert) error {
	exists, err := s.client.Exists(ctx, alertKey(alert.ID)).Result()
	if err != nil {
		return fmt.Errorf("checking alert: %w", err)
	}
	if exists == 0 {
		return core.ErrAlertNotFound
	}

	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, alertKey(alert.ID), data, s.ttl)
	if alert.AcknowledgedAt != nil {
		pipe.ZRem(ctx, alertUnackedIndexKey(), alert.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("updating alert: %w", err)
	}
	return nil
}

func (s *RedisStore) ListUnacknowledged(ctx context.Context, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRangeByScore(ctx, alertUnackedIndexKey(), &redis.ZRangeBy{
		Min: "-inf", Max: "+inf", Offset: 0, Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing unacknowledged alerts: %w", err)
	}
	return s.loadAlerts(ctx, alertUnackedIndexKey(), ids)
}

func (s *RedisStore) ListByExecution(ctx context.Context, executionID string) ([]*Alert, error) {
	ids, err := s.client.ZRangeByScore(ctx, alertExecIndexKey(executionID), &redis.ZRangeBy{
		Min: "-inf", Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing execution alerts: %w", err)
	}
	return s.loadAlerts(ctx, alertExecIndexKey(executionID), ids)
}

// loadAlerts fetches alerts by id, pruning index entries whose records have
// expired.
func (s *RedisStore) loadAlerts(ctx context.Context, indexKey string, ids []string) ([]*Alert, error) {
	alerts := make([]*Alert, 0, len(ids))
	for _, id := range ids {
		alert, err := s.GetAlert(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				_ = s.client.ZRem(ctx, indexKey, id).Err()
				continue
			}
			s.logger.Warn("Failed to load alert", map[string]interface{}{
				"operation": "alert_list",
				"alert_id":  id,
				"error":     err.Error(),
			})
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

var _ Store = (*RedisStore)(nil)
