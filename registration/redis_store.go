package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/listforge/listforge/core"
)

// RedisBatchStore implements BatchStore on Redis with the same blob-plus-index
// layout as the orchestration state store: one JSON blob per entity, a global
// sorted-set batch index by creation time, a per-user index, and a per-batch
// registration index.
type RedisBatchStore struct {
	client *redis.Client
	ttl    time.Duration
	logger core.Logger
}

// NewRedisBatchStore creates a Redis-backed batch store.
func NewRedisBatchStore(client *redis.Client, ttl time.Duration, logger core.Logger) *RedisBatchStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisBatchStore{client: client, ttl: ttl, logger: logger}
}

func batchKey(id string) string          { return "batch:" + id }
func batchIndexKey() string              { return "batch:index" }
func batchUserIndexKey(uid string) string { return "batch:user:" + uid }
func regKey(batchID, regID string) string {
	return "batch:" + batchID + ":reg:" + regID
}
func regIndexKey(batchID string) string { return "batch:" + batchID + ":regs" }

func (s *RedisBatchStore) SaveBatch(ctx context.Context, batch *Batch) error {
	batch.UpdatedAt = time.Now()
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshaling batch: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, batchKey(batch.ID), data, s.ttl)
	score := float64(batch.CreatedAt.UnixNano())
	pipe.ZAdd(ctx, batchIndexKey(), &redis.Z{Score: score, Member: batch.ID})
	if batch.UserID != "" {
		pipe.ZAdd(ctx, batchUserIndexKey(batch.UserID), &redis.Z{Score: score, Member: batch.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving batch: %w", err)
	}
	return nil
}

func (s *RedisBatchStore) UpdateBatch(ctx context.Context, batch *Batch) error {
	batch.UpdatedAt = time.Now()
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshaling batch: %w", err)
	}

	key := batchKey(batch.ID)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return core.ErrBatchNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, key)
}

func (s *RedisBatchStore) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	data, err := s.client.Get(ctx, batchKey(batchID)).Bytes()
	if err == redis.Nil {
		return nil, core.ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting batch: %w", err)
	}

	var batch Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("unmarshaling batch: %w", err)
	}
	return &batch, nil
}

func (s *RedisBatchStore) ListBatches(ctx context.Context, userID string, limit, offset int) ([]*Batch, error) {
	index := batchIndexKey()
	if userID != "" {
		index = batchUserIndexKey(userID)
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, index, int64(offset), stop).Result()
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}

	batches := make([]*Batch, 0, len(ids))
	for _, id := range ids {
		batch, err := s.GetBatch(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				_ = s.client.ZRem(ctx, index, id).Err()
				continue
			}
			s.logger.Warn("Failed to load batch for list", map[string]interface{}{
				"operation": "batch_list",
				"batch_id":  id,
				"error":     err.Error(),
			})
			continue
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

func (s *RedisBatchStore) DeleteBatch(ctx context.Context, batchID string) error {
	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	regIDs, _ := s.client.SMembers(ctx, regIndexKey(batchID)).Result()

	pipe := s.client.TxPipeline()
	for _, regID := range regIDs {
		pipe.Del(ctx, regKey(batchID, regID))
	}
	pipe.Del(ctx, regIndexKey(batchID), batchKey(batchID))
	pipe.ZRem(ctx, batchIndexKey(), batchID)
	if batch.UserID != "" {
		pipe.ZRem(ctx, batchUserIndexKey(batch.UserID), batchID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting batch: %w", err)
	}
	return nil
}

func (s *RedisBatchStore) SaveRegistration(ctx context.Context, registration *PlatformRegistration) error {
	data, err := json.Marshal(registration)
	if err != nil {
		return fmt.Errorf("marshaling registration: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, regKey(registration.BatchID, registration.ID), data, s.ttl)
	pipe.SAdd(ctx, regIndexKey(registration.BatchID), registration.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving registration: %w", err)
	}
	return nil
}

func (s *RedisBatchStore) UpdateRegistration(ctx context.Context, registration *PlatformRegistration) error {
	key := regKey(registration.BatchID, registration.ID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("checking registration: %w", err)
	}
	if exists == 0 {
		return core.ErrItemNotFound
	}

	registration.UpdatedAt = time.Now()
	data, err := json.Marshal(registration)
	if err != nil {
		return fmt.Errorf("marshaling registration: %w", err)
	}
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("updating registration: %w", err)
	}
	return nil
}

func (s *RedisBatchStore) RegistrationsForBatch(ctx context.Context, batchID string) ([]*PlatformRegistration, error) {
	regIDs, err := s.client.SMembers(ctx, regIndexKey(batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing registrations: %w", err)
	}

	registrations := make([]*PlatformRegistration, 0, len(regIDs))
	for _, regID := range regIDs {
		data, err := s.client.Get(ctx, regKey(batchID, regID)).Bytes()
		if err != nil {
			continue
		}
		var registration PlatformRegistration
		if err := json.Unmarshal(data, &registration); err != nil {
			continue
		}
		registrations = append(registrations, &registration)
	}
	return registrations, nil
}

var _ BatchStore = (*RedisBatchStore)(nil)
