package registration

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/listforge/listforge/core"
)

// BatchStore persists batches and their platform registrations. A batch owns
// its registrations; deleting the batch cascades.
type BatchStore interface {
	SaveBatch(ctx context.Context, batch *Batch) error
	UpdateBatch(ctx context.Context, batch *Batch) error
	GetBatch(ctx context.Context, batchID string) (*Batch, error)
	ListBatches(ctx context.Context, userID string, limit, offset int) ([]*Batch, error)
	DeleteBatch(ctx context.Context, batchID string) error

	SaveRegistration(ctx context.Context, registration *PlatformRegistration) error
	UpdateRegistration(ctx context.Context, registration *PlatformRegistration) error
	RegistrationsForBatch(ctx context.Context, batchID string) ([]*PlatformRegistration, error)
}

// MemoryBatchStore is an in-process BatchStore for development and tests.
type MemoryBatchStore struct {
	mu            sync.RWMutex
	batches       map[string]*Batch
	registrations map[string][]*PlatformRegistration // batch id -> registrations
}

// NewMemoryBatchStore creates an empty in-process batch store.
func NewMemoryBatchStore() *MemoryBatchStore {
	return &MemoryBatchStore{
		batches:       make(map[string]*Batch),
		registrations: make(map[string][]*PlatformRegistration),
	}
}

func (s *MemoryBatchStore) SaveBatch(ctx context.Context, batch *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch.UpdatedAt = time.Now()
	s.batches[batch.ID] = batch.Clone()
	return nil
}

func (s *MemoryBatchStore) UpdateBatch(ctx context.Context, batch *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batch.ID]; !ok {
		return core.ErrBatchNotFound
	}
	batch.UpdatedAt = time.Now()
	s.batches[batch.ID] = batch.Clone()
	return nil
}

func (s *MemoryBatchStore) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return nil, core.ErrBatchNotFound
	}
	return batch.Clone(), nil
}

func (s *MemoryBatchStore) ListBatches(ctx context.Context, userID string, limit, offset int) ([]*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Batch
	for _, batch := range s.batches {
		if userID != "" && batch.UserID != userID {
			continue
		}
		matched = append(matched, batch.Clone())
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryBatchStore) DeleteBatch(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batchID]; !ok {
		return core.ErrBatchNotFound
	}
	delete(s.batches, batchID)
	delete(s.registrations, batchID)
	return nil
}

func (s *MemoryBatchStore) SaveRegistration(ctx context.Context, registration *PlatformRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registrations[registration.BatchID] = append(s.registrations[registration.BatchID], registration.Clone())
	return nil
}

func (s *MemoryBatchStore) UpdateRegistration(ctx context.Context, registration *PlatformRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.registrations[registration.BatchID] {
		if existing.ID == registration.ID {
			registration.UpdatedAt = time.Now()
			s.registrations[registration.BatchID][i] = registration.Clone()
			return nil
		}
	}
	return core.ErrItemNotFound
}

func (s *MemoryBatchStore) RegistrationsForBatch(ctx context.Context, batchID string) ([]*PlatformRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	registrations := make([]*PlatformRegistration, 0, len(s.registrations[batchID]))
	for _, registration := range s.registrations[batchID] {
		registrations = append(registrations, registration.Clone())
	}
	return registrations, nil
}

var _ BatchStore = (*MemoryBatchStore)(nil)
