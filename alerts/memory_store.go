package alerts

import (
	"context"
	"sort"
	"sync"

	"github.com/listforge/listforge/core"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]*Alert
	order  []string // insertion order, oldest first
}

// NewMemoryStore creates an empty in-process alert store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[string]*Alert)}
}

func (s *MemoryStore) SaveAlert(ctx context.Context, alert *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *alert
	if _, exists := s.alerts[alert.ID]; !exists {
		s.order = append(s.order, alert.ID)
	}
	s.alerts[alert.ID] = &copied
	return nil
}

func (s *MemoryStore) GetAlert(ctx context.Context, id string) (*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alert, exists := s.alerts[id]
	if !exists {
		return nil, core.ErrAlertNotFound
	}
	copied := *alert
	return &copied, nil
}

func (s *MemoryStore) UpdateAlert(ctx context.Context, alert *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.alerts[alert.ID]; !exists {
		return core.ErrAlertNotFound
	}
	copied := *alert
	s.alerts[alert.ID] = &copied
	return nil
}

func (s *MemoryStore) ListUnacknowledged(ctx context.Context, limit int) ([]*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []*Alert
	// Newest first.
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		alert := s.alerts[s.order[i]]
		if alert.AcknowledgedAt == nil {
			copied := *alert
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListByExecution(ctx context.Context, executionID string) ([]*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Alert
	for _, id := range s.order {
		alert := s.alerts[id]
		if alert.ExecutionID == executionID {
			copied := *alert
			out = append(out, &copied)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
