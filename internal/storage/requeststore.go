package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/emergency-dispatch/internal/models"
)

// RequestStore defines persistence operations for requests.
type RequestStore interface {
	Create(ctx context.Context, r models.Request) error
	Update(ctx context.Context, r models.Request) error
	Get(ctx context.Context, id string) (models.Request, error)
	ListByStatus(ctx context.Context, statuses ...models.RequestStatus) ([]models.Request, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]models.Request
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]models.Request)}
}

func (m *MemoryStore) Create(_ context.Context, r models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("request %s exists: %w", r.ID, models.ErrInvalidInput)
	}
	m.requests[r.ID] = r
	return nil
}

func (m *MemoryStore) Update(_ context.Context, r models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; !ok {
		return fmt.Errorf("request %s: %w", r.ID, models.ErrNotFound)
	}
	m.requests[r.ID] = r
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.Request{}, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	return r, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, statuses ...models.RequestStatus) ([]models.Request, error) {
	want := make(map[models.RequestStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Request, 0)
	for _, r := range m.requests {
		if want[r.Status] {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
