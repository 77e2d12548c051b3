package checkpoints

import (
	"context"
	"sort"
	"sync"

	"github.com/avi3tal/dagpipe/internal/jsontree"
)

// MemoryStore is a non-durable Store. Values are normalized on Save so they
// come back in the same shape a FileStore would return.
type MemoryStore struct {
	records map[string]any
	mu      sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]any),
	}
}

func (m *MemoryStore) Save(_ context.Context, taskID string, value any) error {
	if err := checkTaskID(taskID); err != nil {
		return err
	}
	normalized, err := jsontree.Normalize(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[taskID] = normalized
	return nil
}

func (m *MemoryStore) Load(_ context.Context, taskID string) (any, bool, error) {
	if err := checkTaskID(taskID); err != nil {
		return nil, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.records[taskID]
	if !ok {
		return nil, false, nil
	}
	return jsontree.Clone(v), true, nil
}

func (m *MemoryStore) Exists(_ context.Context, taskID string) (bool, error) {
	if err := checkTaskID(taskID); err != nil {
		return false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[taskID]
	return ok, nil
}

func (m *MemoryStore) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = make(map[string]any)
	return nil
}
