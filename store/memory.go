// Package store provides durable backends for saga instances: an
// in-memory store for tests and single-process use, a Redis store, and a
// PostgreSQL store. All implement saga.Store with per-id optimistic
// version checks.
package store

import (
	"context"
	"sync"

	"github.com/glimte/ordersaga-go/saga"
)

// MemoryStore keeps instances in a map. Safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*saga.Instance
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*saga.Instance),
	}
}

// Save persists the instance if its version succeeds the stored one.
func (s *MemoryStore) Save(ctx context.Context, instance *saga.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.instances[instance.ID]
	if !ok {
		if instance.Version != 1 {
			return saga.ErrVersionConflict
		}
	} else if existing.Version != instance.Version-1 {
		return saga.ErrVersionConflict
	}

	s.instances[instance.ID] = copyInstance(instance)
	return nil
}

// Load returns the instance for id.
func (s *MemoryStore) Load(ctx context.Context, id string) (*saga.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instance, ok := s.instances[id]
	if !ok {
		return nil, saga.ErrNotFound
	}
	return copyInstance(instance), nil
}

// LoadActive returns every non-terminal instance.
func (s *MemoryStore) LoadActive(ctx context.Context) ([]*saga.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*saga.Instance
	for _, instance := range s.instances {
		if !instance.Status.Terminal() {
			active = append(active, copyInstance(instance))
		}
	}
	return active, nil
}

// CountByStatus returns instance counts per status.
func (s *MemoryStore) CountByStatus(ctx context.Context) (map[saga.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[saga.Status]int64)
	for _, instance := range s.instances {
		counts[instance.Status]++
	}
	return counts, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func copyInstance(in *saga.Instance) *saga.Instance {
	out := *in
	if in.CompletedSteps != nil {
		out.CompletedSteps = append([]saga.Step{}, in.CompletedSteps...)
	}
	if in.Compensations != nil {
		out.Compensations = append([]saga.Compensation{}, in.Compensations...)
	}
	if in.CurrentStep != nil {
		step := *in.CurrentStep
		out.CurrentStep = &step
	}
	if in.EndTime != nil {
		t := *in.EndTime
		out.EndTime = &t
	}
	if in.Params != nil {
		out.Params = make(map[string]string, len(in.Params))
		for k, v := range in.Params {
			out.Params[k] = v
		}
	}
	return &out
}
