package workflow

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/waypoint/model"
)

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance // key: instance ID
	events    map[string][]model.WorkflowEvent  // key: instance ID
}

// NewMemoryStore creates a new in-memory workflow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]model.WorkflowInstance),
		events:    make(map[string][]model.WorkflowEvent),
	}
}

func clone(inst model.WorkflowInstance) model.WorkflowInstance {
	inst.Variables = maps.Clone(inst.Variables)
	return inst
}

// Create persists a new workflow instance.
func (s *MemoryStore) Create(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	for _, other := range s.instances {
		if other.Scope == inst.Scope && other.Key == inst.Key && other.Live() {
			return model.NewConflictError(fmt.Sprintf("live instance already exists for key %q", inst.Key))
		}
	}
	s.instances[inst.ID] = clone(inst)
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[id]
	if !exists {
		return model.WorkflowInstance{}, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	return clone(inst), nil
}

// Latest returns the most recently active instance for (scope, key).
func (s *MemoryStore) Latest(_ context.Context, scope, key string) (model.WorkflowInstance, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best  model.WorkflowInstance
		found bool
	)
	for _, inst := range s.instances {
		if inst.Scope != scope || inst.Key != key {
			continue
		}
		if !found || inst.LastActivityAt.After(best.LastActivityAt) ||
			(inst.LastActivityAt.Equal(best.LastActivityAt) && inst.Live()) {
			best, found = inst, true
		}
	}
	if !found {
		return model.WorkflowInstance{}, false, nil
	}
	return clone(best), true, nil
}

// Update persists an updated instance with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", inst.ID))
	}
	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}

	inst.Version++
	s.instances[inst.ID] = clone(inst)
	return nil
}

// AppendEvent adds an event to the workflow's audit trail.
func (s *MemoryStore) AppendEvent(_ context.Context, event model.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.InstanceID] = append(s.events[event.InstanceID], event)
	return nil
}

// Events retrieves all events for an instance, ordered by timestamp.
func (s *MemoryStore) Events(_ context.Context, instanceID string) ([]model.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.instances[instanceID]; !exists {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", instanceID))
	}

	events := s.events[instanceID]
	result := make([]model.WorkflowEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// FindLive returns live instances matching scope and key prefix.
func (s *MemoryStore) FindLive(_ context.Context, scope, keyPrefix string, since time.Time) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Scope != scope || !inst.Live() || !strings.HasPrefix(inst.Key, keyPrefix) {
			continue
		}
		if inst.LastActivityAt.Before(since) {
			continue
		}
		result = append(result, clone(inst))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastActivityAt.After(result[j].LastActivityAt)
	})
	return result, nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}
