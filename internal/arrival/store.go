package arrival

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/waypoint/model"
)

// VisitStore persists visits. Transition must apply the close and the open
// atomically: either both are durable or neither is.
type VisitStore interface {
	// OpenVisit returns the device's open visit, or nil.
	OpenVisit(ctx context.Context, deviceID string) (*model.Visit, error)
	// Transition closes closed (if non-nil) and inserts opened (if non-nil).
	Transition(ctx context.Context, closed, opened *model.Visit) error
	// Summary aggregates the device's earlier visits to a region.
	Summary(ctx context.Context, deviceID, regionID string) (model.VisitSummary, error)
	// History returns the device's visits, newest first.
	History(ctx context.Context, deviceID string, limit int) ([]model.Visit, error)
	// MarkTriggered records the workflow instance a visit started or resumed.
	MarkTriggered(ctx context.Context, visitID, instanceID string) error
}

// MemoryVisitStore is an in-memory VisitStore for tests and single-node
// deployments without a database.
type MemoryVisitStore struct {
	mu     sync.RWMutex
	visits map[string]*model.Visit
	order  []string
}

// NewMemoryVisitStore creates an empty store.
func NewMemoryVisitStore() *MemoryVisitStore {
	return &MemoryVisitStore{visits: make(map[string]*model.Visit)}
}

// OpenVisit implements VisitStore.
func (s *MemoryVisitStore) OpenVisit(_ context.Context, deviceID string) (*model.Visit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		v := s.visits[id]
		if v.DeviceID == deviceID && v.Open() {
			cp := *v
			return &cp, nil
		}
	}
	return nil, nil
}

// Transition implements VisitStore.
func (s *MemoryVisitStore) Transition(_ context.Context, closed, opened *model.Visit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if closed != nil {
		cur, ok := s.visits[closed.ID]
		if !ok || !cur.Open() {
			return model.NewConflictError(fmt.Sprintf("visit %q is not open", closed.ID))
		}
	}
	if opened != nil {
		for _, v := range s.visits {
			if v.DeviceID == opened.DeviceID && v.Open() && (closed == nil || v.ID != closed.ID) {
				return model.NewConflictError(fmt.Sprintf("device %q already has an open visit", opened.DeviceID))
			}
		}
		if _, dup := s.visits[opened.ID]; dup {
			return model.NewConflictError(fmt.Sprintf("visit %q already exists", opened.ID))
		}
	}

	if closed != nil {
		cp := *closed
		s.visits[closed.ID] = &cp
	}
	if opened != nil {
		cp := *opened
		s.visits[opened.ID] = &cp
		s.order = append(s.order, opened.ID)
	}
	return nil
}

// Summary implements VisitStore.
func (s *MemoryVisitStore) Summary(_ context.Context, deviceID, regionID string) (model.VisitSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum model.VisitSummary
	for _, v := range s.visits {
		if v.DeviceID != deviceID || v.RegionID != regionID {
			continue
		}
		sum.Count++
		if sum.LastVisitAt == nil || v.EnteredAt.After(*sum.LastVisitAt) {
			at := v.EnteredAt
			sum.LastVisitAt = &at
		}
	}
	return sum, nil
}

// History implements VisitStore.
func (s *MemoryVisitStore) History(_ context.Context, deviceID string, limit int) ([]model.Visit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Visit
	for _, v := range s.visits {
		if v.DeviceID == deviceID {
			out = append(out, *v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EnteredAt.After(out[j].EnteredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkTriggered implements VisitStore.
func (s *MemoryVisitStore) MarkTriggered(_ context.Context, visitID, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.visits[visitID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("visit %q not found", visitID))
	}
	v.WorkflowTriggered = true
	v.WorkflowInstanceID = instanceID
	return nil
}

// OpenCount returns the number of open visits for a device. For testing.
func (s *MemoryVisitStore) OpenCount(deviceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, v := range s.visits {
		if v.DeviceID == deviceID && v.Open() {
			n++
		}
	}
	return n
}
