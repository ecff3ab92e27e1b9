package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/waypoint/model"
)

// snapshot is an immutable collection of all definitions indexed by ID.
type snapshot struct {
	workflows map[string]*model.WorkflowDefinition
	triggers  map[string]string
	checksum  string
}

// Registry is a read-optimized, thread-safe store of loaded workflow
// definitions and the trigger mapping that selects one per event type.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions and trigger map.
func NewRegistry(defs []model.WorkflowDefinition, triggers map[string]string) *Registry {
	r := &Registry{}
	r.Replace(defs, triggers)
	return r
}

// Replace atomically swaps the registry contents. Definitions are shared by
// reference across instances and must not be mutated afterwards.
func (r *Registry) Replace(defs []model.WorkflowDefinition, triggers map[string]string) {
	s := &snapshot{
		workflows: make(map[string]*model.WorkflowDefinition, len(defs)),
		triggers:  make(map[string]string, len(triggers)),
	}

	checksumParts := make([]string, 0, len(defs))
	for i := range defs {
		def := defs[i]
		s.workflows[def.ID] = &def
		checksumParts = append(checksumParts, def.Checksum)
	}
	for trigger, id := range triggers {
		s.triggers[trigger] = id
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

// Get returns the definition with the given ID.
func (r *Registry) Get(id string) (*model.WorkflowDefinition, bool) {
	def, ok := r.snap.Load().workflows[id]
	return def, ok
}

// Has reports whether a definition with the given ID is loaded.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// All returns every definition ordered by ID.
func (r *Registry) All() []*model.WorkflowDefinition {
	s := r.snap.Load()
	out := make([]*model.WorkflowDefinition, 0, len(s.workflows))
	for _, def := range s.workflows {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ForTrigger returns the definition mapped to the given trigger name.
func (r *Registry) ForTrigger(trigger string) (*model.WorkflowDefinition, bool) {
	s := r.snap.Load()
	id, ok := s.triggers[trigger]
	if !ok {
		return nil, false
	}
	def, ok := s.workflows[id]
	return def, ok
}

// Checksum returns a combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.snap.Load().checksum
}

// Count returns the number of loaded definitions.
func (r *Registry) Count() int {
	return len(r.snap.Load().workflows)
}

// CheckTriggers returns an error for each trigger mapped to an unknown definition.
func CheckTriggers(defs []model.WorkflowDefinition, triggers map[string]string) []VError {
	known := make(map[string]bool, len(defs))
	for _, d := range defs {
		known[d.ID] = true
	}
	names := make([]string, 0, len(triggers))
	for name := range triggers {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []VError
	for _, name := range names {
		if !known[triggers[name]] {
			errs = append(errs, VError{
				Path:    "triggers." + name,
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("workflow %q not found", triggers[name]),
			})
		}
	}
	return errs
}
