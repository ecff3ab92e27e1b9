package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/waypoint/model"
)

// Store persists workflow instances and their audit events.
type Store interface {
	// Create persists a new instance. Returns CONFLICT if a live instance
	// already exists for the same (scope, key).
	Create(ctx context.Context, inst model.WorkflowInstance) error

	// Get retrieves an instance by ID. Returns NOT_FOUND if it does not exist.
	Get(ctx context.Context, id string) (model.WorkflowInstance, error)

	// Latest returns the most recently active instance for (scope, key) in
	// any status.
	Latest(ctx context.Context, scope, key string) (model.WorkflowInstance, bool, error)

	// Update persists an instance with optimistic locking. inst.Version must
	// match the stored version, which is then incremented. Returns CONFLICT
	// if the version has changed.
	Update(ctx context.Context, inst model.WorkflowInstance) error

	// AppendEvent adds an event to an instance's audit trail.
	AppendEvent(ctx context.Context, event model.WorkflowEvent) error

	// Events returns an instance's audit trail, oldest first.
	Events(ctx context.Context, instanceID string) ([]model.WorkflowEvent, error)

	// FindLive returns live instances in scope whose key starts with
	// keyPrefix and that were active at or after since, newest first.
	FindLive(ctx context.Context, scope, keyPrefix string, since time.Time) ([]model.WorkflowInstance, error)
}
