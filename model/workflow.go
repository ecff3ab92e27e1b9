package model

import "time"

// Workflow instance status constants.
const (
	InstanceStatusRunning       = "running"
	InstanceStatusAwaitingInput = "awaiting_input"
	InstanceStatusTerminal      = "terminal"
	InstanceStatusExpired       = "expired"
)

// Workflow audit event names.
const (
	WorkflowEventStarted        = "started"
	WorkflowEventResumed        = "resumed"
	WorkflowEventExpired        = "expired"
	WorkflowEventStepEntered    = "step_entered"
	WorkflowEventStepCompleted  = "step_completed"
	WorkflowEventStepFailed     = "step_failed"
	WorkflowEventAwaitingInput  = "awaiting_input"
	WorkflowEventBranchSelected = "branch_selected"
	WorkflowEventCompleted      = "completed"
)

// WorkflowInstance is a running or completed execution of a workflow
// definition. Key is the deterministic identity derived from the triggering
// entity; Scope partitions keys per device.
type WorkflowInstance struct {
	ID             string            `json:"id"`
	Key            string            `json:"key"`
	Scope          string            `json:"scope"`
	DefinitionID   string            `json:"definition_id"`
	CurrentNode    string            `json:"current_node"`
	Status         string            `json:"status"`
	Variables      map[string]string `json:"variables,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	Version        int               `json:"version"`
}

// Live reports whether the instance can still be resumed or stepped.
func (i WorkflowInstance) Live() bool {
	return i.Status == InstanceStatusRunning || i.Status == InstanceStatusAwaitingInput
}

// Terminal reports whether the instance reached a stop node.
func (i WorkflowInstance) Terminal() bool {
	return i.Status == InstanceStatusTerminal
}

// Outcome is the result of a single Step or Resolve call.
type Outcome struct {
	Status   string           `json:"status"`
	Node     string           `json:"node"`
	Message  string           `json:"message,omitempty"`
	Branches []string         `json:"branches,omitempty"`
	Output   map[string]string `json:"output,omitempty"`
	Instance WorkflowInstance `json:"instance"`
}

// WorkflowEvent records an event in a workflow instance's audit trail.
type WorkflowEvent struct {
	ID         string            `json:"id"`
	InstanceID string            `json:"instance_id"`
	NodeID     string            `json:"node_id"`
	Event      string            `json:"event"`
	Data       map[string]string `json:"data,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}
