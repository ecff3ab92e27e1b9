package model

import "time"

// DetectionMethod records how a region transition was detected.
type DetectionMethod string

// Detection methods.
const (
	DetectionBoundary       DetectionMethod = "boundary_match"
	DetectionAnchor         DetectionMethod = "anchor_proximity"
	DetectionCenter         DetectionMethod = "center_proximity"
	DetectionManualOverride DetectionMethod = "manual_override"
	DetectionStartupCheck   DetectionMethod = "startup_check"
)

// Valid reports whether m is a known detection method.
func (m DetectionMethod) Valid() bool {
	switch m {
	case DetectionBoundary, DetectionAnchor, DetectionCenter,
		DetectionManualOverride, DetectionStartupCheck:
		return true
	}
	return false
}

// Visit is one continuous presence of a device inside a region. A visit is
// open while ExitedAt is nil; a device has at most one open visit.
type Visit struct {
	ID                 string          `json:"id"`
	DeviceID           string          `json:"device_id"`
	RegionID           string          `json:"region_id"`
	RegionName         string          `json:"region_name"`
	EnteredAt          time.Time       `json:"entered_at"`
	EntryPoint         Coordinate      `json:"entry_point"`
	ExitedAt           *time.Time      `json:"exited_at,omitempty"`
	ExitPoint          *Coordinate     `json:"exit_point,omitempty"`
	Method             DetectionMethod `json:"method"`
	WorkflowTriggered  bool            `json:"workflow_triggered"`
	WorkflowInstanceID string          `json:"workflow_instance_id,omitempty"`
	Duration           *time.Duration  `json:"duration,omitempty"`
}

// Open reports whether the visit has not been closed yet.
func (v Visit) Open() bool {
	return v.ExitedAt == nil
}

// Close sets the exit fields and computes the duration.
func (v *Visit) Close(at time.Time, point Coordinate) {
	exit := at
	p := point
	d := at.Sub(v.EnteredAt)
	if d < 0 {
		d = 0
	}
	v.ExitedAt = &exit
	v.ExitPoint = &p
	v.Duration = &d
}

// VisitSummary aggregates a device's prior visits to one region.
type VisitSummary struct {
	Count       int        `json:"count"`
	LastVisitAt *time.Time `json:"last_visit_at,omitempty"`
}
