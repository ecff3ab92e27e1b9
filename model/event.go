package model

import "time"

// EventKind distinguishes arrival from departure events.
type EventKind string

// Event kinds.
const (
	EventArrival   EventKind = "arrival"
	EventDeparture EventKind = "departure"
)

// Event is the typed value emitted by the arrival tracker for one accepted
// transition. Departure fields (Duration) and arrival fields (PreviousRegion,
// IsFirstVisit, PreviousVisitCount, LastVisitAt) are only set for their kind.
type Event struct {
	Kind               EventKind       `json:"kind"`
	DeviceID           string          `json:"device_id"`
	VisitID            string          `json:"visit_id"`
	Region             RegionRef       `json:"region"`
	PreviousRegion     *RegionRef      `json:"previous_region,omitempty"`
	Method             DetectionMethod `json:"method"`
	Point              Coordinate      `json:"point"`
	IsFirstVisit       bool            `json:"is_first_visit,omitempty"`
	PreviousVisitCount int             `json:"previous_visit_count,omitempty"`
	LastVisitAt        *time.Time      `json:"last_visit_at,omitempty"`
	EnteredAt          time.Time       `json:"entered_at"`
	Duration           time.Duration   `json:"duration,omitempty"`
	OccurredAt         time.Time       `json:"occurred_at"`
}

// NewDepartureEvent builds a departure from a closed visit.
func NewDepartureEvent(v Visit) Event {
	ev := Event{
		Kind:      EventDeparture,
		DeviceID:  v.DeviceID,
		VisitID:   v.ID,
		Region:    RegionRef{ID: v.RegionID, Name: v.RegionName},
		Method:    v.Method,
		EnteredAt: v.EnteredAt,
	}
	if v.ExitPoint != nil {
		ev.Point = *v.ExitPoint
	}
	if v.ExitedAt != nil {
		ev.OccurredAt = *v.ExitedAt
	}
	if v.Duration != nil {
		ev.Duration = *v.Duration
	}
	return ev
}

// NewArrivalEvent builds an arrival from a freshly opened visit and the
// device's prior history for that region.
func NewArrivalEvent(v Visit, previous *RegionRef, prior VisitSummary) Event {
	return Event{
		Kind:               EventArrival,
		DeviceID:           v.DeviceID,
		VisitID:            v.ID,
		Region:             RegionRef{ID: v.RegionID, Name: v.RegionName},
		PreviousRegion:     previous,
		Method:             v.Method,
		Point:              v.EntryPoint,
		IsFirstVisit:       prior.Count == 0,
		PreviousVisitCount: prior.Count,
		LastVisitAt:        prior.LastVisitAt,
		EnteredAt:          v.EnteredAt,
		OccurredAt:         v.EnteredAt,
	}
}
