package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/waypoint/model"
)

type locationRequest struct {
	Lat       *float64   `json:"lat"`
	Lon       *float64   `json:"lon"`
	AccuracyM float64    `json:"accuracy_m"`
	Timestamp *time.Time `json:"timestamp"`
}

type locationResponse struct {
	Sample model.LocationSample `json:"sample"`
	Events []model.Event        `json:"events"`
}

// handleRecordLocation stores a fix and evaluates it for region transitions.
// Fixes without a timestamp are stamped with the server clock.
func handleRecordLocation(locations Locations, tracker Tracker, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := chi.URLParam(r, "deviceId")

		var body locationRequest
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		var missing []model.FieldError
		if body.Lat == nil {
			missing = append(missing, model.FieldError{Field: "lat", Code: "REQUIRED", Message: "lat is required"})
		}
		if body.Lon == nil {
			missing = append(missing, model.FieldError{Field: "lon", Code: "REQUIRED", Message: "lon is required"})
		}
		if len(missing) > 0 {
			WriteValidationError(w, missing)
			return
		}

		sample := model.LocationSample{
			DeviceID:  deviceID,
			Point:     model.Coordinate{Lat: *body.Lat, Lon: *body.Lon},
			AccuracyM: body.AccuracyM,
			Timestamp: now().UTC(),
		}
		if body.Timestamp != nil {
			sample.Timestamp = body.Timestamp.UTC()
		}

		if err := locations.Record(r.Context(), sample); err != nil {
			WriteError(w, err)
			return
		}
		events, err := tracker.Observe(r.Context(), sample)
		if err != nil {
			WriteError(w, err)
			return
		}
		if events == nil {
			events = []model.Event{}
		}
		WriteJSON(w, http.StatusAccepted, locationResponse{Sample: sample, Events: events})
	}
}

func handleLastLocation(locations Locations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := chi.URLParam(r, "deviceId")
		sample, ok, err := locations.LastKnown(r.Context(), deviceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if !ok {
			WriteNotFound(w, "no location known for device")
			return
		}
		WriteJSON(w, http.StatusOK, sample)
	}
}

func handleRecentLocations(locations Locations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := chi.URLParam(r, "deviceId")
		samples, err := locations.Recent(r.Context(), deviceID, queryInt(r, "limit", 100))
		if err != nil {
			WriteError(w, err)
			return
		}
		if samples == nil {
			samples = []model.LocationSample{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": samples})
	}
}
