package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/waypoint/model"
)

// handleSetRegion is the manual override. An empty region_id places the
// device outside every region.
func handleSetRegion(tracker Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := chi.URLParam(r, "deviceId")

		var body struct {
			RegionID string            `json:"region_id"`
			Point    *model.Coordinate `json:"point"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		events, err := tracker.SetRegion(r.Context(), deviceID, body.RegionID, body.Point)
		if err != nil {
			WriteError(w, err)
			return
		}
		if events == nil {
			events = []model.Event{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}

func handleCurrentVisit(tracker Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := tracker.Current(r.Context(), chi.URLParam(r, "deviceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		if v == nil {
			WriteNotFound(w, "device is not inside any region")
			return
		}
		WriteJSON(w, http.StatusOK, v)
	}
}

func handleVisitHistory(tracker Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		visits, err := tracker.History(r.Context(), chi.URLParam(r, "deviceId"), queryInt(r, "limit", 50))
		if err != nil {
			WriteError(w, err)
			return
		}
		if visits == nil {
			visits = []model.Visit{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": visits})
	}
}
