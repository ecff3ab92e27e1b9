package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/waypoint/model"
)

// handleListRegions lists the cached regions. With lat and lon it lists only
// the regions containing that point.
func handleListRegions(regions Regions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lat, hasLat, err := queryFloat(r, "lat")
		if err != nil {
			WriteError(w, err)
			return
		}
		lon, hasLon, err := queryFloat(r, "lon")
		if err != nil {
			WriteError(w, err)
			return
		}

		var list []model.Region
		switch {
		case hasLat && hasLon:
			list, err = regions.FindContaining(r.Context(), lat, lon)
			if err != nil {
				WriteError(w, err)
				return
			}
		case hasLat || hasLon:
			WriteError(w, model.NewBadRequestError("lat and lon must be given together"))
			return
		default:
			list = regions.GetAll()
		}
		if list == nil {
			list = []model.Region{}
		}

		resp := map[string]any{"data": list}
		if t := regions.LastRefreshTime(); !t.IsZero() {
			resp["refreshed_at"] = t.UTC().Format(time.RFC3339)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func handleGetRegion(regions Regions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reg, ok := regions.Get(chi.URLParam(r, "regionId"))
		if !ok {
			WriteNotFound(w, "region not found")
			return
		}
		WriteJSON(w, http.StatusOK, reg)
	}
}

// handleRefreshRegions forces a refresh from the remote source. A failed
// refresh keeps the previous snapshot and reports 502.
func handleRefreshRegions(regions Regions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !regions.Refresh(r.Context()) {
			WriteError(w, model.NewTransientNetworkError("region refresh failed, previous snapshot kept", nil))
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"count":        len(regions.GetAll()),
			"refreshed_at": regions.LastRefreshTime().UTC().Format(time.RFC3339),
		})
	}
}
