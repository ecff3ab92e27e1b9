package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/waypoint/model"
)

// All workflow routes are scoped to the device in the path; {key} is the
// instance key, such as region:r1.

func handleWorkflowStartForAddress(starter AddressStarter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := chi.URLParam(r, "deviceId")

		var body struct {
			Address   string            `json:"address"`
			Variables map[string]string `json:"variables"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		res, err := starter.StartForAddress(r.Context(), deviceID, body.Address, body.Variables)
		if err != nil {
			WriteError(w, err)
			return
		}
		status := http.StatusCreated
		if res.Resumed {
			status = http.StatusOK
		}
		WriteJSON(w, status, map[string]any{
			"key":      res.Key,
			"resumed":  res.Resumed,
			"instance": res.Instance,
		})
	}
}

func handleWorkflowList(workflows Workflows) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := chi.URLParam(r, "deviceId")
		list, err := workflows.FindResumable(r.Context(), deviceID, r.URL.Query().Get("prefix"))
		if err != nil {
			WriteError(w, err)
			return
		}
		if list == nil {
			list = []model.WorkflowInstance{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": list})
	}
}

func handleWorkflowGet(workflows Workflows) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := workflows.Get(r.Context(), chi.URLParam(r, "deviceId"), chi.URLParam(r, "key"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleWorkflowStep(workflows Workflows) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := workflows.Step(r.Context(), chi.URLParam(r, "deviceId"), chi.URLParam(r, "key"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

func handleWorkflowResolve(workflows Workflows) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Label string `json:"label"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if body.Label == "" {
			WriteValidationError(w, []model.FieldError{
				{Field: "label", Code: "REQUIRED", Message: "label is required"},
			})
			return
		}

		out, err := workflows.Resolve(r.Context(), chi.URLParam(r, "deviceId"), chi.URLParam(r, "key"), body.Label)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

func handleWorkflowHistory(workflows Workflows) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := workflows.History(r.Context(), chi.URLParam(r, "deviceId"), chi.URLParam(r, "key"))
		if err != nil {
			WriteError(w, err)
			return
		}
		if events == nil {
			events = []model.WorkflowEvent{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": events})
	}
}
