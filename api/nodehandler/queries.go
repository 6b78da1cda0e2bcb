package nodehandler

import (
	"net/http"

	"github.com/ruteri/secretvault/api"
	"github.com/ruteri/secretvault/interfaces"
)

func (h *Handler) HandleCreateQuery(w http.ResponseWriter, r *http.Request) {
	var req interfaces.Query
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	q, err := h.svc.CreateQuery(r.Context(), builder(r), req)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, q)
}

func (h *Handler) HandleListQueries(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListQueries(r.Context(), builder(r))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) HandleDeleteQuery(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteQuery(r.Context(), builder(r), r.PathValue("id")); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRunQuery starts an asynchronous run. The response is the pending run;
// clients poll GET /v1/queries/runs/{id} until it completes.
func (h *Handler) HandleRunQuery(w http.ResponseWriter, r *http.Request) {
	var req api.RunQueryRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	run, err := h.svc.RunQuery(r.Context(), builder(r), req.ID, req.Variables)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusAccepted, run)
}

func (h *Handler) HandleGetQueryRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.QueryRun(r.Context(), builder(r), r.PathValue("id"))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, run)
}
