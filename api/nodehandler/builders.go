package nodehandler

import (
	"net/http"

	"github.com/ruteri/secretvault/api"
	"github.com/ruteri/secretvault/interfaces"
)

// HandleRegisterBuilder registers the token root as a builder.
//
// URL format: POST /v1/builders/register
// Request body: {"name": "..."}
func (h *Handler) HandleRegisterBuilder(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterBuilderRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	profile, err := h.svc.RegisterBuilder(r.Context(), builder(r), req.Name)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, profile)
}

func (h *Handler) HandleGetBuilder(w http.ResponseWriter, r *http.Request) {
	profile, err := h.svc.Builder(r.Context(), builder(r))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, profile)
}

func (h *Handler) HandleDeleteBuilder(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteBuilder(r.Context(), builder(r)); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleCreateCollection creates a collection from a JSON encoded
// interfaces.Collection. The owner and creation time are set by the node.
//
// URL format: POST /v1/collections
func (h *Handler) HandleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req interfaces.Collection
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	c, err := h.svc.CreateCollection(r.Context(), builder(r), req)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, c)
}

func (h *Handler) HandleListCollections(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListCollections(r.Context(), builder(r))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) HandleGetCollection(w http.ResponseWriter, r *http.Request) {
	meta, err := h.svc.Collection(r.Context(), builder(r), r.PathValue("id"))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, meta)
}

func (h *Handler) HandleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteCollection(r.Context(), builder(r), r.PathValue("id")); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
