package nodehandler

import (
	"fmt"
	"net/http"

	"github.com/ruteri/secretvault/api"
	"github.com/ruteri/secretvault/interfaces"
)

func (h *Handler) HandleCreateData(w http.ResponseWriter, r *http.Request) {
	var req api.CreateDataRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	ids, err := h.svc.CreateData(r.Context(), builder(r), req.Collection, req.Data)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, api.CreateDataResponse{Created: ids})
}

func (h *Handler) HandleReadData(w http.ResponseWriter, r *http.Request) {
	var req api.ReadDataRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	docs, err := h.svc.ReadData(r.Context(), builder(r), req.Collection, req.Filter)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.ReadDataResponse{Data: docs})
}

func (h *Handler) HandleUpdateData(w http.ResponseWriter, r *http.Request) {
	var req api.UpdateDataRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	res, err := h.svc.UpdateData(r.Context(), builder(r), req.Collection, req.Filter, req.Set)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleDeleteData(w http.ResponseWriter, r *http.Request) {
	var req api.DeleteDataRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	n, err := h.svc.DeleteData(r.Context(), builder(r), req.Collection, req.Filter)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.DeleteDataResponse{Deleted: n})
}

// HandleCreateOwnedData stores documents owned by the token issuer in a
// collection of the builder at the root of the token chain.
//
// URL format: POST /v1/data/owned
func (h *Handler) HandleCreateOwnedData(w http.ResponseWriter, r *http.Request) {
	var req api.CreateOwnedDataRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	ids, err := h.svc.CreateOwnedData(r.Context(), caller(r), builder(r), req.Collection, req.Data, req.ACL)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, api.CreateDataResponse{Created: ids})
}

func (h *Handler) HandleListUserData(w http.ResponseWriter, r *http.Request) {
	refs, err := h.svc.UserData(r.Context(), caller(r))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.UserDataResponse{Data: refs})
}

func (h *Handler) HandleReadUserData(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.ReadUserData(r.Context(), caller(r), r.PathValue("collection"), r.PathValue("document"))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, doc)
}

func (h *Handler) HandleDeleteUserData(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteUserData(r.Context(), caller(r), r.PathValue("collection"), r.PathValue("document")); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleGrantAccess(w http.ResponseWriter, r *http.Request) {
	var req api.GrantAccessRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	if req.Collection == "" || req.Document == "" {
		api.WriteError(w, h.log, fmt.Errorf("%w: collection and document are required", interfaces.ErrInvalidRequest))
		return
	}
	if err := h.svc.GrantAccess(r.Context(), caller(r), req.Collection, req.Document, req.ACL); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleRevokeAccess(w http.ResponseWriter, r *http.Request) {
	var req api.RevokeAccessRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	if err := h.svc.RevokeAccess(r.Context(), caller(r), req.Collection, req.Document, req.Grantee); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
