package demohandler

import (
	"net/http"

	"github.com/ruteri/secretvault/api"
	"github.com/ruteri/secretvault/vault"
)

type CreateCredentialResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
}

type ListCredentialsResponse struct {
	Credentials []vault.Credential `json:"credentials"`
}

func (h *Handler) HandleCreateCredential(w http.ResponseWriter, r *http.Request) {
	if h.credentials == nil {
		unavailable(w, "vault")
		return
	}
	var cred vault.Credential
	if err := api.DecodeJSON(r, &cred); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	if err := cred.Validate(); err != nil {
		api.WriteJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "Missing required fields"})
		return
	}

	id, err := h.credentials.CreateCredential(r.Context(), cred)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, CreateCredentialResponse{Success: true, ID: id})
}

func (h *Handler) HandleListCredentials(w http.ResponseWriter, r *http.Request) {
	if h.credentials == nil {
		unavailable(w, "vault")
		return
	}
	creds, err := h.credentials.ListCredentials(r.Context(), r.URL.Query().Get("service"))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, ListCredentialsResponse{Credentials: creds})
}
