package demohandler

import (
	"fmt"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/ruteri/secretvault/api"
	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/signing"
)

type CreateKeyResponse struct {
	StoreID   string `json:"store_id"`
	PublicKey string `json:"public_key"`
}

type SignRequest struct {
	StoreID string `json:"store_id"`
	Message string `json:"message"`
}

func (r SignRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.StoreID, validation.Required, is.UUID),
		validation.Field(&r.Message, validation.Required),
	)
}

type SignResponse struct {
	Signature interfaces.Signature `json:"signature"`
}

type VerifyRequest struct {
	PublicKey string               `json:"public_key"`
	Message   string               `json:"message"`
	Signature interfaces.Signature `json:"signature"`
}

func (r VerifyRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.PublicKey, validation.Required, is.Hexadecimal),
		validation.Field(&r.Message, validation.Required),
	)
}

type VerifyResponse struct {
	Valid bool `json:"valid"`
}

// HandleCreateKey generates a threshold key on the signer nodes.
func (h *Handler) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	if h.signer == nil {
		unavailable(w, "signer")
		return
	}
	info, err := h.signer.StoreKey(r.Context())
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, CreateKeyResponse{StoreID: info.StoreID, PublicKey: info.PublicKey})
}

func (h *Handler) HandleSign(w http.ResponseWriter, r *http.Request) {
	if h.signer == nil {
		unavailable(w, "signer")
		return
	}
	var req SignRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		api.WriteError(w, h.log, fmt.Errorf("%w: %w", interfaces.ErrInvalidRequest, err))
		return
	}

	sig, err := h.signer.Sign(r.Context(), req.StoreID, []byte(req.Message))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, SignResponse{Signature: *sig})
}

// HandleVerify checks a signature locally. It needs no signer nodes.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		api.WriteError(w, h.log, fmt.Errorf("%w: %w", interfaces.ErrInvalidRequest, err))
		return
	}
	api.WriteJSON(w, http.StatusOK, VerifyResponse{Valid: signing.Verify(req.PublicKey, []byte(req.Message), req.Signature)})
}
