// Package signerhandler serves the HTTP API of a threshold signer node:
// ceremony control for coordinators and the peer message endpoint.
package signerhandler

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/secretvault/api"
	"github.com/ruteri/secretvault/common"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/nuc"
	"github.com/ruteri/secretvault/signing"
)

// maxEnvelopeBytes bounds peer message bodies.
const maxEnvelopeBytes = 4 << 20

type Handler struct {
	kp        *cryptoutils.Keypair
	node      *signing.Node
	validator *nuc.Validator
	started   time.Time
	log       *slog.Logger
}

// NewHandler serves node. Ceremonies may only be started with tokens rooted
// at one of the coordinators; an empty list accepts any root.
func NewHandler(kp *cryptoutils.Keypair, node *signing.Node, coordinators []interfaces.DID, usage nuc.UsageTracker, log *slog.Logger) *Handler {
	v := &nuc.Validator{
		Audience:         kp.DID(),
		Usage:            usage,
		ReplayProtection: true,
	}
	if len(coordinators) > 0 {
		roots := make(map[interfaces.DID]struct{}, len(coordinators))
		for _, did := range coordinators {
			roots[did] = struct{}{}
		}
		v.TrustedRoot = func(did interfaces.DID) bool {
			_, ok := roots[did]
			return ok
		}
	}
	return &Handler{
		kp:        kp,
		node:      node,
		validator: v,
		started:   time.Now().UTC(),
		log:       log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/about", h.HandleAbout)
	r.Route("/v1/tss", func(r chi.Router) {
		r.Post("/messages", h.HandleMessage)
		r.Post("/keygen", h.authorized(api.CmdTSSKeygen, h.HandleKeygen))
		r.Post("/sign", h.authorized(api.CmdTSSSign, h.HandleSign))
		r.Get("/keys/{id}", h.authorized(api.CmdTSSReadKey, h.HandleKey))
	})
}

func (h *Handler) authorized(command string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := nuc.BearerToken(r)
		if err != nil {
			api.WriteError(w, h.log, err)
			return
		}
		id, err := h.validator.Validate(r.Context(), raw, command)
		if err != nil {
			h.log.Debug("rejected token", slog.String("command", command), "err", err)
			api.WriteError(w, h.log, err)
			return
		}
		next(w, r.WithContext(nuc.WithIdentity(r.Context(), id)))
	}
}

func (h *Handler) HandleAbout(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, interfaces.NodeInfo{
		DID:       h.kp.DID(),
		PublicKey: h.kp.PublicKeyHex(),
		Version:   common.Version,
		Started:   h.started,
	})
}

// HandleMessage accepts a cbor envelope from a peer.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeBytes+1))
	if err != nil || len(body) > maxEnvelopeBytes {
		api.WriteError(w, h.log, fmt.Errorf("%w: unreadable envelope", interfaces.ErrInvalidRequest))
		return
	}
	env, err := signing.UnmarshalEnvelope(body)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	if err := h.node.Receive(r.Context(), env); err != nil {
		h.log.Warn("rejected envelope", slog.String("session", env.Session), slog.String("from", string(env.From)), "err", err)
		api.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) HandleKeygen(w http.ResponseWriter, r *http.Request) {
	var req signing.KeygenRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	info, err := h.node.Keygen(r.Context(), req)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, info)
}

func (h *Handler) HandleSign(w http.ResponseWriter, r *http.Request) {
	var req signing.SignRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	sig, err := h.node.Sign(r.Context(), req)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, sig)
}

func (h *Handler) HandleKey(w http.ResponseWriter, r *http.Request) {
	info, err := h.node.Key(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, info)
}
