// Package gatewayhandler serves an OpenAI compatible chat completion API
// guarded by nuc invocations.
package gatewayhandler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/secretvault/api"
	"github.com/ruteri/secretvault/common"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/llm"
	"github.com/ruteri/secretvault/metrics"
	"github.com/ruteri/secretvault/nuc"
)

type Handler struct {
	kp        *cryptoutils.Keypair
	completer llm.Completer
	validator *nuc.Validator
	started   time.Time
	log       *slog.Logger
}

// NewHandler creates a gateway identified by kp. Requests must be rooted at
// one of the trusted API key DIDs; an empty list accepts any root. Every
// invocation is single use and delegation limits are counted with usage,
// only for requests that succeed.
func NewHandler(kp *cryptoutils.Keypair, completer llm.Completer, usage nuc.UsageTracker, trusted []interfaces.DID, log *slog.Logger) *Handler {
	v := &nuc.Validator{
		Audience:         kp.DID(),
		Usage:            usage,
		ReplayProtection: true,
	}
	if len(trusted) > 0 {
		roots := make(map[interfaces.DID]struct{}, len(trusted))
		for _, did := range trusted {
			roots[did] = struct{}{}
		}
		v.TrustedRoot = func(did interfaces.DID) bool {
			_, ok := roots[did]
			return ok
		}
	}

	return &Handler{
		kp:        kp,
		completer: completer,
		validator: v,
		started:   time.Now().UTC(),
		log:       log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/about", h.HandleAbout)
		r.Get("/models", h.authorized(h.HandleModels))
		r.Post("/chat/completions", h.authorized(h.HandleChatCompletion))
	})
}

func (h *Handler) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := nuc.BearerToken(r)
		if err != nil {
			api.WriteError(w, h.log, err)
			return
		}
		id, err := h.validator.Check(r.Context(), raw, nuc.CommandAI)
		if err != nil {
			h.log.Debug("rejected token", "err", err)
			metrics.GatewayRequest("rejected", err)
			api.WriteError(w, h.log, err)
			return
		}
		next(w, r.WithContext(nuc.WithIdentity(r.Context(), id)))
	}
}

// commit charges the delegations of the request identity.
func (h *Handler) commit(w http.ResponseWriter, r *http.Request) bool {
	id, ok := nuc.IdentityFrom(r.Context())
	if !ok {
		api.WriteError(w, h.log, interfaces.ErrUnauthorized)
		return false
	}
	if err := h.validator.Commit(r.Context(), id); err != nil {
		metrics.GatewayRequest("rejected", err)
		api.WriteError(w, h.log, err)
		return false
	}
	return true
}

func authLabel(r *http.Request) string {
	if id, ok := nuc.IdentityFrom(r.Context()); ok && id.Delegated {
		return string(llm.AuthDelegationToken)
	}
	return string(llm.AuthAPIKey)
}

func (h *Handler) HandleAbout(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, interfaces.NodeInfo{
		DID:       h.kp.DID(),
		PublicKey: h.kp.PublicKeyHex(),
		Version:   common.Version,
		Started:   h.started,
	})
}

func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.completer.Models(r.Context())
	if err != nil {
		h.writeUpstreamError(w, err)
		return
	}
	if !h.commit(w, r) {
		return
	}
	api.WriteJSON(w, http.StatusOK, llm.ModelList{Object: "list", Data: models})
}

func (h *Handler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req llm.ChatRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	if err := req.Validate(); err != nil {
		api.WriteError(w, h.log, fmt.Errorf("%w: %w", interfaces.ErrInvalidRequest, err))
		return
	}

	resp, err := h.completer.Complete(r.Context(), req)
	metrics.GatewayRequest(authLabel(r), err)
	if err != nil {
		h.writeUpstreamError(w, err)
		return
	}
	if !h.commit(w, r) {
		return
	}

	h.log.Debug("completed chat", slog.String("model", req.Model), slog.String("auth", authLabel(r)), slog.Int("tokens", resp.Usage.TotalTokens))
	api.WriteJSON(w, http.StatusOK, resp)
}

// writeUpstreamError passes upstream rate limiting through and reports
// other upstream failures as a bad gateway.
func (h *Handler) writeUpstreamError(w http.ResponseWriter, err error) {
	var upErr *llm.UpstreamError
	if errors.As(err, &upErr) {
		if upErr.StatusCode == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", strconv.Itoa(1))
			api.WriteJSON(w, http.StatusTooManyRequests, api.ErrorResponse{Error: "upstream rate limited"})
			return
		}
		err = fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	api.WriteError(w, h.log, err)
}
