// Package demohandler serves the demo application API: chat through the LLM
// gateway, a password manager and an API key store on the vault cluster,
// and threshold signing.
package demohandler

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/secretvault/api"
	"github.com/ruteri/secretvault/signing"
	"github.com/ruteri/secretvault/vault"
)

// Options selects the backends of the demo routes. Routes whose backend is
// nil answer 503.
type Options struct {
	Chat        ChatConfig
	Credentials *vault.CredentialManager
	Records     *vault.BuilderClient
	Signer      *signing.Coordinator
}

type Handler struct {
	chat        ChatConfig
	credentials *vault.CredentialManager
	records     *vault.BuilderClient
	signer      *signing.Coordinator
	log         *slog.Logger

	mu                sync.Mutex
	recordsCollection string
}

func NewHandler(opts Options, log *slog.Logger) *Handler {
	if opts.Chat.DelegationModel == "" {
		opts.Chat.DelegationModel = opts.Chat.Model
	}
	return &Handler{
		chat:        opts.Chat,
		credentials: opts.Credentials,
		records:     opts.Records,
		signer:      opts.Signer,
		log:         log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", h.HandleChat)
		r.Post("/chat-delegation", h.HandleChatDelegation)

		r.Post("/credentials", h.HandleCreateCredential)
		r.Get("/credentials", h.HandleListCredentials)

		r.Post("/records", h.HandleCreateRecord)
		r.Get("/records", h.HandleListRecords)
		r.Put("/records/{id}", h.HandleUpdateRecord)
		r.Delete("/records/{id}", h.HandleDeleteRecord)

		r.Post("/keys", h.HandleCreateKey)
		r.Post("/sign", h.HandleSign)
		r.Post("/verify", h.HandleVerify)
	})
}

func unavailable(w http.ResponseWriter, what string) {
	api.WriteJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{Error: what + " is not configured"})
}
