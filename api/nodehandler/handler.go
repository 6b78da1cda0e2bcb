package nodehandler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/secretvault/api"
	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/node"
	"github.com/ruteri/secretvault/nuc"
)

// Handler exposes a node.Service over HTTP.
type Handler struct {
	svc       *node.Service
	validator *nuc.Validator
	log       *slog.Logger
}

// NewHandler creates a handler. Tokens are validated against the service DID
// and usage limits are counted with usage.
func NewHandler(svc *node.Service, usage nuc.UsageTracker, log *slog.Logger) *Handler {
	return &Handler{
		svc: svc,
		validator: &nuc.Validator{
			Audience: svc.DID(),
			Usage:    usage,
		},
		log: log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/about", h.HandleAbout)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/builders/register", h.authorized(api.CmdRegisterBuilder, h.HandleRegisterBuilder))
		r.Get("/builders/me", h.authorized(api.CmdReadBuilder, h.HandleGetBuilder))
		r.Delete("/builders/me", h.authorized(api.CmdDeleteBuilder, h.HandleDeleteBuilder))

		r.Post("/collections", h.authorized(api.CmdCreateCollection, h.HandleCreateCollection))
		r.Get("/collections", h.authorized(api.CmdReadCollection, h.HandleListCollections))
		r.Get("/collections/{id}", h.authorized(api.CmdReadCollection, h.HandleGetCollection))
		r.Delete("/collections/{id}", h.authorized(api.CmdDeleteCollection, h.HandleDeleteCollection))

		r.Post("/data/create", h.authorized(api.CmdCreateData, h.HandleCreateData))
		r.Post("/data/read", h.authorized(api.CmdReadData, h.HandleReadData))
		r.Post("/data/update", h.authorized(api.CmdUpdateData, h.HandleUpdateData))
		r.Post("/data/delete", h.authorized(api.CmdDeleteData, h.HandleDeleteData))
		r.Post("/data/owned", h.authorized(api.CmdCreateOwnedData, h.HandleCreateOwnedData))

		r.Get("/users/me/data", h.authorized(api.CmdReadUserData, h.HandleListUserData))
		r.Get("/users/me/data/{collection}/{document}", h.authorized(api.CmdReadUserData, h.HandleReadUserData))
		r.Delete("/users/me/data/{collection}/{document}", h.authorized(api.CmdDeleteUserData, h.HandleDeleteUserData))
		r.Post("/users/me/data/acl/grant", h.authorized(api.CmdUserACL, h.HandleGrantAccess))
		r.Post("/users/me/data/acl/revoke", h.authorized(api.CmdUserACL, h.HandleRevokeAccess))

		r.Post("/queries", h.authorized(api.CmdCreateQuery, h.HandleCreateQuery))
		r.Get("/queries", h.authorized(api.CmdReadQuery, h.HandleListQueries))
		r.Delete("/queries/{id}", h.authorized(api.CmdDeleteQuery, h.HandleDeleteQuery))
		r.Post("/queries/run", h.authorized(api.CmdRunQuery, h.HandleRunQuery))
		r.Get("/queries/runs/{id}", h.authorized(api.CmdReadQuery, h.HandleGetQueryRun))
	})
}

// authorized validates the bearer token for command before calling next with
// the identity stored in the request context.
func (h *Handler) authorized(command string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := nuc.BearerToken(r)
		if err != nil {
			api.WriteError(w, h.log, err)
			return
		}
		id, err := h.validator.Validate(r.Context(), raw, command)
		if err != nil {
			h.log.Debug("rejected token", "err", err, slog.String("command", command))
			api.WriteError(w, h.log, err)
			return
		}
		next(w, r.WithContext(nuc.WithIdentity(r.Context(), id)))
	}
}

// builder returns the DID a builder route acts for.
func builder(r *http.Request) interfaces.DID {
	id, _ := nuc.IdentityFrom(r.Context())
	return id.Root
}

// caller returns the DID a user route acts for.
func caller(r *http.Request) interfaces.DID {
	id, _ := nuc.IdentityFrom(r.Context())
	return id.Caller
}

func (h *Handler) HandleAbout(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, h.svc.About())
}
