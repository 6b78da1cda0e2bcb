package demohandler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/ruteri/secretvault/api"
	"github.com/ruteri/secretvault/blindfold"
	"github.com/ruteri/secretvault/interfaces"
)

// RecordsCollection is the name of the standard collection behind the
// records routes.
const RecordsCollection = "api-keys"

var recordSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"_id":      map[string]any{"type": "string"},
		"service":  map[string]any{"type": "string"},
		"username": map[string]any{"type": "string"},
		"api_key": map[string]any{
			"type":       "object",
			"properties": map[string]any{blindfold.ShareKey: map[string]any{}},
			"required":   []any{blindfold.ShareKey},
		},
	},
	"required": []any{"_id", "service", "username", "api_key"},
}

// Record is a stored API key. APIKey is secret shared across the nodes.
type Record struct {
	ID       string `json:"id,omitempty"`
	Service  string `json:"service"`
	Username string `json:"username"`
	APIKey   string `json:"api_key"`
}

func (r Record) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Service, validation.Required),
		validation.Field(&r.Username, validation.Required),
		validation.Field(&r.APIKey, validation.Required, validation.Length(1, blindfold.MaxStringBytes)),
	)
}

// RecordUpdate changes the given fields of a record.
type RecordUpdate struct {
	Service  *string `json:"service,omitempty"`
	Username *string `json:"username,omitempty"`
	APIKey   *string `json:"api_key,omitempty"`
}

func (u RecordUpdate) set() (interfaces.Document, error) {
	set := interfaces.Document{}
	if u.Service != nil {
		set["service"] = *u.Service
	}
	if u.Username != nil {
		set["username"] = *u.Username
	}
	if u.APIKey != nil {
		if err := validation.Validate(*u.APIKey, validation.Required, validation.Length(1, blindfold.MaxStringBytes)); err != nil {
			return nil, fmt.Errorf("%w: api_key: %w", interfaces.ErrInvalidRequest, err)
		}
		set["api_key"] = map[string]any{blindfold.AllotKey: *u.APIKey}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("%w: nothing to update", interfaces.ErrInvalidRequest)
	}
	return set, nil
}

type CreateRecordResponse struct {
	ID string `json:"id"`
}

type ListRecordsResponse struct {
	Records []Record `json:"records"`
}

type UpdateRecordResponse struct {
	Updated int `json:"updated"`
}

func (h *Handler) collection(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.recordsCollection != "" {
		return h.recordsCollection, nil
	}
	id, err := h.records.EnsureCollection(ctx, RecordsCollection, recordSchema)
	if err != nil {
		return "", err
	}
	h.recordsCollection = id
	return id, nil
}

// withCollection resolves the records collection before calling next.
func (h *Handler) withCollection(w http.ResponseWriter, r *http.Request, next func(collection string)) {
	if h.records == nil {
		unavailable(w, "vault")
		return
	}
	collection, err := h.collection(r.Context())
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	next(collection)
}

func (h *Handler) HandleCreateRecord(w http.ResponseWriter, r *http.Request) {
	h.withCollection(w, r, func(collection string) {
		var rec Record
		if err := api.DecodeJSON(r, &rec); err != nil {
			api.WriteError(w, h.log, err)
			return
		}
		if err := rec.Validate(); err != nil {
			api.WriteError(w, h.log, fmt.Errorf("%w: %w", interfaces.ErrInvalidRequest, err))
			return
		}

		doc := interfaces.Document{
			"service":  rec.Service,
			"username": rec.Username,
			"api_key":  map[string]any{blindfold.AllotKey: rec.APIKey},
		}
		if rec.ID != "" {
			doc["_id"] = rec.ID
		}
		ids, err := h.records.CreateRecords(r.Context(), collection, []interfaces.Document{doc})
		if err != nil {
			api.WriteError(w, h.log, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, CreateRecordResponse{ID: ids[0]})
	})
}

func (h *Handler) HandleListRecords(w http.ResponseWriter, r *http.Request) {
	h.withCollection(w, r, func(collection string) {
		filter := interfaces.Filter{}
		if service := r.URL.Query().Get("service"); service != "" {
			filter["service"] = service
		}
		docs, err := h.records.FindRecords(r.Context(), collection, filter)
		if err != nil {
			api.WriteError(w, h.log, err)
			return
		}

		out := make([]Record, 0, len(docs))
		for _, d := range docs {
			var rec Record
			rec.ID, _ = d["_id"].(string)
			rec.Service, _ = d["service"].(string)
			rec.Username, _ = d["username"].(string)
			rec.APIKey, _ = d["api_key"].(string)
			out = append(out, rec)
		}
		api.WriteJSON(w, http.StatusOK, ListRecordsResponse{Records: out})
	})
}

func (h *Handler) HandleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	h.withCollection(w, r, func(collection string) {
		var upd RecordUpdate
		if err := api.DecodeJSON(r, &upd); err != nil {
			api.WriteError(w, h.log, err)
			return
		}
		set, err := upd.set()
		if err != nil {
			api.WriteError(w, h.log, err)
			return
		}

		res, err := h.records.UpdateRecords(r.Context(), collection, interfaces.Filter{"_id": chi.URLParam(r, "id")}, set)
		if err != nil {
			api.WriteError(w, h.log, err)
			return
		}
		if res.Matched == 0 {
			api.WriteError(w, h.log, fmt.Errorf("%w: record %s", interfaces.ErrNotFound, chi.URLParam(r, "id")))
			return
		}
		api.WriteJSON(w, http.StatusOK, UpdateRecordResponse{Updated: res.Modified})
	})
}

func (h *Handler) HandleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	h.withCollection(w, r, func(collection string) {
		n, err := h.records.DeleteRecords(r.Context(), collection, interfaces.Filter{"_id": chi.URLParam(r, "id")})
		if err != nil {
			api.WriteError(w, h.log, err)
			return
		}
		if n == 0 {
			api.WriteError(w, h.log, fmt.Errorf("%w: record %s", interfaces.ErrNotFound, chi.URLParam(r, "id")))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
