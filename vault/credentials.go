package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/ruteri/secretvault/blindfold"
	"github.com/ruteri/secretvault/interfaces"
)

// CredentialsCollection is the name of the password manager collection.
const CredentialsCollection = "credentials"

const credentialSchema = `{
	"type": "object",
	"properties": {
		"_id": {"type": "string", "format": "uuid"},
		"username": {"type": "object", "properties": {"%share": {}}, "required": ["%share"]},
		"password": {"type": "object", "properties": {"%share": {}}, "required": ["%share"]},
		"service": {"type": "string"},
		"created_at": {"type": "string"}
	},
	"required": ["_id", "username", "password", "service"]
}`

// Credential is a stored login. Username and password are secret shared.
type Credential struct {
	ID        string    `json:"id,omitempty"`
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	Service   string    `json:"service"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

func (c Credential) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Username, validation.Required, validation.Length(1, blindfold.MaxStringBytes)),
		validation.Field(&c.Password, validation.Required, validation.Length(1, blindfold.MaxStringBytes)),
		validation.Field(&c.Service, validation.Required),
	)
}

// CredentialManager is a password manager on top of a builder's cluster.
type CredentialManager struct {
	builder *BuilderClient

	mu         sync.Mutex
	collection string
}

// NewCredentialManager uses the collection with the given id. An empty id
// must be followed by EnsureCollection.
func NewCredentialManager(builder *BuilderClient, collection string) *CredentialManager {
	return &CredentialManager{builder: builder, collection: collection}
}

func (m *CredentialManager) Collection() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collection
}

// EnsureCollection finds the builder's credentials collection or creates it.
func (m *CredentialManager) EnsureCollection(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.collection != "" {
		return m.collection, nil
	}

	var schema map[string]any
	if err := json.Unmarshal([]byte(credentialSchema), &schema); err != nil {
		return "", fmt.Errorf("invalid credential schema: %w", err)
	}
	id, err := m.builder.EnsureCollection(ctx, CredentialsCollection, schema)
	if err != nil {
		return "", err
	}
	m.collection = id
	return id, nil
}

// CreateCredential stores cred and returns its id.
func (m *CredentialManager) CreateCredential(ctx context.Context, cred Credential) (string, error) {
	if err := cred.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", interfaces.ErrInvalidRequest, err)
	}
	collection, err := m.EnsureCollection(ctx)
	if err != nil {
		return "", err
	}

	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}
	rec := interfaces.Document{
		"username":   map[string]any{blindfold.AllotKey: cred.Username},
		"password":   map[string]any{blindfold.AllotKey: cred.Password},
		"service":    cred.Service,
		"created_at": cred.CreatedAt.Format(time.RFC3339),
	}
	if cred.ID != "" {
		rec["_id"] = cred.ID
	}

	ids, err := m.builder.CreateRecords(ctx, collection, []interfaces.Document{rec})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// ListCredentials returns the stored credentials, only those of service
// when it is not empty.
func (m *CredentialManager) ListCredentials(ctx context.Context, service string) ([]Credential, error) {
	collection, err := m.EnsureCollection(ctx)
	if err != nil {
		return nil, err
	}

	filter := interfaces.Filter{}
	if service != "" {
		filter["service"] = service
	}
	docs, err := m.builder.FindRecords(ctx, collection, filter)
	if err != nil {
		return nil, err
	}

	out := make([]Credential, 0, len(docs))
	for _, d := range docs {
		c := Credential{}
		c.ID, _ = d["_id"].(string)
		c.Username, _ = d["username"].(string)
		c.Password, _ = d["password"].(string)
		c.Service, _ = d["service"].(string)
		if ts, ok := d["created_at"].(string); ok {
			c.CreatedAt, _ = time.Parse(time.RFC3339, ts)
		}
		out = append(out, c)
	}
	return out, nil
}

// DeleteCredential removes the credential with the given id.
func (m *CredentialManager) DeleteCredential(ctx context.Context, id string) error {
	collection, err := m.EnsureCollection(ctx)
	if err != nil {
		return err
	}
	n, err := m.builder.DeleteRecords(ctx, collection, interfaces.Filter{"_id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: credential %s", interfaces.ErrNotFound, id)
	}
	return nil
}
