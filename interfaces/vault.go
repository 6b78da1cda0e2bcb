package interfaces

import (
	"strings"
	"time"
)

// DID identifies a keypair holder, did:nil:<compressed secp256k1 public key hex>.
type DID string

const DIDPrefix = "did:nil:"

func (d DID) String() string { return string(d) }

// Valid reports whether d has the expected prefix and a 33 byte key.
func (d DID) Valid() bool {
	return strings.HasPrefix(string(d), DIDPrefix) && len(d) == len(DIDPrefix)+66
}

// CollectionType distinguishes builder-owned and user-owned collections.
type CollectionType string

const (
	StandardCollection CollectionType = "standard"
	OwnedCollection    CollectionType = "owned"
)

// Collection is a named set of records with a JSON schema.
type Collection struct {
	ID      string         `json:"_id"`
	Type    CollectionType `json:"type"`
	Name    string         `json:"name"`
	Owner   DID            `json:"owner"`
	Schema  map[string]any `json:"schema"`
	Created time.Time      `json:"created"`
}

// CollectionMetadata is a collection together with its document count.
type CollectionMetadata struct {
	Collection
	Count int `json:"count"`
}

// NodeInfo is what a storage node reports about itself.
type NodeInfo struct {
	DID       DID       `json:"did"`
	PublicKey string    `json:"public_key"`
	Version   string    `json:"version"`
	Started   time.Time `json:"started"`
}

// BuilderProfile is the organisation registered on a node.
type BuilderProfile struct {
	DID         DID       `json:"_id"`
	Name        string    `json:"name"`
	Collections []string  `json:"collections"`
	Queries     []string  `json:"queries"`
	Created     time.Time `json:"created"`
}

// ACL grants a builder access to a user owned document.
type ACL struct {
	Grantee DID  `json:"grantee"`
	Read    bool `json:"read"`
	Write   bool `json:"write"`
	Execute bool `json:"execute"`
}

// DataReference points at a user owned document.
type DataReference struct {
	Builder    DID    `json:"builder"`
	Collection string `json:"collection"`
	Document   string `json:"document"`
}

// QueryVariable declares a runtime parameter substituted at Path
// (for example $.pipeline[0].$match.age.$gte).
type QueryVariable struct {
	Description string `json:"description,omitempty"`
	Path        string `json:"path"`
}

// Query is a saved aggregation pipeline over a collection.
type Query struct {
	ID         string                   `json:"_id"`
	Name       string                   `json:"name"`
	Collection string                   `json:"collection"`
	Owner      DID                      `json:"owner"`
	Variables  map[string]QueryVariable `json:"variables,omitempty"`
	Pipeline   []map[string]any         `json:"pipeline"`
	Created    time.Time                `json:"created"`
}

type RunStatus string

const (
	RunPending  RunStatus = "pending"
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunError    RunStatus = "error"
)

// QueryRun is one asynchronous execution of a saved query on a node.
type QueryRun struct {
	ID        string     `json:"_id"`
	QueryID   string     `json:"query"`
	Owner     DID        `json:"owner"`
	Status    RunStatus  `json:"status"`
	Result    []Document `json:"result,omitempty"`
	Errors    []string   `json:"errors,omitempty"`
	Started   time.Time  `json:"started"`
	Completed *time.Time `json:"completed,omitempty"`
}
