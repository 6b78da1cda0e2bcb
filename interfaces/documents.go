package interfaces

import "context"

// Document is a JSON object. Every stored document has a string "_id".
type Document = map[string]any

// Filter is a query filter using equality and $-operators on dotted paths.
type Filter = map[string]any

// UpdateResult reports the outcome of an update.
type UpdateResult struct {
	Matched  int `json:"matched"`
	Modified int `json:"modified"`
}

// DocumentStore is the persistence layer of a storage node. Collections are
// created implicitly on first insert.
type DocumentStore interface {
	// Insert adds docs to collection. It fails with ErrDuplicate if any _id
	// already exists, in which case nothing is written.
	Insert(ctx context.Context, collection string, docs []Document) error

	// Find returns every document of collection matching filter.
	Find(ctx context.Context, collection string, filter Filter) ([]Document, error)

	// Update applies set ($set semantics) to every matching document.
	Update(ctx context.Context, collection string, filter Filter, set Document) (UpdateResult, error)

	// Delete removes every matching document and returns how many were removed.
	Delete(ctx context.Context, collection string, filter Filter) (int, error)

	// Drop removes the collection and all of its documents.
	Drop(ctx context.Context, collection string) error

	Close() error
}
