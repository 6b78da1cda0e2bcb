package interfaces

import "errors"

var (
	// ErrContentNotFound is returned when a key is missing from a storage backend.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when no storage backend can serve a request.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")

	// ErrNotFound is returned when a collection, document, query or key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a document with the same _id already exists.
	ErrDuplicate = errors.New("duplicate document")

	// ErrInvalidDocument is returned when a document violates its collection schema.
	ErrInvalidDocument = errors.New("invalid document")

	// ErrInvalidRequest is returned when request parameters are missing or malformed.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnauthorized is returned when a bearer token is missing or invalid.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when a valid caller lacks access to a resource.
	ErrForbidden = errors.New("forbidden")

	// ErrQuorumNotReached is returned when not every required node accepted an operation.
	ErrQuorumNotReached = errors.New("node quorum not reached")
)
