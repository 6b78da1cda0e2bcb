package interfaces

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// StorageBackendLocation is a URI describing a storage backend, for example
// file:///var/lib/shares or vault://vault:8200/secret?path=tss.
type StorageBackendLocation string

// Parse validates the location and returns the parsed URL.
func (loc StorageBackendLocation) Parse() (*url.URL, error) {
	u, err := url.Parse(string(loc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "file", "s3", "vault", "ipfs":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, u.Scheme)
	}
	return u, nil
}

func (loc StorageBackendLocation) String() string {
	return string(loc)
}

// StorageBackend stores opaque blobs under slash separated keys.
type StorageBackend interface {
	// Fetch returns the blob stored under key or ErrContentNotFound.
	Fetch(ctx context.Context, key string) ([]byte, error)

	// Store writes data under key, replacing any previous value.
	Store(ctx context.Context, key string, data []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}
