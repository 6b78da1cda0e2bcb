// Package storage provides the persistence layers used by the services.
//
// # Blob backends
//
// Key share material and other small secrets are stored as opaque blobs
// under slash separated keys in one of several backends:
//
//   - file:///var/lib/secretvault/shares
//   - s3://bucket-name/prefix?region=us-west-2&endpoint=http://minio:9000
//   - vault://vault.example.com:8200/secret?path=tss&token=...&tls=false
//   - ipfs://127.0.0.1:5001/secretvault?timeout=30s (MFS of a private node)
//
// StorageBackendFactory creates backends from these URIs and
// MultiStorageBackend combines several of them: writes go to every
// available backend, reads are served by the first backend that has the key.
//
// # Document stores
//
// Storage nodes keep JSON documents in a DocumentStore:
//
//   - MemoryDocumentStore for tests and ephemeral nodes
//   - BoltDocumentStore, a single bbolt file with one bucket per collection
//   - PostgresDocumentStore, JSONB rows in one table with migrations
//
// All document stores evaluate filters with docquery, so they accept the
// same filter language. OpenDocumentStore selects one from a URI
// (memory://, bolt:///path or a postgres:// DSN).
package storage
