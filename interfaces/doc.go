// Package interfaces defines the types and contracts shared between the
// storage nodes, the cluster clients and the signer services.
//
// # Storage
//
// StorageBackend is a key-value blob store (file, S3, Vault KV) used for
// key shares and other small secrets. DocumentStore is the JSON document
// store backing a storage node (memory, bbolt, postgres).
//
// # Vault
//
// Collection, Query, QueryRun, ACL and BuilderProfile describe the data a
// storage node keeps on behalf of builders and users. Records never hold
// plaintext for secret fields, only the node's share of them.
//
// # Signing
//
// KeyInfo and Signature describe threshold ECDSA keys held as shares by
// the signer nodes.
package interfaces
