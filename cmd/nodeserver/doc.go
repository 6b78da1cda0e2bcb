// Package main (cmd/nodeserver) runs a storage node of the vault cluster.
//
// A node keeps one share of every secret field; it never sees plaintext of
// shared values. Documents live in the configured store:
//
//	nodeserver --store memory://
//	nodeserver --store bolt:///var/lib/node/docs.db
//	nodeserver --store postgres://node:secret@db/node?sslmode=disable
//
// The node identity (its DID) comes from --private-key. Clients address
// tokens to that DID, so the key must stay the same across restarts.
package main
