// Package cryptoutils provides the secp256k1 identities used across the
// services: keypairs, did:nil identifiers and an ES256K JWT signing method.
package cryptoutils
