package interfaces

import "time"

// KeyInfo describes a threshold ECDSA key held as shares by signer nodes.
type KeyInfo struct {
	StoreID   string    `json:"store_id"`
	PublicKey string    `json:"public_key"`
	Threshold int       `json:"threshold"`
	Parties   []string  `json:"parties"`
	Created   time.Time `json:"created"`
}

// Signature is a secp256k1 ECDSA signature. R and S are 32 byte big-endian
// hex strings and V is the recovery id.
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V byte   `json:"v"`
}
