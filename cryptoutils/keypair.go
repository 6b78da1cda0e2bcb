package cryptoutils

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/secretvault/interfaces"
)

// ErrInvalidDID is returned when a DID cannot be decoded into a public key.
var ErrInvalidDID = errors.New("invalid DID")

// Keypair is a secp256k1 identity used by builders, users and nodes.
type Keypair struct {
	priv *ecdsa.PrivateKey
}

// GenerateKeypair creates a fresh random identity.
func GenerateKeypair() (*Keypair, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate secp256k1 key: %w", err)
	}
	return &Keypair{priv: priv}, nil
}

// KeypairFromHex loads a keypair from a 32 byte private key in hex, with or
// without a 0x prefix.
func KeypairFromHex(privateKeyHex string) (*Keypair, error) {
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Keypair{priv: priv}, nil
}

func (k *Keypair) PrivateKey() *ecdsa.PrivateKey {
	return k.priv
}

func (k *Keypair) PublicKey() *ecdsa.PublicKey {
	return &k.priv.PublicKey
}

func (k *Keypair) PrivateKeyHex() string {
	return hex.EncodeToString(crypto.FromECDSA(k.priv))
}

// PublicKeyHex returns the compressed public key in hex.
func (k *Keypair) PublicKeyHex() string {
	return hex.EncodeToString(crypto.CompressPubkey(&k.priv.PublicKey))
}

func (k *Keypair) DID() interfaces.DID {
	return DIDFromPublicKey(&k.priv.PublicKey)
}

// DIDFromPublicKey renders pub as did:nil:<compressed key hex>.
func DIDFromPublicKey(pub *ecdsa.PublicKey) interfaces.DID {
	return interfaces.DID(interfaces.DIDPrefix + hex.EncodeToString(crypto.CompressPubkey(pub)))
}

// PublicKeyFromDID decodes the public key embedded in did.
func PublicKeyFromDID(did interfaces.DID) (*ecdsa.PublicKey, error) {
	if !strings.HasPrefix(string(did), interfaces.DIDPrefix) {
		return nil, fmt.Errorf("%w: missing %s prefix", ErrInvalidDID, interfaces.DIDPrefix)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(string(did), interfaces.DIDPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDID, err)
	}
	pub, err := crypto.DecompressPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDID, err)
	}
	return pub, nil
}

// PublicKeyFromHex decodes a compressed or uncompressed secp256k1 public key.
func PublicKeyFromHex(pubHex string) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(pubHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	switch len(raw) {
	case 33:
		return crypto.DecompressPubkey(raw)
	case 65:
		return crypto.UnmarshalPubkey(raw)
	default:
		return nil, fmt.Errorf("invalid public key length %d", len(raw))
	}
}
