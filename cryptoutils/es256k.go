package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/sha256"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v4"
)

// SigningMethodES256K signs JWTs with secp256k1 over SHA-256. Signatures are
// the 64 byte r||s encoding.
type SigningMethodES256K struct{}

var ES256K = &SigningMethodES256K{}

func init() {
	jwt.RegisterSigningMethod(ES256K.Alg(), func() jwt.SigningMethod {
		return ES256K
	})
}

func (m *SigningMethodES256K) Alg() string {
	return "ES256K"
}

// Sign expects key to be a *ecdsa.PrivateKey on secp256k1.
func (m *SigningMethodES256K) Sign(signingString string, key interface{}) (string, error) {
	priv, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return "", jwt.ErrInvalidKeyType
	}

	digest := sha256.Sum256([]byte(signingString))
	sig, err := crypto.Sign(digest[:], priv)
	if err != nil {
		return "", err
	}
	return jwt.EncodeSegment(sig[:64]), nil
}

// Verify expects key to be a *ecdsa.PublicKey on secp256k1.
func (m *SigningMethodES256K) Verify(signingString, signature string, key interface{}) error {
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return jwt.ErrInvalidKeyType
	}

	sig, err := jwt.DecodeSegment(signature)
	if err != nil {
		return err
	}
	if len(sig) != 64 {
		return jwt.ErrSignatureInvalid
	}

	digest := sha256.Sum256([]byte(signingString))
	if !crypto.VerifySignature(crypto.CompressPubkey(pub), digest[:], sig) {
		return jwt.ErrSignatureInvalid
	}
	return nil
}
