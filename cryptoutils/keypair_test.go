package cryptoutils

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

func TestKeypairRoundTrip(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	loaded, err := KeypairFromHex("0x" + kp.PrivateKeyHex())
	require.NoError(t, err)
	require.Equal(t, kp.PublicKeyHex(), loaded.PublicKeyHex())
	require.Equal(t, kp.DID(), loaded.DID())
	require.True(t, kp.DID().Valid())
	require.Len(t, kp.PublicKeyHex(), 66)

	pub, err := PublicKeyFromDID(kp.DID())
	require.NoError(t, err)
	require.Equal(t, crypto.CompressPubkey(kp.PublicKey()), crypto.CompressPubkey(pub))

	pub, err = PublicKeyFromHex(kp.PublicKeyHex())
	require.NoError(t, err)
	require.Equal(t, crypto.CompressPubkey(kp.PublicKey()), crypto.CompressPubkey(pub))
}

func TestPublicKeyFromDIDRejectsGarbage(t *testing.T) {
	_, err := PublicKeyFromDID("did:key:abc")
	require.ErrorIs(t, err, ErrInvalidDID)

	_, err = PublicKeyFromDID("did:nil:zz")
	require.ErrorIs(t, err, ErrInvalidDID)

	_, err = KeypairFromHex("not-hex")
	require.Error(t, err)
}

func TestES256K(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	other, err := GenerateKeypair()
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{Issuer: string(kp.DID())}
	signed, err := jwt.NewWithClaims(ES256K, claims).SignedString(kp.PrivateKey())
	require.NoError(t, err)

	parsed, err := jwt.ParseWithClaims(signed, &jwt.RegisteredClaims{}, func(tok *jwt.Token) (interface{}, error) {
		return kp.PublicKey(), nil
	})
	require.NoError(t, err)
	require.Equal(t, "ES256K", parsed.Method.Alg())

	_, err = jwt.ParseWithClaims(signed, &jwt.RegisteredClaims{}, func(tok *jwt.Token) (interface{}, error) {
		return other.PublicKey(), nil
	})
	require.Error(t, err)

	_, err = ES256K.Sign("payload", "not a key")
	require.ErrorIs(t, err, jwt.ErrInvalidKeyType)
}
