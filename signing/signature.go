package signing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/interfaces"
)

var halfOrder = new(big.Int).Rsh(crypto.S256().Params().N, 1)

// Digest is the value threshold signatures are computed over.
func Digest(message []byte) []byte {
	sum := sha256.Sum256(message)
	return sum[:]
}

// recoverable normalises s to the lower half of the curve order and finds
// the recovery id that yields pubHex.
func recoverable(pubHex string, digest, rBytes, sBytes []byte) (*interfaces.Signature, error) {
	pub, err := cryptoutils.PublicKeyFromHex(pubHex)
	if err != nil {
		return nil, err
	}
	want := crypto.FromECDSAPub(pub)

	s := new(big.Int).SetBytes(sBytes)
	if s.Cmp(halfOrder) > 0 {
		s.Sub(crypto.S256().Params().N, s)
	}
	sig := make([]byte, 65)
	new(big.Int).SetBytes(rBytes).FillBytes(sig[:32])
	s.FillBytes(sig[32:64])

	for v := byte(0); v < 2; v++ {
		sig[64] = v
		got, err := crypto.Ecrecover(digest, sig)
		if err == nil && bytes.Equal(got, want) {
			return &interfaces.Signature{
				R: hex.EncodeToString(sig[:32]),
				S: hex.EncodeToString(sig[32:64]),
				V: v,
			}, nil
		}
	}
	return nil, fmt.Errorf("signature does not match key %s", pubHex)
}

// Verify reports whether sig is a valid signature of sha256(message) by the
// compressed or uncompressed secp256k1 key pubHex.
func Verify(pubHex string, message []byte, sig interfaces.Signature) bool {
	pub, err := cryptoutils.PublicKeyFromHex(pubHex)
	if err != nil {
		return false
	}
	r, err := hex.DecodeString(sig.R)
	if err != nil || len(r) != 32 {
		return false
	}
	s, err := hex.DecodeString(sig.S)
	if err != nil || len(s) != 32 {
		return false
	}
	return crypto.VerifySignature(crypto.FromECDSAPub(pub), Digest(message), append(r, s...))
}
