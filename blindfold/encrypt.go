package blindfold

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/bits"

	"github.com/hashicorp/vault/shamir"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	tagString  byte = 's'
	tagInteger byte = 'i'
	nonceSize       = 24
)

// Encrypt splits value into one share per node. Store and match shares are
// base64 strings, sum shares are integers below SumModulus.
func (k *Key) Encrypt(value any) ([]any, error) {
	switch k.op {
	case OpStore:
		return k.encryptStore(value)
	case OpMatch:
		pt, err := encodePlaintext(value)
		if err != nil {
			return nil, err
		}
		mac := hmac.New(sha512.New, k.matchKey)
		mac.Write(pt)
		digest := base64.StdEncoding.EncodeToString(mac.Sum(nil))

		out := make([]any, k.nodes)
		for i := range out {
			out[i] = digest
		}
		return out, nil
	case OpSum:
		return k.encryptSum(value)
	}
	return nil, ErrInvalidKey
}

func (k *Key) encryptStore(value any) ([]any, error) {
	pt, err := encodePlaintext(value)
	if err != nil {
		return nil, err
	}

	var raw [][]byte
	switch {
	case k.nodes == 1:
		raw = [][]byte{pt}
	case k.threshold > 0:
		raw, err = shamir.Split(pt, k.nodes, k.threshold)
		if err != nil {
			return nil, fmt.Errorf("failed to split value: %w", err)
		}
	default:
		raw, err = xorSplit(pt, k.nodes)
		if err != nil {
			return nil, err
		}
	}

	out := make([]any, k.nodes)
	for i, share := range raw {
		if k.IsSecret() {
			share, err = k.seal(i, share)
			if err != nil {
				return nil, err
			}
		}
		out[i] = base64.StdEncoding.EncodeToString(share)
	}
	return out, nil
}

func (k *Key) encryptSum(value any) ([]any, error) {
	n, err := toInt64(value)
	if err != nil {
		return nil, err
	}
	if n < MinInteger || n > MaxInteger {
		return nil, fmt.Errorf("%w: integer %d out of range", ErrUnsupportedValue, n)
	}

	m := uint64(n)
	if n < 0 {
		m = SumModulus - uint64(-n)
	}

	out := make([]any, k.nodes)
	var acc uint64
	for i := 0; i < k.nodes-1; i++ {
		r, err := randomModP()
		if err != nil {
			return nil, err
		}
		acc = (acc + r) % SumModulus
		out[i] = k.maskSum(i, r)
	}
	last := (m + SumModulus - acc) % SumModulus
	out[k.nodes-1] = k.maskSum(k.nodes-1, last)
	return out, nil
}

func (k *Key) maskSum(node int, v uint64) uint64 {
	if !k.IsSecret() {
		return v
	}
	return mulmod(v, k.sumMasks[node])
}

// Decrypt recombines shares, indexed by node. A nil entry marks a node that
// did not contribute; this is only tolerated by threshold keys.
func (k *Key) Decrypt(shares []any) (any, error) {
	if len(shares) != k.nodes {
		return nil, fmt.Errorf("%w: got %d shares for %d nodes", ErrInvalidShare, len(shares), k.nodes)
	}

	switch k.op {
	case OpMatch:
		return nil, ErrNotDecryptable
	case OpSum:
		return k.decryptSum(shares)
	}

	raw := make([][]byte, 0, len(shares))
	for i, s := range shares {
		if s == nil {
			continue
		}
		str, ok := s.(string)
		if !ok {
			return nil, fmt.Errorf("%w: node %d share is %T", ErrInvalidShare, i, s)
		}
		b, err := base64.StdEncoding.DecodeString(str)
		if err != nil {
			return nil, fmt.Errorf("%w: node %d: %v", ErrInvalidShare, i, err)
		}
		if k.IsSecret() {
			b, err = k.open(i, b)
			if err != nil {
				return nil, err
			}
		}
		raw = append(raw, b)
	}

	if len(raw) < k.RequiredShares() {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientShares, len(raw), k.RequiredShares())
	}

	var pt []byte
	switch {
	case k.nodes == 1:
		pt = raw[0]
	case k.threshold > 0:
		var err error
		pt, err = shamir.Combine(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidShare, err)
		}
	default:
		var err error
		pt, err = xorCombine(raw)
		if err != nil {
			return nil, err
		}
	}
	return decodePlaintext(pt)
}

func (k *Key) decryptSum(shares []any) (any, error) {
	var acc uint64
	for i, s := range shares {
		if s == nil {
			return nil, fmt.Errorf("%w: node %d missing", ErrInsufficientShares, i)
		}
		v, err := toUint64(s)
		if err != nil {
			return nil, fmt.Errorf("%w: node %d: %v", ErrInvalidShare, i, err)
		}
		v %= SumModulus
		if k.IsSecret() {
			v = mulmod(v, invmod(k.sumMasks[i]))
		}
		acc = (acc + v) % SumModulus
	}

	if acc > SumModulus/2 {
		return int64(acc) - int64(SumModulus), nil
	}
	return int64(acc), nil
}

func (k *Key) seal(node int, msg []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], msg, &nonce, &k.nodeKeys[node]), nil
}

func (k *Key) open(node int, box []byte) ([]byte, error) {
	if len(box) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: node %d share too short", ErrInvalidShare, node)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	msg, ok := secretbox.Open(nil, box[nonceSize:], &nonce, &k.nodeKeys[node])
	if !ok {
		return nil, fmt.Errorf("%w: node %d share failed authentication", ErrInvalidShare, node)
	}
	return msg, nil
}

func xorSplit(pt []byte, n int) ([][]byte, error) {
	shares := make([][]byte, n)
	last := append([]byte(nil), pt...)
	for i := 0; i < n-1; i++ {
		shares[i] = make([]byte, len(pt))
		if _, err := io.ReadFull(rand.Reader, shares[i]); err != nil {
			return nil, fmt.Errorf("failed to generate share: %w", err)
		}
		for j := range last {
			last[j] ^= shares[i][j]
		}
	}
	shares[n-1] = last
	return shares, nil
}

func xorCombine(shares [][]byte) ([]byte, error) {
	out := make([]byte, len(shares[0]))
	for _, s := range shares {
		if len(s) != len(out) {
			return nil, fmt.Errorf("%w: share lengths differ", ErrInvalidShare)
		}
		for j := range out {
			out[j] ^= s[j]
		}
	}
	return out, nil
}

func encodePlaintext(v any) ([]byte, error) {
	if s, ok := v.(string); ok {
		if len(s) > MaxStringBytes {
			return nil, fmt.Errorf("%w: string longer than %d bytes", ErrUnsupportedValue, MaxStringBytes)
		}
		return append([]byte{tagString}, s...), nil
	}

	n, err := toInt64(v)
	if err != nil {
		return nil, err
	}
	if n < MinInteger || n > MaxInteger {
		return nil, fmt.Errorf("%w: integer %d out of range", ErrUnsupportedValue, n)
	}
	out := make([]byte, 9)
	out[0] = tagInteger
	binary.BigEndian.PutUint64(out[1:], uint64(n))
	return out, nil
}

func decodePlaintext(pt []byte) (any, error) {
	if len(pt) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrInvalidShare)
	}
	switch pt[0] {
	case tagString:
		return string(pt[1:]), nil
	case tagInteger:
		if len(pt) != 9 {
			return nil, fmt.Errorf("%w: malformed integer", ErrInvalidShare)
		}
		return int64(binary.BigEndian.Uint64(pt[1:])), nil
	}
	return nil, fmt.Errorf("%w: unknown plaintext tag", ErrInvalidShare)
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint32:
		return int64(x), nil
	case float64:
		if math.Trunc(x) != x || math.Abs(x) > 1<<53 {
			return 0, fmt.Errorf("%w: %v is not an integer", ErrUnsupportedValue, x)
		}
		return int64(x), nil
	case json.Number:
		return x.Int64()
	}
	return 0, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

func toUint64(v any) (uint64, error) {
	switch x := v.(type) {
	case uint64:
		return x, nil
	case float64:
		if x < 0 || math.Trunc(x) != x {
			return 0, fmt.Errorf("%v is not a share", x)
		}
		return uint64(x), nil
	}
	n, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%d is not a share", n)
	}
	return uint64(n), nil
}

func randomModP() (uint64, error) {
	limit := math.MaxUint64 - math.MaxUint64%SumModulus
	var buf [8]byte
	for {
		if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
			return 0, fmt.Errorf("failed to generate share: %w", err)
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v < limit {
			return v % SumModulus, nil
		}
	}
}

func mulmod(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	return bits.Rem64(hi, lo, SumModulus)
}

func invmod(a uint64) uint64 {
	result := uint64(1)
	base := a % SumModulus
	for e := SumModulus - 2; e > 0; e >>= 1 {
		if e&1 == 1 {
			result = mulmod(result, base)
		}
		base = mulmod(base, base)
	}
	return result
}
