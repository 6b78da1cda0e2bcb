// Package blindfold splits values into per-node shares for storage on a
// cluster of storage nodes and recombines them on read.
//
// A Key fixes the number of nodes and the single operation the shares
// support:
//
//   - store: shares hide the value and can be decrypted again. With more
//     than one node and no threshold every node's share is needed (XOR
//     sharing). With a threshold t any t shares suffice (Shamir sharing).
//     A single node key encrypts with secretbox instead of sharing.
//   - match: a deterministic digest, identical on every node, so nodes can
//     answer equality filters. Match shares cannot be decrypted.
//   - sum: additive shares of a 32-bit integer modulo SumModulus. Nodes can
//     add shares of different records and the client decrypts the sums.
//
// Cluster keys carry no secret material: their shares are only protected by
// the nodes not colluding. Secret keys additionally encrypt every store share
// under a per-node key and mask every sum share with a per-node factor.
package blindfold

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

type Operation string

const (
	OpStore Operation = "store"
	OpMatch Operation = "match"
	OpSum   Operation = "sum"
)

const (
	// MaxStringBytes bounds the size of a string plaintext.
	MaxStringBytes = 4096

	// SumModulus is the prime 2^32 + 15 used for additive sharing.
	SumModulus uint64 = 1<<32 + 15

	MinInteger int64 = -1 << 31
	MaxInteger int64 = 1<<31 - 1

	seedSize = 32
)

var (
	ErrInvalidKey         = errors.New("invalid blindfold key")
	ErrUnsupportedValue   = errors.New("unsupported plaintext value")
	ErrNotDecryptable     = errors.New("shares of this operation cannot be decrypted")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrInvalidShare       = errors.New("invalid share")
)

// Key determines how values are shared across a cluster.
type Key struct {
	nodes     int
	threshold int
	op        Operation
	seed      []byte

	nodeKeys [][32]byte
	sumMasks []uint64
	matchKey []byte
}

// NewClusterKey returns a key without secret material.
func NewClusterKey(nodes int, op Operation, threshold int) (*Key, error) {
	return newKey(nodes, op, threshold, nil)
}

// NewSecretKey returns a key with a fresh random seed.
func NewSecretKey(nodes int, op Operation, threshold int) (*Key, error) {
	seed := make([]byte, seedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("failed to generate key seed: %w", err)
	}
	return newKey(nodes, op, threshold, seed)
}

// NewSecretKeyFromSeed derives a secret key from a caller provided seed so
// that services can restore the same key across restarts.
func NewSecretKeyFromSeed(seed []byte, nodes int, op Operation, threshold int) (*Key, error) {
	if len(seed) < 16 {
		return nil, fmt.Errorf("%w: seed must be at least 16 bytes", ErrInvalidKey)
	}
	return newKey(nodes, op, threshold, append([]byte(nil), seed...))
}

func newKey(nodes int, op Operation, threshold int, seed []byte) (*Key, error) {
	if nodes < 1 || nodes > 255 {
		return nil, fmt.Errorf("%w: node count %d out of range", ErrInvalidKey, nodes)
	}

	switch op {
	case OpStore:
		if threshold != 0 && (threshold < 2 || threshold > nodes) {
			return nil, fmt.Errorf("%w: threshold %d invalid for %d nodes", ErrInvalidKey, threshold, nodes)
		}
		if nodes == 1 && seed == nil {
			return nil, fmt.Errorf("%w: single node store requires a secret key", ErrInvalidKey)
		}
	case OpMatch:
		if seed == nil {
			return nil, fmt.Errorf("%w: match requires a secret key", ErrInvalidKey)
		}
		if threshold != 0 {
			return nil, fmt.Errorf("%w: match does not support thresholds", ErrInvalidKey)
		}
	case OpSum:
		if nodes < 2 {
			return nil, fmt.Errorf("%w: sum requires at least two nodes", ErrInvalidKey)
		}
		if threshold != 0 {
			return nil, fmt.Errorf("%w: sum does not support thresholds", ErrInvalidKey)
		}
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidKey, op)
	}

	k := &Key{nodes: nodes, threshold: threshold, op: op, seed: seed}
	if seed != nil {
		if err := k.derive(); err != nil {
			return nil, err
		}
	}
	return k, nil
}

func (k *Key) derive() error {
	switch k.op {
	case OpStore:
		k.nodeKeys = make([][32]byte, k.nodes)
		for i := range k.nodeKeys {
			if err := k.expand("store/node/"+strconv.Itoa(i), k.nodeKeys[i][:]); err != nil {
				return err
			}
		}
	case OpMatch:
		k.matchKey = make([]byte, 64)
		if err := k.expand("match", k.matchKey); err != nil {
			return err
		}
	case OpSum:
		k.sumMasks = make([]uint64, k.nodes)
		buf := make([]byte, 8)
		for i := range k.sumMasks {
			if err := k.expand("sum/node/"+strconv.Itoa(i), buf); err != nil {
				return err
			}
			var v uint64
			for _, b := range buf {
				v = v<<8 | uint64(b)
			}
			k.sumMasks[i] = v%(SumModulus-1) + 1
		}
	}
	return nil
}

func (k *Key) expand(info string, out []byte) error {
	r := hkdf.New(sha256.New, k.seed, nil, []byte("secretvault/blindfold/"+info))
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("failed to derive key material: %w", err)
	}
	return nil
}

func (k *Key) Nodes() int { return k.nodes }
func (k *Key) Threshold() int { return k.threshold }
func (k *Key) Operation() Operation { return k.op }
func (k *Key) IsSecret() bool { return k.seed != nil }

// RequiredShares is the number of node shares needed to decrypt.
func (k *Key) RequiredShares() int {
	if k.op == OpStore && k.threshold > 0 {
		return k.threshold
	}
	return k.nodes
}

type keyJSON struct {
	Nodes     int       `json:"nodes"`
	Threshold int       `json:"threshold,omitempty"`
	Operation Operation `json:"operation"`
	Seed      string    `json:"seed,omitempty"`
}

func (k *Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(keyJSON{
		Nodes:     k.nodes,
		Threshold: k.threshold,
		Operation: k.op,
		Seed:      hex.EncodeToString(k.seed),
	})
}

func (k *Key) UnmarshalJSON(data []byte) error {
	var raw keyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var seed []byte
	if raw.Seed != "" {
		var err error
		seed, err = hex.DecodeString(raw.Seed)
		if err != nil {
			return fmt.Errorf("%w: seed: %v", ErrInvalidKey, err)
		}
	}

	parsed, err := newKey(raw.Nodes, raw.Operation, raw.Threshold, seed)
	if err != nil {
		return err
	}
	*k = *parsed
	return nil
}
