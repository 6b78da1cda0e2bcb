package blindfold

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	cases := []struct {
		name      string
		secret    bool
		nodes     int
		threshold int
	}{
		{"cluster xor", false, 3, 0},
		{"secret xor", true, 3, 0},
		{"secret single node", true, 1, 0},
		{"cluster threshold", false, 3, 2},
		{"secret threshold", true, 5, 3},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var key *Key
			var err error
			if tc.secret {
				key, err = NewSecretKey(tc.nodes, OpStore, tc.threshold)
			} else {
				key, err = NewClusterKey(tc.nodes, OpStore, tc.threshold)
			}
			require.NoError(t, err)

			for _, v := range []any{"hunter2", "", int64(-42), 7, float64(1 << 30)} {
				shares, err := key.Encrypt(v)
				require.NoError(t, err)
				require.Len(t, shares, tc.nodes)

				got, err := key.Decrypt(shares)
				require.NoError(t, err)
				switch want := v.(type) {
				case string:
					require.Equal(t, want, got)
				case int64:
					require.Equal(t, want, got)
				case int:
					require.Equal(t, int64(want), got)
				case float64:
					require.Equal(t, int64(want), got)
				}
			}
		})
	}
}

func TestStoreMissingShares(t *testing.T) {
	key, err := NewClusterKey(3, OpStore, 0)
	require.NoError(t, err)
	shares, err := key.Encrypt("secret")
	require.NoError(t, err)

	shares[1] = nil
	_, err = key.Decrypt(shares)
	require.ErrorIs(t, err, ErrInsufficientShares)

	tkey, err := NewSecretKey(3, OpStore, 2)
	require.NoError(t, err)
	shares, err = tkey.Encrypt("secret")
	require.NoError(t, err)

	shares[0] = nil
	got, err := tkey.Decrypt(shares)
	require.NoError(t, err)
	require.Equal(t, "secret", got)

	shares[2] = nil
	_, err = tkey.Decrypt(shares)
	require.ErrorIs(t, err, ErrInsufficientShares)
}

func TestSecretSharesAreNodeBound(t *testing.T) {
	key, err := NewSecretKey(2, OpStore, 0)
	require.NoError(t, err)
	shares, err := key.Encrypt("secret")
	require.NoError(t, err)

	_, err = key.Decrypt([]any{shares[1], shares[0]})
	require.ErrorIs(t, err, ErrInvalidShare)

	other, err := NewSecretKey(2, OpStore, 0)
	require.NoError(t, err)
	_, err = other.Decrypt(shares)
	require.ErrorIs(t, err, ErrInvalidShare)
}

func TestMatchIsDeterministic(t *testing.T) {
	key, err := NewSecretKey(3, OpMatch, 0)
	require.NoError(t, err)

	a, err := key.Encrypt("alice")
	require.NoError(t, err)
	b, err := key.Encrypt("alice")
	require.NoError(t, err)
	c, err := key.Encrypt("bob")
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.Equal(t, a[0], a[2])
	require.NotEqual(t, a[0], c[0])

	_, err = key.Decrypt(a)
	require.ErrorIs(t, err, ErrNotDecryptable)

	_, err = NewClusterKey(3, OpMatch, 0)
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestSumOfShares(t *testing.T) {
	for _, secret := range []bool{false, true} {
		var key *Key
		var err error
		if secret {
			key, err = NewSecretKey(3, OpSum, 0)
		} else {
			key, err = NewClusterKey(3, OpSum, 0)
		}
		require.NoError(t, err)

		values := []int64{100, -250, 7, MaxInteger, MinInteger}
		var want int64
		sums := make([]uint64, 3)
		for _, v := range values {
			want += v
			shares, err := key.Encrypt(v)
			require.NoError(t, err)

			got, err := key.Decrypt(shares)
			require.NoError(t, err)
			require.Equal(t, v, got)

			for i, s := range shares {
				sums[i] += s.(uint64)
			}
		}

		// Node sums arrive as JSON numbers.
		nodeSums := make([]any, 3)
		for i, s := range sums {
			nodeSums[i] = float64(s)
		}
		got, err := key.Decrypt(nodeSums)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := NewClusterKey(1, OpSum, 0)
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestUnsupportedValues(t *testing.T) {
	key, err := NewClusterKey(2, OpStore, 0)
	require.NoError(t, err)

	_, err = key.Encrypt(int64(1) << 40)
	require.ErrorIs(t, err, ErrUnsupportedValue)
	_, err = key.Encrypt(1.5)
	require.ErrorIs(t, err, ErrUnsupportedValue)
	_, err = key.Encrypt(true)
	require.ErrorIs(t, err, ErrUnsupportedValue)
	_, err = key.Encrypt(string(make([]byte, MaxStringBytes+1)))
	require.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestInvalidKeys(t *testing.T) {
	_, err := NewClusterKey(0, OpStore, 0)
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = NewClusterKey(1, OpStore, 0)
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = NewClusterKey(3, OpStore, 4)
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = NewClusterKey(3, OpStore, 1)
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = NewClusterKey(3, "multiply", 0)
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = NewSecretKeyFromSeed([]byte("short"), 3, OpStore, 0)
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestKeyJSON(t *testing.T) {
	key, err := NewSecretKey(3, OpStore, 2)
	require.NoError(t, err)
	shares, err := key.Encrypt("persisted")
	require.NoError(t, err)

	raw, err := json.Marshal(key)
	require.NoError(t, err)

	var restored Key
	require.NoError(t, json.Unmarshal(raw, &restored))
	require.Equal(t, 3, restored.Nodes())
	require.Equal(t, 2, restored.RequiredShares())
	require.True(t, restored.IsSecret())

	got, err := restored.Decrypt(shares)
	require.NoError(t, err)
	require.Equal(t, "persisted", got)

	seed := []byte("0123456789abcdef0123456789abcdef")
	a, err := NewSecretKeyFromSeed(seed, 2, OpMatch, 0)
	require.NoError(t, err)
	b, err := NewSecretKeyFromSeed(seed, 2, OpMatch, 0)
	require.NoError(t, err)
	da, _ := a.Encrypt("x")
	db, _ := b.Encrypt("x")
	require.Equal(t, da, db)
}
