package nuc

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// UsageTracker counts uses of limited tokens until they expire.
type UsageTracker interface {
	// Use records one use of id and returns the new count. It fails with
	// ErrTokenExhausted, without recording, once limit uses were recorded.
	Use(ctx context.Context, id string, limit int, expires time.Time) (int, error)
	// Count returns the uses recorded for id.
	Count(ctx context.Context, id string) (int, error)
}

type usage struct {
	count   int
	expires time.Time
}

// MemoryUsageTracker keeps counts in memory.
type MemoryUsageTracker struct {
	mu      sync.Mutex
	entries map[string]usage
	now     func() time.Time
}

func NewMemoryUsageTracker() *MemoryUsageTracker {
	return &MemoryUsageTracker{
		entries: make(map[string]usage),
		now:     time.Now,
	}
}

func (m *MemoryUsageTracker) Use(ctx context.Context, id string, limit int, expires time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if len(m.entries) > 1024 {
		for k, e := range m.entries {
			if !e.expires.After(now) {
				delete(m.entries, k)
			}
		}
	}

	e := m.entries[id]
	if e.count >= limit {
		return e.count, ErrTokenExhausted
	}
	e.count++
	e.expires = expires
	m.entries[id] = e
	return e.count, nil
}

func (m *MemoryUsageTracker) Count(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[id].count, nil
}

var usageBucket = []byte("token_uses")

// BoltUsageTracker persists counts in a bbolt database so limits survive
// restarts.
type BoltUsageTracker struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltUsageTracker opens (or creates) the database at path.
func NewBoltUsageTracker(path string) (*BoltUsageTracker, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(usageBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create usage bucket: %w", err)
	}

	return &BoltUsageTracker{db: db, now: time.Now}, nil
}

func (b *BoltUsageTracker) Use(ctx context.Context, id string, limit int, expires time.Time) (int, error) {
	var count int
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(usageBucket)
		if raw := bkt.Get([]byte(id)); len(raw) == 16 {
			count = int(binary.BigEndian.Uint64(raw[:8]))
		}
		if count >= limit {
			return ErrTokenExhausted
		}
		count++

		var val [16]byte
		binary.BigEndian.PutUint64(val[:8], uint64(count))
		binary.BigEndian.PutUint64(val[8:], uint64(expires.Unix()))
		return bkt.Put([]byte(id), val[:])
	})
	return count, err
}

func (b *BoltUsageTracker) Count(ctx context.Context, id string) (int, error) {
	var count int
	err := b.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(usageBucket).Get([]byte(id)); len(raw) == 16 {
			count = int(binary.BigEndian.Uint64(raw[:8]))
		}
		return nil
	})
	return count, err
}

// Prune removes expired entries and returns how many were removed.
func (b *BoltUsageTracker) Prune() (int, error) {
	now := b.now().Unix()
	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(usageBucket)
		var stale [][]byte
		if err := bkt.ForEach(func(k, v []byte) error {
			if len(v) == 16 && int64(binary.BigEndian.Uint64(v[8:])) <= now {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

func (b *BoltUsageTracker) Close() error {
	return b.db.Close()
}
