package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ruteri/secretvault/docquery"
	"github.com/ruteri/secretvault/interfaces"
	bolt "go.etcd.io/bbolt"
)

// BoltDocumentStore keeps each collection in its own bbolt bucket, keyed by
// _id. Documents are returned in _id order.
type BoltDocumentStore struct {
	db *bolt.DB
}

// NewBoltDocumentStore opens (or creates) the database file at path.
func NewBoltDocumentStore(path string) (*BoltDocumentStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open document database: %w", err)
	}
	return &BoltDocumentStore{db: db}, nil
}

func bucketName(collection string) []byte {
	return []byte("collection/" + collection)
}

func (s *BoltDocumentStore) Insert(ctx context.Context, collection string, docs []interfaces.Document) error {
	ids, err := checkBatch(docs)
	if err != nil {
		return err
	}

	encoded := make([][]byte, len(docs))
	for i, d := range docs {
		encoded[i], err = json.Marshal(d)
		if err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrInvalidDocument, err)
		}
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(bucketName(collection))
		if err != nil {
			return err
		}
		for _, id := range ids {
			if bkt.Get([]byte(id)) != nil {
				return fmt.Errorf("%w: %s", interfaces.ErrDuplicate, id)
			}
		}
		for i, id := range ids {
			if err := bkt.Put([]byte(id), encoded[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// scan calls fn for every document of collection matching filter.
func (s *BoltDocumentStore) scan(bkt *bolt.Bucket, filter interfaces.Filter, fn func(id []byte, doc interfaces.Document) error) error {
	if bkt == nil {
		return nil
	}

	if id, ok := filter["_id"].(string); ok {
		raw := bkt.Get([]byte(id))
		if raw == nil {
			return nil
		}
		return s.visit(id, raw, filter, fn)
	}

	return bkt.ForEach(func(k, v []byte) error {
		return s.visit(string(k), v, filter, fn)
	})
}

func (s *BoltDocumentStore) visit(id string, raw []byte, filter interfaces.Filter, fn func(id []byte, doc interfaces.Document) error) error {
	var doc interfaces.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("corrupt document %s: %w", id, err)
	}
	ok, err := matches(doc, filter)
	if err != nil || !ok {
		return err
	}
	return fn([]byte(id), doc)
}

func (s *BoltDocumentStore) Find(ctx context.Context, collection string, filter interfaces.Filter) ([]interfaces.Document, error) {
	out := []interfaces.Document{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return s.scan(tx.Bucket(bucketName(collection)), filter, func(_ []byte, doc interfaces.Document) error {
			out = append(out, doc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltDocumentStore) Update(ctx context.Context, collection string, filter interfaces.Filter, set interfaces.Document) (interfaces.UpdateResult, error) {
	var res interfaces.UpdateResult
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketName(collection))

		updated := make(map[string][]byte)
		err := s.scan(bkt, filter, func(id []byte, doc interfaces.Document) error {
			res.Matched++
			changed, err := docquery.ApplySet(doc, set)
			if err != nil {
				return fmt.Errorf("%w: %v", interfaces.ErrInvalidDocument, err)
			}
			if !changed {
				return nil
			}
			raw, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			updated[string(id)] = raw
			res.Modified++
			return nil
		})
		if err != nil {
			return err
		}

		// Buckets must not be modified inside ForEach.
		for id, raw := range updated {
			if err := bkt.Put([]byte(id), raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return interfaces.UpdateResult{}, err
	}
	return res, nil
}

func (s *BoltDocumentStore) Delete(ctx context.Context, collection string, filter interfaces.Filter) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketName(collection))

		var doomed [][]byte
		err := s.scan(bkt, filter, func(id []byte, _ interfaces.Document) error {
			doomed = append(doomed, id)
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range doomed {
			if err := bkt.Delete(id); err != nil {
				return err
			}
		}
		removed = len(doomed)
		return nil
	})
	return removed, err
}

func (s *BoltDocumentStore) Drop(ctx context.Context, collection string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketName(collection)) == nil {
			return nil
		}
		return tx.DeleteBucket(bucketName(collection))
	})
}

func (s *BoltDocumentStore) Close() error {
	return s.db.Close()
}
