package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/ruteri/secretvault/docquery"
	"github.com/ruteri/secretvault/interfaces"
)

type memoryCollection struct {
	order []string
	docs  map[string]interfaces.Document
}

// MemoryDocumentStore keeps documents in memory, in insertion order.
type MemoryDocumentStore struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{collections: make(map[string]*memoryCollection)}
}

func (s *MemoryDocumentStore) Insert(ctx context.Context, collection string, docs []interfaces.Document) error {
	ids, err := checkBatch(docs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[collection]
	if !ok {
		c = &memoryCollection{docs: make(map[string]interfaces.Document)}
		s.collections[collection] = c
	}
	for _, id := range ids {
		if _, exists := c.docs[id]; exists {
			return fmt.Errorf("%w: %s", interfaces.ErrDuplicate, id)
		}
	}
	for i, id := range ids {
		c.docs[id] = cloneDocument(docs[i])
		c.order = append(c.order, id)
	}
	return nil
}

func (s *MemoryDocumentStore) Find(ctx context.Context, collection string, filter interfaces.Filter) ([]interfaces.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[collection]
	if !ok {
		return []interfaces.Document{}, nil
	}

	out := []interfaces.Document{}
	for _, id := range c.order {
		doc := c.docs[id]
		ok, err := matches(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, cloneDocument(doc))
		}
	}
	return out, nil
}

func (s *MemoryDocumentStore) Update(ctx context.Context, collection string, filter interfaces.Filter, set interfaces.Document) (interfaces.UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res interfaces.UpdateResult
	c, ok := s.collections[collection]
	if !ok {
		return res, nil
	}

	// Apply to copies first so a failing $set leaves the collection intact.
	updated := make(map[string]interfaces.Document)
	for _, id := range c.order {
		ok, err := matches(c.docs[id], filter)
		if err != nil {
			return res, err
		}
		if !ok {
			continue
		}
		res.Matched++
		doc := cloneDocument(c.docs[id])
		changed, err := docquery.ApplySet(doc, set)
		if err != nil {
			return interfaces.UpdateResult{}, fmt.Errorf("%w: %v", interfaces.ErrInvalidDocument, err)
		}
		if changed {
			updated[id] = doc
			res.Modified++
		}
	}
	for id, doc := range updated {
		c.docs[id] = doc
	}
	return res, nil
}

func (s *MemoryDocumentStore) Delete(ctx context.Context, collection string, filter interfaces.Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[collection]
	if !ok {
		return 0, nil
	}

	var doomed []string
	for _, id := range c.order {
		ok, err := matches(c.docs[id], filter)
		if err != nil {
			return 0, err
		}
		if ok {
			doomed = append(doomed, id)
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	for _, id := range doomed {
		delete(c.docs, id)
	}
	kept := make([]string, 0, len(c.docs))
	for _, id := range c.order {
		if _, ok := c.docs[id]; ok {
			kept = append(kept, id)
		}
	}
	c.order = kept
	return len(doomed), nil
}

func (s *MemoryDocumentStore) Drop(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, collection)
	return nil
}

func (s *MemoryDocumentStore) Close() error {
	return nil
}
