package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/ruteri/secretvault/interfaces"
)

// CreateCollection registers a collection owned by the builder. The client
// chooses the id so that every node of a cluster uses the same one.
func (s *Service) CreateCollection(ctx context.Context, owner interfaces.DID, c interfaces.Collection) (*interfaces.Collection, error) {
	if err := s.requireBuilder(ctx, owner); err != nil {
		return nil, err
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	} else if _, err := uuid.Parse(c.ID); err != nil {
		return nil, fmt.Errorf("%w: collection id must be a uuid", interfaces.ErrInvalidRequest)
	}
	if c.Type == "" {
		c.Type = interfaces.StandardCollection
	}
	if c.Type != interfaces.StandardCollection && c.Type != interfaces.OwnedCollection {
		return nil, fmt.Errorf("%w: unknown collection type %q", interfaces.ErrInvalidRequest, c.Type)
	}
	if strings.TrimSpace(c.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", interfaces.ErrInvalidRequest)
	}
	if c.Schema == nil {
		return nil, fmt.Errorf("%w: schema is required", interfaces.ErrInvalidRequest)
	}
	c.Owner = owner
	c.Created = s.now()

	doc, err := toDocument(c)
	if err != nil {
		return nil, err
	}
	if err := s.store.Insert(ctx, collectionsCollection, []interfaces.Document{doc}); err != nil {
		if errors.Is(err, interfaces.ErrDuplicate) {
			return nil, fmt.Errorf("%w: collection %s already exists", interfaces.ErrDuplicate, c.ID)
		}
		return nil, fmt.Errorf("failed to store collection: %w", err)
	}

	s.log.Info("created collection",
		slog.String("owner", owner.String()),
		slog.String("collection", c.ID),
		slog.String("type", string(c.Type)))
	return &c, nil
}

func (s *Service) ListCollections(ctx context.Context, owner interfaces.DID) ([]interfaces.Collection, error) {
	if err := s.requireBuilder(ctx, owner); err != nil {
		return nil, err
	}
	docs, err := s.store.Find(ctx, collectionsCollection, interfaces.Filter{"owner": owner.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}

	out := make([]interfaces.Collection, len(docs))
	for i, d := range docs {
		if err := fromDocument(d, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Collection returns collection metadata. Collections of other builders are
// reported as not found.
func (s *Service) Collection(ctx context.Context, owner interfaces.DID, id string) (*interfaces.CollectionMetadata, error) {
	c, err := s.ownCollection(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	docs, err := s.store.Find(ctx, dataCollection(id), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	return &interfaces.CollectionMetadata{Collection: *c, Count: len(docs)}, nil
}

// DeleteCollection drops the collection with all of its documents.
func (s *Service) DeleteCollection(ctx context.Context, owner interfaces.DID, id string) error {
	if _, err := s.ownCollection(ctx, owner, id); err != nil {
		return err
	}
	if err := s.store.Drop(ctx, dataCollection(id)); err != nil {
		return fmt.Errorf("failed to drop collection data: %w", err)
	}
	if _, err := s.store.Delete(ctx, userDataCollection, interfaces.Filter{"collection": id}); err != nil {
		return fmt.Errorf("failed to delete data references: %w", err)
	}
	if _, err := s.store.Delete(ctx, collectionsCollection, interfaces.Filter{"_id": id}); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}

	s.log.Info("deleted collection", slog.String("owner", owner.String()), slog.String("collection", id))
	return nil
}

func (s *Service) collection(ctx context.Context, id string) (*interfaces.Collection, error) {
	var c interfaces.Collection
	if err := s.findOne(ctx, collectionsCollection, id, &c); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, fmt.Errorf("%w: collection %s", interfaces.ErrNotFound, id)
		}
		return nil, err
	}
	return &c, nil
}

func (s *Service) ownCollection(ctx context.Context, owner interfaces.DID, id string) (*interfaces.Collection, error) {
	c, err := s.collection(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Owner != owner {
		return nil, fmt.Errorf("%w: collection %s", interfaces.ErrNotFound, id)
	}
	return c, nil
}
