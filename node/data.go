package node

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/secretvault/docquery"
	"github.com/ruteri/secretvault/interfaces"
)

// prepare validates docs against the collection schema and adds node
// metadata. extra fields are copied into every prepared document.
func (s *Service) prepare(c *interfaces.Collection, docs []interfaces.Document, extra interfaces.Document) ([]interfaces.Document, []string, error) {
	if len(docs) == 0 {
		return nil, nil, fmt.Errorf("%w: no documents", interfaces.ErrInvalidRequest)
	}

	created := s.now().Format(time.RFC3339Nano)
	out := make([]interfaces.Document, len(docs))
	ids := make([]string, len(docs))
	for i, d := range docs {
		if err := checkUserFields(d); err != nil {
			return nil, nil, fmt.Errorf("document %d: %w", i, err)
		}
		id, ok := d["_id"].(string)
		if !ok || id == "" {
			return nil, nil, fmt.Errorf("%w: document %d has no _id", interfaces.ErrInvalidDocument, i)
		}
		if err := docquery.ValidateDocument(c.Schema, d); err != nil {
			return nil, nil, fmt.Errorf("%w: document %s: %v", interfaces.ErrInvalidDocument, id, err)
		}

		doc := docquery.Clone(d).(map[string]any)
		doc[FieldCreated] = created
		for k, v := range extra {
			doc[k] = docquery.Clone(v)
		}
		out[i] = doc
		ids[i] = id
	}
	return out, ids, nil
}

// CreateData inserts builder records into a standard collection. Either all
// documents are written or none.
func (s *Service) CreateData(ctx context.Context, owner interfaces.DID, collection string, docs []interfaces.Document) ([]string, error) {
	c, err := s.ownCollection(ctx, owner, collection)
	if err != nil {
		return nil, err
	}
	if c.Type == interfaces.OwnedCollection {
		return nil, fmt.Errorf("%w: collection %s holds user owned data", interfaces.ErrInvalidRequest, collection)
	}

	prepared, ids, err := s.prepare(c, docs, nil)
	if err != nil {
		return nil, err
	}
	if err := s.store.Insert(ctx, dataCollection(collection), prepared); err != nil {
		return nil, fmt.Errorf("failed to insert documents: %w", err)
	}

	s.log.Debug("created data", slog.String("collection", collection), slog.Int("count", len(ids)))
	return ids, nil
}

// accessible returns the documents of collection matching filter that caller
// may access with p. Standard collections are only visible to their owner;
// owned collection documents are visible through their ACL.
func (s *Service) accessible(ctx context.Context, caller interfaces.DID, collection string, filter interfaces.Filter, p permission) (*interfaces.Collection, []interfaces.Document, error) {
	c, err := s.collection(ctx, collection)
	if err != nil {
		return nil, nil, err
	}
	if c.Type == interfaces.StandardCollection && c.Owner != caller {
		return nil, nil, fmt.Errorf("%w: collection %s", interfaces.ErrNotFound, collection)
	}

	docs, err := s.store.Find(ctx, dataCollection(collection), filter)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read documents: %w", err)
	}
	if c.Type == interfaces.StandardCollection {
		return c, docs, nil
	}

	out := docs[:0]
	for _, d := range docs {
		if permitted(d, caller, p) {
			out = append(out, d)
		}
	}
	return c, out, nil
}

// ReadData returns the documents matching filter. Builders reading owned
// collections see only documents they were granted read access to, without
// the access list.
func (s *Service) ReadData(ctx context.Context, caller interfaces.DID, collection string, filter interfaces.Filter) ([]interfaces.Document, error) {
	c, docs, err := s.accessible(ctx, caller, collection, filter, permRead)
	if err != nil {
		return nil, err
	}
	if c.Type == interfaces.OwnedCollection {
		for _, d := range docs {
			delete(d, FieldACL)
		}
	}
	return docs, nil
}

// UpdateData applies set to every accessible document matching filter. The
// updated documents must still satisfy the collection schema.
func (s *Service) UpdateData(ctx context.Context, caller interfaces.DID, collection string, filter interfaces.Filter, set interfaces.Document) (interfaces.UpdateResult, error) {
	if len(set) == 0 {
		return interfaces.UpdateResult{}, fmt.Errorf("%w: update is empty", interfaces.ErrInvalidRequest)
	}
	for k := range set {
		if strings.HasPrefix(k, "_") {
			return interfaces.UpdateResult{}, fmt.Errorf("%w: field %s cannot be updated", interfaces.ErrInvalidRequest, k)
		}
	}

	c, docs, err := s.accessible(ctx, caller, collection, filter, permWrite)
	if err != nil {
		return interfaces.UpdateResult{}, err
	}
	if len(docs) == 0 {
		return interfaces.UpdateResult{}, nil
	}

	for _, d := range docs {
		updated := withoutMetadata(docquery.Clone(d).(map[string]any))
		if _, err := docquery.ApplySet(updated, set); err != nil {
			return interfaces.UpdateResult{}, fmt.Errorf("%w: %v", interfaces.ErrInvalidRequest, err)
		}
		if err := docquery.ValidateDocument(c.Schema, updated); err != nil {
			return interfaces.UpdateResult{}, fmt.Errorf("%w: document %v: %v", interfaces.ErrInvalidDocument, d["_id"], err)
		}
	}

	res, err := s.store.Update(ctx, dataCollection(collection), interfaces.Filter{"_id": map[string]any{"$in": documentIDs(docs)}}, set)
	if err != nil {
		return interfaces.UpdateResult{}, fmt.Errorf("failed to update documents: %w", err)
	}
	return res, nil
}

// DeleteData removes accessible documents matching a non-empty filter.
func (s *Service) DeleteData(ctx context.Context, caller interfaces.DID, collection string, filter interfaces.Filter) (int, error) {
	if len(filter) == 0 {
		return 0, fmt.Errorf("%w: filter must not be empty", interfaces.ErrInvalidRequest)
	}

	c, docs, err := s.accessible(ctx, caller, collection, filter, permWrite)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	return s.deleteDocuments(ctx, c, documentIDs(docs))
}

func (s *Service) deleteDocuments(ctx context.Context, c *interfaces.Collection, ids []any) (int, error) {
	n, err := s.store.Delete(ctx, dataCollection(c.ID), interfaces.Filter{"_id": map[string]any{"$in": ids}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents: %w", err)
	}
	if c.Type == interfaces.OwnedCollection {
		refs := make([]any, len(ids))
		for i, id := range ids {
			refs[i] = referenceID(c.ID, id.(string))
		}
		if _, err := s.store.Delete(ctx, userDataCollection, interfaces.Filter{"_id": map[string]any{"$in": refs}}); err != nil {
			return n, fmt.Errorf("failed to delete data references: %w", err)
		}
	}
	return n, nil
}

func referenceID(collection, document string) string {
	return collection + "/" + document
}

// CreateOwnedData stores documents owned by user in an owned collection of
// builder. The user grants acl; an empty grantee defaults to the builder.
func (s *Service) CreateOwnedData(ctx context.Context, user, builder interfaces.DID, collection string, docs []interfaces.Document, acl interfaces.ACL) ([]string, error) {
	c, err := s.collection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if c.Type != interfaces.OwnedCollection {
		return nil, fmt.Errorf("%w: collection %s is not an owned collection", interfaces.ErrInvalidRequest, collection)
	}
	if c.Owner != builder {
		return nil, fmt.Errorf("%w: collection %s does not belong to %s", interfaces.ErrForbidden, collection, builder)
	}
	if acl.Grantee == "" {
		acl.Grantee = builder
	}
	if !acl.Grantee.Valid() {
		return nil, fmt.Errorf("%w: malformed grantee %q", interfaces.ErrInvalidRequest, acl.Grantee)
	}

	extra := interfaces.Document{
		FieldOwner: user.String(),
		FieldACL:   []any{aclDocument(acl)},
	}
	prepared, ids, err := s.prepare(c, docs, extra)
	if err != nil {
		return nil, err
	}
	if err := s.store.Insert(ctx, dataCollection(collection), prepared); err != nil {
		return nil, fmt.Errorf("failed to insert documents: %w", err)
	}

	refs := make([]interfaces.Document, len(ids))
	for i, id := range ids {
		ref, err := toDocument(interfaces.DataReference{Builder: builder, Collection: collection, Document: id})
		if err != nil {
			s.discard(ctx, collection, ids)
			return nil, err
		}
		ref["_id"] = referenceID(collection, id)
		ref["user"] = user.String()
		refs[i] = ref
	}
	if err := s.store.Insert(ctx, userDataCollection, refs); err != nil {
		s.discard(ctx, collection, ids)
		return nil, fmt.Errorf("failed to record data references: %w", err)
	}

	s.log.Debug("created owned data",
		slog.String("user", user.String()),
		slog.String("collection", collection),
		slog.Int("count", len(ids)))
	return ids, nil
}

// discard removes documents inserted by a failed CreateOwnedData.
func (s *Service) discard(ctx context.Context, collection string, ids []string) {
	in := make([]any, len(ids))
	for i, id := range ids {
		in[i] = id
	}
	if _, err := s.store.Delete(ctx, dataCollection(collection), interfaces.Filter{"_id": map[string]any{"$in": in}}); err != nil {
		s.log.Error("failed to remove unreferenced documents", slog.String("collection", collection), "err", err)
	}
}

// UserData lists references to every document user owns.
func (s *Service) UserData(ctx context.Context, user interfaces.DID) ([]interfaces.DataReference, error) {
	docs, err := s.store.Find(ctx, userDataCollection, interfaces.Filter{"user": user.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to list user data: %w", err)
	}
	out := make([]interfaces.DataReference, len(docs))
	for i, d := range docs {
		if err := fromDocument(d, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Service) userDocument(ctx context.Context, user interfaces.DID, collection, document string) (*interfaces.Collection, interfaces.Document, error) {
	c, err := s.collection(ctx, collection)
	if err != nil {
		return nil, nil, err
	}
	docs, err := s.store.Find(ctx, dataCollection(collection), interfaces.Filter{"_id": document})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read document: %w", err)
	}
	if len(docs) == 0 || docs[0][FieldOwner] != user.String() {
		return nil, nil, fmt.Errorf("%w: document %s", interfaces.ErrNotFound, document)
	}
	return c, docs[0], nil
}

// ReadUserData returns a document owned by user, including its access list.
func (s *Service) ReadUserData(ctx context.Context, user interfaces.DID, collection, document string) (interfaces.Document, error) {
	_, doc, err := s.userDocument(ctx, user, collection, document)
	return doc, err
}

func (s *Service) DeleteUserData(ctx context.Context, user interfaces.DID, collection, document string) error {
	c, _, err := s.userDocument(ctx, user, collection, document)
	if err != nil {
		return err
	}
	_, err = s.deleteDocuments(ctx, c, []any{document})
	return err
}

// GrantAccess adds or replaces the entry for acl.Grantee.
func (s *Service) GrantAccess(ctx context.Context, user interfaces.DID, collection, document string, acl interfaces.ACL) error {
	if !acl.Grantee.Valid() {
		return fmt.Errorf("%w: malformed grantee %q", interfaces.ErrInvalidRequest, acl.Grantee)
	}
	_, doc, err := s.userDocument(ctx, user, collection, document)
	if err != nil {
		return err
	}

	acls := documentACL(doc)
	replaced := false
	for i := range acls {
		if acls[i].Grantee == acl.Grantee {
			acls[i] = acl
			replaced = true
		}
	}
	if !replaced {
		acls = append(acls, acl)
	}
	return s.setACL(ctx, collection, document, acls)
}

// RevokeAccess removes the entry for grantee.
func (s *Service) RevokeAccess(ctx context.Context, user interfaces.DID, collection, document string, grantee interfaces.DID) error {
	_, doc, err := s.userDocument(ctx, user, collection, document)
	if err != nil {
		return err
	}

	acls := documentACL(doc)
	kept := acls[:0]
	for _, a := range acls {
		if a.Grantee != grantee {
			kept = append(kept, a)
		}
	}
	if len(kept) == len(acls) {
		return fmt.Errorf("%w: no access granted to %s", interfaces.ErrNotFound, grantee)
	}
	return s.setACL(ctx, collection, document, kept)
}

func (s *Service) setACL(ctx context.Context, collection, document string, acls []interfaces.ACL) error {
	_, err := s.store.Update(ctx, dataCollection(collection), interfaces.Filter{"_id": document}, interfaces.Document{FieldACL: aclList(acls)})
	if err != nil {
		return fmt.Errorf("failed to update access list: %w", err)
	}
	return nil
}
