package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/secretvault/common"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/interfaces"
)

// Internal collections.
const (
	buildersCollection    = "_builders"
	collectionsCollection = "_collections"
	queriesCollection     = "_queries"
	runsCollection        = "_runs"
	userDataCollection    = "_user_data"
	dataPrefix            = "data/"
)

// Document fields maintained by the node.
const (
	FieldCreated = "_created"
	FieldOwner   = "_owner"
	FieldACL     = "_acl"
)

const defaultRunTimeout = time.Minute

// Service is the storage node state machine behind the HTTP API. Every method
// takes the authenticated caller DID and enforces ownership itself.
type Service struct {
	kp      *cryptoutils.Keypair
	store   interfaces.DocumentStore
	log     *slog.Logger
	started time.Time

	// RunTimeout bounds a single query run.
	RunTimeout time.Duration
	Now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup
}

// NewService creates a node identified by kp and backed by store.
func NewService(kp *cryptoutils.Keypair, store interfaces.DocumentStore, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		kp:         kp,
		store:      store,
		log:        log,
		started:    time.Now().UTC(),
		RunTimeout: defaultRunTimeout,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// DID returns the node identity tokens must be addressed to.
func (s *Service) DID() interfaces.DID {
	return s.kp.DID()
}

func (s *Service) About() interfaces.NodeInfo {
	return interfaces.NodeInfo{
		DID:       s.kp.DID(),
		PublicKey: s.kp.PublicKeyHex(),
		Version:   common.Version,
		Started:   s.started,
	}
}

// Close cancels running queries and waits for them to finish. The document
// store is left open.
func (s *Service) Close() error {
	s.cancel()
	s.runs.Wait()
	return nil
}

func (s *Service) RegisterBuilder(ctx context.Context, did interfaces.DID, name string) (*interfaces.BuilderProfile, error) {
	if !did.Valid() {
		return nil, fmt.Errorf("%w: malformed did %q", interfaces.ErrInvalidRequest, did)
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: name is required", interfaces.ErrInvalidRequest)
	}

	profile := interfaces.BuilderProfile{
		DID:         did,
		Name:        name,
		Collections: []string{},
		Queries:     []string{},
		Created:     s.now(),
	}
	doc, err := toDocument(profile)
	if err != nil {
		return nil, err
	}
	if err := s.store.Insert(ctx, buildersCollection, []interfaces.Document{doc}); err != nil {
		if errors.Is(err, interfaces.ErrDuplicate) {
			return nil, fmt.Errorf("%w: builder %s already registered", interfaces.ErrDuplicate, did)
		}
		return nil, fmt.Errorf("failed to store builder: %w", err)
	}

	s.log.Info("registered builder", slog.String("did", did.String()), slog.String("name", name))
	return &profile, nil
}

// Builder returns the profile of did with its current collections and queries.
func (s *Service) Builder(ctx context.Context, did interfaces.DID) (*interfaces.BuilderProfile, error) {
	var profile interfaces.BuilderProfile
	if err := s.findOne(ctx, buildersCollection, did.String(), &profile); err != nil {
		return nil, err
	}

	var err error
	if profile.Collections, err = s.idsOwnedBy(ctx, collectionsCollection, did); err != nil {
		return nil, err
	}
	if profile.Queries, err = s.idsOwnedBy(ctx, queriesCollection, did); err != nil {
		return nil, err
	}
	return &profile, nil
}

// DeleteBuilder removes the builder together with its collections, data and
// queries.
func (s *Service) DeleteBuilder(ctx context.Context, did interfaces.DID) error {
	if err := s.requireBuilder(ctx, did); err != nil {
		return err
	}

	collections, err := s.idsOwnedBy(ctx, collectionsCollection, did)
	if err != nil {
		return err
	}
	for _, id := range collections {
		if err := s.DeleteCollection(ctx, did, id); err != nil {
			return err
		}
	}

	filter := interfaces.Filter{"owner": did.String()}
	if _, err := s.store.Delete(ctx, queriesCollection, filter); err != nil {
		return fmt.Errorf("failed to delete queries: %w", err)
	}
	if _, err := s.store.Delete(ctx, runsCollection, filter); err != nil {
		return fmt.Errorf("failed to delete query runs: %w", err)
	}
	if _, err := s.store.Delete(ctx, buildersCollection, interfaces.Filter{"_id": did.String()}); err != nil {
		return fmt.Errorf("failed to delete builder: %w", err)
	}

	s.log.Info("deleted builder", slog.String("did", did.String()))
	return nil
}

func (s *Service) requireBuilder(ctx context.Context, did interfaces.DID) error {
	docs, err := s.store.Find(ctx, buildersCollection, interfaces.Filter{"_id": did.String()})
	if err != nil {
		return fmt.Errorf("failed to load builder: %w", err)
	}
	if len(docs) == 0 {
		return fmt.Errorf("%w: %s is not a registered builder", interfaces.ErrForbidden, did)
	}
	return nil
}

func (s *Service) idsOwnedBy(ctx context.Context, collection string, owner interfaces.DID) ([]string, error) {
	docs, err := s.store.Find(ctx, collection, interfaces.Filter{"owner": owner.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", strings.TrimPrefix(collection, "_"), err)
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if id, ok := d["_id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// findOne loads the document id of collection into out.
func (s *Service) findOne(ctx context.Context, collection, id string, out any) error {
	docs, err := s.store.Find(ctx, collection, interfaces.Filter{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", id, err)
	}
	if len(docs) == 0 {
		return fmt.Errorf("%w: %s", interfaces.ErrNotFound, id)
	}
	return fromDocument(docs[0], out)
}
