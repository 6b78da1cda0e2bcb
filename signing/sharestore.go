package signing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bnb-chain/tss-lib/v2/ecdsa/keygen"
	"github.com/google/uuid"
	"github.com/ruteri/secretvault/interfaces"
)

// ShareStore keeps one node's key shares in a blob backend under
// tss/<store id>/<node public key>.json.
type ShareStore struct {
	backend interfaces.StorageBackend
	owner   string
}

type storedShare struct {
	Info  interfaces.KeyInfo         `json:"info"`
	Share *keygen.LocalPartySaveData `json:"share"`
}

func NewShareStore(backend interfaces.StorageBackend, owner interfaces.DID) *ShareStore {
	return &ShareStore{backend: backend, owner: strings.TrimPrefix(string(owner), interfaces.DIDPrefix)}
}

func (s *ShareStore) key(storeID string) (string, error) {
	if _, err := uuid.Parse(storeID); err != nil {
		return "", fmt.Errorf("%w: store id must be a uuid", interfaces.ErrInvalidRequest)
	}
	return "tss/" + storeID + "/" + s.owner + ".json", nil
}

// Save persists a new share. Existing shares are never overwritten.
func (s *ShareStore) Save(ctx context.Context, info interfaces.KeyInfo, share *keygen.LocalPartySaveData) error {
	key, err := s.key(info.StoreID)
	if err != nil {
		return err
	}
	if _, err := s.backend.Fetch(ctx, key); err == nil {
		return fmt.Errorf("%w: key %s", interfaces.ErrDuplicate, info.StoreID)
	} else if !errors.Is(err, interfaces.ErrContentNotFound) {
		return fmt.Errorf("failed to check for existing share: %w", err)
	}

	raw, err := json.Marshal(storedShare{Info: info, Share: share})
	if err != nil {
		return fmt.Errorf("failed to marshal share: %w", err)
	}
	if err := s.backend.Store(ctx, key, raw); err != nil {
		return fmt.Errorf("failed to store share: %w", err)
	}
	return nil
}

// Load returns the key information and this node's share of storeID.
func (s *ShareStore) Load(ctx context.Context, storeID string) (*interfaces.KeyInfo, *keygen.LocalPartySaveData, error) {
	key, err := s.key(storeID)
	if err != nil {
		return nil, nil, err
	}
	raw, err := s.backend.Fetch(ctx, key)
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return nil, nil, fmt.Errorf("%w: key %s", interfaces.ErrNotFound, storeID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch share: %w", err)
	}

	var stored storedShare
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, nil, fmt.Errorf("failed to parse share: %w", err)
	}
	if stored.Share == nil {
		return nil, nil, fmt.Errorf("share of key %s is empty", storeID)
	}
	return &stored.Info, stored.Share, nil
}

func (s *ShareStore) Delete(ctx context.Context, storeID string) error {
	key, err := s.key(storeID)
	if err != nil {
		return err
	}
	return s.backend.Delete(ctx, key)
}
