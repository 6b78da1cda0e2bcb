package signing

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/ruteri/secretvault/interfaces"
	"golang.org/x/sync/errgroup"
)

// Coordinator is the signing client. It starts ceremonies on signer nodes
// and checks that they agree.
type Coordinator struct {
	nodes     []SignerAPI
	threshold int
	log       *slog.Logger
}

// NewCoordinator creates a client for nodes. Keys it generates can be used
// by any threshold+1 of them.
func NewCoordinator(nodes []SignerAPI, threshold int, log *slog.Logger) (*Coordinator, error) {
	if len(nodes) < 2 {
		return nil, fmt.Errorf("%w: at least two signer nodes are required", interfaces.ErrInvalidRequest)
	}
	if threshold < 1 || threshold >= len(nodes) {
		return nil, fmt.Errorf("%w: threshold must be between 1 and %d", interfaces.ErrInvalidRequest, len(nodes)-1)
	}
	return &Coordinator{nodes: nodes, threshold: threshold, log: log}, nil
}

func (c *Coordinator) Threshold() int { return c.threshold }

func (c *Coordinator) dids(nodes []SignerAPI) []interfaces.DID {
	dids := make([]interfaces.DID, len(nodes))
	for i, n := range nodes {
		dids[i] = n.DID()
	}
	return dids
}

// StoreKey generates a new key across all nodes. Each node keeps only its
// own share.
func (c *Coordinator) StoreKey(ctx context.Context) (*interfaces.KeyInfo, error) {
	req := KeygenRequest{
		Session:   uuid.NewString(),
		StoreID:   uuid.NewString(),
		Parties:   c.dids(c.nodes),
		Threshold: c.threshold,
	}

	infos := make([]*interfaces.KeyInfo, len(c.nodes))
	g, gctx := errgroup.WithContext(ctx)
	for i, node := range c.nodes {
		g.Go(func() error {
			info, err := node.Keygen(gctx, req)
			if err != nil {
				return fmt.Errorf("keygen on %s: %w", node.DID(), err)
			}
			infos[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, info := range infos[1:] {
		if info.PublicKey != infos[0].PublicKey {
			return nil, fmt.Errorf("%w: nodes disagree on the public key of %s", interfaces.ErrQuorumNotReached, req.StoreID)
		}
	}
	c.log.Info("stored threshold key", slog.String("store_id", req.StoreID), slog.String("public_key", infos[0].PublicKey))
	return infos[0], nil
}

// Key returns the key information held by the first node that has it.
func (c *Coordinator) Key(ctx context.Context, storeID string) (*interfaces.KeyInfo, error) {
	var errs []error
	for _, node := range c.nodes {
		info, err := node.Key(ctx, storeID)
		if err == nil {
			return info, nil
		}
		errs = append(errs, err)
	}
	if allNotFound(errs) {
		return nil, fmt.Errorf("%w: key %s", interfaces.ErrNotFound, storeID)
	}
	return nil, errors.Join(errs...)
}

func allNotFound(errs []error) bool {
	for _, err := range errs {
		if !errors.Is(err, interfaces.ErrNotFound) {
			return false
		}
	}
	return true
}

// Sign signs sha256(message) with key storeID. The first threshold+1 nodes
// holding a share take part; the signature is verified before it is
// returned.
func (c *Coordinator) Sign(ctx context.Context, storeID string, message []byte) (*interfaces.Signature, error) {
	var (
		info    *interfaces.KeyInfo
		signers []SignerAPI
	)
	for _, node := range c.nodes {
		ki, err := node.Key(ctx, storeID)
		if err != nil {
			c.log.Warn("signer cannot serve key", slog.String("node", string(node.DID())), slog.String("store_id", storeID), "err", err)
			continue
		}
		if info == nil {
			info = ki
		}
		if ki.PublicKey != info.PublicKey {
			return nil, fmt.Errorf("nodes disagree on the public key of %s", storeID)
		}
		signers = append(signers, node)
		if len(signers) == info.Threshold+1 {
			break
		}
	}
	if info == nil {
		return nil, fmt.Errorf("%w: key %s", interfaces.ErrNotFound, storeID)
	}
	if len(signers) < info.Threshold+1 {
		return nil, fmt.Errorf("%w: %d of %d signers available", interfaces.ErrQuorumNotReached, len(signers), info.Threshold+1)
	}

	req := SignRequest{
		Session: uuid.NewString(),
		StoreID: storeID,
		Parties: c.dids(signers),
		Digest:  hex.EncodeToString(Digest(message)),
	}
	sigs := make([]*interfaces.Signature, len(signers))
	g, gctx := errgroup.WithContext(ctx)
	for i, node := range signers {
		g.Go(func() error {
			sig, err := node.Sign(gctx, req)
			if err != nil {
				return fmt.Errorf("sign on %s: %w", node.DID(), err)
			}
			sigs[i] = sig
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, sig := range sigs[1:] {
		if *sig != *sigs[0] {
			return nil, fmt.Errorf("signers returned different signatures for %s", storeID)
		}
	}
	if !Verify(info.PublicKey, message, *sigs[0]) {
		return nil, fmt.Errorf("signature of %s does not verify", storeID)
	}
	return sigs[0], nil
}
