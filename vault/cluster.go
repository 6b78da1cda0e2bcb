package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/secretvault/api/clients"
	"github.com/ruteri/secretvault/blindfold"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/metrics"
	"github.com/ruteri/secretvault/nuc"
	"golang.org/x/sync/errgroup"
)

// Cluster is an ordered set of storage nodes.
type Cluster struct {
	nodes []*clients.NodeClient
	log   *slog.Logger
}

// NewCluster creates node clients authenticating with tokens.
func NewCluster(nodes []NodeConfig, tokens clients.TokenSource, log *slog.Logger, timeout ...time.Duration) *Cluster {
	c := &Cluster{log: log}
	for _, n := range nodes {
		c.nodes = append(c.nodes, clients.NewNodeClient(n.URL, n.DID, tokens, timeout...))
	}
	return c
}

// RootTokens signs a fresh root token for every request.
func RootTokens(kp *cryptoutils.Keypair, ttl time.Duration) clients.TokenSource {
	return clients.TokenSourceFunc(func(node interfaces.DID, command string) (string, error) {
		return nuc.RootToken(kp, node, command, ttl)
	})
}

// InvocationTokens invokes delegation for every request.
func InvocationTokens(kp *cryptoutils.Keypair, delegation string, ttl time.Duration) clients.TokenSource {
	return clients.TokenSourceFunc(func(node interfaces.DID, command string) (string, error) {
		return nuc.Invoke(kp, delegation, node, command, ttl)
	})
}

func (c *Cluster) Size() int                    { return len(c.nodes) }
func (c *Cluster) Nodes() []*clients.NodeClient { return c.nodes }

// WithTokens returns a view of the cluster authenticating with tokens.
func (c *Cluster) WithTokens(tokens clients.TokenSource) *Cluster {
	cp := &Cluster{log: c.log, nodes: make([]*clients.NodeClient, len(c.nodes))}
	for i, n := range c.nodes {
		cp.nodes[i] = n.WithTokens(tokens)
	}
	return cp
}

// All runs fn on every node concurrently and fails on the first error.
func (c *Cluster) All(ctx context.Context, fn func(ctx context.Context, i int, n *clients.NodeClient) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, n := range c.nodes {
		g.Go(func() error {
			if err := fn(gctx, i, n); err != nil {
				return fmt.Errorf("node %s: %w", n.URL(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Settle runs fn on every node concurrently and returns the per-node errors.
// A slow or failing node does not cancel the others.
func (c *Cluster) Settle(ctx context.Context, fn func(ctx context.Context, i int, n *clients.NodeClient) error) []error {
	errs := make([]error, len(c.nodes))
	var wg sync.WaitGroup
	for i, n := range c.nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx, i, n); err != nil {
				errs[i] = fmt.Errorf("node %s: %w", n.URL(), err)
			}
		}()
	}
	wg.Wait()
	return errs
}

// settled counts the nil entries of errs.
func settled(errs []error) int {
	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		}
	}
	return ok
}

// quorumError wraps the node errors of an operation that needed every node.
func quorumError(errs []error) error {
	if settled(errs) == len(errs) {
		return nil
	}
	return fmt.Errorf("%w: %w", interfaces.ErrQuorumNotReached, errors.Join(errs...))
}

// reducer groups per-node documents by _id, keeping the first-seen order.
type reducer struct {
	nodes  int
	order  []string
	groups map[string][]map[string]any
}

func newReducer(nodes int) *reducer {
	return &reducer{nodes: nodes, groups: make(map[string][]map[string]any)}
}

func (r *reducer) add(node int, key string, doc map[string]any) {
	g, ok := r.groups[key]
	if !ok {
		g = make([]map[string]any, r.nodes)
		r.groups[key] = g
		r.order = append(r.order, key)
	}
	if g[node] == nil {
		g[node] = doc
	}
}

// unify decrypts every group that reached the key's quorum. Groups with too
// few contributions are logged, counted and dropped.
func (r *reducer) unify(key *blindfold.Key, log *slog.Logger, collection string) ([]interfaces.Document, error) {
	out := make([]interfaces.Document, 0, len(r.order))
	dropped := 0
	for _, id := range r.order {
		group := r.groups[id]
		present := 0
		for _, d := range group {
			if d != nil {
				present++
			}
		}
		if present < key.RequiredShares() {
			dropped++
			log.Warn("dropping record without quorum",
				slog.String("collection", collection),
				slog.String("id", id),
				slog.Int("shares", present),
				slog.Int("required", key.RequiredShares()))
			continue
		}

		doc, err := key.Unify(group)
		if err != nil {
			return nil, fmt.Errorf("could not unify record %s: %w", id, err)
		}
		out = append(out, doc)
	}
	if dropped > 0 {
		metrics.QuorumDropped(collection, dropped)
	}
	return out, nil
}

// recordKey is the grouping key of a document: its _id, JSON encoded when it
// is not a string (such as the _id of a $group stage).
func recordKey(doc map[string]any) (string, bool) {
	id, ok := doc["_id"]
	if !ok {
		return "", false
	}
	if s, ok := id.(string); ok {
		return s, true
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return "", false
	}
	return string(raw), true
}
