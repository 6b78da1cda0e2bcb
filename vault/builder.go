package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/secretvault/api"
	"github.com/ruteri/secretvault/api/clients"
	"github.com/ruteri/secretvault/blindfold"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/docquery"
	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/nuc"
)

// DefaultPollIntervals are the waits between query run polls. The last
// interval repeats until the context ends.
var DefaultPollIntervals = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}

// BuilderClient acts for a registered builder across a cluster.
type BuilderClient struct {
	cluster *Cluster
	kp      *cryptoutils.Keypair
	key     *blindfold.Key
	log     *slog.Logger

	PollIntervals []time.Duration
}

// NewBuilderClient creates a client for the builder kp. The key must be
// created for exactly len(nodes) nodes.
func NewBuilderClient(kp *cryptoutils.Keypair, nodes []NodeConfig, key *blindfold.Key, tokenTTL time.Duration, log *slog.Logger) (*BuilderClient, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: no nodes configured", interfaces.ErrInvalidRequest)
	}
	if key.Nodes() != len(nodes) {
		return nil, fmt.Errorf("%w: key is for %d nodes, cluster has %d", blindfold.ErrInvalidKey, key.Nodes(), len(nodes))
	}
	return &BuilderClient{
		cluster:       NewCluster(nodes, RootTokens(kp, tokenTTL), log),
		kp:            kp,
		key:           key,
		log:           log,
		PollIntervals: DefaultPollIntervals,
	}, nil
}

// NewBuilderClientFromConfig resolves the cluster (discovering it when
// configured) and builds the record key.
func NewBuilderClientFromConfig(ctx context.Context, cfg *Config, log *slog.Logger) (*BuilderClient, error) {
	kp, err := cryptoutils.KeypairFromHex(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	nodes, err := ResolveNodes(ctx, cfg)
	if err != nil {
		return nil, err
	}
	key, err := cfg.Key.BlindfoldKey(len(nodes))
	if err != nil {
		return nil, err
	}
	return NewBuilderClient(kp, nodes, key, cfg.TokenTTL, log)
}

// ResolveNodes returns the configured nodes or discovers them.
func ResolveNodes(ctx context.Context, cfg *Config) ([]NodeConfig, error) {
	if cfg.Discovery == nil {
		return cfg.Nodes, nil
	}
	return Discover(ctx, *cfg.Discovery)
}

func (b *BuilderClient) DID() interfaces.DID { return b.kp.DID() }
func (b *BuilderClient) Key() *blindfold.Key { return b.key }
func (b *BuilderClient) Cluster() *Cluster   { return b.cluster }

// Register registers the builder on every node. Nodes that already know the
// builder are left as they are.
func (b *BuilderClient) Register(ctx context.Context, name string) error {
	return b.cluster.All(ctx, func(ctx context.Context, _ int, n *clients.NodeClient) error {
		_, err := n.RegisterBuilder(ctx, name)
		if errors.Is(err, interfaces.ErrDuplicate) {
			return nil
		}
		return err
	})
}

// Profile returns the builder profile held by the first node.
func (b *BuilderClient) Profile(ctx context.Context) (*interfaces.BuilderProfile, error) {
	return b.cluster.nodes[0].Builder(ctx)
}

// Unregister removes the builder and everything it owns from every node.
func (b *BuilderClient) Unregister(ctx context.Context) error {
	return quorumError(b.cluster.Settle(ctx, func(ctx context.Context, _ int, n *clients.NodeClient) error {
		return n.DeleteBuilder(ctx)
	}))
}

// CreateCollection creates coll with the same _id on every node. If any
// node rejects it, the nodes that accepted are cleaned up.
func (b *BuilderClient) CreateCollection(ctx context.Context, coll interfaces.Collection) (*interfaces.Collection, error) {
	if coll.ID == "" {
		coll.ID = uuid.NewString()
	}

	created := make([]*interfaces.Collection, b.cluster.Size())
	errs := b.cluster.Settle(ctx, func(ctx context.Context, i int, n *clients.NodeClient) error {
		c, err := n.CreateCollection(ctx, coll)
		created[i] = c
		return err
	})
	if err := quorumError(errs); err != nil {
		b.rollback(errs, "collection", coll.ID, func(ctx context.Context, n *clients.NodeClient) error {
			return n.DeleteCollection(ctx, coll.ID)
		})
		return nil, err
	}
	return created[0], nil
}

// ListCollections returns the builder's collections present on every node,
// in the order of the first node.
func (b *BuilderClient) ListCollections(ctx context.Context) ([]interfaces.Collection, error) {
	lists := make([][]interfaces.Collection, b.cluster.Size())
	err := b.cluster.All(ctx, func(ctx context.Context, i int, n *clients.NodeClient) error {
		l, err := n.ListCollections(ctx)
		lists[i] = l
		return err
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]int)
	for _, l := range lists {
		for _, c := range l {
			seen[c.ID]++
		}
	}
	out := make([]interfaces.Collection, 0, len(lists[0]))
	for _, c := range lists[0] {
		if seen[c.ID] == len(lists) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Collection returns the metadata of a collection. Count is the smallest
// count reported by any node.
func (b *BuilderClient) Collection(ctx context.Context, id string) (*interfaces.CollectionMetadata, error) {
	metas := make([]*interfaces.CollectionMetadata, b.cluster.Size())
	err := b.cluster.All(ctx, func(ctx context.Context, i int, n *clients.NodeClient) error {
		m, err := n.Collection(ctx, id)
		metas[i] = m
		return err
	})
	if err != nil {
		return nil, err
	}

	out := *metas[0]
	for _, m := range metas[1:] {
		out.Count = min(out.Count, m.Count)
	}
	return &out, nil
}

// EnsureCollection returns the id of the builder's standard collection
// called name, creating it with schema when it does not exist yet.
func (b *BuilderClient) EnsureCollection(ctx context.Context, name string, schema map[string]any) (string, error) {
	colls, err := b.ListCollections(ctx)
	if err != nil {
		return "", err
	}
	for _, c := range colls {
		if c.Name == name {
			return c.ID, nil
		}
	}

	c, err := b.CreateCollection(ctx, interfaces.Collection{
		Type:   interfaces.StandardCollection,
		Name:   name,
		Schema: schema,
	})
	if err != nil {
		return "", err
	}
	b.log.Info("created collection", slog.String("name", name), slog.String("id", c.ID))
	return c.ID, nil
}

// DeleteCollection drops a collection and its records on every node.
func (b *BuilderClient) DeleteCollection(ctx context.Context, id string) error {
	return quorumError(b.cluster.Settle(ctx, func(ctx context.Context, _ int, n *clients.NodeClient) error {
		return n.DeleteCollection(ctx, id)
	}))
}

// splitRecords assigns missing ids and allots every record. The result is
// indexed by node.
func splitRecords(key *blindfold.Key, records []interfaces.Document) ([][]interfaces.Document, []string, error) {
	perNode := make([][]interfaces.Document, key.Nodes())
	ids := make([]string, len(records))
	for i, rec := range records {
		rec = docquery.Clone(rec).(map[string]any)
		id, ok := rec["_id"].(string)
		if !ok || id == "" {
			if _, present := rec["_id"]; present {
				return nil, nil, fmt.Errorf("%w: record %d has a non-string _id", interfaces.ErrInvalidRequest, i)
			}
			id = uuid.NewString()
			rec["_id"] = id
		}
		ids[i] = id

		shares, err := key.Allot(rec)
		if err != nil {
			return nil, nil, fmt.Errorf("record %d: %w", i, err)
		}
		for n := range perNode {
			perNode[n] = append(perNode[n], shares[n])
		}
	}
	return perNode, ids, nil
}

// CreateRecords splits records into share sets and writes share set i to
// node i. It succeeds only if every node accepted; otherwise the records
// are removed from the nodes that did and ErrQuorumNotReached is returned.
func (b *BuilderClient) CreateRecords(ctx context.Context, collection string, records []interfaces.Document) ([]string, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no records", interfaces.ErrInvalidRequest)
	}
	perNode, ids, err := splitRecords(b.key, records)
	if err != nil {
		return nil, err
	}

	errs := b.cluster.Settle(ctx, func(ctx context.Context, i int, n *clients.NodeClient) error {
		_, err := n.CreateData(ctx, collection, perNode[i])
		return err
	})
	if err := quorumError(errs); err != nil {
		b.rollback(errs, "records", collection, func(ctx context.Context, n *clients.NodeClient) error {
			_, err := n.DeleteData(ctx, collection, idFilter(ids))
			return err
		})
		return nil, err
	}
	return ids, nil
}

// rollback undoes a partially applied write on the nodes whose errs entry
// is nil. Failures are only logged.
func (b *BuilderClient) rollback(errs []error, kind, id string, undo func(ctx context.Context, n *clients.NodeClient) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i, n := range b.cluster.nodes {
		if errs[i] != nil {
			continue
		}
		if err := undo(ctx, n); err != nil {
			b.log.Error("rollback failed", slog.String("kind", kind), slog.String("id", id), slog.String("node", n.URL()), "err", err)
		}
	}
}

func idFilter(ids []string) interfaces.Filter {
	in := make([]any, len(ids))
	for i, id := range ids {
		in[i] = id
	}
	return interfaces.Filter{"_id": map[string]any{"$in": in}}
}

// FindRecords reads matching records from every node, reduces them by _id
// and returns the decrypted records that have shares from enough nodes.
// Unreachable nodes are tolerated as long as the key's quorum can still be
// met.
func (b *BuilderClient) FindRecords(ctx context.Context, collection string, filter interfaces.Filter) ([]interfaces.Document, error) {
	if filter == nil {
		filter = interfaces.Filter{}
	}
	return readRecords(ctx, b.cluster, b.key, b.log, collection, func(ctx context.Context, n *clients.NodeClient) ([]interfaces.Document, error) {
		return n.ReadData(ctx, collection, filter)
	})
}

func readRecords(ctx context.Context, c *Cluster, key *blindfold.Key, log *slog.Logger, collection string, read func(ctx context.Context, n *clients.NodeClient) ([]interfaces.Document, error)) ([]interfaces.Document, error) {
	r := newReducer(c.Size())
	results := make([][]interfaces.Document, c.Size())
	errs := c.Settle(ctx, func(ctx context.Context, i int, n *clients.NodeClient) error {
		docs, err := read(ctx, n)
		results[i] = docs
		return err
	})
	if settled(errs) < key.RequiredShares() {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrQuorumNotReached, errors.Join(errs...))
	}
	for i, err := range errs {
		if err != nil {
			log.Warn("node read failed", slog.String("collection", collection), "err", err)
			continue
		}
		for _, doc := range results[i] {
			if id, ok := recordKey(doc); ok {
				r.add(i, id, doc)
			}
		}
	}
	return r.unify(key, log, collection)
}

// UpdateRecords applies set to every matching record on every node. Values
// in set may be {"%allot": ...} markers.
func (b *BuilderClient) UpdateRecords(ctx context.Context, collection string, filter interfaces.Filter, set interfaces.Document) (interfaces.UpdateResult, error) {
	if len(set) == 0 {
		return interfaces.UpdateResult{}, fmt.Errorf("%w: empty update", interfaces.ErrInvalidRequest)
	}
	if filter == nil {
		filter = interfaces.Filter{}
	}
	sets, err := b.key.Allot(set)
	if err != nil {
		return interfaces.UpdateResult{}, err
	}

	results := make([]interfaces.UpdateResult, b.cluster.Size())
	errs := b.cluster.Settle(ctx, func(ctx context.Context, i int, n *clients.NodeClient) error {
		res, err := n.UpdateData(ctx, collection, filter, sets[i])
		results[i] = res
		return err
	})
	if err := quorumError(errs); err != nil {
		return interfaces.UpdateResult{}, err
	}
	return results[0], nil
}

// DeleteRecords removes matching records from every node and returns the
// largest count any node reported.
func (b *BuilderClient) DeleteRecords(ctx context.Context, collection string, filter interfaces.Filter) (int, error) {
	counts := make([]int, b.cluster.Size())
	errs := b.cluster.Settle(ctx, func(ctx context.Context, i int, n *clients.NodeClient) error {
		c, err := n.DeleteData(ctx, collection, filter)
		counts[i] = c
		return err
	})
	deleted := 0
	for _, c := range counts {
		deleted = max(deleted, c)
	}
	return deleted, quorumError(errs)
}

// DelegateUser mints a token allowing user to create owned data in this
// builder's collections, valid for ttl and maxUses creations per node.
func (b *BuilderClient) DelegateUser(user interfaces.DID, ttl time.Duration, maxUses int) (string, error) {
	if !user.Valid() {
		return "", fmt.Errorf("%w: invalid user did", interfaces.ErrInvalidRequest)
	}
	return nuc.Delegate(b.kp, "", user, api.CmdCreateOwnedData, ttl, maxUses)
}
