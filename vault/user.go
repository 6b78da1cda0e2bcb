package vault

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/secretvault/api/clients"
	"github.com/ruteri/secretvault/blindfold"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/interfaces"
)

// UserClient acts for a user owning documents in builders' owned
// collections.
type UserClient struct {
	cluster  *Cluster
	kp       *cryptoutils.Keypair
	key      *blindfold.Key
	tokenTTL time.Duration
	log      *slog.Logger
}

func NewUserClient(kp *cryptoutils.Keypair, nodes []NodeConfig, key *blindfold.Key, tokenTTL time.Duration, log *slog.Logger) (*UserClient, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: no nodes configured", interfaces.ErrInvalidRequest)
	}
	if key.Nodes() != len(nodes) {
		return nil, fmt.Errorf("%w: key is for %d nodes, cluster has %d", blindfold.ErrInvalidKey, key.Nodes(), len(nodes))
	}
	return &UserClient{
		cluster:  NewCluster(nodes, RootTokens(kp, tokenTTL), log),
		kp:       kp,
		key:      key,
		tokenTTL: tokenTTL,
		log:      log,
	}, nil
}

func (u *UserClient) DID() interfaces.DID { return u.kp.DID() }

// CreateData stores records in a builder's owned collection using the
// builder's delegation. acl is granted on every record; an empty grantee
// means the delegating builder.
func (u *UserClient) CreateData(ctx context.Context, delegation, collection string, records []interfaces.Document, acl interfaces.ACL) ([]string, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no records", interfaces.ErrInvalidRequest)
	}
	perNode, ids, err := splitRecords(u.key, records)
	if err != nil {
		return nil, err
	}

	delegated := u.cluster.WithTokens(InvocationTokens(u.kp, delegation, u.tokenTTL))
	errs := delegated.Settle(ctx, func(ctx context.Context, i int, n *clients.NodeClient) error {
		_, err := n.CreateOwnedData(ctx, collection, perNode[i], acl)
		return err
	})
	if err := quorumError(errs); err != nil {
		for i, n := range u.cluster.nodes {
			if errs[i] != nil {
				continue
			}
			for _, id := range ids {
				if derr := n.DeleteUserData(ctx, collection, id); derr != nil {
					u.log.Error("rollback failed", slog.String("collection", collection), slog.String("id", id), slog.String("node", n.URL()), "err", derr)
				}
			}
		}
		return nil, err
	}
	return ids, nil
}

// ListData returns the references to the user's documents held by the
// first node.
func (u *UserClient) ListData(ctx context.Context) ([]interfaces.DataReference, error) {
	return u.cluster.nodes[0].UserData(ctx)
}

// ReadData reads one of the user's documents from every node and decrypts it.
func (u *UserClient) ReadData(ctx context.Context, collection, document string) (interfaces.Document, error) {
	docs, err := readRecords(ctx, u.cluster, u.key, u.log, collection, func(ctx context.Context, n *clients.NodeClient) ([]interfaces.Document, error) {
		doc, err := n.ReadUserData(ctx, collection, document)
		if err != nil {
			return nil, err
		}
		return []interfaces.Document{doc}, nil
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: document %s", interfaces.ErrNotFound, document)
	}
	return docs[0], nil
}

func (u *UserClient) DeleteData(ctx context.Context, collection, document string) error {
	return quorumError(u.cluster.Settle(ctx, func(ctx context.Context, _ int, n *clients.NodeClient) error {
		return n.DeleteUserData(ctx, collection, document)
	}))
}

// GrantAccess sets acl on the document on every node.
func (u *UserClient) GrantAccess(ctx context.Context, collection, document string, acl interfaces.ACL) error {
	if !acl.Grantee.Valid() {
		return fmt.Errorf("%w: invalid grantee", interfaces.ErrInvalidRequest)
	}
	return quorumError(u.cluster.Settle(ctx, func(ctx context.Context, _ int, n *clients.NodeClient) error {
		return n.GrantAccess(ctx, collection, document, acl)
	}))
}

// RevokeAccess removes grantee's entry from the document's ACL on every node.
func (u *UserClient) RevokeAccess(ctx context.Context, collection, document string, grantee interfaces.DID) error {
	return quorumError(u.cluster.Settle(ctx, func(ctx context.Context, _ int, n *clients.NodeClient) error {
		return n.RevokeAccess(ctx, collection, document, grantee)
	}))
}
