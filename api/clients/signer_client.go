package clients

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ruteri/secretvault/api"
	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/signing"
)

// SignerClient calls the HTTP API of a signer node. It implements
// signing.SignerAPI so a Coordinator can drive remote nodes.
type SignerClient struct {
	node *NodeClient
}

var _ signing.SignerAPI = (*SignerClient)(nil)

func NewSignerClient(baseURL string, did interfaces.DID, tokens TokenSource, timeout ...time.Duration) *SignerClient {
	return &SignerClient{node: NewNodeClient(baseURL, did, tokens, timeout...)}
}

// DialSigner creates a client for the signer at baseURL, learning its DID
// from the about endpoint.
func DialSigner(ctx context.Context, baseURL string, tokens TokenSource, timeout ...time.Duration) (*SignerClient, error) {
	info, err := NewNodeClient(baseURL, "", nil, timeout...).About(ctx)
	if err != nil {
		return nil, err
	}
	return NewSignerClient(baseURL, info.DID, tokens, timeout...), nil
}

func (c *SignerClient) DID() interfaces.DID { return c.node.DID() }
func (c *SignerClient) URL() string         { return c.node.URL() }

func (c *SignerClient) Keygen(ctx context.Context, req signing.KeygenRequest) (*interfaces.KeyInfo, error) {
	var info interfaces.KeyInfo
	if err := c.node.do(ctx, http.MethodPost, "/v1/tss/keygen", api.CmdTSSKeygen, req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *SignerClient) Sign(ctx context.Context, req signing.SignRequest) (*interfaces.Signature, error) {
	var sig interfaces.Signature
	if err := c.node.do(ctx, http.MethodPost, "/v1/tss/sign", api.CmdTSSSign, req, &sig); err != nil {
		return nil, err
	}
	return &sig, nil
}

func (c *SignerClient) Key(ctx context.Context, storeID string) (*interfaces.KeyInfo, error) {
	var info interfaces.KeyInfo
	if err := c.node.do(ctx, http.MethodGet, "/v1/tss/keys/"+url.PathEscape(storeID), api.CmdTSSReadKey, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// NewCoordinator drives the signer cluster cfg over HTTP, authenticating
// with tokens.
func NewCoordinator(cfg *signing.ClusterConfig, tokens TokenSource, log *slog.Logger, timeout ...time.Duration) (*signing.Coordinator, error) {
	nodes := make([]signing.SignerAPI, len(cfg.Peers))
	for i, p := range cfg.Peers {
		nodes[i] = NewSignerClient(p.URL, p.DID, tokens, timeout...)
	}
	return signing.NewCoordinator(nodes, cfg.Threshold, log)
}
