package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/secretvault/api"
	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/metrics"
)

// TokenSource mints the bearer token for one request to a node.
type TokenSource interface {
	Token(node interfaces.DID, command string) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(node interfaces.DID, command string) (string, error)

func (f TokenSourceFunc) Token(node interfaces.DID, command string) (string, error) {
	return f(node, command)
}

// NodeClient calls the HTTP API of a single storage node.
type NodeClient struct {
	baseURL    string
	did        interfaces.DID
	tokens     TokenSource
	httpClient *http.Client
}

// NewNodeClient creates a client for the node at baseURL identified by did.
// The timeout defaults to 30 seconds.
func NewNodeClient(baseURL string, did interfaces.DID, tokens TokenSource, timeout ...time.Duration) *NodeClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &NodeClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		did:     did,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

func (c *NodeClient) DID() interfaces.DID { return c.did }
func (c *NodeClient) URL() string         { return c.baseURL }

// WithTokens returns a copy of c authenticating with tokens.
func (c *NodeClient) WithTokens(tokens TokenSource) *NodeClient {
	cp := *c
	cp.tokens = tokens
	return &cp
}

// do sends a request and decodes a JSON response into out. command selects
// the token; an empty command sends no token.
func (c *NodeClient) do(ctx context.Context, method, path, command string, body, out any) (err error) {
	defer func() { metrics.NodeRequest(c.baseURL, command, err) }()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if command != "" {
		if c.tokens == nil {
			return fmt.Errorf("%w: no token source configured", interfaces.ErrUnauthorized)
		}
		token, err := c.tokens.Token(c.did, command)
		if err != nil {
			return fmt.Errorf("could not mint token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read node response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return api.ErrorForStatus(resp.StatusCode, respBody)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse node response: %w", err)
	}
	return nil
}

func (c *NodeClient) About(ctx context.Context) (*interfaces.NodeInfo, error) {
	var info interfaces.NodeInfo
	if err := c.do(ctx, http.MethodGet, "/about", "", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *NodeClient) RegisterBuilder(ctx context.Context, name string) (*interfaces.BuilderProfile, error) {
	var profile interfaces.BuilderProfile
	err := c.do(ctx, http.MethodPost, "/v1/builders/register", api.CmdRegisterBuilder, api.RegisterBuilderRequest{Name: name}, &profile)
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (c *NodeClient) Builder(ctx context.Context) (*interfaces.BuilderProfile, error) {
	var profile interfaces.BuilderProfile
	if err := c.do(ctx, http.MethodGet, "/v1/builders/me", api.CmdReadBuilder, nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (c *NodeClient) DeleteBuilder(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/v1/builders/me", api.CmdDeleteBuilder, nil, nil)
}

func (c *NodeClient) CreateCollection(ctx context.Context, coll interfaces.Collection) (*interfaces.Collection, error) {
	var created interfaces.Collection
	if err := c.do(ctx, http.MethodPost, "/v1/collections", api.CmdCreateCollection, coll, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *NodeClient) ListCollections(ctx context.Context) ([]interfaces.Collection, error) {
	var list []interfaces.Collection
	if err := c.do(ctx, http.MethodGet, "/v1/collections", api.CmdReadCollection, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *NodeClient) Collection(ctx context.Context, id string) (*interfaces.CollectionMetadata, error) {
	var meta interfaces.CollectionMetadata
	if err := c.do(ctx, http.MethodGet, "/v1/collections/"+url.PathEscape(id), api.CmdReadCollection, nil, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (c *NodeClient) DeleteCollection(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/collections/"+url.PathEscape(id), api.CmdDeleteCollection, nil, nil)
}

func (c *NodeClient) CreateData(ctx context.Context, collection string, docs []interfaces.Document) ([]string, error) {
	var resp api.CreateDataResponse
	err := c.do(ctx, http.MethodPost, "/v1/data/create", api.CmdCreateData, api.CreateDataRequest{Collection: collection, Data: docs}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Created, nil
}

func (c *NodeClient) ReadData(ctx context.Context, collection string, filter interfaces.Filter) ([]interfaces.Document, error) {
	var resp api.ReadDataResponse
	err := c.do(ctx, http.MethodPost, "/v1/data/read", api.CmdReadData, api.ReadDataRequest{Collection: collection, Filter: filter}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *NodeClient) UpdateData(ctx context.Context, collection string, filter interfaces.Filter, set interfaces.Document) (interfaces.UpdateResult, error) {
	var res interfaces.UpdateResult
	err := c.do(ctx, http.MethodPost, "/v1/data/update", api.CmdUpdateData, api.UpdateDataRequest{Collection: collection, Filter: filter, Set: set}, &res)
	return res, err
}

func (c *NodeClient) DeleteData(ctx context.Context, collection string, filter interfaces.Filter) (int, error) {
	var resp api.DeleteDataResponse
	err := c.do(ctx, http.MethodPost, "/v1/data/delete", api.CmdDeleteData, api.DeleteDataRequest{Collection: collection, Filter: filter}, &resp)
	return resp.Deleted, err
}

func (c *NodeClient) CreateOwnedData(ctx context.Context, collection string, docs []interfaces.Document, acl interfaces.ACL) ([]string, error) {
	var resp api.CreateDataResponse
	req := api.CreateOwnedDataRequest{Collection: collection, Data: docs, ACL: acl}
	if err := c.do(ctx, http.MethodPost, "/v1/data/owned", api.CmdCreateOwnedData, req, &resp); err != nil {
		return nil, err
	}
	return resp.Created, nil
}

func (c *NodeClient) UserData(ctx context.Context) ([]interfaces.DataReference, error) {
	var resp api.UserDataResponse
	if err := c.do(ctx, http.MethodGet, "/v1/users/me/data", api.CmdReadUserData, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func userDataPath(collection, document string) string {
	return "/v1/users/me/data/" + url.PathEscape(collection) + "/" + url.PathEscape(document)
}

func (c *NodeClient) ReadUserData(ctx context.Context, collection, document string) (interfaces.Document, error) {
	var doc interfaces.Document
	if err := c.do(ctx, http.MethodGet, userDataPath(collection, document), api.CmdReadUserData, nil, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *NodeClient) DeleteUserData(ctx context.Context, collection, document string) error {
	return c.do(ctx, http.MethodDelete, userDataPath(collection, document), api.CmdDeleteUserData, nil, nil)
}

func (c *NodeClient) GrantAccess(ctx context.Context, collection, document string, acl interfaces.ACL) error {
	req := api.GrantAccessRequest{Collection: collection, Document: document, ACL: acl}
	return c.do(ctx, http.MethodPost, "/v1/users/me/data/acl/grant", api.CmdUserACL, req, nil)
}

func (c *NodeClient) RevokeAccess(ctx context.Context, collection, document string, grantee interfaces.DID) error {
	req := api.RevokeAccessRequest{Collection: collection, Document: document, Grantee: grantee}
	return c.do(ctx, http.MethodPost, "/v1/users/me/data/acl/revoke", api.CmdUserACL, req, nil)
}

func (c *NodeClient) CreateQuery(ctx context.Context, q interfaces.Query) (*interfaces.Query, error) {
	var created interfaces.Query
	if err := c.do(ctx, http.MethodPost, "/v1/queries", api.CmdCreateQuery, q, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *NodeClient) ListQueries(ctx context.Context) ([]interfaces.Query, error) {
	var list []interfaces.Query
	if err := c.do(ctx, http.MethodGet, "/v1/queries", api.CmdReadQuery, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *NodeClient) DeleteQuery(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/queries/"+url.PathEscape(id), api.CmdDeleteQuery, nil, nil)
}

func (c *NodeClient) RunQuery(ctx context.Context, id string, variables map[string]any) (*interfaces.QueryRun, error) {
	var run interfaces.QueryRun
	if err := c.do(ctx, http.MethodPost, "/v1/queries/run", api.CmdRunQuery, api.RunQueryRequest{ID: id, Variables: variables}, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *NodeClient) QueryRun(ctx context.Context, id string) (*interfaces.QueryRun, error) {
	var run interfaces.QueryRun
	if err := c.do(ctx, http.MethodGet, "/v1/queries/runs/"+url.PathEscape(id), api.CmdReadQuery, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}
