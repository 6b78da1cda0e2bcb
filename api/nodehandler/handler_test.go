package nodehandler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/secretvault/api"
	"github.com/ruteri/secretvault/api/clients"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/node"
	"github.com/ruteri/secretvault/nuc"
	"github.com/ruteri/secretvault/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testNode struct {
	server *httptest.Server
	did    interfaces.DID
}

func setupTestNode(t *testing.T) *testNode {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	kp, err := cryptoutils.GenerateKeypair()
	require.NoError(t, err)
	svc := node.NewService(kp, storage.NewMemoryDocumentStore(), logger)
	t.Cleanup(func() { svc.Close() })

	r := chi.NewRouter()
	NewHandler(svc, nuc.NewMemoryUsageTracker(), logger).RegisterRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &testNode{server: server, did: kp.DID()}
}

func rootTokens(kp *cryptoutils.Keypair) clients.TokenSource {
	return clients.TokenSourceFunc(func(node interfaces.DID, cmd string) (string, error) {
		return nuc.RootToken(kp, node, cmd, time.Minute)
	})
}

func newKeypair(t *testing.T) *cryptoutils.Keypair {
	t.Helper()
	kp, err := cryptoutils.GenerateKeypair()
	require.NoError(t, err)
	return kp
}

func TestAbout(t *testing.T) {
	n := setupTestNode(t)

	info, err := clients.NewNodeClient(n.server.URL, n.did, nil).About(context.Background())
	require.NoError(t, err)
	assert.Equal(t, n.did, info.DID)
	assert.NotEmpty(t, info.Version)
}

func TestAuthentication(t *testing.T) {
	n := setupTestNode(t)
	kp := newKeypair(t)

	resp, err := http.Get(n.server.URL + "/v1/builders/me")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Token addressed to another service.
	other := newKeypair(t)
	wrongAudience := clients.TokenSourceFunc(func(_ interfaces.DID, cmd string) (string, error) {
		return nuc.RootToken(kp, other.DID(), cmd, time.Minute)
	})
	_, err = clients.NewNodeClient(n.server.URL, n.did, wrongAudience).Builder(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)

	// Token for a narrower command than the route requires.
	readOnly := clients.TokenSourceFunc(func(node interfaces.DID, _ string) (string, error) {
		return nuc.RootToken(kp, node, api.CmdReadData, time.Minute)
	})
	_, err = clients.NewNodeClient(n.server.URL, n.did, readOnly).RegisterBuilder(context.Background(), "acme")
	assert.ErrorIs(t, err, interfaces.ErrForbidden)

	// Valid token, unregistered builder.
	_, err = clients.NewNodeClient(n.server.URL, n.did, rootTokens(kp)).ListCollections(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrForbidden)
}

func TestBuilderFlow(t *testing.T) {
	ctx := context.Background()
	n := setupTestNode(t)
	kp := newKeypair(t)
	c := clients.NewNodeClient(n.server.URL, n.did, rootTokens(kp))

	profile, err := c.RegisterBuilder(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, kp.DID(), profile.DID)

	_, err = c.RegisterBuilder(ctx, "acme")
	assert.ErrorIs(t, err, interfaces.ErrDuplicate)

	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{
		"type": "object",
		"properties": {"name": {"type": "string"}, "score": {"type": "integer"}},
		"required": ["name"]
	}`), &schema))

	coll, err := c.CreateCollection(ctx, interfaces.Collection{ID: uuid.NewString(), Name: "scores", Schema: schema})
	require.NoError(t, err)
	assert.Equal(t, kp.DID(), coll.Owner)

	created, err := c.CreateData(ctx, coll.ID, []interfaces.Document{
		{"_id": uuid.NewString(), "name": "alice", "score": 10},
		{"_id": uuid.NewString(), "name": "bob", "score": 20},
	})
	require.NoError(t, err)
	assert.Len(t, created, 2)

	_, err = c.CreateData(ctx, coll.ID, []interfaces.Document{{"_id": uuid.NewString(), "score": 1}})
	assert.ErrorIs(t, err, interfaces.ErrInvalidRequest)

	docs, err := c.ReadData(ctx, coll.ID, interfaces.Filter{"score": map[string]any{"$gt": 15}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "bob", docs[0]["name"])

	res, err := c.UpdateData(ctx, coll.ID, interfaces.Filter{"name": "alice"}, interfaces.Document{"score": 30})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Modified)

	meta, err := c.Collection(ctx, coll.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Count)

	q, err := c.CreateQuery(ctx, interfaces.Query{
		Name:       "total",
		Collection: coll.ID,
		Pipeline:   []map[string]any{{"$group": map[string]any{"_id": nil, "total": map[string]any{"$sum": "$score"}}}},
	})
	require.NoError(t, err)

	run, err := c.RunQuery(ctx, q.ID, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		run, err = c.QueryRun(ctx, run.ID)
		return err == nil && run.Status == interfaces.RunComplete
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, run.Result, 1)
	assert.EqualValues(t, 50, run.Result[0]["total"])

	deleted, err := c.DeleteData(ctx, coll.ID, interfaces.Filter{"name": "bob"})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	require.NoError(t, c.DeleteCollection(ctx, coll.ID))
	_, err = c.Collection(ctx, coll.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestOwnedDataFlow(t *testing.T) {
	ctx := context.Background()
	n := setupTestNode(t)
	builderKP := newKeypair(t)
	userKP := newKeypair(t)

	bc := clients.NewNodeClient(n.server.URL, n.did, rootTokens(builderKP))
	_, err := bc.RegisterBuilder(ctx, "acme")
	require.NoError(t, err)
	coll, err := bc.CreateCollection(ctx, interfaces.Collection{
		ID:     uuid.NewString(),
		Type:   interfaces.OwnedCollection,
		Name:   "notes",
		Schema: map[string]any{"type": "object"},
	})
	require.NoError(t, err)

	delegation, err := nuc.Delegate(builderKP, "", userKP.DID(), api.CmdCreateOwnedData, time.Hour, 1)
	require.NoError(t, err)
	delegated := clients.TokenSourceFunc(func(node interfaces.DID, cmd string) (string, error) {
		return nuc.Invoke(userKP, delegation, node, cmd, time.Minute)
	})
	uc := clients.NewNodeClient(n.server.URL, n.did, delegated)

	docID := uuid.NewString()
	_, err = uc.CreateOwnedData(ctx, coll.ID, []interfaces.Document{{"_id": docID, "text": "hello"}}, interfaces.ACL{Read: true})
	require.NoError(t, err)

	// The delegation allowed a single use.
	_, err = uc.CreateOwnedData(ctx, coll.ID, []interfaces.Document{{"_id": uuid.NewString(), "text": "again"}}, interfaces.ACL{})
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)

	// The user manages its own data with self-issued tokens.
	self := uc.WithTokens(rootTokens(userKP))
	refs, err := self.UserData(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, builderKP.DID(), refs[0].Builder)

	doc, err := self.ReadUserData(ctx, coll.ID, docID)
	require.NoError(t, err)
	assert.Equal(t, "hello", doc["text"])

	docs, err := bc.ReadData(ctx, coll.ID, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	require.NoError(t, self.RevokeAccess(ctx, coll.ID, docID, builderKP.DID()))
	docs, err = bc.ReadData(ctx, coll.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, docs)

	require.NoError(t, self.GrantAccess(ctx, coll.ID, docID, interfaces.ACL{Grantee: builderKP.DID(), Read: true}))
	docs, err = bc.ReadData(ctx, coll.ID, nil)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	require.NoError(t, self.DeleteUserData(ctx, coll.ID, docID))
	_, err = self.ReadUserData(ctx, coll.ID, docID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestMalformedBody(t *testing.T) {
	n := setupTestNode(t)
	kp := newKeypair(t)

	token, err := nuc.RootToken(kp, n.did, api.CmdRegisterBuilder, time.Minute)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, n.server.URL+"/v1/builders/register", strings.NewReader("{"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body api.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Error, "malformed json")
}
