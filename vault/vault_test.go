package vault

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/secretvault/api/nodehandler"
	"github.com/ruteri/secretvault/blindfold"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/node"
	"github.com/ruteri/secretvault/nuc"
	"github.com/ruteri/secretvault/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const employeeSchema = `{
	"type": "object",
	"properties": {
		"_id": {"type": "string", "format": "uuid"},
		"name": {"type": "string"},
		"dept": {"type": "string"},
		"salary": {"type": "object", "properties": {"%share": {}}, "required": ["%share"]}
	},
	"required": ["_id", "name", "salary"]
}`

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type testCluster struct {
	servers []*httptest.Server
	nodes   []NodeConfig
}

func setupCluster(t *testing.T, size int) *testCluster {
	t.Helper()
	tc := &testCluster{}
	for i := 0; i < size; i++ {
		kp, err := cryptoutils.GenerateKeypair()
		require.NoError(t, err)
		svc := node.NewService(kp, storage.NewMemoryDocumentStore(), testLogger)
		t.Cleanup(func() { svc.Close() })

		r := chi.NewRouter()
		nodehandler.NewHandler(svc, nuc.NewMemoryUsageTracker(), testLogger).RegisterRoutes(r)
		server := httptest.NewServer(r)
		t.Cleanup(server.Close)

		tc.servers = append(tc.servers, server)
		tc.nodes = append(tc.nodes, NodeConfig{URL: server.URL, DID: kp.DID()})
	}
	return tc
}

func newKeypair(t *testing.T) *cryptoutils.Keypair {
	t.Helper()
	kp, err := cryptoutils.GenerateKeypair()
	require.NoError(t, err)
	return kp
}

func newBuilderClient(t *testing.T, tc *testCluster, key *blindfold.Key) *BuilderClient {
	t.Helper()
	b, err := NewBuilderClient(newKeypair(t), tc.nodes, key, time.Minute, testLogger)
	require.NoError(t, err)
	b.PollIntervals = []time.Duration{10 * time.Millisecond}
	require.NoError(t, b.Register(context.Background(), "acme"))
	return b
}

func clusterKey(t *testing.T, nodes int, op blindfold.Operation, threshold int) *blindfold.Key {
	t.Helper()
	key, err := blindfold.NewClusterKey(nodes, op, threshold)
	require.NoError(t, err)
	return key
}

func createCollection(t *testing.T, b *BuilderClient, typ interfaces.CollectionType) string {
	t.Helper()
	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(employeeSchema), &schema))
	c, err := b.CreateCollection(context.Background(), interfaces.Collection{Type: typ, Name: "employees", Schema: schema})
	require.NoError(t, err)
	return c.ID
}

func employee(name, dept string, salary int) interfaces.Document {
	return interfaces.Document{
		"name":   name,
		"dept":   dept,
		"salary": map[string]any{blindfold.AllotKey: salary},
	}
}

func byName(docs []interfaces.Document) map[string]interfaces.Document {
	out := make(map[string]interfaces.Document, len(docs))
	for _, d := range docs {
		out[d["name"].(string)] = d
	}
	return out
}

func TestBuilderClientKeyMismatch(t *testing.T) {
	tc := setupCluster(t, 2)
	_, err := NewBuilderClient(newKeypair(t), tc.nodes, clusterKey(t, 3, blindfold.OpStore, 0), time.Minute, testLogger)
	assert.ErrorIs(t, err, blindfold.ErrInvalidKey)
}

func TestCreateAndFindRecords(t *testing.T) {
	ctx := context.Background()
	tc := setupCluster(t, 3)
	b := newBuilderClient(t, tc, clusterKey(t, 3, blindfold.OpStore, 0))
	coll := createCollection(t, b, interfaces.StandardCollection)

	ids, err := b.CreateRecords(ctx, coll, []interfaces.Document{
		employee("alice", "eng", 100),
		employee("bob", "ops", 80),
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	// Nodes only hold shares.
	raw, err := b.Cluster().Nodes()[0].ReadData(ctx, coll, interfaces.Filter{"name": "alice"})
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.True(t, blindfold.IsShare(raw[0]["salary"]))

	docs, err := b.FindRecords(ctx, coll, nil)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	named := byName(docs)
	assert.EqualValues(t, 100, named["alice"]["salary"])
	assert.EqualValues(t, 80, named["bob"]["salary"])
	assert.Equal(t, ids[0], named["alice"]["_id"])

	docs, err = b.FindRecords(ctx, coll, interfaces.Filter{"dept": "ops"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "bob", docs[0]["name"])

	profile, err := b.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.DID(), profile.DID)
	assert.Contains(t, profile.Collections, coll)

	meta, err := b.Collection(ctx, coll)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Count)

	colls, err := b.ListCollections(ctx)
	require.NoError(t, err)
	require.Len(t, colls, 1)
	assert.Equal(t, coll, colls[0].ID)
}

func TestFindRecordsDropsIncompleteRecords(t *testing.T) {
	ctx := context.Background()
	tc := setupCluster(t, 3)
	key := clusterKey(t, 3, blindfold.OpStore, 0)
	b := newBuilderClient(t, tc, key)
	coll := createCollection(t, b, interfaces.StandardCollection)

	_, err := b.CreateRecords(ctx, coll, []interfaces.Document{employee("alice", "eng", 100)})
	require.NoError(t, err)

	// A record only two nodes know about.
	partial := employee("mallory", "eng", 1)
	partial["_id"] = uuid.NewString()
	shares, err := key.Allot(partial)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := b.Cluster().Nodes()[i].CreateData(ctx, coll, []interfaces.Document{shares[i]})
		require.NoError(t, err)
	}

	docs, err := b.FindRecords(ctx, coll, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "alice", docs[0]["name"])
}

func TestCreateRecordsRollsBack(t *testing.T) {
	ctx := context.Background()
	tc := setupCluster(t, 3)
	b := newBuilderClient(t, tc, clusterKey(t, 3, blindfold.OpStore, 0))
	coll := createCollection(t, b, interfaces.StandardCollection)

	tc.servers[2].Close()

	_, err := b.CreateRecords(ctx, coll, []interfaces.Document{employee("alice", "eng", 100)})
	require.ErrorIs(t, err, interfaces.ErrQuorumNotReached)

	for _, n := range b.Cluster().Nodes()[:2] {
		docs, err := n.ReadData(ctx, coll, interfaces.Filter{})
		require.NoError(t, err)
		assert.Empty(t, docs)
	}

	_, err = b.FindRecords(ctx, coll, nil)
	assert.ErrorIs(t, err, interfaces.ErrQuorumNotReached)
}

func TestCreateRecordsRejectsInvalidRecords(t *testing.T) {
	ctx := context.Background()
	tc := setupCluster(t, 2)
	b := newBuilderClient(t, tc, clusterKey(t, 2, blindfold.OpStore, 0))
	coll := createCollection(t, b, interfaces.StandardCollection)

	_, err := b.CreateRecords(ctx, coll, nil)
	assert.ErrorIs(t, err, interfaces.ErrInvalidRequest)

	_, err = b.CreateRecords(ctx, coll, []interfaces.Document{{"name": "no salary"}})
	assert.ErrorIs(t, err, interfaces.ErrQuorumNotReached)
	assert.ErrorIs(t, err, interfaces.ErrInvalidRequest)
}

func TestThresholdKeyToleratesNodeOutage(t *testing.T) {
	ctx := context.Background()
	tc := setupCluster(t, 3)
	b := newBuilderClient(t, tc, clusterKey(t, 3, blindfold.OpStore, 2))
	coll := createCollection(t, b, interfaces.StandardCollection)

	_, err := b.CreateRecords(ctx, coll, []interfaces.Document{employee("alice", "eng", 100)})
	require.NoError(t, err)

	tc.servers[1].Close()

	docs, err := b.FindRecords(ctx, coll, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.EqualValues(t, 100, docs[0]["salary"])
}

func TestUpdateAndDeleteRecords(t *testing.T) {
	ctx := context.Background()
	tc := setupCluster(t, 3)
	b := newBuilderClient(t, tc, clusterKey(t, 3, blindfold.OpStore, 0))
	coll := createCollection(t, b, interfaces.StandardCollection)

	_, err := b.CreateRecords(ctx, coll, []interfaces.Document{
		employee("alice", "eng", 100),
		employee("bob", "ops", 80),
	})
	require.NoError(t, err)

	res, err := b.UpdateRecords(ctx, coll, interfaces.Filter{"name": "bob"}, interfaces.Document{
		"salary": map[string]any{blindfold.AllotKey: 90},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)

	docs, err := b.FindRecords(ctx, coll, interfaces.Filter{"name": "bob"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.EqualValues(t, 90, docs[0]["salary"])

	_, err = b.UpdateRecords(ctx, coll, nil, nil)
	assert.ErrorIs(t, err, interfaces.ErrInvalidRequest)

	n, err := b.DeleteRecords(ctx, coll, interfaces.Filter{"dept": "eng"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	docs, err = b.FindRecords(ctx, coll, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "bob", docs[0]["name"])

	require.NoError(t, b.DeleteCollection(ctx, coll))
	_, err = b.Collection(ctx, coll)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestQuerySecretSums(t *testing.T) {
	ctx := context.Background()
	tc := setupCluster(t, 3)
	b := newBuilderClient(t, tc, clusterKey(t, 3, blindfold.OpSum, 0))
	coll := createCollection(t, b, interfaces.StandardCollection)

	_, err := b.CreateRecords(ctx, coll, []interfaces.Document{
		employee("alice", "eng", 100),
		employee("carol", "eng", 150),
		employee("bob", "ops", -20),
	})
	require.NoError(t, err)

	var pipeline []map[string]any
	require.NoError(t, json.Unmarshal([]byte(`[
		{"$match": {"dept": ""}},
		{"$group": {"_id": "$dept", "total": {"$sum": "$salary"}, "count": {"$count": {}}}}
	]`), &pipeline))

	q, err := b.CreateQuery(ctx, interfaces.Query{
		Name:       "payroll by department",
		Collection: coll,
		Variables:  map[string]interfaces.QueryVariable{"dept": {Path: "$.pipeline[0].$match.dept"}},
		Pipeline:   pipeline,
	})
	require.NoError(t, err)

	queries, err := b.ListQueries(ctx)
	require.NoError(t, err)
	require.Len(t, queries, 1)

	rows, err := b.RunQuery(ctx, q.ID, map[string]any{"dept": "eng"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "eng", rows[0]["_id"])
	assert.EqualValues(t, 250, rows[0]["total"])
	assert.EqualValues(t, 2, rows[0]["count"])

	rows, err = b.RunQuery(ctx, q.ID, map[string]any{"dept": "ops"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, -20, rows[0]["total"])

	_, err = b.RunQuery(ctx, q.ID, map[string]any{})
	assert.Error(t, err)

	require.NoError(t, b.DeleteQuery(ctx, q.ID))
	queries, err = b.ListQueries(ctx)
	require.NoError(t, err)
	assert.Empty(t, queries)
}

func TestQueryResultsRequireRunPerNode(t *testing.T) {
	tc := setupCluster(t, 2)
	b := newBuilderClient(t, tc, clusterKey(t, 2, blindfold.OpStore, 0))

	_, err := b.QueryResults(context.Background(), []string{"one"})
	assert.ErrorIs(t, err, interfaces.ErrInvalidRequest)
}

func TestOwnedData(t *testing.T) {
	ctx := context.Background()
	tc := setupCluster(t, 3)
	key := clusterKey(t, 3, blindfold.OpStore, 0)
	b := newBuilderClient(t, tc, key)
	coll := createCollection(t, b, interfaces.OwnedCollection)

	user, err := NewUserClient(newKeypair(t), tc.nodes, key, time.Minute, testLogger)
	require.NoError(t, err)

	delegation, err := b.DelegateUser(user.DID(), time.Hour, 1)
	require.NoError(t, err)

	ids, err := user.CreateData(ctx, delegation, coll, []interfaces.Document{employee("alice", "eng", 100)}, interfaces.ACL{Read: true})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	// The delegation allows a single creation per node.
	_, err = user.CreateData(ctx, delegation, coll, []interfaces.Document{employee("eve", "eng", 1)}, interfaces.ACL{})
	assert.ErrorIs(t, err, interfaces.ErrQuorumNotReached)

	refs, err := user.ListData(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, ids[0], refs[0].Document)
	assert.Equal(t, b.DID(), refs[0].Builder)

	doc, err := user.ReadData(ctx, coll, ids[0])
	require.NoError(t, err)
	assert.EqualValues(t, 100, doc["salary"])

	docs, err := b.FindRecords(ctx, coll, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.EqualValues(t, 100, docs[0]["salary"])
	assert.NotContains(t, docs[0], "_acl")

	require.NoError(t, user.RevokeAccess(ctx, coll, ids[0], b.DID()))
	docs, err = b.FindRecords(ctx, coll, nil)
	require.NoError(t, err)
	assert.Empty(t, docs)

	require.NoError(t, user.GrantAccess(ctx, coll, ids[0], interfaces.ACL{Grantee: b.DID(), Read: true}))
	docs, err = b.FindRecords(ctx, coll, nil)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	require.NoError(t, user.DeleteData(ctx, coll, ids[0]))
	_, err = user.ReadData(ctx, coll, ids[0])
	assert.ErrorIs(t, err, interfaces.ErrQuorumNotReached)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = b.DelegateUser("did:nil:bogus", time.Hour, 1)
	assert.ErrorIs(t, err, interfaces.ErrInvalidRequest)
}

func TestCredentialManager(t *testing.T) {
	ctx := context.Background()
	tc := setupCluster(t, 3)
	b := newBuilderClient(t, tc, clusterKey(t, 3, blindfold.OpStore, 0))
	m := NewCredentialManager(b, "")

	_, err := m.CreateCredential(ctx, Credential{Username: "alice", Service: "mail"})
	assert.ErrorIs(t, err, interfaces.ErrInvalidRequest)

	id, err := m.CreateCredential(ctx, Credential{Username: "alice", Password: "hunter2", Service: "mail"})
	require.NoError(t, err)
	_, err = m.CreateCredential(ctx, Credential{Username: "alice", Password: "s3cret", Service: "bank"})
	require.NoError(t, err)

	// A second manager finds the existing collection by name.
	other := NewCredentialManager(b, "")
	coll, err := other.EnsureCollection(ctx)
	require.NoError(t, err)
	assert.Equal(t, m.Collection(), coll)

	all, err := other.ListCredentials(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	services := []string{all[0].Service, all[1].Service}
	sort.Strings(services)
	assert.Equal(t, []string{"bank", "mail"}, services)

	mail, err := m.ListCredentials(ctx, "mail")
	require.NoError(t, err)
	require.Len(t, mail, 1)
	assert.Equal(t, id, mail[0].ID)
	assert.Equal(t, "alice", mail[0].Username)
	assert.Equal(t, "hunter2", mail[0].Password)
	assert.False(t, mail[0].CreatedAt.IsZero())

	require.NoError(t, m.DeleteCredential(ctx, id))
	assert.ErrorIs(t, m.DeleteCredential(ctx, id), interfaces.ErrNotFound)
}
