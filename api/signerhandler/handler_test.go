package signerhandler

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/secretvault/api/clients"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/nuc"
	"github.com/ruteri/secretvault/signing"
	"github.com/ruteri/secretvault/storage"
	"github.com/ruteri/secretvault/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSigner struct {
	kp     *cryptoutils.Keypair
	server *httptest.Server
	mux    *chi.Mux
}

// setupSigners starts n signer servers talking to each other over HTTP and
// trusting coordinator.
func setupSigners(t *testing.T, n int, coordinator *cryptoutils.Keypair, preParams bool) []*testSigner {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	signers := make([]*testSigner, n)
	peers := make(map[interfaces.DID]string, n)
	for i := range signers {
		kp, err := cryptoutils.GenerateKeypair()
		require.NoError(t, err)
		mux := chi.NewRouter()
		server := httptest.NewServer(mux)
		t.Cleanup(server.Close)
		signers[i] = &testSigner{kp: kp, server: server, mux: mux}
		peers[kp.DID()] = server.URL
	}

	transport := signing.NewHTTPTransport(peers)
	dids := make([]interfaces.DID, 0, n)
	for _, s := range signers {
		dids = append(dids, s.kp.DID())
	}
	for _, s := range signers {
		cfg := signing.Config{Peers: dids}
		if preParams {
			pp, err := signing.GeneratePreParams(5 * time.Minute)
			require.NoError(t, err)
			cfg.PreParams = pp
		}
		backend, err := storage.NewFileBackend(t.TempDir(), logger)
		require.NoError(t, err)
		node := signing.NewNode(s.kp, cfg, signing.NewRouter(logger), transport, signing.NewShareStore(backend, s.kp.DID()), logger)
		NewHandler(s.kp, node, []interfaces.DID{coordinator.DID()}, nuc.NewMemoryUsageTracker(), logger).RegisterRoutes(s.mux)
	}
	return signers
}

func TestAbout(t *testing.T) {
	coordinator, err := cryptoutils.GenerateKeypair()
	require.NoError(t, err)
	s := setupSigners(t, 1, coordinator, false)[0]

	client, err := clients.DialSigner(context.Background(), s.server.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, s.kp.DID(), client.DID())
}

func postEnvelope(t *testing.T, url string, body []byte) int {
	t.Helper()
	resp, err := http.Post(url+"/v1/tss/messages", signing.CBORContentType, bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestMessageEndpoint(t *testing.T) {
	coordinator, err := cryptoutils.GenerateKeypair()
	require.NoError(t, err)
	signers := setupSigners(t, 2, coordinator, false)
	peer := signers[1]

	env := &signing.Envelope{
		Session: uuid.NewString(),
		Kind:    signing.KindKeygen,
		To:      []interfaces.DID{signers[0].kp.DID()},
		Payload: []byte("round 1"),
	}
	require.NoError(t, env.Sign(peer.kp))
	raw, err := env.Marshal()
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, postEnvelope(t, signers[0].server.URL, raw))

	env.Payload = []byte("tampered")
	raw, err = env.Marshal()
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, postEnvelope(t, signers[0].server.URL, raw))

	assert.Equal(t, http.StatusBadRequest, postEnvelope(t, signers[0].server.URL, []byte("not cbor")))
}

func TestCeremoniesRequireCoordinatorToken(t *testing.T) {
	ctx := context.Background()
	coordinator, err := cryptoutils.GenerateKeypair()
	require.NoError(t, err)
	stranger, err := cryptoutils.GenerateKeypair()
	require.NoError(t, err)
	s := setupSigners(t, 1, coordinator, false)[0]

	anon := clients.NewSignerClient(s.server.URL, s.kp.DID(), nil)
	_, err = anon.Key(ctx, uuid.NewString())
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)

	untrusted := clients.NewSignerClient(s.server.URL, s.kp.DID(), vault.RootTokens(stranger, time.Minute))
	_, err = untrusted.Key(ctx, uuid.NewString())
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)

	trusted := clients.NewSignerClient(s.server.URL, s.kp.DID(), vault.RootTokens(coordinator, time.Minute))
	_, err = trusted.Key(ctx, uuid.NewString())
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = trusted.Keygen(ctx, signing.KeygenRequest{Session: "x", StoreID: uuid.NewString()})
	assert.ErrorIs(t, err, interfaces.ErrInvalidRequest)
}

func TestHTTPCeremonies(t *testing.T) {
	if testing.Short() {
		t.Skip("threshold ceremonies are slow")
	}
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coordinator, err := cryptoutils.GenerateKeypair()
	require.NoError(t, err)
	signers := setupSigners(t, 3, coordinator, true)

	cluster := &signing.ClusterConfig{Threshold: 1}
	for _, s := range signers {
		cluster.Peers = append(cluster.Peers, signing.Peer{URL: s.server.URL, DID: s.kp.DID()})
	}
	coord, err := clients.NewCoordinator(cluster, vault.RootTokens(coordinator, time.Minute), logger, 3*time.Minute)
	require.NoError(t, err)

	info, err := coord.StoreKey(ctx)
	require.NoError(t, err)

	message := []byte("signed over http")
	sig, err := coord.Sign(ctx, info.StoreID, message)
	require.NoError(t, err)
	assert.True(t, signing.Verify(info.PublicKey, message, *sig))

	got, err := coord.Key(ctx, info.StoreID)
	require.NoError(t, err)
	assert.Equal(t, info.PublicKey, got.PublicKey)
}
