package demohandler

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/secretvault/api/gatewayhandler"
	"github.com/ruteri/secretvault/api/nodehandler"
	"github.com/ruteri/secretvault/blindfold"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/llm"
	"github.com/ruteri/secretvault/node"
	"github.com/ruteri/secretvault/nuc"
	"github.com/ruteri/secretvault/signing"
	"github.com/ruteri/secretvault/storage"
	"github.com/ruteri/secretvault/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testModel = "echo"

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newKeypair(t *testing.T) *cryptoutils.Keypair {
	t.Helper()
	kp, err := cryptoutils.GenerateKeypair()
	require.NoError(t, err)
	return kp
}

func startGateway(t *testing.T, apiKey *cryptoutils.Keypair) string {
	t.Helper()
	r := chi.NewRouter()
	completer := &llm.EchoCompleter{ModelIDs: []string{testModel}}
	gatewayhandler.NewHandler(newKeypair(t), completer, nuc.NewMemoryUsageTracker(), []interfaces.DID{apiKey.DID()}, testLogger).RegisterRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server.URL + "/v1"
}

func startBuilder(t *testing.T, nodes int) *vault.BuilderClient {
	t.Helper()
	cfgs := make([]vault.NodeConfig, nodes)
	for i := range cfgs {
		kp := newKeypair(t)
		svc := node.NewService(kp, storage.NewMemoryDocumentStore(), testLogger)
		t.Cleanup(func() { svc.Close() })
		r := chi.NewRouter()
		nodehandler.NewHandler(svc, nuc.NewMemoryUsageTracker(), testLogger).RegisterRoutes(r)
		server := httptest.NewServer(r)
		t.Cleanup(server.Close)
		cfgs[i] = vault.NodeConfig{URL: server.URL, DID: kp.DID()}
	}

	key, err := blindfold.NewClusterKey(nodes, blindfold.OpStore, 0)
	require.NoError(t, err)
	b, err := vault.NewBuilderClient(newKeypair(t), cfgs, key, time.Minute, testLogger)
	require.NoError(t, err)
	require.NoError(t, b.Register(t.Context(), "demo"))
	return b
}

func startDemo(t *testing.T, opts Options) string {
	t.Helper()
	r := chi.NewRouter()
	NewHandler(opts, testLogger).RegisterRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server.URL
}

func call(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		if len(raw) > 0 {
			require.NoError(t, json.Unmarshal(raw, out), string(raw))
		}
	}
	return resp.StatusCode
}

func TestChatRoutes(t *testing.T) {
	apiKey := newKeypair(t)
	url := startDemo(t, Options{Chat: ChatConfig{
		BaseURL:    startGateway(t, apiKey),
		APIKey:     apiKey.PrivateKeyHex(),
		Model:      testModel,
		Delegation: llm.DelegationServerConfig{ExpirationTime: 10 * time.Second, TokenMaxUses: 1},
	}})

	for _, route := range []string{"/api/chat", "/api/chat-delegation"} {
		t.Run(route, func(t *testing.T) {
			var resp ChatResponse
			require.Equal(t, http.StatusOK, call(t, http.MethodPost, url+route, ChatRequest{Message: "hello"}, &resp))
			assert.Equal(t, "hello", resp.Response)

			var errResp struct{ Error string }
			assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, url+route, ChatRequest{}, &errResp))
			assert.Equal(t, "Message is required", errResp.Error)
		})
	}
}

func TestChatWithoutAPIKey(t *testing.T) {
	url := startDemo(t, Options{Chat: ChatConfig{BaseURL: "http://127.0.0.1:1/v1", Model: testModel}})

	var errResp struct{ Error string }
	assert.Equal(t, http.StatusInternalServerError, call(t, http.MethodPost, url+"/api/chat", ChatRequest{Message: "hi"}, &errResp))
	assert.Equal(t, "API key is not configured", errResp.Error)
	assert.Equal(t, http.StatusInternalServerError, call(t, http.MethodPost, url+"/api/chat-delegation", ChatRequest{Message: "hi"}, nil))
}

func TestChatUntrustedKey(t *testing.T) {
	url := startDemo(t, Options{Chat: ChatConfig{
		BaseURL: startGateway(t, newKeypair(t)),
		APIKey:  newKeypair(t).PrivateKeyHex(),
		Model:   testModel,
	}})

	assert.Equal(t, http.StatusInternalServerError, call(t, http.MethodPost, url+"/api/chat", ChatRequest{Message: "hi"}, nil))
}

func TestCredentialRoutes(t *testing.T) {
	b := startBuilder(t, 3)
	url := startDemo(t, Options{Credentials: vault.NewCredentialManager(b, "")})

	var created CreateCredentialResponse
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, url+"/api/credentials",
		vault.Credential{Username: "alice", Password: "hunter2", Service: "github"}, &created))
	assert.True(t, created.Success)
	assert.NotEmpty(t, created.ID)
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, url+"/api/credentials",
		vault.Credential{Username: "bob", Password: "s3cret", Service: "gitlab"}, nil))

	var errResp struct{ Error string }
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, url+"/api/credentials",
		vault.Credential{Username: "carol", Service: "github"}, &errResp))
	assert.Equal(t, "Missing required fields", errResp.Error)

	var list ListCredentialsResponse
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, url+"/api/credentials?service=github", nil, &list))
	require.Len(t, list.Credentials, 1)
	assert.Equal(t, created.ID, list.Credentials[0].ID)
	assert.Equal(t, "alice", list.Credentials[0].Username)
	assert.Equal(t, "hunter2", list.Credentials[0].Password)

	require.Equal(t, http.StatusOK, call(t, http.MethodGet, url+"/api/credentials", nil, &list))
	assert.Len(t, list.Credentials, 2)
}

func TestRecordRoutes(t *testing.T) {
	b := startBuilder(t, 2)
	url := startDemo(t, Options{Records: b})

	var created CreateRecordResponse
	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, url+"/api/records",
		Record{Service: "Stripe", Username: "payments", APIKey: "sk_live_123"}, &created))
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, url+"/api/records", Record{Service: "Stripe"}, nil))

	var list ListRecordsResponse
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, url+"/api/records", nil, &list))
	require.Len(t, list.Records, 1)
	assert.Equal(t, Record{ID: created.ID, Service: "Stripe", Username: "payments", APIKey: "sk_live_123"}, list.Records[0])

	rotated := "sk_live_456"
	var updated UpdateRecordResponse
	require.Equal(t, http.StatusOK, call(t, http.MethodPut, url+"/api/records/"+created.ID, RecordUpdate{APIKey: &rotated}, &updated))
	assert.Equal(t, 1, updated.Updated)
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPut, url+"/api/records/"+created.ID, RecordUpdate{}, nil))
	assert.Equal(t, http.StatusNotFound, call(t, http.MethodPut, url+"/api/records/missing", RecordUpdate{APIKey: &rotated}, nil))

	require.Equal(t, http.StatusOK, call(t, http.MethodGet, url+"/api/records?service=Stripe", nil, &list))
	require.Len(t, list.Records, 1)
	assert.Equal(t, rotated, list.Records[0].APIKey)

	assert.Equal(t, http.StatusNoContent, call(t, http.MethodDelete, url+"/api/records/"+created.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, http.MethodDelete, url+"/api/records/"+created.ID, nil, nil))
}

func TestUnconfiguredBackends(t *testing.T) {
	url := startDemo(t, Options{})
	assert.Equal(t, http.StatusServiceUnavailable, call(t, http.MethodGet, url+"/api/credentials", nil, nil))
	assert.Equal(t, http.StatusServiceUnavailable, call(t, http.MethodGet, url+"/api/records", nil, nil))
	assert.Equal(t, http.StatusServiceUnavailable, call(t, http.MethodPost, url+"/api/keys", nil, nil))
	assert.Equal(t, http.StatusServiceUnavailable, call(t, http.MethodPost, url+"/api/sign", SignRequest{}, nil))
}

func TestVerifyRoute(t *testing.T) {
	url := startDemo(t, Options{})
	kp := newKeypair(t)

	message := "pay 5"
	raw, err := crypto.Sign(signing.Digest([]byte(message)), kp.PrivateKey())
	require.NoError(t, err)
	sig := interfaces.Signature{R: hex.EncodeToString(raw[:32]), S: hex.EncodeToString(raw[32:64]), V: raw[64]}

	var resp VerifyResponse
	req := VerifyRequest{PublicKey: kp.PublicKeyHex(), Message: message, Signature: sig}
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, url+"/api/verify", req, &resp))
	assert.True(t, resp.Valid)

	req.Message = "pay 500"
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, url+"/api/verify", req, &resp))
	assert.False(t, resp.Valid)

	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, url+"/api/verify", VerifyRequest{Message: "x"}, nil))
}
