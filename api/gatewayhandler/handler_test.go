package gatewayhandler

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
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/llm"
	"github.com/ruteri/secretvault/nuc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type testGateway struct {
	server *httptest.Server
	did    interfaces.DID
	apiKey *cryptoutils.Keypair
}

func setupTestGateway(t *testing.T, completer llm.Completer) *testGateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	kp, err := cryptoutils.GenerateKeypair()
	require.NoError(t, err)
	apiKey, err := cryptoutils.GenerateKeypair()
	require.NoError(t, err)

	r := chi.NewRouter()
	NewHandler(kp, completer, nuc.NewMemoryUsageTracker(), []interfaces.DID{apiKey.DID()}, logger).RegisterRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &testGateway{server: server, did: kp.DID(), apiKey: apiKey}
}

func (g *testGateway) post(t *testing.T, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, g.server.URL+"/v1/chat/completions", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

const chatBody = `{"model":"echo","messages":[{"role":"user","content":"hi"}]}`

func TestAbout(t *testing.T) {
	g := setupTestGateway(t, &llm.EchoCompleter{})

	resp, err := http.Get(g.server.URL + "/v1/about")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info interfaces.NodeInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, g.did, info.DID)
}

func TestInvocationReplay(t *testing.T) {
	g := setupTestGateway(t, &llm.EchoCompleter{})

	token, err := nuc.Invoke(g.apiKey, "", g.did, nuc.CommandAI, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, g.post(t, token, chatBody).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, g.post(t, token, chatBody).StatusCode)
}

func TestTokenChecks(t *testing.T) {
	g := setupTestGateway(t, &llm.EchoCompleter{})
	other, err := cryptoutils.GenerateKeypair()
	require.NoError(t, err)

	wrongAudience, err := nuc.Invoke(g.apiKey, "", other.DID(), nuc.CommandAI, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, g.post(t, wrongAudience, chatBody).StatusCode)

	wrongCommand, err := nuc.Invoke(g.apiKey, "", g.did, nuc.CommandDB, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, g.post(t, wrongCommand, chatBody).StatusCode)

	expired, err := nuc.Mint(g.apiKey, nuc.MintOptions{Audience: g.did, Command: nuc.CommandAI, TTL: time.Minute, Now: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, g.post(t, expired, chatBody).StatusCode)

	untrusted, err := nuc.Invoke(other, "", g.did, nuc.CommandAI, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, g.post(t, untrusted, chatBody).StatusCode)

	resp, err := http.Post(g.server.URL+"/v1/chat/completions", "application/json", strings.NewReader(chatBody))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestInvalidChatRequests(t *testing.T) {
	g := setupTestGateway(t, &llm.EchoCompleter{})

	for _, body := range []string{
		`{`,
		`{"model":"echo"}`,
		`{"model":"echo","messages":[{"role":"robot","content":"hi"}]}`,
		`{"messages":[{"role":"user","content":"hi"}]}`,
	} {
		token, err := nuc.Invoke(g.apiKey, "", g.did, nuc.CommandAI, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, g.post(t, token, body).StatusCode, body)
	}
}

func TestUpstreamErrors(t *testing.T) {
	status := atomic.NewInt32(http.StatusTooManyRequests)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	t.Cleanup(upstream.Close)

	g := setupTestGateway(t, llm.NewUpstreamCompleter(upstream.URL, "sk-test"))

	token, err := nuc.Invoke(g.apiKey, "", g.did, nuc.CommandAI, time.Minute)
	require.NoError(t, err)
	resp := g.post(t, token, chatBody)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	status.Store(http.StatusInternalServerError)
	token, err = nuc.Invoke(g.apiKey, "", g.did, nuc.CommandAI, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, g.post(t, token, chatBody).StatusCode)
}

func TestUpstreamForwarding(t *testing.T) {
	seen := make(chan llm.ChatRequest, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/models":
			_ = json.NewEncoder(w).Encode(llm.ModelList{Object: "list", Data: []llm.Model{{ID: "upstream-model"}}})
		case "/chat/completions":
			var req llm.ChatRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			seen <- req
			_ = json.NewEncoder(w).Encode(llm.ChatResponse{Model: req.Model, Choices: []llm.Choice{{Message: llm.Message{Role: "assistant", Content: "from upstream"}}}})
		}
	}))
	t.Cleanup(upstream.Close)

	g := setupTestGateway(t, llm.NewUpstreamCompleter(upstream.URL, "sk-test"))
	client, err := llm.NewClient(llm.Config{BaseURL: g.server.URL + "/v1", APIKey: g.apiKey.PrivateKeyHex()})
	require.NoError(t, err)

	ctx := context.Background()
	models, err := client.Models(ctx)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "upstream-model", models[0].ID)

	resp, err := client.ChatCompletion(ctx, llm.ChatRequest{Model: "upstream-model", Messages: []llm.Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "from upstream", resp.Content())
	assert.Equal(t, "upstream-model", (<-seen).Model)
}

// flakyCompleter answers like EchoCompleter after failing a number of
// completions with 503.
type flakyCompleter struct {
	llm.EchoCompleter
	failures *atomic.Int32
}

func (f *flakyCompleter) Complete(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if f.failures.Dec() >= 0 {
		return nil, &llm.UpstreamError{StatusCode: http.StatusServiceUnavailable, Body: "overloaded"}
	}
	return f.EchoCompleter.Complete(ctx, req)
}

func TestSingleUseDelegationSurvivesRetry(t *testing.T) {
	ctx := context.Background()
	g := setupTestGateway(t, &flakyCompleter{failures: atomic.NewInt32(1)})

	server, err := llm.NewDelegationTokenServer(g.apiKey.PrivateKeyHex(), llm.DelegationServerConfig{ExpirationTime: time.Minute, TokenMaxUses: 1})
	require.NoError(t, err)
	client, err := llm.NewClient(llm.Config{BaseURL: g.server.URL + "/v1", AuthType: llm.AuthDelegationToken, Backoff: time.Millisecond})
	require.NoError(t, err)
	token, err := server.CreateDelegationToken(client.GetDelegationRequest())
	require.NoError(t, err)
	require.NoError(t, client.UpdateDelegation(token))

	req := llm.ChatRequest{Model: "echo", Messages: []llm.Message{{Role: "user", Content: "hello"}}}
	resp, err := client.ChatCompletion(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content())

	_, err = client.ChatCompletion(ctx, req)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)
}

func TestMalformedRequestKeepsDelegationUse(t *testing.T) {
	g := setupTestGateway(t, &llm.EchoCompleter{})
	client, err := cryptoutils.GenerateKeypair()
	require.NoError(t, err)

	delegation, err := nuc.Delegate(g.apiKey, "", client.DID(), nuc.CommandAI, time.Minute, 1)
	require.NoError(t, err)
	invoke := func() string {
		token, err := nuc.Invoke(client, delegation, g.did, nuc.CommandAI, time.Minute)
		require.NoError(t, err)
		return token
	}

	assert.Equal(t, http.StatusBadRequest, g.post(t, invoke(), `{`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, g.post(t, invoke(), `{"model":"echo"}`).StatusCode)
	assert.Equal(t, http.StatusOK, g.post(t, invoke(), chatBody).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, g.post(t, invoke(), chatBody).StatusCode)
}
