// Package llm is a client for OpenAI compatible chat completion gateways
// that authenticate with nuc tokens, plus the pieces a gateway is built
// from.
//
// A client authenticates in one of two ways. With an API key (the hex
// private key registered with the gateway) it signs a fresh invocation for
// every request. In delegation mode it holds no API key: it hands its
// DelegationRequest to a DelegationTokenServer that does, and invokes the
// returned delegation instead.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/secretvault/api"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/nuc"
)

type AuthType string

const (
	AuthAPIKey          AuthType = "api_key"
	AuthDelegationToken AuthType = "delegation_token"
)

var (
	ErrInvalidAPIKey = errors.New("invalid api key")
	ErrNoDelegation  = errors.New("no delegation token set")
)

const (
	defaultTokenTTL   = time.Minute
	defaultMaxRetries = 3
	defaultBackoff    = 500 * time.Millisecond
	maxBackoff        = 10 * time.Second
)

type Config struct {
	BaseURL  string
	AuthType AuthType
	// APIKey is required in API key mode and ignored otherwise.
	APIKey string

	// TokenTTL is the validity of each invocation.
	TokenTTL time.Duration
	// MaxRetries bounds retries of 429 and 5xx responses.
	MaxRetries int
	// Backoff is the first retry wait; it doubles on every retry.
	Backoff time.Duration
	Timeout time.Duration
	Log     *slog.Logger
}

// Client talks to one gateway.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	kp         *cryptoutils.Keypair

	mu         sync.Mutex
	gateway    interfaces.DID
	delegation string
}

// NewClient creates a client. Delegation mode clients generate a fresh
// keypair.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", interfaces.ErrInvalidRequest)
	}
	if cfg.AuthType == "" {
		cfg.AuthType = AuthAPIKey
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	var (
		kp  *cryptoutils.Keypair
		err error
	)
	switch cfg.AuthType {
	case AuthAPIKey:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w: api key mode requires an api key", ErrInvalidAPIKey)
		}
		kp, err = cryptoutils.KeypairFromHex(cfg.APIKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidAPIKey, err)
		}
	case AuthDelegationToken:
		kp, err = cryptoutils.GenerateKeypair()
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown auth type %q", interfaces.ErrInvalidRequest, cfg.AuthType)
	}

	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		kp:         kp,
	}, nil
}

func (c *Client) AuthType() AuthType { return c.cfg.AuthType }

// GetDelegationRequest returns the request a delegation server needs to
// issue a token to this client.
func (c *Client) GetDelegationRequest() DelegationRequest {
	return DelegationRequest{PublicKey: c.kp.DID()}
}

// UpdateDelegation replaces the delegation used for subsequent requests.
func (c *Client) UpdateDelegation(tok *DelegationToken) error {
	if c.cfg.AuthType != AuthDelegationToken {
		return fmt.Errorf("%w: client is not in delegation mode", interfaces.ErrInvalidRequest)
	}
	parsed, err := nuc.Parse(tok.Token)
	if err != nil {
		return err
	}
	if parsed.Audience() != c.kp.DID() {
		return fmt.Errorf("%w: delegation is issued to %s", nuc.ErrWrongAudience, parsed.Audience())
	}
	c.mu.Lock()
	c.delegation = tok.Token
	c.mu.Unlock()
	return nil
}

// GatewayDID returns the gateway identity, fetched once from /v1/about.
func (c *Client) GatewayDID(ctx context.Context) (interfaces.DID, error) {
	c.mu.Lock()
	did := c.gateway
	c.mu.Unlock()
	if did != "" {
		return did, nil
	}

	var info interfaces.NodeInfo
	if err := c.send(ctx, http.MethodGet, "/about", nil, &info, false); err != nil {
		return "", fmt.Errorf("could not identify gateway: %w", err)
	}
	if !info.DID.Valid() {
		return "", fmt.Errorf("gateway reported malformed did %q", info.DID)
	}

	c.mu.Lock()
	c.gateway = info.DID
	c.mu.Unlock()
	return info.DID, nil
}

func (c *Client) invocation(ctx context.Context) (string, error) {
	gateway, err := c.GatewayDID(ctx)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	delegation := c.delegation
	c.mu.Unlock()
	if c.cfg.AuthType == AuthDelegationToken && delegation == "" {
		return "", ErrNoDelegation
	}
	return nuc.Invoke(c.kp, delegation, gateway, nuc.CommandAI, c.cfg.TokenTTL)
}

// ChatCompletion sends req to the gateway.
func (c *Client) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: no messages", interfaces.ErrInvalidRequest)
	}
	var resp ChatResponse
	if err := c.send(ctx, http.MethodPost, "/chat/completions", req, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Models lists the models the gateway serves.
func (c *Client) Models(ctx context.Context) ([]Model, error) {
	var list ModelList
	if err := c.send(ctx, http.MethodGet, "/models", nil, &list, true); err != nil {
		return nil, err
	}
	return list.Data, nil
}

// send performs a request, retrying 429 and 5xx responses with exponential
// backoff. Every attempt carries a new invocation.
func (c *Client) send(ctx context.Context, method, path string, body, out any, auth bool) error {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	policy := &retryAfterBackOff{BackOff: c.backOff()}
	respBody, err := backoff.RetryNotifyWithData(func() ([]byte, error) {
		status, retryAfter, respBody, err := c.attempt(ctx, method, path, raw, auth)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if status >= 200 && status < 300 {
			return respBody, nil
		}
		err = api.ErrorForStatus(status, respBody)
		if status != http.StatusTooManyRequests && status < 500 {
			return nil, backoff.Permanent(err)
		}
		policy.next = retryAfter
		return nil, err
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		c.cfg.Log.Debug("retrying gateway request", slog.String("path", path), slog.Duration("wait", wait), "err", err)
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse gateway response: %w", err)
	}
	return nil
}

func (c *Client) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.Backoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(max(c.cfg.MaxRetries, 0)))
}

// retryAfterBackOff waits for a server supplied Retry-After instead of the
// next interval when one was set.
type retryAfterBackOff struct {
	backoff.BackOff
	next time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	wait := b.BackOff.NextBackOff()
	if wait != backoff.Stop && b.next > 0 {
		wait = b.next
	}
	b.next = 0
	return wait
}

func (c *Client) attempt(ctx context.Context, method, path string, body []byte, auth bool) (int, time.Duration, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("could not initialize request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		token, err := c.invocation(ctx)
		if err != nil {
			return 0, 0, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("could not read gateway response: %w", err)
	}

	var retryAfter time.Duration
	if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
		retryAfter = time.Duration(s) * time.Second
	}
	return resp.StatusCode, retryAfter, respBody, nil
}
