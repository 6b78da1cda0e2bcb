package signing

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/secretvault/api"
	"github.com/ruteri/secretvault/interfaces"
)

// CBORContentType is the media type of encoded envelopes.
const CBORContentType = "application/cbor"

// Transport delivers envelopes to other signer nodes.
type Transport interface {
	Send(ctx context.Context, to interfaces.DID, e *Envelope) error
}

// LocalNetwork connects routers of nodes running in one process.
type LocalNetwork struct {
	mu      sync.RWMutex
	routers map[interfaces.DID]*Router
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{routers: make(map[interfaces.DID]*Router)}
}

// Join attaches the router of node did.
func (n *LocalNetwork) Join(did interfaces.DID, r *Router) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routers[did] = r
}

func (n *LocalNetwork) Send(ctx context.Context, to interfaces.DID, e *Envelope) error {
	n.mu.RLock()
	r, ok := n.routers[to]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: unknown peer %s", interfaces.ErrNotFound, to)
	}

	// Round trip through the wire format so both transports behave alike.
	raw, err := e.Marshal()
	if err != nil {
		return err
	}
	decoded, err := UnmarshalEnvelope(raw)
	if err != nil {
		return err
	}
	return r.Deliver(ctx, decoded)
}

// HTTPTransport posts envelopes to peers' message endpoint.
type HTTPTransport struct {
	peers      map[interfaces.DID]string
	httpClient *http.Client
}

// NewHTTPTransport creates a transport for peers, a map of DID to base URL.
func NewHTTPTransport(peers map[interfaces.DID]string, timeout ...time.Duration) *HTTPTransport {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}
	urls := make(map[interfaces.DID]string, len(peers))
	for did, u := range peers {
		urls[did] = strings.TrimSuffix(u, "/")
	}
	return &HTTPTransport{peers: urls, httpClient: &http.Client{Timeout: clientTimeout}}
}

func (t *HTTPTransport) Send(ctx context.Context, to interfaces.DID, e *Envelope) error {
	base, ok := t.peers[to]
	if !ok {
		return fmt.Errorf("%w: unknown peer %s", interfaces.ErrNotFound, to)
	}
	raw, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/tss/messages", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set("Content-Type", CBORContentType)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach peer %s: %w", to, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return api.ErrorForStatus(resp.StatusCode, body)
	}
	return nil
}
