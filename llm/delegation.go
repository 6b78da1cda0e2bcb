package llm

import (
	"fmt"
	"time"

	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/nuc"
)

// DelegationRequest is what a delegation mode client sends to the server
// holding the API key.
type DelegationRequest struct {
	PublicKey interfaces.DID `json:"public_key"`
}

// DelegationToken grants a client the right to call the gateway.
type DelegationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type DelegationServerConfig struct {
	// ExpirationTime is the validity of every issued token.
	ExpirationTime time.Duration
	// TokenMaxUses bounds the requests a token allows; 0 means unlimited.
	TokenMaxUses int
}

// DelegationTokenServer mints delegation tokens with an API key.
type DelegationTokenServer struct {
	kp  *cryptoutils.Keypair
	cfg DelegationServerConfig
}

// NewDelegationTokenServer creates a server for apiKey, the hex private key
// issued for the gateway.
func NewDelegationTokenServer(apiKey string, cfg DelegationServerConfig) (*DelegationTokenServer, error) {
	kp, err := cryptoutils.KeypairFromHex(apiKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAPIKey, err)
	}
	if cfg.ExpirationTime <= 0 {
		return nil, fmt.Errorf("%w: expiration time must be positive", interfaces.ErrInvalidRequest)
	}
	if cfg.TokenMaxUses < 0 {
		return nil, fmt.Errorf("%w: negative max uses", interfaces.ErrInvalidRequest)
	}
	return &DelegationTokenServer{kp: kp, cfg: cfg}, nil
}

// DID of the API key the tokens are rooted at.
func (s *DelegationTokenServer) DID() interfaces.DID { return s.kp.DID() }

// CreateDelegationToken returns a token bound to the requesting client.
func (s *DelegationTokenServer) CreateDelegationToken(req DelegationRequest) (*DelegationToken, error) {
	if !req.PublicKey.Valid() {
		return nil, fmt.Errorf("%w: malformed public key %q", interfaces.ErrInvalidRequest, req.PublicKey)
	}
	raw, err := nuc.Delegate(s.kp, "", req.PublicKey, nuc.CommandAI, s.cfg.ExpirationTime, s.cfg.TokenMaxUses)
	if err != nil {
		return nil, err
	}
	tok, err := nuc.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &DelegationToken{Token: raw, ExpiresAt: tok.ExpiresAt()}, nil
}
