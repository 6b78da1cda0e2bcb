// Package nuc implements the bearer tokens used between builders, users,
// storage nodes and the LLM gateway.
//
// Tokens are ES256K JWTs. A token is either self-issued (a root token) or
// carries its parent token in the prf claim, forming a chain back to a
// root. Each link must be issued to the next link's issuer, must not outlive
// its parent and may only narrow the command.
package nuc

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/interfaces"
)

// Command namespaces.
const (
	CommandDB      = "/nil/db"
	CommandBuilder = "/nil/db/builders"
	CommandCollect = "/nil/db/collections"
	CommandData    = "/nil/db/data"
	CommandQueries = "/nil/db/queries"
	CommandUser    = "/nil/db/users"
	CommandAI      = "/nil/ai/generate"
	CommandTSS     = "/nil/tss"

	// CommandOwnedData is delegated by builders to users writing owned data.
	CommandOwnedData = CommandData + "/owned"
)

const maxChainDepth = 8

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrTokenExpired    = errors.New("token expired")
	ErrTokenExhausted  = errors.New("token usage exhausted")
	ErrTokenReplayed   = errors.New("invocation already used")
	ErrWrongAudience   = errors.New("token audience mismatch")
	ErrCommandDenied   = errors.New("command not permitted by token")
	ErrUntrustedIssuer = errors.New("untrusted root issuer")
)

// Claims carried by every token.
type Claims struct {
	jwt.RegisteredClaims
	Command string `json:"cmd"`
	MaxUses int    `json:"max_uses,omitempty"`
	Proof   string `json:"prf,omitempty"`
}

// Token is a parsed token whose signature has been verified.
type Token struct {
	Raw    string
	Claims *Claims
}

func (t *Token) Issuer() interfaces.DID {
	return interfaces.DID(t.Claims.Issuer)
}

// Audience returns the first audience entry.
func (t *Token) Audience() interfaces.DID {
	if len(t.Claims.Audience) == 0 {
		return ""
	}
	return interfaces.DID(t.Claims.Audience[0])
}

func (t *Token) ExpiresAt() time.Time {
	if t.Claims.ExpiresAt == nil {
		return time.Time{}
	}
	return t.Claims.ExpiresAt.Time
}

var parser = jwt.NewParser(
	jwt.WithValidMethods([]string{cryptoutils.ES256K.Alg()}),
	jwt.WithoutClaimsValidation(),
)

// Parse decodes raw and verifies its signature against the issuer DID. Time
// and audience are checked by Validator.
func Parse(raw string) (*Token, error) {
	claims := &Claims{}
	_, err := parser.ParseWithClaims(raw, claims, func(tok *jwt.Token) (interface{}, error) {
		return cryptoutils.PublicKeyFromDID(interfaces.DID(claims.Issuer))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}
	return &Token{Raw: raw, Claims: claims}, nil
}

// Chain parses raw and every token in its proof chain, leaf first.
func Chain(raw string) ([]*Token, error) {
	var chain []*Token
	for raw != "" {
		if len(chain) == maxChainDepth {
			return nil, fmt.Errorf("%w: proof chain deeper than %d", ErrInvalidToken, maxChainDepth)
		}
		tok, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		chain = append(chain, tok)
		raw = tok.Claims.Proof
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	return chain, nil
}

// Permits reports whether a token for command granted allows requested.
// Commands are slash separated paths and a token permits its own path and
// everything below it.
func Permits(granted, requested string) bool {
	if granted == "" || granted == "/" {
		return true
	}
	granted = strings.TrimSuffix(granted, "/")
	return requested == granted || strings.HasPrefix(requested, granted+"/")
}

// MintOptions describe a new token.
type MintOptions struct {
	Audience interfaces.DID
	Command  string
	TTL      time.Duration
	MaxUses  int
	// Proof is the parent token. Empty for root tokens.
	Proof string
	// Now overrides the clock.
	Now time.Time
}

// Mint signs a new token with kp. When a proof is given the new token is
// clamped to the parent's expiry and must not widen its command.
func Mint(kp *cryptoutils.Keypair, opts MintOptions) (string, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	if opts.TTL <= 0 {
		return "", fmt.Errorf("%w: ttl must be positive", ErrInvalidToken)
	}
	if opts.Audience == "" {
		return "", fmt.Errorf("%w: audience is required", ErrInvalidToken)
	}
	exp := now.Add(opts.TTL)

	if opts.Proof != "" {
		parent, err := Parse(opts.Proof)
		if err != nil {
			return "", fmt.Errorf("invalid proof: %w", err)
		}
		if parent.Audience() != kp.DID() {
			return "", fmt.Errorf("%w: proof is issued to %s", ErrWrongAudience, parent.Audience())
		}
		if !Permits(parent.Claims.Command, opts.Command) {
			return "", fmt.Errorf("%w: %s is outside %s", ErrCommandDenied, opts.Command, parent.Claims.Command)
		}
		if !parent.ExpiresAt().After(now) {
			return "", ErrTokenExpired
		}
		if exp.After(parent.ExpiresAt()) {
			exp = parent.ExpiresAt()
		}
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    string(kp.DID()),
			Subject:   string(kp.DID()),
			Audience:  jwt.ClaimStrings{string(opts.Audience)},
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Command: opts.Command,
		MaxUses: opts.MaxUses,
		Proof:   opts.Proof,
	}

	signed, err := jwt.NewWithClaims(cryptoutils.ES256K, claims).SignedString(kp.PrivateKey())
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// RootToken returns a self-issued token for audience.
func RootToken(kp *cryptoutils.Keypair, audience interfaces.DID, command string, ttl time.Duration) (string, error) {
	return Mint(kp, MintOptions{Audience: audience, Command: command, TTL: ttl})
}

// Delegate extends parent (or a fresh root when parent is empty) to audience.
func Delegate(kp *cryptoutils.Keypair, parent string, audience interfaces.DID, command string, ttl time.Duration, maxUses int) (string, error) {
	return Mint(kp, MintOptions{Audience: audience, Command: command, TTL: ttl, MaxUses: maxUses, Proof: parent})
}

// Invoke creates a short lived invocation of delegation addressed to a service.
func Invoke(kp *cryptoutils.Keypair, delegation string, service interfaces.DID, command string, ttl time.Duration) (string, error) {
	return Mint(kp, MintOptions{Audience: service, Command: command, TTL: ttl, Proof: delegation})
}
