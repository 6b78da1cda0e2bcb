package nuc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/metrics"
)

// Identity is the result of a successful validation.
type Identity struct {
	// Caller issued the presented token.
	Caller interfaces.DID
	// Root issued the first token of the chain.
	Root interfaces.DID
	// Command granted by the presented token.
	Command string
	// Delegated is true when the presented token carries a proof.
	Delegated bool
	// Chain holds the parsed tokens, leaf first.
	Chain []*Token
}

// Validator checks presented tokens for one service.
type Validator struct {
	// Audience is the service DID tokens must be addressed to.
	Audience interfaces.DID
	// TrustedRoot decides whether a chain root may act on the service. Nil
	// accepts any root.
	TrustedRoot func(interfaces.DID) bool
	// Usage counts delegation uses and invocation replays. Nil disables
	// both checks.
	Usage UsageTracker
	// ReplayProtection makes every presented token single use.
	ReplayProtection bool
	Now              func() time.Time
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Validate checks raw for the requested command and records one use of
// every limited delegation in its chain.
func (v *Validator) Validate(ctx context.Context, raw string, command string) (*Identity, error) {
	id, err := v.Check(ctx, raw, command)
	if err != nil {
		return nil, err
	}
	if err := v.Commit(ctx, id); err != nil {
		return nil, err
	}
	return id, nil
}

// Check is Validate without recording delegation uses; limited delegations
// only need a use left. The presented invocation is still consumed. Call
// Commit once the request succeeded.
func (v *Validator) Check(ctx context.Context, raw string, command string) (*Identity, error) {
	id, err := v.validate(ctx, raw, command)
	if err != nil {
		metrics.TokenRejected(rejectionReason(err))
	}
	return id, err
}

// Commit records one use of every limited delegation in id's chain.
func (v *Validator) Commit(ctx context.Context, id *Identity) error {
	if v.Usage == nil {
		return nil
	}
	for _, tok := range id.Chain[1:] {
		if tok.Claims.MaxUses <= 0 {
			continue
		}
		if _, err := v.Usage.Use(ctx, delegationUsageKey(tok), tok.Claims.MaxUses, tok.ExpiresAt()); err != nil {
			metrics.TokenRejected(rejectionReason(err))
			return err
		}
	}
	return nil
}

func delegationUsageKey(tok *Token) string {
	return "dlg:" + tok.Claims.ID
}

func (v *Validator) validate(ctx context.Context, raw string, command string) (*Identity, error) {
	chain, err := Chain(raw)
	if err != nil {
		return nil, err
	}

	now := v.now()
	leaf := chain[0]
	if leaf.Audience() != v.Audience {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrWrongAudience, v.Audience, leaf.Audience())
	}
	if !Permits(leaf.Claims.Command, command) {
		return nil, fmt.Errorf("%w: %s is outside %s", ErrCommandDenied, command, leaf.Claims.Command)
	}

	for i, tok := range chain {
		if !tok.ExpiresAt().After(now) {
			return nil, fmt.Errorf("%w: link %d expired at %s", ErrTokenExpired, i, tok.ExpiresAt().Format(time.RFC3339))
		}
		if i == 0 {
			continue
		}
		child := chain[i-1]
		if tok.Audience() != child.Issuer() {
			return nil, fmt.Errorf("%w: link %d issued to %s, used by %s", ErrWrongAudience, i, tok.Audience(), child.Issuer())
		}
		if !Permits(tok.Claims.Command, child.Claims.Command) {
			return nil, fmt.Errorf("%w: link %d widens %s to %s", ErrCommandDenied, i, tok.Claims.Command, child.Claims.Command)
		}
		if child.ExpiresAt().After(tok.ExpiresAt()) {
			return nil, fmt.Errorf("%w: link %d outlives its proof", ErrInvalidToken, i-1)
		}
	}

	root := chain[len(chain)-1]
	if v.TrustedRoot != nil && !v.TrustedRoot(root.Issuer()) {
		return nil, fmt.Errorf("%w: %s", ErrUntrustedIssuer, root.Issuer())
	}

	if v.Usage != nil {
		if v.ReplayProtection {
			if leaf.Claims.ID == "" {
				return nil, fmt.Errorf("%w: missing jti", ErrInvalidToken)
			}
			if _, err := v.Usage.Use(ctx, "inv:"+leaf.Claims.ID, 1, leaf.ExpiresAt()); err != nil {
				if errors.Is(err, ErrTokenExhausted) {
					return nil, ErrTokenReplayed
				}
				return nil, err
			}
		}
		for _, tok := range chain[1:] {
			if tok.Claims.MaxUses <= 0 {
				continue
			}
			if tok.Claims.ID == "" {
				return nil, fmt.Errorf("%w: limited token without jti", ErrInvalidToken)
			}
			used, err := v.Usage.Count(ctx, delegationUsageKey(tok))
			if err != nil {
				return nil, err
			}
			if used >= tok.Claims.MaxUses {
				return nil, ErrTokenExhausted
			}
		}
	}

	return &Identity{
		Caller:    leaf.Issuer(),
		Root:      root.Issuer(),
		Command:   leaf.Claims.Command,
		Delegated: len(chain) > 1,
		Chain:     chain,
	}, nil
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("%w: missing authorization header", interfaces.ErrUnauthorized)
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", fmt.Errorf("%w: expected bearer token", interfaces.ErrUnauthorized)
	}
	return strings.TrimSpace(token), nil
}

type identityKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored by WithIdentity.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenExhausted):
		return "exhausted"
	case errors.Is(err, ErrTokenReplayed):
		return "replayed"
	case errors.Is(err, ErrWrongAudience):
		return "audience"
	case errors.Is(err, ErrCommandDenied):
		return "command"
	case errors.Is(err, ErrUntrustedIssuer):
		return "untrusted"
	}
	return "invalid"
}
