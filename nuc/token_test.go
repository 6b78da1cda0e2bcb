package nuc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/interfaces"
	"github.com/stretchr/testify/require"
)

func newKeypair(t *testing.T) *cryptoutils.Keypair {
	kp, err := cryptoutils.GenerateKeypair()
	require.NoError(t, err)
	return kp
}

func TestRootToken(t *testing.T) {
	builder := newKeypair(t)
	node := newKeypair(t)

	raw, err := RootToken(builder, node.DID(), CommandDB, time.Minute)
	require.NoError(t, err)

	v := &Validator{Audience: node.DID()}
	id, err := v.Validate(context.Background(), raw, CommandData+"/read")
	require.NoError(t, err)
	require.Equal(t, builder.DID(), id.Caller)
	require.Equal(t, builder.DID(), id.Root)
	require.False(t, id.Delegated)

	_, err = (&Validator{Audience: builder.DID()}).Validate(context.Background(), raw, CommandDB)
	require.ErrorIs(t, err, ErrWrongAudience)

	_, err = v.Validate(context.Background(), raw, CommandAI)
	require.ErrorIs(t, err, ErrCommandDenied)
}

func TestExpiry(t *testing.T) {
	builder := newKeypair(t)
	node := newKeypair(t)

	past := time.Now().Add(-time.Hour)
	raw, err := Mint(builder, MintOptions{Audience: node.DID(), Command: CommandDB, TTL: time.Minute, Now: past})
	require.NoError(t, err)

	_, err = (&Validator{Audience: node.DID()}).Validate(context.Background(), raw, CommandDB)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestDelegationChain(t *testing.T) {
	apiKey := newKeypair(t)
	client := newKeypair(t)
	gateway := newKeypair(t)
	stranger := newKeypair(t)

	delegation, err := Delegate(apiKey, "", client.DID(), CommandAI, 10*time.Second, 2)
	require.NoError(t, err)

	v := &Validator{
		Audience:    gateway.DID(),
		TrustedRoot: func(did interfaces.DID) bool { return did == apiKey.DID() },
		Usage:       NewMemoryUsageTracker(),
	}

	for i := 0; i < 2; i++ {
		inv, err := Invoke(client, delegation, gateway.DID(), CommandAI, time.Minute)
		require.NoError(t, err)

		id, err := v.Validate(context.Background(), inv, CommandAI)
		require.NoError(t, err)
		require.True(t, id.Delegated)
		require.Equal(t, client.DID(), id.Caller)
		require.Equal(t, apiKey.DID(), id.Root)
		require.False(t, id.Chain[0].ExpiresAt().After(id.Chain[1].ExpiresAt()))
	}

	inv, err := Invoke(client, delegation, gateway.DID(), CommandAI, time.Minute)
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), inv, CommandAI)
	require.ErrorIs(t, err, ErrTokenExhausted)

	// Only the delegate may invoke.
	_, err = Invoke(stranger, delegation, gateway.DID(), CommandAI, time.Minute)
	require.ErrorIs(t, err, ErrWrongAudience)

	// Commands can only narrow.
	_, err = Invoke(client, delegation, gateway.DID(), CommandDB, time.Minute)
	require.ErrorIs(t, err, ErrCommandDenied)

	// Roots must be trusted.
	own, err := RootToken(stranger, gateway.DID(), CommandAI, time.Minute)
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), own, CommandAI)
	require.ErrorIs(t, err, ErrUntrustedIssuer)
}

// signLink signs a token without the checks Mint applies.
func signLink(t *testing.T, kp *cryptoutils.Keypair, audience interfaces.DID, command string, exp time.Time, proof string) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    string(kp.DID()),
			Subject:   string(kp.DID()),
			Audience:  jwt.ClaimStrings{string(audience)},
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.NewString(),
		},
		Command: command,
		Proof:   proof,
	}
	raw, err := jwt.NewWithClaims(cryptoutils.ES256K, claims).SignedString(kp.PrivateKey())
	require.NoError(t, err)
	return raw
}

func TestChainCannotWiden(t *testing.T) {
	apiKey := newKeypair(t)
	client := newKeypair(t)
	gateway := newKeypair(t)

	delegation, err := Delegate(apiKey, "", client.DID(), CommandAI, time.Minute, 0)
	require.NoError(t, err)
	v := &Validator{Audience: gateway.DID()}

	widened := signLink(t, client, gateway.DID(), CommandDB, time.Now().Add(10*time.Second), delegation)
	_, err = v.Validate(context.Background(), widened, CommandDB)
	require.ErrorIs(t, err, ErrCommandDenied)

	narrowed := signLink(t, client, gateway.DID(), CommandAI+"/chat", time.Now().Add(10*time.Second), delegation)
	_, err = v.Validate(context.Background(), narrowed, CommandAI+"/chat")
	require.NoError(t, err)
}

func TestChainCannotOutliveProof(t *testing.T) {
	apiKey := newKeypair(t)
	client := newKeypair(t)
	gateway := newKeypair(t)

	delegation, err := Delegate(apiKey, "", client.DID(), CommandAI, 10*time.Second, 0)
	require.NoError(t, err)
	v := &Validator{Audience: gateway.DID()}

	outliving := signLink(t, client, gateway.DID(), CommandAI, time.Now().Add(time.Hour), delegation)
	_, err = v.Validate(context.Background(), outliving, CommandAI)
	require.ErrorIs(t, err, ErrInvalidToken)

	// A link issued to someone else breaks the chain as well.
	stranger := newKeypair(t)
	foreign := signLink(t, stranger, gateway.DID(), CommandAI, time.Now().Add(5*time.Second), delegation)
	_, err = v.Validate(context.Background(), foreign, CommandAI)
	require.ErrorIs(t, err, ErrWrongAudience)
}

func TestCheckDefersDelegationUse(t *testing.T) {
	ctx := context.Background()
	apiKey := newKeypair(t)
	client := newKeypair(t)
	gateway := newKeypair(t)

	delegation, err := Delegate(apiKey, "", client.DID(), CommandAI, time.Minute, 1)
	require.NoError(t, err)
	v := &Validator{Audience: gateway.DID(), Usage: NewMemoryUsageTracker(), ReplayProtection: true}

	// Failed requests never commit, so the single use survives them.
	for i := 0; i < 3; i++ {
		inv, err := Invoke(client, delegation, gateway.DID(), CommandAI, time.Minute)
		require.NoError(t, err)
		_, err = v.Check(ctx, inv, CommandAI)
		require.NoError(t, err)
	}

	inv, err := Invoke(client, delegation, gateway.DID(), CommandAI, time.Minute)
	require.NoError(t, err)
	id, err := v.Check(ctx, inv, CommandAI)
	require.NoError(t, err)
	require.NoError(t, v.Commit(ctx, id))
	require.ErrorIs(t, v.Commit(ctx, id), ErrTokenExhausted)

	inv, err = Invoke(client, delegation, gateway.DID(), CommandAI, time.Minute)
	require.NoError(t, err)
	_, err = v.Check(ctx, inv, CommandAI)
	require.ErrorIs(t, err, ErrTokenExhausted)
}

func TestReplayProtection(t *testing.T) {
	user := newKeypair(t)
	node := newKeypair(t)

	v := &Validator{Audience: node.DID(), Usage: NewMemoryUsageTracker(), ReplayProtection: true}
	raw, err := RootToken(user, node.DID(), CommandUser, time.Minute)
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), raw, CommandUser)
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), raw, CommandUser)
	require.ErrorIs(t, err, ErrTokenReplayed)
}

func TestTamperedToken(t *testing.T) {
	builder := newKeypair(t)
	node := newKeypair(t)

	raw, err := RootToken(builder, node.DID(), CommandDB, time.Minute)
	require.NoError(t, err)

	_, err = Parse(raw[:len(raw)-4] + "AAAA")
	require.ErrorIs(t, err, ErrInvalidToken)
	_, err = Parse("not.a.token")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestPermits(t *testing.T) {
	require.True(t, Permits("/nil/db", "/nil/db/data/read"))
	require.True(t, Permits("/nil/db/", "/nil/db"))
	require.False(t, Permits("/nil/db", "/nil/dbx"))
	require.False(t, Permits("/nil/db/data", "/nil/db"))
	require.True(t, Permits("", "/anything"))
}

func TestBoltUsageTracker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uses.db")
	tracker, err := NewBoltUsageTracker(path)
	require.NoError(t, err)

	ctx := context.Background()
	exp := time.Now().Add(time.Minute)
	n, err := tracker.Use(ctx, "a", 2, exp)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = tracker.Use(ctx, "a", 2, exp)
	require.NoError(t, err)
	_, err = tracker.Use(ctx, "a", 2, exp)
	require.ErrorIs(t, err, ErrTokenExhausted)

	_, err = tracker.Use(ctx, "old", 1, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.NoError(t, tracker.Close())

	tracker, err = NewBoltUsageTracker(path)
	require.NoError(t, err)
	defer tracker.Close()

	_, err = tracker.Use(ctx, "a", 2, exp)
	require.ErrorIs(t, err, ErrTokenExhausted)

	removed, err := tracker.Prune()
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}
