package flags

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/nuc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func newContext(t *testing.T, args ...string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range append(ServerFlags("test", "127.0.0.1:0"), PrivateKeyFlag, UsageDBFlag) {
		require.NoError(t, f.Apply(set))
	}
	require.NoError(t, set.Parse(args))
	return cli.NewContext(cli.NewApp(), set, nil)
}

func TestConfigureServer(t *testing.T) {
	cCtx := newContext(t, "--listen-addr", "0.0.0.0:9000", "--drain-seconds", "3", "--write-timeout", "5m")
	cfg := ConfigureServer(cCtx, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, 3*time.Second, cfg.DrainDuration)
	assert.Equal(t, 5*time.Minute, cfg.WriteTimeout)
}

func TestKeypair(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	want, err := cryptoutils.GenerateKeypair()
	require.NoError(t, err)

	kp, err := Keypair(newContext(t, "--private-key", want.PrivateKeyHex()), logger)
	require.NoError(t, err)
	assert.Equal(t, want.DID(), kp.DID())

	kp, err = Keypair(newContext(t), logger)
	require.NoError(t, err)
	assert.NotEqual(t, want.DID(), kp.DID())

	_, err = Keypair(newContext(t, "--private-key", "zz"), logger)
	require.Error(t, err)
}

func TestUsageTracker(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tracker, closeFn, err := UsageTracker(newContext(t), logger)
	require.NoError(t, err)
	require.IsType(t, &nuc.MemoryUsageTracker{}, tracker)
	require.NoError(t, closeFn())

	path := filepath.Join(t.TempDir(), "usage.db")
	tracker, closeFn, err = UsageTracker(newContext(t, "--usage-db", path), logger)
	require.NoError(t, err)
	require.IsType(t, &nuc.BoltUsageTracker{}, tracker)

	n, err := tracker.Use(context.Background(), "token", 2, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, closeFn())
}
