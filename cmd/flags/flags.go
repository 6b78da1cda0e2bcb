// Package flags holds the command line flags shared by every service.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/secretvault/api"
	"github.com/ruteri/secretvault/common"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/nuc"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *api.HTTPServerConfig {
	return &api.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlagName),
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             cCtx.Duration(WriteTimeoutFlag.Name),
	}
}

const ListenAddrFlagName = "listen-addr"

var ListenAddrFlagFn = func(addr string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:    ListenAddrFlagName,
		Value:   addr,
		Usage:   "address to listen on for API",
		EnvVars: []string{"LISTEN_ADDR"},
	}
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

// WriteTimeoutFlag bounds response writes. Signer nodes answer keygen
// requests only once the ceremony is over.
var WriteTimeoutFlag = &cli.DurationFlag{
	Name:  "write-timeout",
	Value: 30 * time.Second,
	Usage: "maximum duration of a response write",
}

// ServerFlags are the flags of every HTTP service. listenAddr is the default
// API address.
func ServerFlags(service, listenAddr string) []cli.Flag {
	return []cli.Flag{
		ListenAddrFlagFn(listenAddr),
		LogJsonFlag,
		LogDebugFlag,
		LogUidFlag,
		LogServiceFlagFn(service),
		PprofFlag,
		DrainSecondsFlag,
		MetricsAddrFlag,
		WriteTimeoutFlag,
	}
}

const PrivateKeyFlagName = "private-key"

var PrivateKeyFlag = &cli.StringFlag{
	Name:    PrivateKeyFlagName,
	Usage:   "hex secp256k1 private key of this service; a fresh key is generated when empty",
	EnvVars: []string{"PRIVATE_KEY"},
}

// Keypair loads the service identity from the private-key flag.
func Keypair(cCtx *cli.Context, logger *slog.Logger) (*cryptoutils.Keypair, error) {
	if raw := cCtx.String(PrivateKeyFlagName); raw != "" {
		return cryptoutils.KeypairFromHex(raw)
	}
	kp, err := cryptoutils.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	logger.Warn("No private key configured, using an ephemeral identity", slog.String("did", string(kp.DID())))
	return kp, nil
}

var UsageDBFlag = &cli.StringFlag{
	Name:  "usage-db",
	Usage: "bbolt file tracking token uses; in memory when empty",
}

// UsageTracker opens the tracker selected by the usage-db flag. Entries of
// expired tokens are pruned on open.
func UsageTracker(cCtx *cli.Context, logger *slog.Logger) (nuc.UsageTracker, func() error, error) {
	path := cCtx.String(UsageDBFlag.Name)
	if path == "" {
		return nuc.NewMemoryUsageTracker(), func() error { return nil }, nil
	}
	tracker, err := nuc.NewBoltUsageTracker(path)
	if err != nil {
		return nil, nil, err
	}
	pruned, err := tracker.Prune()
	if err != nil {
		tracker.Close()
		return nil, nil, err
	}
	logger.Info("Opened token usage database", slog.String("path", path), slog.Int("pruned", pruned))
	return tracker, tracker.Close, nil
}
