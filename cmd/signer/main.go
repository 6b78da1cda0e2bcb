package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/secretvault/api/signerhandler"
	"github.com/ruteri/secretvault/cmd/flags"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/httpserver"
	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/signing"
	"github.com/ruteri/secretvault/storage"
	"github.com/urfave/cli/v2"
)

// ceremonyMargin is added to the ceremony timeout for response writes.
const ceremonyMargin = 30 * time.Second

var signerFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "cluster",
		Usage:    "YAML file listing the signer peers and threshold",
		EnvVars:  []string{"SIGNER_CLUSTER"},
		Required: true,
	},
	&cli.StringSliceFlag{
		Name:    "share-storage",
		Value:   cli.NewStringSlice("file://./shares"),
		Usage:   "key share storage URI (file://, s3://, vault://, ipfs://); repeat to store every share redundantly",
		EnvVars: []string{"SHARE_STORAGE"},
	},
	&cli.StringSliceFlag{
		Name:    "coordinator",
		Usage:   "DID allowed to start ceremonies; repeat for every coordinator (any root is accepted when unset)",
		EnvVars: []string{"COORDINATOR_DIDS"},
	},
	&cli.StringFlag{
		Name:  "preparams",
		Usage: "pre-parameters file written by the preparams command; generated on the first keygen when unset",
	},
	&cli.DurationFlag{
		Name:  "ceremony-timeout",
		Value: signing.DefaultCeremonyTimeout,
		Usage: "maximum duration of a keygen or signing ceremony",
	},
}

var preparamsCommand = &cli.Command{
	Name:  "preparams",
	Usage: "Generate keygen pre-parameters (safe primes) into a file",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "out",
			Usage:    "output file",
			Required: true,
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Value: signing.DefaultPreParamsTimeout,
			Usage: "give up after this long",
		},
	},
	Action: func(cCtx *cli.Context) error {
		params, err := signing.GeneratePreParams(cCtx.Duration("timeout"))
		if err != nil {
			return err
		}
		if err := signing.SavePreParams(cCtx.String("out"), params); err != nil {
			return err
		}
		fmt.Fprintf(cCtx.App.Writer, "pre-parameters written to %s\n", cCtx.String("out"))
		return nil
	},
}

func main() {
	app := &cli.App{
		Name:     "signer",
		Usage:    "Serve a threshold ECDSA signer node",
		Flags:    append(append(flags.ServerFlags("signer", "127.0.0.1:8082"), flags.PrivateKeyFlag, flags.UsageDBFlag), signerFlags...),
		Commands: []*cli.Command{preparamsCommand},
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			kp, err := flags.Keypair(cCtx, logger)
			if err != nil {
				logger.Error("Invalid private key", "err", err)
				return err
			}

			cluster, err := signing.LoadClusterConfig(cCtx.String("cluster"))
			if err != nil {
				logger.Error("Failed to load cluster config", "err", err)
				return err
			}
			peers := cluster.PeerMap()
			if _, ok := peers[kp.DID()]; !ok {
				err := fmt.Errorf("%s is not a peer of the cluster", kp.DID())
				logger.Error("Invalid cluster config", "err", err)
				return err
			}

			var coordinators []interfaces.DID
			for _, raw := range cCtx.StringSlice("coordinator") {
				did := interfaces.DID(raw)
				if _, err := cryptoutils.PublicKeyFromDID(did); err != nil {
					logger.Error("Invalid coordinator DID", slog.String("did", raw), "err", err)
					return err
				}
				coordinators = append(coordinators, did)
			}
			if len(coordinators) == 0 {
				logger.Warn("No coordinators configured, accepting ceremonies from any root")
			}

			cfg := signing.Config{
				CeremonyTimeout: cCtx.Duration("ceremony-timeout"),
				Peers:           cluster.DIDs(),
			}
			if path := cCtx.String("preparams"); path != "" {
				cfg.PreParams, err = signing.LoadPreParams(path)
				if err != nil {
					logger.Error("Failed to load pre-parameters", "err", err)
					return err
				}
			}

			var locations []interfaces.StorageBackendLocation
			for _, uri := range cCtx.StringSlice("share-storage") {
				locations = append(locations, interfaces.StorageBackendLocation(uri))
			}
			backend, err := storage.NewStorageBackendFactory(logger).CreateMultiBackend(locations)
			if err != nil {
				logger.Error("Failed to configure share storage", "err", err)
				return err
			}

			usage, closeUsage, err := flags.UsageTracker(cCtx, logger)
			if err != nil {
				logger.Error("Failed to open usage tracker", "err", err)
				return err
			}
			defer closeUsage()

			node := signing.NewNode(kp, cfg,
				signing.NewRouter(logger),
				signing.NewHTTPTransport(peers),
				signing.NewShareStore(backend, kp.DID()),
				logger)
			handler := signerhandler.NewHandler(kp, node, coordinators, usage, logger)

			serverCfg := flags.ConfigureServer(cCtx, logger)
			if serverCfg.WriteTimeout < cfg.CeremonyTimeout+ceremonyMargin {
				serverCfg.WriteTimeout = cfg.CeremonyTimeout + ceremonyMargin
			}
			server, err := httpserver.New(serverCfg, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting signer",
				slog.String("did", string(kp.DID())),
				slog.Int("peers", len(peers)),
				slog.Int("threshold", cluster.Threshold),
				slog.String("storage", backend.Name()))
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
