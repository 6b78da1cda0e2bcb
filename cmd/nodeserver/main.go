package main

import (
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/secretvault/api/nodehandler"
	"github.com/ruteri/secretvault/cmd/flags"
	"github.com/ruteri/secretvault/httpserver"
	"github.com/ruteri/secretvault/node"
	"github.com/ruteri/secretvault/storage"
	"github.com/urfave/cli/v2"
)

var storeFlag = &cli.StringFlag{
	Name:    "store",
	Value:   "memory://",
	Usage:   "document store: memory://, bolt:///path/to/file.db or a postgres:// DSN",
	EnvVars: []string{"STORE_URI"},
}

func main() {
	app := &cli.App{
		Name:  "nodeserver",
		Usage: "Serve a secret-shared storage node",
		Flags: append(flags.ServerFlags("nodeserver", "127.0.0.1:8080"),
			flags.PrivateKeyFlag,
			flags.UsageDBFlag,
			storeFlag,
		),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			kp, err := flags.Keypair(cCtx, logger)
			if err != nil {
				logger.Error("Invalid private key", "err", err)
				return err
			}

			store, err := storage.OpenDocumentStore(cCtx.Context, cCtx.String(storeFlag.Name))
			if err != nil {
				logger.Error("Failed to open document store", "err", err)
				return err
			}
			defer store.Close()

			usage, closeUsage, err := flags.UsageTracker(cCtx, logger)
			if err != nil {
				logger.Error("Failed to open usage tracker", "err", err)
				return err
			}
			defer closeUsage()

			svc := node.NewService(kp, store, logger)
			server, err := httpserver.New(flags.ConfigureServer(cCtx, logger), nodehandler.NewHandler(svc, usage, logger))
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting storage node", slog.String("did", string(kp.DID())))
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
