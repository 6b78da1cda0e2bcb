package main

import (
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/secretvault/api/gatewayhandler"
	"github.com/ruteri/secretvault/cmd/flags"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/httpserver"
	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/llm"
	"github.com/urfave/cli/v2"
)

var gatewayFlags = []cli.Flag{
	&cli.StringSliceFlag{
		Name:    "api-key-did",
		Usage:   "DID of an issued API key; repeat for every key (any root is accepted when unset)",
		EnvVars: []string{"API_KEY_DIDS"},
	},
	&cli.StringFlag{
		Name:    "upstream-url",
		Usage:   "OpenAI compatible model server, for example http://127.0.0.1:8000/v1",
		EnvVars: []string{"UPSTREAM_URL"},
	},
	&cli.StringFlag{
		Name:    "upstream-api-key",
		Usage:   "bearer key of the upstream model server",
		EnvVars: []string{"UPSTREAM_API_KEY"},
	},
	&cli.DurationFlag{
		Name:  "upstream-timeout",
		Value: 2 * time.Minute,
		Usage: "timeout of upstream requests",
	},
	&cli.StringSliceFlag{
		Name:  "echo-model",
		Value: cli.NewStringSlice("echo"),
		Usage: "models served by the built-in echo completer when no upstream is set",
	},
}

func main() {
	app := &cli.App{
		Name:  "gateway",
		Usage: "Serve an LLM gateway authenticated with nuc tokens",
		Flags: append(append(flags.ServerFlags("gateway", "127.0.0.1:8081"), flags.PrivateKeyFlag, flags.UsageDBFlag), gatewayFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			kp, err := flags.Keypair(cCtx, logger)
			if err != nil {
				logger.Error("Invalid private key", "err", err)
				return err
			}

			var trusted []interfaces.DID
			for _, raw := range cCtx.StringSlice("api-key-did") {
				did := interfaces.DID(raw)
				if _, err := cryptoutils.PublicKeyFromDID(did); err != nil {
					logger.Error("Invalid API key DID", slog.String("did", raw), "err", err)
					return err
				}
				trusted = append(trusted, did)
			}
			if len(trusted) == 0 {
				logger.Warn("No API key DIDs configured, accepting tokens from any root")
			}

			var completer llm.Completer
			if upstream := cCtx.String("upstream-url"); upstream != "" {
				logger.Info("Forwarding to upstream model server", slog.String("url", upstream))
				completer = llm.NewUpstreamCompleter(upstream, cCtx.String("upstream-api-key"), cCtx.Duration("upstream-timeout"))
			} else {
				models := cCtx.StringSlice("echo-model")
				if len(models) == 0 {
					return errors.New("either upstream-url or echo-model is required")
				}
				logger.Info("Serving echo models", slog.Any("models", models))
				completer = &llm.EchoCompleter{ModelIDs: models}
			}

			usage, closeUsage, err := flags.UsageTracker(cCtx, logger)
			if err != nil {
				logger.Error("Failed to open usage tracker", "err", err)
				return err
			}
			defer closeUsage()

			handler := gatewayhandler.NewHandler(kp, completer, usage, trusted, logger)
			server, err := httpserver.New(flags.ConfigureServer(cCtx, logger), handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting gateway", slog.String("did", string(kp.DID())))
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
