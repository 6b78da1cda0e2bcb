package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/secretvault/api/clients"
	"github.com/ruteri/secretvault/api/demohandler"
	"github.com/ruteri/secretvault/cmd/flags"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/httpserver"
	"github.com/ruteri/secretvault/llm"
	"github.com/ruteri/secretvault/signing"
	"github.com/ruteri/secretvault/vault"
	"github.com/urfave/cli/v2"
)

var demoFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "gateway-url",
		Value:   "http://127.0.0.1:8081/v1",
		Usage:   "base URL of the LLM gateway",
		EnvVars: []string{"GATEWAY_URL"},
	},
	&cli.StringFlag{
		Name:    "api-key",
		Usage:   "hex API key registered with the gateway",
		EnvVars: []string{"LLM_API_KEY"},
	},
	&cli.StringFlag{
		Name:  "model",
		Value: "echo",
		Usage: "model used by /api/chat",
	},
	&cli.StringFlag{
		Name:  "delegation-model",
		Usage: "model used by /api/chat-delegation; defaults to model",
	},
	&cli.DurationFlag{
		Name:  "delegation-ttl",
		Value: time.Minute,
		Usage: "validity of delegation tokens",
	},
	&cli.IntFlag{
		Name:  "delegation-max-uses",
		Value: 1,
		Usage: "requests allowed per delegation token",
	},
	&cli.DurationFlag{
		Name:  "chat-timeout",
		Value: time.Minute,
		Usage: "timeout of gateway requests",
	},
	&cli.StringFlag{
		Name:    "vault-config",
		Usage:   "YAML vault client config; credential and record routes are disabled when unset",
		EnvVars: []string{"VAULT_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "builder-name",
		Value: "secretvault-demo",
		Usage: "name to register the builder with when the config sets none",
	},
	&cli.StringFlag{
		Name:    "signer-cluster",
		Usage:   "YAML signer cluster config; signing routes are disabled when unset",
		EnvVars: []string{"SIGNER_CLUSTER"},
	},
	&cli.StringFlag{
		Name:    "coordinator-key",
		Usage:   "hex private key the signers trust as coordinator",
		EnvVars: []string{"COORDINATOR_KEY"},
	},
	&cli.DurationFlag{
		Name:  "signer-timeout",
		Value: 3 * time.Minute,
		Usage: "timeout of signer requests",
	},
}

func main() {
	app := &cli.App{
		Name:  "demoserver",
		Usage: "Serve the demo application API",
		Flags: append(flags.ServerFlags("demoserver", "127.0.0.1:3000"), demoFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			opts := demohandler.Options{
				Chat: demohandler.ChatConfig{
					BaseURL:         cCtx.String("gateway-url"),
					APIKey:          cCtx.String("api-key"),
					Model:           cCtx.String("model"),
					DelegationModel: cCtx.String("delegation-model"),
					Delegation: llm.DelegationServerConfig{
						ExpirationTime: cCtx.Duration("delegation-ttl"),
						TokenMaxUses:   cCtx.Int("delegation-max-uses"),
					},
					Timeout: cCtx.Duration("chat-timeout"),
				},
			}
			if opts.Chat.APIKey == "" {
				logger.Warn("No API key configured, chat routes will fail")
			}

			if path := cCtx.String("vault-config"); path != "" {
				builder, err := connectVault(cCtx.Context, path, cCtx.String("builder-name"), logger)
				if err != nil {
					logger.Error("Failed to connect to the vault cluster", "err", err)
					return err
				}
				opts.Records = builder
				opts.Credentials = vault.NewCredentialManager(builder, "")
			}

			if path := cCtx.String("signer-cluster"); path != "" {
				coordinator, err := connectSigners(path, cCtx.String("coordinator-key"), cCtx.Duration("signer-timeout"), logger)
				if err != nil {
					logger.Error("Failed to configure signers", "err", err)
					return err
				}
				opts.Signer = coordinator
			}

			server, err := httpserver.New(flags.ConfigureServer(cCtx, logger), demohandler.NewHandler(opts, logger))
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting demo server")
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

// connectVault builds the builder client and registers it on every node.
func connectVault(ctx context.Context, path, defaultName string, logger *slog.Logger) (*vault.BuilderClient, error) {
	cfg, err := vault.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	builder, err := vault.NewBuilderClientFromConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	name := cfg.BuilderName
	if name == "" {
		name = defaultName
	}
	if err := builder.Register(ctx, name); err != nil {
		return nil, err
	}
	logger.Info("Connected to vault cluster",
		slog.String("builder", string(builder.DID())),
		slog.Int("nodes", builder.Cluster().Size()))
	return builder, nil
}

func connectSigners(path, coordinatorKey string, timeout time.Duration, logger *slog.Logger) (*signing.Coordinator, error) {
	if coordinatorKey == "" {
		return nil, errors.New("coordinator-key is required with signer-cluster")
	}
	kp, err := cryptoutils.KeypairFromHex(coordinatorKey)
	if err != nil {
		return nil, err
	}
	cluster, err := signing.LoadClusterConfig(path)
	if err != nil {
		return nil, err
	}
	logger.Info("Using signer cluster",
		slog.String("coordinator", string(kp.DID())),
		slog.Int("peers", len(cluster.Peers)),
		slog.Int("threshold", cluster.Threshold))
	return clients.NewCoordinator(cluster, vault.RootTokens(kp, time.Minute), logger, timeout)
}
