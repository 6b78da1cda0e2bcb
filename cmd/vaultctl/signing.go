package main

import (
	"errors"
	"time"

	"github.com/ruteri/secretvault/api/clients"
	"github.com/ruteri/secretvault/cmd/flags"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/signing"
	"github.com/ruteri/secretvault/vault"
	"github.com/urfave/cli/v2"
)

var (
	flagCluster = &cli.StringFlag{
		Name:     "cluster",
		Usage:    "YAML signer cluster config",
		EnvVars:  []string{"SIGNER_CLUSTER"},
		Required: true,
	}
	flagCoordinatorKey = &cli.StringFlag{
		Name:     "coordinator-key",
		Usage:    "hex private key the signers trust as coordinator",
		EnvVars:  []string{"COORDINATOR_KEY"},
		Required: true,
	}
	flagStoreID = &cli.StringFlag{
		Name:     "store-id",
		Usage:    "key id",
		Required: true,
	}
	flagMessage = &cli.StringFlag{
		Name:     "message",
		Usage:    "message to sign; it is hashed with sha256",
		Required: true,
	}
)

func newCoordinator(cCtx *cli.Context) (*signing.Coordinator, error) {
	kp, err := cryptoutils.KeypairFromHex(cCtx.String(flagCoordinatorKey.Name))
	if err != nil {
		return nil, err
	}
	cluster, err := signing.LoadClusterConfig(cCtx.String(flagCluster.Name))
	if err != nil {
		return nil, err
	}
	return clients.NewCoordinator(cluster, vault.RootTokens(kp, time.Minute), flags.SetupLogger(cCtx), 3*time.Minute)
}

var signingCommand = &cli.Command{
	Name:  "signing",
	Usage: "Threshold ECDSA keys on the signer cluster",
	Subcommands: []*cli.Command{
		{
			Name:  "about",
			Usage: "Show a signer node's identity",
			Flags: []cli.Flag{&cli.StringFlag{Name: "url", Usage: "signer base URL", Required: true}},
			Action: func(cCtx *cli.Context) error {
				s, err := clients.DialSigner(cCtx.Context, cCtx.String("url"), nil)
				if err != nil {
					return err
				}
				return printJSON(cCtx, map[string]any{"url": s.URL(), "did": s.DID()})
			},
		},
		{
			Name:  "keygen",
			Usage: "Generate a key shared by every signer",
			Flags: []cli.Flag{flagCluster, flagCoordinatorKey},
			Action: func(cCtx *cli.Context) error {
				c, err := newCoordinator(cCtx)
				if err != nil {
					return err
				}
				info, err := c.StoreKey(cCtx.Context)
				if err != nil {
					return err
				}
				return printJSON(cCtx, info)
			},
		},
		{
			Name:  "key",
			Usage: "Show a key's public information",
			Flags: []cli.Flag{flagCluster, flagCoordinatorKey, flagStoreID},
			Action: func(cCtx *cli.Context) error {
				c, err := newCoordinator(cCtx)
				if err != nil {
					return err
				}
				info, err := c.Key(cCtx.Context, cCtx.String(flagStoreID.Name))
				if err != nil {
					return err
				}
				return printJSON(cCtx, info)
			},
		},
		{
			Name:  "sign",
			Usage: "Sign a message with a stored key",
			Flags: []cli.Flag{flagCluster, flagCoordinatorKey, flagStoreID, flagMessage},
			Action: func(cCtx *cli.Context) error {
				c, err := newCoordinator(cCtx)
				if err != nil {
					return err
				}
				sig, err := c.Sign(cCtx.Context, cCtx.String(flagStoreID.Name), []byte(cCtx.String(flagMessage.Name)))
				if err != nil {
					return err
				}
				return printJSON(cCtx, sig)
			},
		},
		{
			Name:  "verify",
			Usage: "Verify a signature locally",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "public-key", Usage: "hex public key", Required: true},
				flagMessage,
				&cli.StringFlag{Name: "signature", Usage: "JSON signature with r, s and v", Required: true},
			},
			Action: func(cCtx *cli.Context) error {
				var sig interfaces.Signature
				if err := readJSONArg(cCtx.String("signature"), &sig); err != nil {
					return err
				}
				if !signing.Verify(cCtx.String("public-key"), []byte(cCtx.String(flagMessage.Name)), sig) {
					return errors.New("signature does not verify")
				}
				return printJSON(cCtx, map[string]bool{"valid": true})
			},
		},
	},
}
