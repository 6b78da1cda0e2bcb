package main

import (
	"time"

	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/nuc"
	"github.com/urfave/cli/v2"
)

type keypairOutput struct {
	PrivateKey string         `json:"private_key"`
	PublicKey  string         `json:"public_key"`
	DID        interfaces.DID `json:"did"`
}

var keypairCommand = &cli.Command{
	Name:  "keypair",
	Usage: "Generate a secp256k1 keypair (builder, user, node or API key)",
	Action: func(cCtx *cli.Context) error {
		kp, err := cryptoutils.GenerateKeypair()
		if err != nil {
			return err
		}
		return printJSON(cCtx, keypairOutput{
			PrivateKey: kp.PrivateKeyHex(),
			PublicKey:  kp.PublicKeyHex(),
			DID:        kp.DID(),
		})
	},
}

var (
	flagKey = &cli.StringFlag{
		Name:     "key",
		Usage:    "hex private key of the issuer",
		EnvVars:  []string{"PRIVATE_KEY"},
		Required: true,
	}
	flagAudience = &cli.StringFlag{
		Name:     "audience",
		Usage:    "DID the token is addressed to",
		Required: true,
	}
	flagCommand = &cli.StringFlag{
		Name:  "command",
		Value: nuc.CommandAI,
		Usage: "command the token grants, for example /nil/db/data",
	}
	flagTTL = &cli.DurationFlag{
		Name:  "ttl",
		Value: time.Minute,
		Usage: "token validity",
	}
)

var tokenCommand = &cli.Command{
	Name:  "token",
	Usage: "Mint nuc tokens",
	Subcommands: []*cli.Command{
		{
			Name:  "root",
			Usage: "Mint a root token",
			Flags: []cli.Flag{flagKey, flagAudience, flagCommand, flagTTL},
			Action: func(cCtx *cli.Context) error {
				kp, err := cryptoutils.KeypairFromHex(cCtx.String(flagKey.Name))
				if err != nil {
					return err
				}
				token, err := nuc.RootToken(kp, interfaces.DID(cCtx.String(flagAudience.Name)), cCtx.String(flagCommand.Name), cCtx.Duration(flagTTL.Name))
				if err != nil {
					return err
				}
				return printJSON(cCtx, map[string]string{"token": token})
			},
		},
		{
			Name:  "delegate",
			Usage: "Delegate a token to another DID",
			Flags: []cli.Flag{flagKey, flagAudience, flagCommand, flagTTL,
				&cli.StringFlag{Name: "parent", Usage: "token to delegate; a root token is delegated when empty"},
				&cli.IntFlag{Name: "max-uses", Usage: "invocations allowed; 0 means unlimited"},
			},
			Action: func(cCtx *cli.Context) error {
				kp, err := cryptoutils.KeypairFromHex(cCtx.String(flagKey.Name))
				if err != nil {
					return err
				}
				token, err := nuc.Delegate(kp, cCtx.String("parent"), interfaces.DID(cCtx.String(flagAudience.Name)),
					cCtx.String(flagCommand.Name), cCtx.Duration(flagTTL.Name), cCtx.Int("max-uses"))
				if err != nil {
					return err
				}
				return printJSON(cCtx, map[string]string{"token": token})
			},
		},
		{
			Name:  "invoke",
			Usage: "Invoke a delegation against a service",
			Flags: []cli.Flag{flagKey, flagAudience, flagCommand, flagTTL,
				&cli.StringFlag{Name: "delegation", Usage: "delegation to invoke", Required: true},
			},
			Action: func(cCtx *cli.Context) error {
				kp, err := cryptoutils.KeypairFromHex(cCtx.String(flagKey.Name))
				if err != nil {
					return err
				}
				token, err := nuc.Invoke(kp, cCtx.String("delegation"), interfaces.DID(cCtx.String(flagAudience.Name)),
					cCtx.String(flagCommand.Name), cCtx.Duration(flagTTL.Name))
				if err != nil {
					return err
				}
				return printJSON(cCtx, map[string]string{"token": token})
			},
		},
		{
			Name:      "inspect",
			Usage:     "Decode a token and its proof chain",
			ArgsUsage: "<token>",
			Action: func(cCtx *cli.Context) error {
				chain, err := nuc.Chain(cCtx.Args().First())
				if err != nil {
					return err
				}
				claims := make([]*nuc.Claims, len(chain))
				for i, t := range chain {
					claims[i] = t.Claims
				}
				return printJSON(cCtx, claims)
			},
		},
	},
}
