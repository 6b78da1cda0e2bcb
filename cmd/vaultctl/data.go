package main

import (
	"github.com/ruteri/secretvault/cmd/flags"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/vault"
	"github.com/urfave/cli/v2"
)

var flagUserKey = &cli.StringFlag{
	Name:    "user-key",
	Usage:   "hex private key of the user; private_key of the config when unset",
	EnvVars: []string{"USER_PRIVATE_KEY"},
}

var flagDocument = &cli.StringFlag{
	Name:     "document",
	Usage:    "document id",
	Required: true,
}

// newUser builds a user client for the nodes and record key of the config.
func newUser(cCtx *cli.Context) (*vault.UserClient, error) {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return nil, err
	}
	userKey := cCtx.String(flagUserKey.Name)
	if userKey == "" {
		userKey = cfg.PrivateKey
	}
	kp, err := cryptoutils.KeypairFromHex(userKey)
	if err != nil {
		return nil, err
	}
	nodes, err := vault.ResolveNodes(cCtx.Context, cfg)
	if err != nil {
		return nil, err
	}
	key, err := cfg.Key.BlindfoldKey(len(nodes))
	if err != nil {
		return nil, err
	}
	return vault.NewUserClient(kp, nodes, key, cfg.TokenTTL, flags.SetupLogger(cCtx))
}

func aclFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "grantee", Usage: "DID granted access; the delegating builder when empty"},
		&cli.BoolFlag{Name: "read", Value: true},
		&cli.BoolFlag{Name: "write"},
		&cli.BoolFlag{Name: "execute"},
	}
}

func aclFrom(cCtx *cli.Context) interfaces.ACL {
	return interfaces.ACL{
		Grantee: interfaces.DID(cCtx.String("grantee")),
		Read:    cCtx.Bool("read"),
		Write:   cCtx.Bool("write"),
		Execute: cCtx.Bool("execute"),
	}
}

var dataCommand = &cli.Command{
	Name:  "data",
	Usage: "Manage a user's owned data",
	Subcommands: []*cli.Command{
		{
			Name:  "create",
			Usage: "Store owned records with a builder's delegation",
			Flags: append([]cli.Flag{flagUserKey, flagCollection,
				&cli.StringFlag{Name: "delegation", Usage: "builder delegation token", Required: true},
				&cli.StringFlag{Name: "data", Usage: "JSON array of records", Required: true},
			}, aclFlags()...),
			Action: func(cCtx *cli.Context) error {
				var records []interfaces.Document
				if err := readJSONArg(cCtx.String("data"), &records); err != nil {
					return err
				}
				u, err := newUser(cCtx)
				if err != nil {
					return err
				}
				ids, err := u.CreateData(cCtx.Context, cCtx.String("delegation"), cCtx.String(flagCollection.Name), records, aclFrom(cCtx))
				if err != nil {
					return err
				}
				return printJSON(cCtx, map[string]any{"created": ids})
			},
		},
		{
			Name:  "list",
			Usage: "List references to the user's documents",
			Flags: []cli.Flag{flagUserKey},
			Action: func(cCtx *cli.Context) error {
				u, err := newUser(cCtx)
				if err != nil {
					return err
				}
				refs, err := u.ListData(cCtx.Context)
				if err != nil {
					return err
				}
				return printJSON(cCtx, refs)
			},
		},
		{
			Name:  "read",
			Usage: "Read and reassemble one document",
			Flags: []cli.Flag{flagUserKey, flagCollection, flagDocument},
			Action: func(cCtx *cli.Context) error {
				u, err := newUser(cCtx)
				if err != nil {
					return err
				}
				doc, err := u.ReadData(cCtx.Context, cCtx.String(flagCollection.Name), cCtx.String(flagDocument.Name))
				if err != nil {
					return err
				}
				return printJSON(cCtx, doc)
			},
		},
		{
			Name:  "delete",
			Usage: "Delete one document",
			Flags: []cli.Flag{flagUserKey, flagCollection, flagDocument},
			Action: func(cCtx *cli.Context) error {
				u, err := newUser(cCtx)
				if err != nil {
					return err
				}
				return u.DeleteData(cCtx.Context, cCtx.String(flagCollection.Name), cCtx.String(flagDocument.Name))
			},
		},
		{
			Name:  "grant",
			Usage: "Grant access to a document",
			Flags: append([]cli.Flag{flagUserKey, flagCollection, flagDocument}, aclFlags()...),
			Action: func(cCtx *cli.Context) error {
				u, err := newUser(cCtx)
				if err != nil {
					return err
				}
				return u.GrantAccess(cCtx.Context, cCtx.String(flagCollection.Name), cCtx.String(flagDocument.Name), aclFrom(cCtx))
			},
		},
		{
			Name:  "revoke",
			Usage: "Revoke a grantee's access to a document",
			Flags: []cli.Flag{flagUserKey, flagCollection, flagDocument, &cli.StringFlag{Name: "grantee", Required: true}},
			Action: func(cCtx *cli.Context) error {
				u, err := newUser(cCtx)
				if err != nil {
					return err
				}
				return u.RevokeAccess(cCtx.Context, cCtx.String(flagCollection.Name), cCtx.String(flagDocument.Name), interfaces.DID(cCtx.String("grantee")))
			},
		},
	},
}
