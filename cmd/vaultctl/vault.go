package main

import (
	"time"

	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/vault"
	"github.com/urfave/cli/v2"
)

var (
	flagCollection = &cli.StringFlag{
		Name:     "collection",
		Usage:    "collection id",
		Required: true,
	}
	flagFilter = &cli.StringFlag{
		Name:  "filter",
		Value: "{}",
		Usage: "JSON filter",
	}
	flagID = &cli.StringFlag{
		Name:     "id",
		Usage:    "document id",
		Required: true,
	}
)

var builderCommand = &cli.Command{
	Name:  "builder",
	Usage: "Manage the builder registration",
	Subcommands: []*cli.Command{
		{
			Name:  "register",
			Usage: "Register the builder on every node",
			Flags: []cli.Flag{&cli.StringFlag{Name: "name", Usage: "builder name; defaults to builder_name of the config"}},
			Action: func(cCtx *cli.Context) error {
				cfg, err := loadConfig(cCtx)
				if err != nil {
					return err
				}
				b, err := newBuilder(cCtx)
				if err != nil {
					return err
				}
				name := cCtx.String("name")
				if name == "" {
					name = cfg.BuilderName
				}
				if err := b.Register(cCtx.Context, name); err != nil {
					return err
				}
				return printJSON(cCtx, map[string]any{"did": b.DID(), "nodes": b.Cluster().Size()})
			},
		},
		{
			Name:  "profile",
			Usage: "Show the builder profile",
			Action: func(cCtx *cli.Context) error {
				b, err := newBuilder(cCtx)
				if err != nil {
					return err
				}
				profile, err := b.Profile(cCtx.Context)
				if err != nil {
					return err
				}
				return printJSON(cCtx, profile)
			},
		},
		{
			Name:  "unregister",
			Usage: "Remove the builder and everything it owns",
			Action: func(cCtx *cli.Context) error {
				b, err := newBuilder(cCtx)
				if err != nil {
					return err
				}
				return b.Unregister(cCtx.Context)
			},
		},
		{
			Name:  "delegate",
			Usage: "Allow a user to create owned data in the builder's collections",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "user", Usage: "user DID", Required: true},
				&cli.DurationFlag{Name: "ttl", Value: time.Hour, Usage: "delegation validity"},
				&cli.IntFlag{Name: "max-uses", Usage: "creations allowed per node; 0 means unlimited"},
			},
			Action: func(cCtx *cli.Context) error {
				b, err := newBuilder(cCtx)
				if err != nil {
					return err
				}
				token, err := b.DelegateUser(interfaces.DID(cCtx.String("user")), cCtx.Duration("ttl"), cCtx.Int("max-uses"))
				if err != nil {
					return err
				}
				return printJSON(cCtx, map[string]string{"token": token})
			},
		},
	},
}

var collectionCommand = &cli.Command{
	Name:  "collection",
	Usage: "Manage collections",
	Subcommands: []*cli.Command{
		{
			Name:  "create",
			Usage: "Create a collection on every node",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "name", Required: true},
				&cli.StringFlag{Name: "schema", Value: "{}", Usage: "JSON schema"},
				&cli.BoolFlag{Name: "owned", Usage: "create an owned collection"},
			},
			Action: func(cCtx *cli.Context) error {
				coll := interfaces.Collection{Name: cCtx.String("name"), Type: interfaces.StandardCollection}
				if cCtx.Bool("owned") {
					coll.Type = interfaces.OwnedCollection
				}
				if err := readJSONArg(cCtx.String("schema"), &coll.Schema); err != nil {
					return err
				}
				b, err := newBuilder(cCtx)
				if err != nil {
					return err
				}
				created, err := b.CreateCollection(cCtx.Context, coll)
				if err != nil {
					return err
				}
				return printJSON(cCtx, created)
			},
		},
		{
			Name:  "list",
			Usage: "List the builder's collections",
			Action: func(cCtx *cli.Context) error {
				b, err := newBuilder(cCtx)
				if err != nil {
					return err
				}
				colls, err := b.ListCollections(cCtx.Context)
				if err != nil {
					return err
				}
				return printJSON(cCtx, colls)
			},
		},
		{
			Name:  "show",
			Usage: "Show a collection and its record count",
			Flags: []cli.Flag{flagCollection},
			Action: func(cCtx *cli.Context) error {
				b, err := newBuilder(cCtx)
				if err != nil {
					return err
				}
				meta, err := b.Collection(cCtx.Context, cCtx.String(flagCollection.Name))
				if err != nil {
					return err
				}
				return printJSON(cCtx, meta)
			},
		},
		{
			Name:  "delete",
			Usage: "Delete a collection and its records",
			Flags: []cli.Flag{flagCollection},
			Action: func(cCtx *cli.Context) error {
				b, err := newBuilder(cCtx)
				if err != nil {
					return err
				}
				return b.DeleteCollection(cCtx.Context, cCtx.String(flagCollection.Name))
			},
		},
	},
}

var recordCommand = &cli.Command{
	Name:  "record",
	Usage: "Manage records of a standard collection; secret fields are given as {\"%allot\": value}",
	Subcommands: []*cli.Command{
		{
			Name:  "create",
			Usage: "Secret share records across the nodes",
			Flags: []cli.Flag{flagCollection, &cli.StringFlag{Name: "data", Usage: "JSON array of records", Required: true}},
			Action: func(cCtx *cli.Context) error {
				var records []interfaces.Document
				if err := readJSONArg(cCtx.String("data"), &records); err != nil {
					return err
				}
				b, err := newBuilder(cCtx)
				if err != nil {
					return err
				}
				ids, err := b.CreateRecords(cCtx.Context, cCtx.String(flagCollection.Name), records)
				if err != nil {
					return err
				}
				return printJSON(cCtx, map[string]any{"created": ids})
			},
		},
		{
			Name:  "find",
			Usage: "Read and reassemble matching records",
			Flags: []cli.Flag{flagCollection, flagFilter},
			Action: func(cCtx *cli.Context) error {
				var filter interfaces.Filter
				if err := readJSONArg(cCtx.String(flagFilter.Name), &filter); err != nil {
					return err
				}
				b, err := newBuilder(cCtx)
				if err != nil {
					return err
				}
				docs, err := b.FindRecords(cCtx.Context, cCtx.String(flagCollection.Name), filter)
				if err != nil {
					return err
				}
				return printJSON(cCtx, docs)
			},
		},
		{
			Name:  "update",
			Usage: "Update matching records",
			Flags: []cli.Flag{flagCollection, flagFilter, &cli.StringFlag{Name: "set", Usage: "JSON fields to set", Required: true}},
			Action: func(cCtx *cli.Context) error {
				var filter interfaces.Filter
				if err := readJSONArg(cCtx.String(flagFilter.Name), &filter); err != nil {
					return err
				}
				var set interfaces.Document
				if err := readJSONArg(cCtx.String("set"), &set); err != nil {
					return err
				}
				b, err := newBuilder(cCtx)
				if err != nil {
					return err
				}
				res, err := b.UpdateRecords(cCtx.Context, cCtx.String(flagCollection.Name), filter, set)
				if err != nil {
					return err
				}
				return printJSON(cCtx, res)
			},
		},
		{
			Name:  "delete",
			Usage: "Delete matching records",
			Flags: []cli.Flag{flagCollection, flagFilter},
			Action: func(cCtx *cli.Context) error {
				var filter interfaces.Filter
				if err := readJSONArg(cCtx.String(flagFilter.Name), &filter); err != nil {
					return err
				}
				b, err := newBuilder(cCtx)
				if err != nil {
					return err
				}
				n, err := b.DeleteRecords(cCtx.Context, cCtx.String(flagCollection.Name), filter)
				if err != nil {
					return err
				}
				return printJSON(cCtx, map[string]int{"deleted": n})
			},
		},
	},
}

var queryCommand = &cli.Command{
	Name:  "query",
	Usage: "Manage saved queries",
	Subcommands: []*cli.Command{
		{
			Name:  "create",
			Usage: "Save a query on every node",
			Flags: []cli.Flag{&cli.StringFlag{Name: "query", Usage: "JSON query with name, collection, variables and pipeline", Required: true}},
			Action: func(cCtx *cli.Context) error {
				var q interfaces.Query
				if err := readJSONArg(cCtx.String("query"), &q); err != nil {
					return err
				}
				b, err := newBuilder(cCtx)
				if err != nil {
					return err
				}
				created, err := b.CreateQuery(cCtx.Context, q)
				if err != nil {
					return err
				}
				return printJSON(cCtx, created)
			},
		},
		{
			Name:  "list",
			Usage: "List saved queries",
			Action: func(cCtx *cli.Context) error {
				b, err := newBuilder(cCtx)
				if err != nil {
					return err
				}
				qs, err := b.ListQueries(cCtx.Context)
				if err != nil {
					return err
				}
				return printJSON(cCtx, qs)
			},
		},
		{
			Name:  "delete",
			Usage: "Delete a saved query",
			Flags: []cli.Flag{flagID},
			Action: func(cCtx *cli.Context) error {
				b, err := newBuilder(cCtx)
				if err != nil {
					return err
				}
				return b.DeleteQuery(cCtx.Context, cCtx.String(flagID.Name))
			},
		},
		{
			Name:  "run",
			Usage: "Run a saved query and reassemble its results",
			Flags: []cli.Flag{flagID, &cli.StringFlag{Name: "variables", Value: "{}", Usage: "JSON variables"}},
			Action: func(cCtx *cli.Context) error {
				var vars map[string]any
				if err := readJSONArg(cCtx.String("variables"), &vars); err != nil {
					return err
				}
				b, err := newBuilder(cCtx)
				if err != nil {
					return err
				}
				rows, err := b.RunQuery(cCtx.Context, cCtx.String(flagID.Name), vars)
				if err != nil {
					return err
				}
				return printJSON(cCtx, rows)
			},
		},
	},
}

var credentialCommand = &cli.Command{
	Name:  "credential",
	Usage: "Password manager on the vault cluster",
	Subcommands: []*cli.Command{
		{
			Name:  "add",
			Usage: "Store a login",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "service", Required: true},
				&cli.StringFlag{Name: "username", Required: true},
				&cli.StringFlag{Name: "password", Required: true, EnvVars: []string{"CREDENTIAL_PASSWORD"}},
			},
			Action: func(cCtx *cli.Context) error {
				b, err := newBuilder(cCtx)
				if err != nil {
					return err
				}
				id, err := vault.NewCredentialManager(b, "").CreateCredential(cCtx.Context, vault.Credential{
					Service:  cCtx.String("service"),
					Username: cCtx.String("username"),
					Password: cCtx.String("password"),
				})
				if err != nil {
					return err
				}
				return printJSON(cCtx, map[string]string{"id": id})
			},
		},
		{
			Name:  "list",
			Usage: "List logins, optionally of one service",
			Flags: []cli.Flag{&cli.StringFlag{Name: "service"}},
			Action: func(cCtx *cli.Context) error {
				b, err := newBuilder(cCtx)
				if err != nil {
					return err
				}
				creds, err := vault.NewCredentialManager(b, "").ListCredentials(cCtx.Context, cCtx.String("service"))
				if err != nil {
					return err
				}
				return printJSON(cCtx, creds)
			},
		},
		{
			Name:  "delete",
			Usage: "Delete a login",
			Flags: []cli.Flag{flagID},
			Action: func(cCtx *cli.Context) error {
				b, err := newBuilder(cCtx)
				if err != nil {
					return err
				}
				return vault.NewCredentialManager(b, "").DeleteCredential(cCtx.Context, cCtx.String(flagID.Name))
			},
		},
	},
}
