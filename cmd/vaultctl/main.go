package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/ruteri/secretvault/cmd/flags"
	"github.com/ruteri/secretvault/vault"
	"github.com/urfave/cli/v2"
)

var flagConfig = &cli.StringFlag{
	Name:    "config",
	Value:   "vault.yaml",
	Usage:   "YAML vault client config",
	EnvVars: []string{"VAULT_CONFIG"},
}

const usage = `Command line client of the vault cluster, the LLM gateway tokens and the
threshold signers. JSON arguments are given inline or as @file.`

func main() {
	app := &cli.App{
		Name:  "vaultctl",
		Usage: usage,
		Flags: []cli.Flag{
			flagConfig,
			flags.LogJsonFlag,
			flags.LogDebugFlag,
			flags.LogServiceFlagFn("vaultctl"),
		},
		Commands: []*cli.Command{
			keypairCommand,
			tokenCommand,
			builderCommand,
			collectionCommand,
			recordCommand,
			queryCommand,
			credentialCommand,
			dataCommand,
			signingCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func printJSON(cCtx *cli.Context, v any) error {
	enc := json.NewEncoder(cCtx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readJSONArg decodes raw, or the file it names when it starts with @.
func readJSONArg(raw string, out any) error {
	data := []byte(raw)
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return fmt.Errorf("could not read %s: %w", path, err)
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid JSON argument: %w", err)
	}
	return nil
}

func loadConfig(cCtx *cli.Context) (*vault.Config, error) {
	return vault.LoadConfig(cCtx.String(flagConfig.Name))
}

func newBuilder(cCtx *cli.Context) (*vault.BuilderClient, error) {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return nil, err
	}
	return vault.NewBuilderClientFromConfig(cCtx.Context, cfg, flags.SetupLogger(cCtx))
}
