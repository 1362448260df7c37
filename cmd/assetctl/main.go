// Command assetctl is the asset owner's tool: it generates keys, seals
// files into envelopes, publishes envelopes to blob storage, registers keys
// with the custodian and inspects or submits sessions.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/confidential-executor/api/executorhandler"
	"github.com/ruteri/confidential-executor/cmd/flags"
	"github.com/ruteri/confidential-executor/cryptoutils"
	"github.com/ruteri/confidential-executor/interfaces"
	"github.com/ruteri/confidential-executor/sessions"
	"github.com/ruteri/confidential-executor/storage"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var (
	flagKey = &cli.StringFlag{
		Name:    "key",
		Usage:   "base64 asset key",
		EnvVars: []string{"ASSET_KEY"},
	}
	flagKeyFile = &cli.StringFlag{
		Name:  "key-file",
		Usage: "file holding the base64 asset key",
	}
	flagIn = &cli.StringFlag{
		Name:     "in",
		Required: true,
		Usage:    "input file",
	}
	flagOut = &cli.StringFlag{
		Name:     "out",
		Required: true,
		Usage:    "output file",
	}
	flagLocator = &cli.StringFlag{
		Name:     "locator",
		Required: true,
		Usage:    "encrypted locator of the asset, e.g. ipfs://<cid>",
	}
	flagKind = &cli.StringFlag{
		Name:  "kind",
		Value: "dataset",
		Usage: "asset kind: dataset or application",
	}
	flagExecutorURL = &cli.StringFlag{
		Name:    "executor-url",
		Usage:   "executor API base URL; when empty, register talks to the custodian directly",
		EnvVars: []string{"EXECUTOR_URL"},
	}
	flagAssetID = &cli.Uint64Flag{
		Name:  "asset-id",
		Usage: "registry id of the asset, required with --executor-url",
	}
	flagOwnerKey = &cli.StringFlag{
		Name:    "owner-key",
		Usage:   "hex private key of the asset's registry owner, required with --executor-url",
		EnvVars: []string{"ASSET_OWNER_KEY"},
	}
	flagTimeout = &cli.DurationFlag{
		Name:  "timeout",
		Value: 2 * time.Minute,
		Usage: "request timeout",
	}
)

func main() {
	globalFlags := []cli.Flag{flags.LogServiceFlagFn("assetctl")}
	globalFlags = append(globalFlags, flags.LogFlags...)

	registerFlags := []cli.Flag{flagLocator, flagKey, flagKeyFile, flagKind, flagExecutorURL, flagAssetID, flagOwnerKey, flagTimeout}
	registerFlags = append(registerFlags, flags.CustodianFlags...)
	registerFlags = append(registerFlags, flags.PolicyFlags...)

	app := &cli.App{
		Name:  "assetctl",
		Usage: "Manage confidential assets",
		Flags: globalFlags,
		Commands: []*cli.Command{
			{
				Name:   "keygen",
				Usage:  "print a new asset key",
				Action: keygen,
			},
			{
				Name:   "seal",
				Usage:  "encrypt a file into an envelope",
				Flags:  []cli.Flag{flagKey, flagKeyFile, flagIn, flagOut},
				Action: sealEnvelope,
			},
			{
				Name:   "open",
				Usage:  "decrypt an envelope",
				Flags:  []cli.Flag{flagKey, flagKeyFile, flagIn, flagOut},
				Action: openEnvelope,
			},
			{
				Name:   "upload",
				Usage:  "publish an envelope and print its locator and content hash",
				Flags:  []cli.Flag{flagIn, flags.StorageBackendsFlag, flagTimeout},
				Action: upload,
			},
			{
				Name:   "register",
				Usage:  "place an asset key in custody",
				Flags:  registerFlags,
				Action: register,
			},
			{
				Name:  "execute",
				Usage: "request an execution from the executor",
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "dataset-id", Required: true},
					&cli.Uint64Flag{Name: "application-id", Required: true},
					&cli.StringFlag{Name: "user", Required: true, Usage: "requester address"},
					&cli.StringFlag{Name: "params", Value: "{}", Usage: "params as a JSON object"},
					flagExecutorURL,
					flagTimeout,
				},
				Action: execute,
			},
			{
				Name:  "session",
				Usage: "inspect or submit custodian sessions",
				Subcommands: []*cli.Command{
					{
						Name:      "show",
						Usage:     "print the head of a session as YAML",
						ArgsUsage: "<name>",
						Flags:     flags.CustodianFlags,
						Action:    showSession,
					},
					{
						Name:      "submit",
						Usage:     "submit a session document written in YAML",
						ArgsUsage: "<file>",
						Flags:     flags.CustodianFlags,
						Action:    submitSession,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func readKey(cCtx *cli.Context) ([]byte, error) {
	encoded := cCtx.String(flagKey.Name)
	if path := cCtx.String(flagKeyFile.Name); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		encoded = string(raw)
	}
	if encoded == "" {
		return nil, fmt.Errorf("--%s or --%s is required", flagKey.Name, flagKeyFile.Name)
	}
	return cryptoutils.DecodeKey(encoded)
}

func keygen(cCtx *cli.Context) error {
	key, err := cryptoutils.GenerateKey()
	if err != nil {
		return err
	}
	defer cryptoutils.Zero(key)
	_, err = fmt.Fprintln(cCtx.App.Writer, cryptoutils.EncodeKey(key))
	return err
}

func sealEnvelope(cCtx *cli.Context) error {
	return transform(cCtx, cryptoutils.Seal)
}

func openEnvelope(cCtx *cli.Context) error {
	return transform(cCtx, cryptoutils.Open)
}

func transform(cCtx *cli.Context, fn func(data, key []byte) ([]byte, error)) error {
	key, err := readKey(cCtx)
	if err != nil {
		return err
	}
	defer cryptoutils.Zero(key)

	in, err := os.ReadFile(cCtx.String(flagIn.Name))
	if err != nil {
		return err
	}
	out, err := fn(in, key)
	if err != nil {
		return err
	}
	return os.WriteFile(cCtx.String(flagOut.Name), out, 0o600)
}

func upload(cCtx *cli.Context) error {
	logger := flags.SetupStderrLogger(cCtx, os.Stderr)

	envelope, err := os.ReadFile(cCtx.String(flagIn.Name))
	if err != nil {
		return err
	}

	backend, err := storage.NewStorageBackendFactory(logger).CreateMultiBackend(cCtx.StringSlice(flags.StorageBackendsFlag.Name))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cCtx.Context, cCtx.Duration(flagTimeout.Name))
	defer cancel()

	loc, err := backend.Store(ctx, envelope)
	if err != nil {
		return err
	}

	return printJSON(cCtx, map[string]string{
		"locator":      loc.String(),
		"content_hash": "0x" + interfaces.ComputeID(envelope).String(),
	})
}

func register(cCtx *cli.Context) error {
	logger := flags.SetupStderrLogger(cCtx, os.Stderr)

	key, err := readKey(cCtx)
	if err != nil {
		return err
	}
	defer cryptoutils.Zero(key)

	kind, err := interfaces.ParseAssetKind(cCtx.String(flagKind.Name))
	if err != nil {
		return err
	}
	locator := cCtx.String(flagLocator.Name)
	if _, err := interfaces.ParseBlobLocation(locator); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cCtx.Context, cCtx.Duration(flagTimeout.Name))
	defer cancel()

	var registration *sessions.AssetRegistration
	if url := cCtx.String(flagExecutorURL.Name); url != "" {
		id := interfaces.AssetID(cCtx.Uint64(flagAssetID.Name))
		if id == 0 {
			return fmt.Errorf("--%s is required with --%s", flagAssetID.Name, flagExecutorURL.Name)
		}
		owner, oerr := crypto.HexToECDSA(strings.TrimPrefix(cCtx.String(flagOwnerKey.Name), "0x"))
		if oerr != nil {
			return fmt.Errorf("--%s: %w", flagOwnerKey.Name, oerr)
		}
		signature, serr := cryptoutils.SignRegistration(owner, id, locator, key)
		if serr != nil {
			return serr
		}
		registration, err = executorhandler.NewClient(url, cCtx.Duration(flagTimeout.Name)).RegisterAsset(ctx, id, key, signature)
	} else {
		custodianClient, cerr := flags.CustodianClient(cCtx)
		if cerr != nil {
			return cerr
		}
		opts, oerr := flags.SessionOptions(cCtx)
		if oerr != nil {
			return oerr
		}
		registration, err = sessions.NewBuilder(custodianClient, opts, "", logger).EnsureAsset(ctx, locator, key, kind)
	}
	if err != nil {
		return err
	}
	return printJSON(cCtx, registration)
}

func execute(cCtx *cli.Context) error {
	url := cCtx.String(flagExecutorURL.Name)
	if url == "" {
		return fmt.Errorf("--%s is required", flagExecutorURL.Name)
	}
	user := cCtx.String("user")
	if !common.IsHexAddress(user) {
		return fmt.Errorf("invalid requester address %q", user)
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(cCtx.String("params")), &params); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}

	ctx, cancel := context.WithTimeout(cCtx.Context, cCtx.Duration(flagTimeout.Name))
	defer cancel()

	result, err := executorhandler.NewClient(url, cCtx.Duration(flagTimeout.Name)).Execute(ctx,
		interfaces.AssetID(cCtx.Uint64("dataset-id")),
		interfaces.AssetID(cCtx.Uint64("application-id")),
		common.HexToAddress(user),
		params)
	if err != nil {
		return err
	}
	if err := printJSON(cCtx, result); err != nil {
		return err
	}
	if !result.Success {
		return cli.Exit("", 1)
	}
	return nil
}

func showSession(cCtx *cli.Context) error {
	name := cCtx.Args().First()
	if name == "" {
		return errors.New("session name is required")
	}
	client, err := flags.CustodianClient(cCtx)
	if err != nil {
		return err
	}

	head, err := client.GetHead(cCtx.Context, name)
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(cCtx.App.Writer)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(head)
}

func submitSession(cCtx *cli.Context) error {
	raw, err := os.ReadFile(cCtx.Args().First())
	if err != nil {
		return err
	}

	var doc interfaces.SessionDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("invalid session document: %w", err)
	}
	doc.Name = strings.TrimSpace(doc.Name)

	client, err := flags.CustodianClient(cCtx)
	if err != nil {
		return err
	}
	result, err := client.Submit(cCtx.Context, &doc)
	if err != nil {
		return err
	}
	return printJSON(cCtx, result)
}

func printJSON(cCtx *cli.Context, v any) error {
	enc := json.NewEncoder(cCtx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
