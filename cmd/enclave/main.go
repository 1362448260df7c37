// Command enclave is the attested instance. The orchestrator starts it once
// per execution; it releases the execution keys from the custodian, opens
// both envelopes, runs the application in the sandbox and prints the
// execution result as JSON on stdout. Logs go to stderr.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/confidential-executor/cmd/flags"
	"github.com/ruteri/confidential-executor/enclave"
	"github.com/ruteri/confidential-executor/interfaces"
	"github.com/ruteri/confidential-executor/sandbox"
	"github.com/ruteri/confidential-executor/sessions"
	"github.com/urfave/cli/v2"
)

var (
	flagSession = &cli.StringFlag{
		Name:     "session",
		Required: true,
		Usage:    "execution session to release keys from",
	}
	flagService = &cli.StringFlag{
		Name:  "service",
		Value: sessions.DefaultService,
		Usage: "service binding within the session",
	}
	flagDataset = &cli.StringFlag{
		Name:     "dataset",
		Required: true,
		Usage:    "path of the dataset envelope",
	}
	flagApplication = &cli.StringFlag{
		Name:     "application",
		Required: true,
		Usage:    "path of the application envelope",
	}
	flagParams = &cli.StringFlag{
		Name:  "params",
		Value: "{}",
		Usage: "execution params as a JSON object",
	}
	flagWorkDir = &cli.StringFlag{
		Name:  "work-dir",
		Usage: "directory for plaintext working files, overrides --sandbox-work-root",
	}
)

func main() {
	globalFlags := []cli.Flag{flags.LogServiceFlagFn("enclave")}
	globalFlags = append(globalFlags, flags.LogFlags...)
	globalFlags = append(globalFlags, flags.CustodianFlags...)
	globalFlags = append(globalFlags, flags.AttestationFlags...)
	globalFlags = append(globalFlags, flags.SandboxFlags...)

	app := &cli.App{
		Name:  "enclave",
		Usage: "Run one confidential execution inside an attested instance",
		Flags: globalFlags,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "execute a launch spec and print the result",
				Flags:  []cli.Flag{flagSession, flagService, flagDataset, flagApplication, flagParams, flagWorkDir},
				Action: runExecution,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runExecution(cCtx *cli.Context) error {
	logger := flags.SetupStderrLogger(cCtx, os.Stderr)

	// The launcher stops an instance with SIGTERM. Cancelling the context
	// kills the sandbox and lets every deferred cleanup run before exit.
	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	spec := interfaces.LaunchSpec{
		SessionName:             cCtx.String(flagSession.Name),
		ServiceName:             cCtx.String(flagService.Name),
		DatasetEnvelopePath:     cCtx.String(flagDataset.Name),
		ApplicationEnvelopePath: cCtx.String(flagApplication.Name),
		WorkDir:                 cCtx.String(flagWorkDir.Name),
	}

	var result *interfaces.ExecutionResult
	if err := json.Unmarshal([]byte(cCtx.String(flagParams.Name)), &spec.Params); err != nil {
		result = interfaces.NewFailureResult(fmt.Errorf("%w: params: %v", interfaces.ErrInvalidRequest, err))
	} else {
		result = execute(ctx, cCtx, logger, spec)
	}

	out, err := json.Marshal(result)
	if err != nil {
		logger.Error("Failed to encode result", "err", err)
		return err
	}
	_, err = fmt.Fprintln(cCtx.App.Writer, string(out))
	return err
}

func execute(ctx context.Context, cCtx *cli.Context, logger *slog.Logger, spec interfaces.LaunchSpec) *interfaces.ExecutionResult {
	custodianClient, err := flags.CustodianClient(cCtx)
	if err != nil {
		return interfaces.NewFailureResult(fmt.Errorf("custodian client: %w", err))
	}
	provider, err := flags.AttestationProvider(cCtx)
	if err != nil {
		return interfaces.NewFailureResult(fmt.Errorf("%w: %v", interfaces.ErrKeyNotReleased, err))
	}
	runner, err := sandbox.NewRunner(flags.SandboxConfig(cCtx), logger)
	if err != nil {
		return interfaces.NewFailureResult(fmt.Errorf("%w: sandbox: %v", interfaces.ErrRuntimeFault, err))
	}

	return enclave.NewInstance(custodianClient, provider, runner, logger).Execute(ctx, spec)
}

