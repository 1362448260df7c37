package main

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ruteri/confidential-executor/api/custodianhandler"
	"github.com/ruteri/confidential-executor/api/executorhandler"
	"github.com/ruteri/confidential-executor/api/server"
	"github.com/ruteri/confidential-executor/cmd/flags"
	"github.com/ruteri/confidential-executor/enclave"
	"github.com/ruteri/confidential-executor/executor"
	"github.com/ruteri/confidential-executor/interfaces"
	"github.com/ruteri/confidential-executor/registry"
	"github.com/ruteri/confidential-executor/sandbox"
	"github.com/ruteri/confidential-executor/sessions"
	"github.com/ruteri/confidential-executor/storage"
	"github.com/urfave/cli/v2"
)

var (
	flagListenAddr = &cli.StringFlag{
		Name:    "listen-addr",
		Value:   "127.0.0.1:8080",
		Usage:   "address to listen on for the execution API",
		EnvVars: []string{"LISTEN_ADDR"},
	}
	flagLauncher = &cli.StringFlag{
		Name:    "launcher",
		Value:   "process",
		Usage:   "how instances are started: process (the enclave binary) or inprocess (development only)",
		EnvVars: []string{"LAUNCHER"},
	}
	flagEnclaveBinary = &cli.StringFlag{
		Name:    "enclave-binary",
		Value:   "enclave",
		Usage:   "enclave executable started per execution",
		EnvVars: []string{"ENCLAVE_BINARY"},
	}
	flagEnclaveArgs = &cli.StringSliceFlag{
		Name:    "enclave-arg",
		Usage:   "argument passed to the enclave binary before the run command (repeatable)",
		EnvVars: []string{"ENCLAVE_ARGS"},
	}
	flagService = &cli.StringFlag{
		Name:    "service",
		Value:   sessions.DefaultService,
		Usage:   "service name instances bind to",
		EnvVars: []string{"EXECUTION_SERVICE"},
	}
	flagRegistryTimeout = &cli.DurationFlag{
		Name:    "registry-timeout",
		Value:   10 * time.Second,
		EnvVars: []string{"REGISTRY_TIMEOUT"},
	}
	flagFetchTimeout = &cli.DurationFlag{
		Name:    "fetch-timeout",
		Value:   30 * time.Second,
		EnvVars: []string{"FETCH_TIMEOUT"},
	}
	flagLaunchTimeout = &cli.DurationFlag{
		Name:    "launch-timeout",
		Value:   90 * time.Second,
		Usage:   "budget of one instance, attestation included",
		EnvVars: []string{"LAUNCH_TIMEOUT"},
	}
	flagWorkRoot = &cli.StringFlag{
		Name:    "work-root",
		Usage:   "directory per-request envelope directories are created in",
		EnvVars: []string{"WORK_ROOT"},
	}
)

func main() {
	cliFlags := []cli.Flag{
		flagListenAddr,
		flags.RpcAddrFlag,
		flags.RegistryAddrFlag,
		flags.StorageBackendsFlag,
		flagLauncher,
		flagEnclaveBinary,
		flagEnclaveArgs,
		flagService,
		flagRegistryTimeout,
		flagFetchTimeout,
		flagLaunchTimeout,
		flagWorkRoot,
		flags.LogServiceFlagFn("executor"),
	}
	cliFlags = append(cliFlags, flags.CustodianFlags...)
	cliFlags = append(cliFlags, flags.PolicyFlags...)
	cliFlags = append(cliFlags, flags.AttestationFlags...)
	cliFlags = append(cliFlags, flags.SandboxFlags...)
	cliFlags = append(cliFlags, flags.LogFlags...)
	cliFlags = append(cliFlags, flags.ServerFlags...)

	app := &cli.App{
		Name:   "executor",
		Usage:  "Serve the confidential execution API",
		Flags:  cliFlags,
		Action: runExecutor,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runExecutor(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	registryAddr := cCtx.String(flags.RegistryAddrFlag.Name)
	if !common.IsHexAddress(registryAddr) {
		return fmt.Errorf("--%s must be a contract address", flags.RegistryAddrFlag.Name)
	}

	rpcAddress := cCtx.String(flags.RpcAddrFlag.Name)
	logger.Info("Connecting to Ethereum RPC", "address", rpcAddress)
	ethClient, err := ethclient.Dial(rpcAddress)
	if err != nil {
		logger.Error("Failed to dial RPC", "err", err)
		return err
	}
	defer ethClient.Close()

	assetRegistry, err := registry.NewOnchainAssetRegistry(ethClient, common.HexToAddress(registryAddr))
	if err != nil {
		return err
	}

	backends, err := storage.NewStorageBackendFactory(logger).CreateMultiBackend(cCtx.StringSlice(flags.StorageBackendsFlag.Name))
	if err != nil {
		logger.Error("Failed to configure storage", "err", err)
		return err
	}

	custodianClient, err := flags.CustodianClient(cCtx)
	if err != nil {
		logger.Error("Failed to configure custodian client", "err", err)
		return err
	}

	opts, err := flags.SessionOptions(cCtx)
	if err != nil {
		return err
	}
	builder := sessions.NewBuilder(custodianClient, opts, cCtx.String(flagService.Name), logger)

	launcher, err := newLauncher(cCtx, custodianClient, logger)
	if err != nil {
		logger.Error("Failed to configure launcher", "err", err)
		return err
	}

	cfg := executor.Config{
		RegistryTimeout:  cCtx.Duration(flagRegistryTimeout.Name),
		FetchTimeout:     cCtx.Duration(flagFetchTimeout.Name),
		CustodianTimeout: cCtx.Duration(flags.CustodianTimeoutFlag.Name),
		LaunchTimeout:    cCtx.Duration(flagLaunchTimeout.Name),
		WorkRoot:         cCtx.String(flagWorkRoot.Name),
	}
	pipeline, err := executor.NewPipeline(cfg, assetRegistry, storage.NewFetcher(backends, logger), builder, launcher, logger)
	if err != nil {
		return err
	}

	serverCfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flagListenAddr.Name), nil)
	// Executions answer synchronously.
	if minWrite := cfg.LaunchTimeout + cfg.FetchTimeout + 10*time.Second; serverCfg.WriteTimeout < minWrite {
		serverCfg.WriteTimeout = minWrite
	}

	srv, err := server.New(serverCfg, executorhandler.NewHandler(pipeline, logger))
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	logger.Info("Starting executor",
		slog.String("registry", registryAddr),
		slog.String("storage", backends.Name()),
		slog.String("launcher", cCtx.String(flagLauncher.Name)))
	srv.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutdown signal received")

	srv.Shutdown()
	return nil
}

func newLauncher(cCtx *cli.Context, custodianClient *custodianhandler.Client, logger *slog.Logger) (interfaces.Launcher, error) {
	switch cCtx.String(flagLauncher.Name) {
	case "process":
		return &enclave.ProcessLauncher{
			Binary:  cCtx.String(flagEnclaveBinary.Name),
			Args:    cCtx.StringSlice(flagEnclaveArgs.Name),
			Timeout: cCtx.Duration(flagLaunchTimeout.Name),
			Log:     logger,
		}, nil
	case "inprocess":
		logger.Warn("Running instances in process, execution keys enter the orchestrator address space")
		provider, err := flags.AttestationProvider(cCtx)
		if err != nil {
			return nil, err
		}
		runner, err := sandbox.NewRunner(flags.SandboxConfig(cCtx), logger)
		if err != nil {
			return nil, err
		}
		return &enclave.InProcessLauncher{Instance: enclave.NewInstance(custodianClient, provider, runner, logger)}, nil
	default:
		return nil, errors.New("--launcher must be process or inprocess")
	}
}
