package main

import (
	"crypto/tls"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/confidential-executor/api/custodianhandler"
	"github.com/ruteri/confidential-executor/api/server"
	"github.com/ruteri/confidential-executor/cmd/flags"
	"github.com/ruteri/confidential-executor/cryptoutils"
	"github.com/ruteri/confidential-executor/custodian"
	"github.com/urfave/cli/v2"
)

var (
	flagListenAddr = &cli.StringFlag{
		Name:    "listen-addr",
		Value:   "127.0.0.1:8081",
		Usage:   "address to listen on for the custodian API",
		EnvVars: []string{"LISTEN_ADDR"},
	}
	flagTLSCert = &cli.StringFlag{
		Name:    "tls-cert",
		Usage:   "PEM server certificate; a random self-signed one is generated when empty",
		EnvVars: []string{"TLS_CERT"},
	}
	flagTLSKey = &cli.StringFlag{
		Name:    "tls-key",
		Usage:   "PEM server private key",
		EnvVars: []string{"TLS_KEY"},
	}
	flagClientCA = &cli.StringFlag{
		Name:    "tls-client-ca",
		Usage:   "PEM CA client certificates are verified against",
		EnvVars: []string{"TLS_CLIENT_CA"},
	}
	flagInsecureHTTP = &cli.BoolFlag{
		Name:    "insecure-http",
		Usage:   "serve plain HTTP; session routes then reject every caller",
		EnvVars: []string{"INSECURE_HTTP"},
	}
	flagAuthorizedClients = &cli.StringSliceFlag{
		Name:    "authorized-client",
		Usage:   "SHA-256 fingerprint of a client certificate allowed to manage sessions (repeatable)",
		EnvVars: []string{"AUTHORIZED_CLIENTS"},
	}
	flagStore = &cli.StringFlag{
		Name:    "store",
		Value:   "memory",
		Usage:   "session store: memory or vault",
		EnvVars: []string{"CUSTODIAN_STORE"},
	}
	flagVaultAddr = &cli.StringFlag{
		Name:    "vault-addr",
		Value:   "https://127.0.0.1:8200",
		Usage:   "Vault address",
		EnvVars: []string{"VAULT_ADDR"},
	}
	flagVaultToken = &cli.StringFlag{
		Name:    "vault-token",
		Usage:   "Vault token; certificate login is used when empty",
		EnvVars: []string{"VAULT_TOKEN"},
	}
	flagVaultMount = &cli.StringFlag{
		Name:    "vault-mount",
		Value:   "secret",
		Usage:   "KV v2 mount path",
		EnvVars: []string{"VAULT_MOUNT"},
	}
	flagVaultPath = &cli.StringFlag{
		Name:    "vault-path",
		Value:   "sessions",
		Usage:   "path under the mount sessions are stored at",
		EnvVars: []string{"VAULT_PATH"},
	}
	flagVaultClientCert = &cli.StringFlag{
		Name:    "vault-client-cert",
		Usage:   "PEM client certificate for Vault cert login",
		EnvVars: []string{"VAULT_CLIENT_CERT"},
	}
	flagVaultClientKey = &cli.StringFlag{
		Name:    "vault-client-key",
		Usage:   "PEM private key for Vault cert login",
		EnvVars: []string{"VAULT_CLIENT_KEY"},
	}
)

func main() {
	cliFlags := []cli.Flag{
		flagListenAddr,
		flagTLSCert,
		flagTLSKey,
		flagClientCA,
		flagInsecureHTTP,
		flagAuthorizedClients,
		flagStore,
		flagVaultAddr,
		flagVaultToken,
		flagVaultMount,
		flagVaultPath,
		flagVaultClientCert,
		flagVaultClientKey,
		flags.LogServiceFlagFn("custodian"),
	}
	cliFlags = append(cliFlags, flags.LogFlags...)
	cliFlags = append(cliFlags, flags.ServerFlags...)

	app := &cli.App{
		Name:   "custodian",
		Usage:  "Hold session chains and release execution keys to attested instances",
		Flags:  cliFlags,
		Action: runCustodian,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runCustodian(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	store, err := openStore(cCtx, logger)
	if err != nil {
		logger.Error("Failed to open session store", "err", err)
		return err
	}

	service := custodian.NewService(store, custodian.NewVerifier(), logger)

	authorized := cCtx.StringSlice(flagAuthorizedClients.Name)
	if len(authorized) == 0 {
		logger.Warn("No authorized clients configured, session routes reject every caller")
	}
	handler := custodianhandler.NewHandler(service, authorized, logger)

	var tlsConfig *tls.Config
	if !cCtx.Bool(flagInsecureHTTP.Name) {
		tlsConfig, err = cryptoutils.LoadServerTLSConfig(cCtx.String(flagTLSCert.Name), cCtx.String(flagTLSKey.Name), cCtx.String(flagClientCA.Name))
		if err != nil {
			logger.Error("Failed to load TLS configuration", "err", err)
			return err
		}
		logger.Info("Serving TLS", "fingerprint", cryptoutils.CertFingerprint(tlsConfig.Certificates[0].Leaf))
	}

	cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flagListenAddr.Name), tlsConfig)
	srv, err := server.New(cfg, handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	logger.Info("Starting custodian", "store", cCtx.String(flagStore.Name))
	srv.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutdown signal received")

	srv.Shutdown()
	return nil
}

func openStore(cCtx *cli.Context, logger *slog.Logger) (custodian.Store, error) {
	switch cCtx.String(flagStore.Name) {
	case "memory":
		logger.Warn("Using in-memory session store, sessions are lost on restart")
		return custodian.NewMemoryStore(), nil
	case "vault":
		cfg := custodian.VaultConfig{
			Address:   cCtx.String(flagVaultAddr.Name),
			MountPath: cCtx.String(flagVaultMount.Name),
			DataPath:  cCtx.String(flagVaultPath.Name),
			Token:     cCtx.String(flagVaultToken.Name),
			Timeout:   30 * time.Second,
		}
		if certFile := cCtx.String(flagVaultClientCert.Name); certFile != "" {
			cert, err := tls.LoadX509KeyPair(certFile, cCtx.String(flagVaultClientKey.Name))
			if err != nil {
				return nil, fmt.Errorf("failed to load Vault client certificate: %w", err)
			}
			cfg.ClientCert = &cert
		}
		return custodian.NewVaultStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown store %q", cCtx.String(flagStore.Name))
	}
}
