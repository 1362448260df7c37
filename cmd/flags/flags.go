// Package flags holds the command line flags and setup helpers shared by the
// binaries in cmd/.
package flags

import (
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/confidential-executor/api"
	"github.com/ruteri/confidential-executor/api/custodianhandler"
	"github.com/ruteri/confidential-executor/common"
	"github.com/ruteri/confidential-executor/cryptoutils"
	"github.com/ruteri/confidential-executor/interfaces"
	"github.com/ruteri/confidential-executor/sandbox"
	"github.com/ruteri/confidential-executor/sessions"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	return setupLogger(cCtx, nil)
}

// SetupStderrLogger is SetupLogger for binaries whose stdout is data.
func SetupStderrLogger(cCtx *cli.Context, stderr io.Writer) *slog.Logger {
	return setupLogger(cCtx, stderr)
}

func setupLogger(cCtx *cli.Context, out io.Writer) *slog.Logger {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
		Output:  out,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string, tlsConfig *tls.Config) *api.HTTPServerConfig {
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &api.HTTPServerConfig{
		ListenAddr:               listenAddr,
		TLSConfig:                tlsConfig,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             cCtx.Duration(WriteTimeoutFlag.Name),
	}
}

// CustodianClient builds the custodian client from the custodian flags.
func CustodianClient(cCtx *cli.Context) (*custodianhandler.Client, error) {
	var tlsConfig *tls.Config
	if certFile := cCtx.String(CustodianClientCertFlag.Name); certFile != "" {
		var err error
		tlsConfig, err = cryptoutils.LoadClientTLSConfig(certFile, cCtx.String(CustodianClientKeyFlag.Name), cCtx.String(CustodianCAFlag.Name))
		if err != nil {
			return nil, err
		}
	}
	return custodianhandler.NewClient(cCtx.String(CustodianURLFlag.Name), tlsConfig, cCtx.Duration(CustodianTimeoutFlag.Name)), nil
}

// SessionOptions builds the policy placed on generated sessions.
func SessionOptions(cCtx *cli.Context) (sessions.Options, error) {
	opts := sessions.Options{
		Policy: interfaces.AttestationPolicy{
			AcceptedMeasurements: cCtx.StringSlice(AcceptedMeasurementFlag.Name),
		},
		ExportMeasurements: cCtx.StringSlice(ExportMeasurementFlag.Name),
	}
	for _, d := range cCtx.StringSlice(ToleratedDeviationFlag.Name) {
		opts.Policy.ToleratedDeviations = append(opts.Policy.ToleratedDeviations, interfaces.Deviation(d))
	}
	if len(opts.Policy.AcceptedMeasurements) == 0 {
		return opts, fmt.Errorf("at least one --%s is required", AcceptedMeasurementFlag.Name)
	}
	return opts, nil
}

// AttestationProvider builds the provider selected by --attestation-type.
func AttestationProvider(cCtx *cli.Context) (cryptoutils.AttestationProvider, error) {
	switch cCtx.String(AttestationTypeFlag.Name) {
	case "dcap", string(cryptoutils.DCAPAttestation):
		return cryptoutils.DCAPAttestationProvider{}, nil
	case "remote":
		addr := cCtx.String(RemoteAttestationAddrFlag.Name)
		if addr == "" {
			return nil, fmt.Errorf("--%s is required for remote attestation", RemoteAttestationAddrFlag.Name)
		}
		return &cryptoutils.RemoteAttestationProvider{Address: strings.TrimRight(addr, "/")}, nil
	case string(cryptoutils.DummyAttestation):
		return DummyProvider(cCtx)
	default:
		return nil, fmt.Errorf("unknown attestation type %q", cCtx.String(AttestationTypeFlag.Name))
	}
}

// DummyProvider builds the development provider from --dummy-mrtd.
func DummyProvider(cCtx *cli.Context) (*cryptoutils.DummyAttestationProvider, error) {
	mrtd, err := hex.DecodeString(strings.TrimPrefix(cCtx.String(DummyMRTDFlag.Name), "0x"))
	if err != nil || len(mrtd) != 48 {
		return nil, fmt.Errorf("--%s must be 96 hex characters", DummyMRTDFlag.Name)
	}
	return &cryptoutils.DummyAttestationProvider{MRTD: mrtd}, nil
}

// SandboxConfig builds the sandbox configuration from the sandbox flags.
func SandboxConfig(cCtx *cli.Context) sandbox.Config {
	cfg := sandbox.DefaultConfig()
	cfg.Interpreter = sandbox.Interpreter(cCtx.String(InterpreterFlag.Name))
	cfg.PythonPath = cCtx.String(PythonPathFlag.Name)
	cfg.Isolation = sandbox.IsolationMode(cCtx.String(IsolationFlag.Name))
	cfg.RequireIsolation = cCtx.Bool(RequireIsolationFlag.Name)
	cfg.Timeout = cCtx.Duration(SandboxTimeoutFlag.Name)
	cfg.WorkRoot = cCtx.String(SandboxWorkRootFlag.Name)
	return cfg
}

var RpcAddrFlag = &cli.StringFlag{
	Name:    "rpc-addr",
	Value:   "http://127.0.0.1:8545",
	Usage:   "address to connect to RPC",
	EnvVars: []string{"RPC_ADDR"},
}

var RegistryAddrFlag = &cli.StringFlag{
	Name:    "registry-contract",
	Usage:   "asset registry contract address",
	EnvVars: []string{"REGISTRY_CONTRACT"},
}

var CustodianURLFlag = &cli.StringFlag{
	Name:    "custodian-url",
	Value:   "https://127.0.0.1:8081",
	Usage:   "base URL of the key custodian",
	EnvVars: []string{"CUSTODIAN_URL"},
}
var CustodianClientCertFlag = &cli.StringFlag{
	Name:    "custodian-client-cert",
	Usage:   "PEM client certificate presented to the custodian",
	EnvVars: []string{"CUSTODIAN_CLIENT_CERT"},
}
var CustodianClientKeyFlag = &cli.StringFlag{
	Name:    "custodian-client-key",
	Usage:   "PEM private key of the custodian client certificate",
	EnvVars: []string{"CUSTODIAN_CLIENT_KEY"},
}
var CustodianCAFlag = &cli.StringFlag{
	Name:    "custodian-ca",
	Usage:   "PEM CA the custodian server certificate must chain to",
	EnvVars: []string{"CUSTODIAN_CA"},
}
var CustodianTimeoutFlag = &cli.DurationFlag{
	Name:    "custodian-timeout",
	Value:   10 * time.Second,
	Usage:   "timeout of one custodian request",
	EnvVars: []string{"CUSTODIAN_TIMEOUT"},
}

var CustodianFlags = []cli.Flag{
	CustodianURLFlag,
	CustodianClientCertFlag,
	CustodianClientKeyFlag,
	CustodianCAFlag,
	CustodianTimeoutFlag,
}

var AcceptedMeasurementFlag = &cli.StringSliceFlag{
	Name:    "accepted-measurement",
	Usage:   "measured identity allowed to receive execution keys (repeatable)",
	EnvVars: []string{"ACCEPTED_MEASUREMENTS"},
}
var ToleratedDeviationFlag = &cli.StringSliceFlag{
	Name:    "tolerate",
	Usage:   "attestation deviation to tolerate: debug-mode, outdated-tcb or dummy-attestation (repeatable)",
	EnvVars: []string{"TOLERATED_DEVIATIONS"},
}
var ExportMeasurementFlag = &cli.StringSliceFlag{
	Name:    "export-measurement",
	Usage:   "pin asset key exports to execution sessions accepting only these identities (repeatable)",
	EnvVars: []string{"EXPORT_MEASUREMENTS"},
}

var PolicyFlags = []cli.Flag{
	AcceptedMeasurementFlag,
	ToleratedDeviationFlag,
	ExportMeasurementFlag,
}

var AttestationTypeFlag = &cli.StringFlag{
	Name:    "attestation-type",
	Value:   "dcap",
	Usage:   "how the instance attests: dcap, remote or dummy",
	EnvVars: []string{"ATTESTATION_TYPE"},
}
var RemoteAttestationAddrFlag = &cli.StringFlag{
	Name:    "remote-attestation-addr",
	Usage:   "address of a remote quote provider",
	EnvVars: []string{"REMOTE_ATTESTATION_ADDR"},
}
var DummyMRTDFlag = &cli.StringFlag{
	Name:    "dummy-mrtd",
	Value:   strings.Repeat("00", 48),
	Usage:   "MRTD reported by dummy attestation, hex",
	EnvVars: []string{"DUMMY_MRTD"},
}

var AttestationFlags = []cli.Flag{
	AttestationTypeFlag,
	RemoteAttestationAddrFlag,
	DummyMRTDFlag,
}

var StorageBackendsFlag = &cli.StringSliceFlag{
	Name:    "storage",
	Value:   cli.NewStringSlice("ipfs://127.0.0.1:5001"),
	Usage:   "blob storage backend URI: ipfs://, s3://, minio:// or file:// (repeatable)",
	EnvVars: []string{"STORAGE_BACKENDS"},
}

var InterpreterFlag = &cli.StringFlag{
	Name:    "interpreter",
	Value:   string(sandbox.PythonInterpreter),
	Usage:   "how application programs run: python or shell",
	EnvVars: []string{"SANDBOX_INTERPRETER"},
}
var PythonPathFlag = &cli.StringFlag{
	Name:    "python",
	Value:   "python3",
	Usage:   "python executable",
	EnvVars: []string{"SANDBOX_PYTHON"},
}
var IsolationFlag = &cli.StringFlag{
	Name:    "isolation",
	Value:   string(sandbox.IsolationAuto),
	Usage:   "sandbox isolation: auto, bwrap, unshare or none",
	EnvVars: []string{"SANDBOX_ISOLATION"},
}
var RequireIsolationFlag = &cli.BoolFlag{
	Name:    "require-isolation",
	Usage:   "refuse to run programs without network isolation",
	EnvVars: []string{"SANDBOX_REQUIRE_ISOLATION"},
}
var SandboxTimeoutFlag = &cli.DurationFlag{
	Name:    "sandbox-timeout",
	Value:   60 * time.Second,
	Usage:   "wall-clock budget of one program run",
	EnvVars: []string{"SANDBOX_TIMEOUT"},
}
var SandboxWorkRootFlag = &cli.StringFlag{
	Name:    "sandbox-work-root",
	Usage:   "directory per-run working directories are created in",
	EnvVars: []string{"SANDBOX_WORK_ROOT"},
}

var SandboxFlags = []cli.Flag{
	InterpreterFlag,
	PythonPathFlag,
	IsolationFlag,
	RequireIsolationFlag,
	SandboxTimeoutFlag,
	SandboxWorkRootFlag,
}

var LogJsonFlag = &cli.BoolFlag{
	Name:    "log-json",
	Value:   false,
	Usage:   "log in JSON format",
	EnvVars: []string{"LOG_JSON"},
}
var LogDebugFlag = &cli.BoolFlag{
	Name:    "log-debug",
	Value:   false,
	Usage:   "log debug messages",
	EnvVars: []string{"LOG_DEBUG"},
}
var LogUidFlag = &cli.BoolFlag{
	Name:    "log-uid",
	Value:   false,
	Usage:   "generate a uuid and add to all log messages",
	EnvVars: []string{"LOG_UID"},
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "log-service",
		Value:   service,
		Usage:   "add 'service' tag to logs",
		EnvVars: []string{"LOG_SERVICE"},
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:    "pprof",
	Value:   false,
	Usage:   "enable pprof debug endpoint",
	EnvVars: []string{"PPROF"},
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:    "drain-seconds",
	Value:   45,
	Usage:   "seconds to wait in drain HTTP request",
	EnvVars: []string{"DRAIN_SECONDS"},
}
var WriteTimeoutFlag = &cli.DurationFlag{
	Name:    "write-timeout",
	Value:   30 * time.Second,
	Usage:   "HTTP response write timeout",
	EnvVars: []string{"WRITE_TIMEOUT"},
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var ServerFlags = []cli.Flag{
	PprofFlag,
	DrainSecondsFlag,
	WriteTimeoutFlag,
}
