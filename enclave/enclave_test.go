package enclave

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/confidential-executor/cryptoutils"
	"github.com/ruteri/confidential-executor/custodian"
	"github.com/ruteri/confidential-executor/interfaces"
	"github.com/ruteri/confidential-executor/sandbox"
	"github.com/ruteri/confidential-executor/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type testEnv struct {
	logger    *slog.Logger
	custodian *custodian.Service
	provider  *cryptoutils.DummyAttestationProvider
	runner    *sandbox.Runner
	spec      interfaces.LaunchSpec
}

func sealToFile(t *testing.T, dir, name string, plaintext, key []byte) string {
	t.Helper()
	envelope, err := cryptoutils.Seal(plaintext, key)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, envelope, 0o600))
	return path
}

func setupTestEnvironment(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	provider := &cryptoutils.DummyAttestationProvider{MRTD: bytes.Repeat([]byte{0x11}, 48)}
	service := custodian.NewService(custodian.NewMemoryStore(), nil, logger)

	builder := sessions.NewBuilder(service, sessions.Options{Policy: interfaces.AttestationPolicy{
		AcceptedMeasurements: []string{provider.MeasuredIdentity()},
		ToleratedDeviations:  []interfaces.Deviation{interfaces.DeviationDummyAttestation},
	}}, "", logger)

	datasetKey, err := cryptoutils.GenerateKey()
	require.NoError(t, err)
	appKey, err := cryptoutils.GenerateKey()
	require.NoError(t, err)

	_, err = builder.EnsureAsset(ctx, "ipfs://dataset", datasetKey, interfaces.DatasetAsset)
	require.NoError(t, err)
	_, err = builder.EnsureAsset(ctx, "ipfs://app", appKey, interfaces.ApplicationAsset)
	require.NoError(t, err)

	name, err := builder.SubmitExecution(ctx, "ipfs://dataset", "ipfs://app", common.HexToAddress("0x01"))
	require.NoError(t, err)

	dir := t.TempDir()
	cfg := sandbox.DefaultConfig()
	cfg.Interpreter = sandbox.ShellInterpreter
	cfg.Isolation = sandbox.IsolationNone
	cfg.WorkRoot = t.TempDir()
	cfg.Timeout = 10 * time.Second
	runner, err := sandbox.NewRunner(cfg, logger)
	require.NoError(t, err)

	return &testEnv{
		logger:    logger,
		custodian: service,
		provider:  provider,
		runner:    runner,
		spec: interfaces.LaunchSpec{
			SessionName:             name,
			ServiceName:             sessions.DefaultService,
			DatasetEnvelopePath:     sealToFile(t, dir, "dataset.enc", []byte("a,b\n1,2\n3,4\n"), datasetKey),
			ApplicationEnvelopePath: sealToFile(t, dir, "app.enc", []byte(`wc -l < "$DATASET_PATH"`), appKey),
		},
	}
}

func TestExecuteEndToEnd(t *testing.T) {
	env := setupTestEnvironment(t)
	instance := NewInstance(env.custodian, env.provider, env.runner, env.logger)

	launcher := &InProcessLauncher{Instance: instance}
	result, err := launcher.Launch(context.Background(), env.spec)
	require.NoError(t, err)
	require.True(t, result.Success, result.ErrorMessage)
	assert.Equal(t, "3", string(bytes.TrimSpace([]byte(result.Output))))
	assert.Empty(t, result.ErrorKind)
}

func TestExecuteFailures(t *testing.T) {
	env := setupTestEnvironment(t)

	t.Run("measurement not accepted", func(t *testing.T) {
		impostor := &cryptoutils.DummyAttestationProvider{MRTD: bytes.Repeat([]byte{0x22}, 48)}
		result := NewInstance(env.custodian, impostor, env.runner, env.logger).Execute(context.Background(), env.spec)
		assert.False(t, result.Success)
		assert.Equal(t, interfaces.KindKeyNotReleased, result.ErrorKind)
	})

	t.Run("tampered envelope", func(t *testing.T) {
		raw, err := os.ReadFile(env.spec.DatasetEnvelopePath)
		require.NoError(t, err)
		raw[len(raw)-1] ^= 0x01
		tampered := filepath.Join(t.TempDir(), "tampered.enc")
		require.NoError(t, os.WriteFile(tampered, raw, 0o600))

		spec := env.spec
		spec.DatasetEnvelopePath = tampered
		result := NewInstance(env.custodian, env.provider, env.runner, env.logger).Execute(context.Background(), spec)
		assert.False(t, result.Success)
		assert.Equal(t, interfaces.KindAuthenticationFailed, result.ErrorKind)
		assert.Empty(t, result.Output)
	})

	t.Run("incomplete spec", func(t *testing.T) {
		spec := env.spec
		spec.ApplicationEnvelopePath = ""
		result := NewInstance(env.custodian, env.provider, env.runner, env.logger).Execute(context.Background(), spec)
		assert.Equal(t, interfaces.KindInvalidRequest, result.ErrorKind)
	})

	t.Run("custodian unreachable", func(t *testing.T) {
		m := new(custodian.MockCustodian)
		m.On("Release", mock.Anything, env.spec.SessionName, env.spec.ServiceName, mock.Anything).
			Return(nil, fmt.Errorf("%w: connection refused", interfaces.ErrTransport))

		result := NewInstance(m, env.provider, env.runner, env.logger).Execute(context.Background(), env.spec)
		assert.Equal(t, interfaces.KindTransportError, result.ErrorKind)
		m.AssertExpectations(t)
	})

	t.Run("missing released key", func(t *testing.T) {
		partial := releaserFunc(func(req *interfaces.ReleaseRequest) (*interfaces.ReleaseResponse, error) {
			payload, _ := json.Marshal(map[string]string{sessions.DatasetKeyEnv: cryptoutils.EncodeKey(make([]byte, cryptoutils.KeySize))})
			encrypted, err := cryptoutils.EncryptWithPublicKey(req.PublicKey, payload)
			if err != nil {
				return nil, err
			}
			return &interfaces.ReleaseResponse{EncryptedSecrets: encrypted}, nil
		})

		result := NewInstance(partial, env.provider, env.runner, env.logger).Execute(context.Background(), env.spec)
		assert.Equal(t, interfaces.KindKeyNotReleased, result.ErrorKind)
	})
}

type releaserFunc func(req *interfaces.ReleaseRequest) (*interfaces.ReleaseResponse, error)

func (f releaserFunc) Release(_ context.Context, _, _ string, req *interfaces.ReleaseRequest) (*interfaces.ReleaseResponse, error) {
	return f(req)
}

// helperArg returns the value following name on the command line.
func helperArg(name string) string {
	for i, a := range os.Args {
		if a == name && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
	}
	return ""
}

// TestHelperProcess stands in for the enclave binary when ProcessLauncher
// re-executes the test binary.
func TestHelperProcess(t *testing.T) {
	session := helperArg("--session")
	if session == "" {
		return
	}

	switch session {
	case "crash":
		fmt.Fprintln(os.Stderr, "panic: boom")
		os.Exit(2)
	case "hang":
		time.Sleep(time.Minute)
	case "env":
		out, _ := json.Marshal(&interfaces.ExecutionResult{Success: true, Output: fmt.Sprint(len(os.Environ()))})
		fmt.Println(string(out))
	case "sandbox":
		runHelperSandbox()
	default:
		out, _ := json.Marshal(&interfaces.ExecutionResult{Success: true, Output: session})
		fmt.Println(string(out))
	}
	os.Exit(0)
}

// runHelperSandbox behaves like cmd/enclave once the envelopes are open: it
// runs a long program over a plaintext dataset in --work-dir and stops it on
// SIGTERM. The program records its pid in params["pidfile"].
func runHelperSandbox() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	var params map[string]string
	_ = json.Unmarshal([]byte(helperArg("--params")), &params)

	cfg := sandbox.DefaultConfig()
	cfg.Interpreter = sandbox.ShellInterpreter
	cfg.Isolation = sandbox.IsolationNone
	cfg.Timeout = time.Minute
	runner, err := sandbox.NewRunner(cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	res := runner.Run(ctx, sandbox.Input{
		Program:  []byte(fmt.Sprintf("echo $$ > %s\nsleep 30\n", params["pidfile"])),
		Dataset:  []byte(helperPlaintext),
		WorkRoot: helperArg("--work-dir"),
	})
	out, _ := json.Marshal(res.ExecutionResult())
	fmt.Println(string(out))
}

const helperPlaintext = "confidential dataset rows"

func TestProcessLauncher(t *testing.T) {
	launcher := &ProcessLauncher{
		Binary:  os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$", "--"},
		Timeout: 5 * time.Second,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	spec := interfaces.LaunchSpec{
		SessionName:             "exec-1",
		ServiceName:             "analysis",
		DatasetEnvelopePath:     "/tmp/d.enc",
		ApplicationEnvelopePath: "/tmp/a.enc",
		Params:                  map[string]any{"k": 1},
	}

	result, err := launcher.Launch(context.Background(), spec)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "exec-1", result.Output)

	spec.SessionName = "env"
	result, err = launcher.Launch(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "1", result.Output, "only PATH is passed to the instance")

	spec.SessionName = "crash"
	result, err = launcher.Launch(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, interfaces.KindRuntimeFault, result.ErrorKind)

	launcher.Timeout = 300 * time.Millisecond
	spec.SessionName = "hang"
	result, err = launcher.Launch(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, interfaces.KindTimeout, result.ErrorKind)

	_, err = launcher.Launch(context.Background(), interfaces.LaunchSpec{})
	assert.ErrorIs(t, err, interfaces.ErrInvalidRequest)
}

// startSandboxLaunch launches the sandbox helper in the background. The
// returned func reports the pid of the sandboxed program, zero until it runs.
func startSandboxLaunch(t *testing.T, ctx context.Context, launcher *ProcessLauncher, workDir string) (<-chan *interfaces.ExecutionResult, func() int) {
	t.Helper()
	pidfile := filepath.Join(t.TempDir(), "pid")

	done := make(chan *interfaces.ExecutionResult, 1)
	go func() {
		result, err := launcher.Launch(ctx, interfaces.LaunchSpec{
			SessionName:             "sandbox",
			ServiceName:             "analysis",
			DatasetEnvelopePath:     "/tmp/d.enc",
			ApplicationEnvelopePath: "/tmp/a.enc",
			Params:                  map[string]any{"pidfile": pidfile},
			WorkDir:                 workDir,
		})
		if err != nil {
			result = interfaces.NewFailureResult(err)
		}
		done <- result
	}()

	pid := func() int {
		raw, err := os.ReadFile(pidfile)
		if err != nil {
			return 0
		}
		n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			return 0
		}
		return n
	}
	return done, pid
}

func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

func newHelperLauncher(timeout time.Duration) *ProcessLauncher {
	return &ProcessLauncher{
		Binary:  os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$", "--"},
		Timeout: timeout,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func assertStoppedAndClean(t *testing.T, workDir string, pid int) {
	t.Helper()
	require.NotZero(t, pid, "sandboxed program never started")

	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "plaintext working files must be removed")

	assert.Eventually(t, func() bool { return !processAlive(pid) }, 5*time.Second, 50*time.Millisecond,
		"sandboxed program must not outlive the launch")
}

func TestProcessLauncherTimeoutStopsSandbox(t *testing.T) {
	workDir := t.TempDir()
	done, pid := startSandboxLaunch(t, context.Background(), newHelperLauncher(3*time.Second), workDir)

	var running int
	require.Eventually(t, func() bool { running = pid(); return running != 0 }, 3*time.Second, 20*time.Millisecond)

	var result *interfaces.ExecutionResult
	select {
	case result = <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("launch did not return")
	}

	assert.False(t, result.Success)
	assert.Equal(t, interfaces.KindTimeout, result.ErrorKind)
	assertStoppedAndClean(t, workDir, running)
}

func TestProcessLauncherCancelStopsSandbox(t *testing.T) {
	workDir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done, pid := startSandboxLaunch(t, ctx, newHelperLauncher(time.Minute), workDir)

	var running int
	require.Eventually(t, func() bool { running = pid(); return running != 0 }, 5*time.Second, 20*time.Millisecond)
	cancel()

	var result *interfaces.ExecutionResult
	select {
	case result = <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("launch did not return")
	}

	assert.False(t, result.Success)
	assert.Equal(t, interfaces.KindRuntimeFault, result.ErrorKind)
	assertStoppedAndClean(t, workDir, running)
}
