package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/ruteri/confidential-executor/enclave"
	"github.com/ruteri/confidential-executor/interfaces"
	"github.com/ruteri/confidential-executor/sandbox"
	"github.com/ruteri/confidential-executor/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func helperArg(name string) string {
	for i, a := range os.Args {
		if a == name && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
	}
	return ""
}

// TestHelperProcess stands in for the enclave binary. It runs a program that
// never finishes over a plaintext dataset, the way cmd/enclave does once the
// envelopes are open, and stops it on SIGTERM.
func TestHelperProcess(t *testing.T) {
	if helperArg("--session") == "" {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	var params map[string]string
	_ = json.Unmarshal([]byte(helperArg("--params")), &params)

	cfg := sandbox.DefaultConfig()
	cfg.Interpreter = sandbox.ShellInterpreter
	cfg.Isolation = sandbox.IsolationNone
	cfg.WorkRoot = params["sandbox_root"]
	cfg.Timeout = time.Minute
	runner, err := sandbox.NewRunner(cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	res := runner.Run(ctx, sandbox.Input{
		Program:  []byte(fmt.Sprintf("echo $$ > %s\nsleep 30\n", params["pidfile"])),
		Dataset:  []byte("id,secret\n1,hunter2\n"),
		WorkRoot: helperArg("--work-dir"),
	})
	out, _ := json.Marshal(res.ExecutionResult())
	fmt.Println(string(out))
	stop()
	os.Exit(0)
}

type launchFixture struct {
	pipeline    *Pipeline
	workRoot    string
	sandboxRoot string
	pidfile     string
}

// setupProcessPipeline wires a pipeline with mocked registry, storage and
// custodian to a ProcessLauncher running TestHelperProcess.
func setupProcessPipeline(t *testing.T, launchTimeout time.Duration) *launchFixture {
	t.Helper()
	env := authorizedMockEnvironment(t)
	execName := sessions.ExecutionSessionName(datasetLocator, appLocator, requester)
	env.custodian.On("GetHead", mock.Anything, sessions.SessionNameForLocator(datasetLocator)).Return(&interfaces.SessionHead{Hash: "d"}, nil)
	env.custodian.On("GetHead", mock.Anything, sessions.SessionNameForLocator(appLocator)).Return(&interfaces.SessionHead{Hash: "a"}, nil)
	env.custodian.On("GetHead", mock.Anything, execName).Return(nil, interfaces.ErrSessionNotFound)
	env.custodian.On("Submit", mock.Anything, mock.Anything).Return(&interfaces.SubmitResult{Accepted: true, Hash: "h"}, nil)

	f := &launchFixture{
		workRoot:    t.TempDir(),
		sandboxRoot: t.TempDir(),
		pidfile:     filepath.Join(t.TempDir(), "pid"),
	}

	launcher := &enclave.ProcessLauncher{
		Binary:    os.Args[0],
		Args:      []string{"-test.run=^TestHelperProcess$", "--"},
		StopGrace: 5 * time.Second,
		Log:       testLogger(),
	}

	cfg := DefaultConfig()
	cfg.WorkRoot = f.workRoot
	cfg.LaunchTimeout = launchTimeout
	builder := sessions.NewBuilder(env.custodian, sessions.Options{}, "", testLogger())

	var err error
	f.pipeline, err = NewPipeline(cfg, env.registry, env.fetcher, builder, launcher, testLogger())
	require.NoError(t, err)
	return f
}

func (f *launchFixture) request() *interfaces.ExecutionRequest {
	req := testRequest()
	req.Params = map[string]any{"pidfile": f.pidfile, "sandbox_root": f.sandboxRoot}
	return req
}

func (f *launchFixture) runningPid() int {
	raw, err := os.ReadFile(f.pidfile)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0
	}
	return pid
}

// plaintextDirs lists sandbox working directories under the request dirs.
func (f *launchFixture) plaintextDirs(t *testing.T) []string {
	t.Helper()
	dirs, err := filepath.Glob(filepath.Join(f.workRoot, "exec-*", "run-*"))
	require.NoError(t, err)
	return dirs
}

func (f *launchFixture) assertCleanedUp(t *testing.T, pid int) {
	t.Helper()
	for _, dir := range []string{f.workRoot, f.sandboxRoot} {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries, "%s must be empty after the request", dir)
	}
	assert.Eventually(t, func() bool { return unix.Kill(pid, 0) != nil }, 5*time.Second, 50*time.Millisecond,
		"sandboxed program must not outlive the request")
}

func TestExecuteLaunchTimeoutCleansUp(t *testing.T) {
	f := setupProcessPipeline(t, 3*time.Second)

	done := make(chan *interfaces.ExecutionResult, 1)
	go func() { done <- f.pipeline.Execute(context.Background(), f.request()) }()

	var pid int
	require.Eventually(t, func() bool { pid = f.runningPid(); return pid != 0 }, 3*time.Second, 20*time.Millisecond)
	assert.NotEmpty(t, f.plaintextDirs(t), "sandbox works inside the request directory")

	var result *interfaces.ExecutionResult
	select {
	case result = <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("execution did not return")
	}

	assert.False(t, result.Success)
	assert.Equal(t, interfaces.KindTimeout, result.ErrorKind)
	f.assertCleanedUp(t, pid)
}

func TestExecuteCanceledMidRunCleansUp(t *testing.T) {
	f := setupProcessPipeline(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan *interfaces.ExecutionResult, 1)
	go func() { done <- f.pipeline.Execute(ctx, f.request()) }()

	var pid int
	require.Eventually(t, func() bool { pid = f.runningPid(); return pid != 0 }, 5*time.Second, 20*time.Millisecond)
	cancel()

	var result *interfaces.ExecutionResult
	select {
	case result = <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("execution did not return")
	}

	assert.False(t, result.Success)
	assert.Equal(t, interfaces.KindRuntimeFault, result.ErrorKind)
	f.assertCleanedUp(t, pid)
}
