package enclave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/ruteri/confidential-executor/interfaces"
	"golang.org/x/sys/unix"
)

// InProcessLauncher runs the instance inside the orchestrator process. It is
// meant for development and tests; the orchestrator and the instance then
// share an address space.
type InProcessLauncher struct {
	Instance *Instance
}

func (l *InProcessLauncher) Launch(ctx context.Context, spec interfaces.LaunchSpec) (*interfaces.ExecutionResult, error) {
	return l.Instance.Execute(ctx, spec), nil
}

// ProcessLauncher starts the enclave binary for every execution. The child
// gets a cleared environment and only the session identity, envelope paths
// and params on its command line; it prints its result as JSON on stdout.
type ProcessLauncher struct {
	// Binary is the enclave executable.
	Binary string

	// Args are placed before the launch arguments, typically custodian
	// address and attestation flags.
	Args []string

	// Timeout bounds the whole instance lifetime, including attestation.
	Timeout time.Duration

	// StopGrace is how long a stopped instance gets to kill its sandbox and
	// remove its working files after SIGTERM before it is killed outright.
	// Zero means DefaultStopGrace.
	StopGrace time.Duration

	Log *slog.Logger
}

const (
	// maxResultBytes bounds how much of the child's stdout is read.
	maxResultBytes = 4 << 20

	DefaultStopGrace = 5 * time.Second
)

func (l *ProcessLauncher) Launch(ctx context.Context, spec interfaces.LaunchSpec) (*interfaces.ExecutionResult, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidRequest, err)
	}

	params, err := json.Marshal(spec.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: could not encode params: %v", interfaces.ErrInvalidRequest, err)
	}

	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), l.Args...),
		"run",
		"--session", spec.SessionName,
		"--service", spec.ServiceName,
		"--dataset", spec.DatasetEnvelopePath,
		"--application", spec.ApplicationEnvelopePath,
		"--params", string(params),
	)
	if spec.WorkDir != "" {
		args = append(args, "--work-dir", spec.WorkDir)
	}

	grace := l.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	var stdout, stderr strings.Builder
	cmd := exec.CommandContext(ctx, l.Binary, args...)
	cmd.Env = []string{"PATH=/usr/local/bin:/usr/bin:/bin"}
	cmd.Stdout = &limitedWriter{w: &stdout, n: maxResultBytes}
	cmd.Stderr = &limitedWriter{w: &stderr, n: maxResultBytes}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// SIGTERM lets the instance stop its sandbox and clean up; WaitDelay
	// escalates to SIGKILL if it does not exit in time.
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
	}
	cmd.WaitDelay = grace

	start := time.Now()
	runErr := cmd.Run()
	if cmd.Process != nil {
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return interfaces.NewFailureResult(fmt.Errorf("%w: instance exceeded its launch budget", interfaces.ErrTimeout)).WithDuration(time.Since(start)), nil
	case ctx.Err() != nil:
		return interfaces.NewFailureResult(fmt.Errorf("%w: launch canceled", interfaces.ErrRuntimeFault)).WithDuration(time.Since(start)), nil
	}

	var result interfaces.ExecutionResult
	if err := json.Unmarshal([]byte(stdout.String()), &result); err != nil {
		if l.Log != nil {
			l.Log.Error("Enclave produced no result", "err", runErr, slog.String("stderr", stderr.String()))
		}
		return interfaces.NewFailureResult(fmt.Errorf("%w: instance produced no result: %v", interfaces.ErrRuntimeFault, runErr)).WithDuration(time.Since(start)), nil
	}

	return &result, nil
}

type limitedWriter struct {
	w *strings.Builder
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n <= 0 {
		return len(p), nil
	}
	keep := p
	if len(keep) > l.n {
		keep = keep[:l.n]
	}
	l.w.Write(keep)
	l.n -= len(keep)
	return len(p), nil
}
