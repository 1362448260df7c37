package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ruteri/confidential-executor/interfaces"
	"golang.org/x/sys/unix"
)

// waitDelay bounds how long Wait keeps reading output after the interpreter
// exits while orphaned children still hold the pipes.
const waitDelay = 2 * time.Second

// Input is everything a run is given.
type Input struct {
	Program []byte
	Dataset []byte
	Params  map[string]any

	// WorkRoot, when set, overrides Config.WorkRoot for this run.
	WorkRoot string
}

// Result is the outcome of one run. Err is nil, or wraps
// interfaces.ErrTimeout or interfaces.ErrRuntimeFault.
type Result struct {
	Output    string
	Truncated bool
	ExitCode  int
	Duration  time.Duration
	Err       error
}

// ExecutionResult converts the run outcome into the pipeline result schema.
func (r *Result) ExecutionResult() *interfaces.ExecutionResult {
	if r.Err != nil {
		res := interfaces.NewFailureResult(r.Err)
		res.Output = r.Output
		return res.WithDuration(r.Duration)
	}
	return (&interfaces.ExecutionResult{Success: true, Output: r.Output}).WithDuration(r.Duration)
}

// Runner executes untrusted programs in a separate process group with a
// cleared environment, resource limits and, when available, namespaces.
type Runner struct {
	cfg       Config
	isolation IsolationMode
	bwrapPath string
	log       *slog.Logger
}

func NewRunner(cfg Config, log *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mode, err := DetectIsolation(cfg.Isolation)
	if err != nil {
		return nil, fmt.Errorf("isolation mode %s unavailable: %w", cfg.Isolation, err)
	}
	if cfg.RequireIsolation && mode == IsolationNone {
		return nil, errors.New("no network isolation available (install bubblewrap or enable user namespaces)")
	}
	if mode == IsolationNone {
		log.Warn("Sandbox runs without network isolation")
	}

	r := &Runner{cfg: cfg, isolation: mode, log: log}
	if mode == IsolationBwrap {
		if r.bwrapPath, err = BwrapPath(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Isolation returns the isolation mode in effect.
func (r *Runner) Isolation() IsolationMode {
	return r.isolation
}

// Run executes one program. The working directory is removed before Run
// returns, whatever the outcome.
func (r *Runner) Run(ctx context.Context, in Input) *Result {
	start := time.Now()
	result := &Result{ExitCode: -1}
	defer func() { result.Duration = time.Since(start) }()

	root := r.cfg.WorkRoot
	if in.WorkRoot != "" {
		root = in.WorkRoot
	}
	workdir, err := os.MkdirTemp(root, "run-")
	if err != nil {
		result.Err = fmt.Errorf("could not create working directory: %w", err)
		return result
	}
	defer os.RemoveAll(workdir)

	prof := profileFor(&r.cfg)
	if err := writeInputs(workdir, prof, in); err != nil {
		result.Err = err
		return result
	}

	// Paths as seen by the program.
	dir := workdir
	if r.isolation == IsolationBwrap {
		dir = sandboxWorkdir
	}

	env := map[string]string{
		"DATASET_PATH": filepath.Join(dir, datasetFile),
		"PARAMS_PATH":  filepath.Join(dir, paramsFile),
		"PATH":         "/usr/local/bin:/usr/bin:/bin",
		"HOME":         dir,
		"LANG":         "C.UTF-8",
	}

	argv := prof.command(dir)
	switch r.isolation {
	case IsolationBwrap:
		argv = append([]string{r.bwrapPath}, bwrapArgs(workdir, env, argv)...)
	case IsolationUnshare:
		argv = append([]string{"unshare"}, unshareArgs(argv)...)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	stdout := newBoundedBuffer(r.cfg.MaxOutputBytes)
	stderr := newBoundedBuffer(r.cfg.MaxOutputBytes)

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = workdir
	cmd.Env = envList(env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = procAttr()
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		result.Err = fmt.Errorf("%w: could not start interpreter: %v", interfaces.ErrRuntimeFault, err)
		return result
	}
	pgid := cmd.Process.Pid

	if err := applyLimits(pgid, r.cfg.Limits); err != nil {
		_ = unix.Kill(-pgid, unix.SIGKILL)
		_ = cmd.Wait()
		result.Err = fmt.Errorf("%w: %v", interfaces.ErrRuntimeFault, err)
		return result
	}

	waitErr := cmd.Wait()
	// Reap anything the program left running in its group.
	_ = unix.Kill(-pgid, unix.SIGKILL)

	result.Output, result.Truncated = combineOutput(stdout, stderr, r.cfg.MaxOutputBytes)
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	result.Err = classify(runCtx, waitErr, cmd.ProcessState, r.cfg.Timeout)

	r.log.Info("Sandbox run finished",
		slog.String("isolation", string(r.isolation)),
		slog.Int("exit_code", result.ExitCode),
		slog.Bool("truncated", result.Truncated),
		slog.Duration("duration", time.Since(start)),
		"err", result.Err)

	return result
}

func classify(runCtx context.Context, waitErr error, state *os.ProcessState, timeout time.Duration) error {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: exceeded %s", interfaces.ErrTimeout, timeout)
	}
	if runCtx.Err() != nil {
		return fmt.Errorf("%w: run canceled", interfaces.ErrRuntimeFault)
	}

	if waitErr == nil || (errors.Is(waitErr, exec.ErrWaitDelay) && state != nil && state.Success()) {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return fmt.Errorf("%w: terminated by signal %s", interfaces.ErrRuntimeFault, ws.Signal())
		}
		return fmt.Errorf("%w: exit status %d", interfaces.ErrRuntimeFault, exitErr.ExitCode())
	}
	return fmt.Errorf("%w: %v", interfaces.ErrRuntimeFault, waitErr)
}

func writeInputs(workdir string, prof profile, in Input) error {
	params := in.Params
	if params == nil {
		params = map[string]any{}
	}
	encodedParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: could not encode params: %v", interfaces.ErrInvalidRequest, err)
	}

	files := map[string][]byte{
		prof.programFile: in.Program,
		datasetFile:      in.Dataset,
		paramsFile:       encodedParams,
	}
	for name, content := range prof.extraFiles {
		files[name] = []byte(content)
	}

	for name, content := range files {
		if err := os.WriteFile(filepath.Join(workdir, name), content, 0o600); err != nil {
			return fmt.Errorf("could not write %s: %w", name, err)
		}
	}
	return nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
