package sandbox

import (
	"errors"
	"os"
	"os/exec"
	"sort"
)

const sandboxWorkdir = "/work"

// systemBinds are mounted read-only inside the bubblewrap sandbox. Missing
// paths are skipped.
var systemBinds = []string{"/usr", "/bin", "/lib", "/lib64", "/etc/alternatives", "/etc/ld.so.cache"}

// BwrapPath returns the bubblewrap executable.
func BwrapPath() (string, error) {
	for _, path := range []string{"/usr/bin/bwrap", "/usr/local/bin/bwrap", "/bin/bwrap"} {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", errors.New("bwrap not found in standard locations")
}

// bwrapArgs builds the bubblewrap command line running command with workdir
// mounted at /work and only env set.
func bwrapArgs(workdir string, env map[string]string, command []string) []string {
	args := []string{
		"--unshare-all",
		"--die-with-parent",
		"--new-session",
		"--clearenv",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
	}

	for _, path := range systemBinds {
		args = append(args, "--ro-bind-try", path, path)
	}

	args = append(args, "--bind", workdir, sandboxWorkdir, "--chdir", sandboxWorkdir)

	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "--setenv", key, env[key])
	}

	args = append(args, "--")
	return append(args, command...)
}

// unshareArgs runs command in new user and network namespaces.
func unshareArgs(command []string) []string {
	return append([]string{"--net", "--map-root-user", "--"}, command...)
}

// DetectIsolation resolves IsolationAuto to the strongest mode that works on
// this host.
func DetectIsolation(requested IsolationMode) (IsolationMode, error) {
	switch requested {
	case IsolationBwrap:
		if _, err := BwrapPath(); err != nil {
			return "", err
		}
		return IsolationBwrap, nil
	case IsolationUnshare:
		if !unshareWorks() {
			return "", errors.New("unshare cannot create a network namespace")
		}
		return IsolationUnshare, nil
	case IsolationNone:
		return IsolationNone, nil
	}

	if path, err := BwrapPath(); err == nil {
		if exec.Command(path, "--unshare-all", "--ro-bind", "/", "/", "--", "true").Run() == nil {
			return IsolationBwrap, nil
		}
	}
	if unshareWorks() {
		return IsolationUnshare, nil
	}
	return IsolationNone, nil
}

func unshareWorks() bool {
	path, err := exec.LookPath("unshare")
	if err != nil {
		return false
	}
	return exec.Command(path, unshareArgs([]string{"true"})...).Run() == nil
}
