package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// daemonEnv marks the re-executed child so it does not daemonize again.
const daemonEnv = "WARDEN_DAEMON_CHILD"

func isDaemonChild() bool { return os.Getenv(daemonEnv) == "1" }

// daemonArgs drops the daemon flag from args and anchors a relative
// --config at cwd, since the child runs in another directory. Everything
// else is passed to the child unchanged.
func daemonArgs(args []string, cwd string) []string {
	anchor := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(cwd, p)
	}
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--daemon", arg == "-d", strings.HasPrefix(arg, "--daemon="):
			continue
		case arg == "--config" && i+1 < len(args):
			out = append(out, arg, anchor(args[i+1]))
			i++
			continue
		case strings.HasPrefix(arg, "--config="):
			out = append(out, "--config="+anchor(strings.TrimPrefix(arg, "--config=")))
			continue
		}
		out = append(out, arg)
	}
	return out
}

// daemonize re-executes the current binary detached from the terminal and
// returns the child's PID. The child writes its own pidfile and log.
func daemonize(args []string, workDir string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to get executable path: %w", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return 0, fmt.Errorf("failed to get working directory: %w", err)
	}
	// #nosec G204
	cmd := exec.Command(executable, daemonArgs(args, cwd)...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.Dir = workDir
	configureDaemonAttrs(cmd)
	// stdio goes to /dev/null; the supervisor log is configured with --logfile
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, nil, nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon process: %w", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}
