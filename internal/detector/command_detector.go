package detector

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultCommandTimeout bounds one CommandDetector run when Timeout is zero.
const DefaultCommandTimeout = 10 * time.Second

// CommandDetector treats a zero exit status as "running". With Args set,
// Command is executed directly; otherwise Command is a command line that
// goes through the shell only when it contains shell syntax. An empty
// Command always reports running.
type CommandDetector struct {
	Command string
	Args    []string
	Timeout time.Duration
}

func (d CommandDetector) build(ctx context.Context) *exec.Cmd {
	if len(d.Args) > 0 {
		// #nosec G204
		return exec.CommandContext(ctx, d.Command, d.Args...)
	}
	line := strings.TrimSpace(d.Command)
	if strings.ContainsAny(line, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(ctx, line)
	}
	parts := strings.Fields(line)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

// Alive runs the command to completion, killing it (and anything it
// started) once Timeout elapses or ctx ends. A non-zero exit is (false, nil);
// a timeout or a command that cannot be started is an error.
func (d CommandDetector) Alive(ctx context.Context) (bool, error) {
	if strings.TrimSpace(d.Command) == "" {
		return true, nil
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := d.build(ctx)
	killGroupOnCancel(cmd)
	cmd.WaitDelay = time.Second
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return false, fmt.Errorf("%s: %w", d.Describe(), cerr)
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return false, nil
	}
	return false, err
}

func (d CommandDetector) Describe() string {
	if len(d.Args) > 0 {
		return "cmd:" + d.Command + " " + strings.Join(d.Args, " ")
	}
	return "cmd:" + d.Command
}
