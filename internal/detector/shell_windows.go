//go:build windows

package detector

import (
	"context"
	"os/exec"
)

func shellCommand(ctx context.Context, script string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "cmd", "/c", script)
}

// killGroupOnCancel keeps the default cancellation, which kills the direct
// child only.
func killGroupOnCancel(*exec.Cmd) {}
