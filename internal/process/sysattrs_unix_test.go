//go:build !windows

package process

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

// checkSysProcAttrs asserts the child will lead its own process group, which
// the group-wide stop signals rely on.
func checkSysProcAttrs(t *testing.T, cmd *exec.Cmd) {
	t.Helper()
	require.NotNil(t, cmd.SysProcAttr)
	require.True(t, cmd.SysProcAttr.Setpgid, "child must get its own process group")
}
