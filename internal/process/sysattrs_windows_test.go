//go:build windows

package process

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

func checkSysProcAttrs(t *testing.T, cmd *exec.Cmd) {
	t.Helper()
	require.NotNil(t, cmd.SysProcAttr)
	require.NotZero(t, cmd.SysProcAttr.CreationFlags&CREATE_NEW_PROCESS_GROUP)
}
