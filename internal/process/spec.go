// Package process spawns, identifies and terminates the supervised program.
package process

import (
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loykin/warden/internal/detector"
	"github.com/loykin/warden/internal/logger"
)

// DefaultOutputLimit is the number of trailing bytes of each output stream
// kept in memory for diagnostics.
const DefaultOutputLimit = 64 << 10

// Spec describes the supervised program.
type Spec struct {
	Name        string        `json:"name" mapstructure:"name"`
	Interpreter string        `json:"interpreter" mapstructure:"interpreter"` // interpreter or executable, e.g. python3
	Script      string        `json:"script" mapstructure:"script"`           // target script, e.g. main.py
	Args        []string      `json:"args,omitempty" mapstructure:"args"`
	WorkDir     string        `json:"work_dir" mapstructure:"work_dir"`
	Env         []string      `json:"-" mapstructure:"-"` // fully composed child environment; empty inherits
	PIDFile     string        `json:"pid_file,omitempty" mapstructure:"pid_file"`
	OutputLimit int           `json:"-" mapstructure:"output_limit"`
	Log         logger.Config `json:"-" mapstructure:"-"` // child stdout/stderr mirroring
}

// Command returns the argv used to launch the program.
func (s Spec) Command() []string {
	argv := make([]string, 0, 2+len(s.Args))
	argv = append(argv, strings.TrimSpace(s.Interpreter))
	if s.Script != "" {
		argv = append(argv, s.Script)
	}
	return append(argv, s.Args...)
}

// BuildCommand constructs an *exec.Cmd for the spec. No shell is involved.
func (s Spec) BuildCommand() *exec.Cmd {
	argv := s.Command()
	// #nosec G204
	cmd := exec.Command(argv[0], argv[1:]...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(s.Env) > 0 {
		cmd.Env = s.Env
	}
	return cmd
}

// Signature returns the command-line signature used to find a running copy
// of this program in the process table.
func (s Spec) Signature() detector.Signature {
	return detector.Signature{Interpreter: s.Interpreter, Script: filepath.Base(s.Script)}
}

func (s Spec) outputLimit() int {
	if s.OutputLimit <= 0 {
		return DefaultOutputLimit
	}
	return s.OutputLimit
}
