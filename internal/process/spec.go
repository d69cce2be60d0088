package process

import (
	"os"
	"os/exec"
	"strings"

	"github.com/mdrincic-boop/mpx-link-pro/internal/logger"
)

// Spec describes the backend executable to launch.
type Spec struct {
	Name    string               `json:"name"`
	Path    string               `json:"path"`     // executable or script interpreter
	Args    []string             `json:"args"`     // optional arguments
	WorkDir string               `json:"work_dir"` // optional working dir
	Env     []string             `json:"env"`      // extra KEY=VALUE entries appended to the host env
	Capture logger.CaptureConfig `json:"capture"`  // optional on-disk mirror of stdout/stderr
}

// BuildCommand constructs the *exec.Cmd for s. The child always inherits
// the host environment; Env entries override it.
func (s *Spec) BuildCommand() *exec.Cmd {
	// #nosec G204 -- path comes from host configuration, not user input
	cmd := exec.Command(strings.TrimSpace(s.Path), s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	configureSysProcAttr(cmd)
	return cmd
}
