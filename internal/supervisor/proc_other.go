//go:build !unix

package supervisor

import (
	"os/exec"
)

func configureProcessGroup(*exec.Cmd) {}

// Without process groups there is no graceful signal; both stop the child.
func terminateGroup(cmd *exec.Cmd) error { return killGroup(cmd) }

func killGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
