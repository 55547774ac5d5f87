//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

func setProcAttr(cmd *exec.Cmd) {}

// signalGroup approximates group signalling: Windows has no process groups
// in the POSIX sense, so both paths kill the immediate process.
func signalGroup(pid int, kill bool) {
	if proc, err := os.FindProcess(pid); err == nil {
		proc.Kill()
	}
}
