//go:build unix

package supervisor

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the plugin in its own process group so group signals hit
// the plugin and its children without touching the orchestrator.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the whole process group.
func signalGroup(pid int, kill bool) {
	sig := syscall.SIGTERM
	if kill {
		sig = syscall.SIGKILL
	}
	syscall.Kill(-pid, sig)
}
