package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/arbiterhq/arbiter/pkg/types"
)

// Process is the handle to a spawned plugin process. This is the seam for
// testing: fakes can exit on demand without touching the OS.
type Process interface {
	// PID returns the OS process id.
	PID() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Terminate sends SIGTERM to the process group.
	Terminate()
	// Kill sends SIGKILL to the process group.
	Kill()
}

// ProcessStarter spawns a plugin process listening on the given port.
type ProcessStarter func(spec types.PluginSpec, port int) (Process, error)

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProcess) PID() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }
func (p *execProcess) Terminate()            { signalGroup(p.cmd.Process.Pid, false) }
func (p *execProcess) Kill()                 { signalGroup(p.cmd.Process.Pid, true) }

// StartProcess spawns the plugin command with --port appended, in its own
// process group so that signals reach the plugin and any children it forks,
// but never the orchestrator. Relative command and cwd paths are resolved
// to absolute ones when the plugins file is loaded, so the orchestrator's
// working directory plays no part here.
func StartProcess(spec types.PluginSpec, port int) (Process, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("plugin %s has no command", spec.Name)
	}

	args := append(append([]string(nil), spec.Command[1:]...), "--port="+strconv.Itoa(port))
	cmd := exec.Command(spec.Command[0], args...)
	cmd.Dir = spec.Cwd
	cmd.Env = append(os.Environ(), "PORT="+strconv.Itoa(port))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	setProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %q: %w", spec.Command[0], err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		// The exit status is reaped here; crash detection happens through
		// the done channel.
		cmd.Wait()
		close(p.done)
	}()
	return p, nil
}
