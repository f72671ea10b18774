package bridge

import (
	"os/exec"
	"sync"
)

// handle supervises one spawned agent process and implements queue.Process.
type handle struct {
	cmd  *exec.Cmd
	done chan struct{}
	stop func()
	once sync.Once
}

func newHandle(cmd *exec.Cmd, stop func()) *handle {
	return &handle{cmd: cmd, done: make(chan struct{}), stop: stop}
}

func (h *handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Terminate sends SIGTERM to the agent's process group.
func (h *handle) Terminate() error {
	if h.exited() {
		return nil
	}
	return terminateGroup(h.cmd)
}

// Kill sends SIGKILL to the agent's process group and runs the runtime's
// stop hook once.
func (h *handle) Kill() error {
	if h.stop != nil {
		h.once.Do(h.stop)
	}
	if h.exited() {
		return nil
	}
	return killGroup(h.cmd)
}

func (h *handle) Done() <-chan struct{} { return h.done }
