package queue

import (
	"sort"
	"sync"
)

// Process is a handle on a running agent process.
type Process interface {
	// Terminate asks the process to exit (SIGTERM).
	Terminate() error
	// Kill ends the process immediately (SIGKILL).
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

type procEntry struct {
	proc Process
	name string
}

// Registry maps each group to at most one running process.
type Registry struct {
	mu    sync.Mutex
	procs map[string]procEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]procEntry)}
}

// Register records proc as the process of jid, replacing any stale entry.
func (r *Registry) Register(jid string, proc Process, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[jid] = procEntry{proc: proc, name: name}
}

// Release forgets jid's entry if it still refers to proc. A newer
// registration for the same group is left alone.
func (r *Registry) Release(jid string, proc Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.procs[jid]; ok && e.proc == proc {
		delete(r.procs, jid)
	}
}

// Len returns the number of registered processes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// KillAll kills every registered process that has not exited yet and
// returns their names.
func (r *Registry) KillAll() []string {
	r.mu.Lock()
	entries := make([]procEntry, 0, len(r.procs))
	for _, e := range r.procs {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var killed []string
	for _, e := range entries {
		select {
		case <-e.proc.Done():
			continue
		default:
		}
		_ = e.proc.Kill()
		killed = append(killed, e.name)
	}
	sort.Strings(killed)
	return killed
}
