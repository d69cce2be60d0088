package supervisor

import (
	"sync"
	"time"
)

type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Handle identifies one launched backend process. It stays valid after
// the process exits so callers can still read the exit code.
type Handle struct {
	ID        string
	PID       int
	Path      string
	Args      []string
	StartedAt time.Time

	mu       sync.Mutex
	exited   bool
	exitCode int
	exitedAt time.Time
}

func (h *Handle) markExited(code int) {
	h.mu.Lock()
	h.exited = true
	h.exitCode = code
	h.exitedAt = time.Now()
	h.mu.Unlock()
}

// ExitCode returns the exit code and whether the process has exited.
func (h *Handle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.exited
}

// ExitedAt returns the zero time until the process exits.
func (h *Handle) ExitedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitedAt
}

// Alive reports whether the process behind h has not exited yet.
func (h *Handle) Alive() bool {
	_, exited := h.ExitCode()
	return !exited
}
