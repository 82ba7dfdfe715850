package runtime

import (
	"sync/atomic"

	"github.com/schollz/colliderloop/internal/state"
)

// Handle is the thread-safe facade external code holds: enqueue commands,
// read state, request shutdown. Cheap to copy by pointer and safe from any
// goroutine.
type Handle struct {
	queue    *queue
	store    *state.Store
	shutdown *atomic.Bool
}

// Send enqueues a command for the runtime thread. It never blocks on the
// runtime; commands sent after shutdown are dropped silently.
func (h *Handle) Send(msg Message) {
	h.queue.push(msg)
}

// WithState runs f with shared read access to the full state. f must return
// quickly and must not mutate through the pointer.
func (h *Handle) WithState(f func(*state.State)) {
	h.store.Read(f)
}

// Shutdown signals the runtime loop to exit on its next iteration.
func (h *Handle) Shutdown() {
	h.shutdown.Store(true)
}

// IsShutdownRequested reports whether Shutdown has been called.
func (h *Handle) IsShutdownRequested() bool {
	return h.shutdown.Load()
}
