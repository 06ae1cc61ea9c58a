// Package sessions tracks the live sessions connected to this process.
package sessions

import (
	"context"
	"sync"

	"github.com/voxflame/voxgate/pkg/core/events"
)

// Handle is the registry's reference to a session. The registry never owns
// session state; it only knows how to reach the session's two queues.
type Handle struct {
	SessionID string
	// Display enqueues a frame for the session's client connection.
	Display func(msg events.Message) error
	// Deliver enqueues an event on the session's coordinator inbox.
	Deliver func(ev events.Event) error
	// Cancel tears the connection down.
	Cancel func()
}

// SizeObserver is told the registry size after every mutation.
// prometheus.Gauge satisfies it.
type SizeObserver interface {
	Set(float64)
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	wg       sync.WaitGroup
	size     SizeObserver
}

type entry struct {
	handle Handle
	once   sync.Once
}

func NewRegistry(size SizeObserver) *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		size:     size,
	}
}

// Register stores h under sessionID, replacing (and releasing) any prior
// entry for the same id. The returned func removes this entry only; it is a
// no-op once the entry has been replaced or removed.
func (r *Registry) Register(sessionID string, h Handle) (unregister func()) {
	if r == nil {
		return func() {}
	}
	h.SessionID = sessionID
	e := &entry{handle: h}

	r.mu.Lock()
	if r.sessions == nil {
		r.sessions = make(map[string]*entry)
	}
	old := r.sessions[sessionID]
	r.sessions[sessionID] = e
	r.wg.Add(1)
	r.observeLocked()
	r.mu.Unlock()

	if old != nil {
		r.release(sessionID, old)
	}
	return func() { r.release(sessionID, e) }
}

// Unregister removes whatever entry is currently held for sessionID.
func (r *Registry) Unregister(sessionID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	e := r.sessions[sessionID]
	r.mu.Unlock()
	r.release(sessionID, e)
}

func (r *Registry) release(sessionID string, e *entry) {
	if e == nil {
		return
	}
	e.once.Do(func() {
		r.mu.Lock()
		if r.sessions[sessionID] == e {
			delete(r.sessions, sessionID)
		}
		r.observeLocked()
		r.mu.Unlock()
		r.wg.Done()
	})
}

func (r *Registry) observeLocked() {
	if r.size != nil {
		r.size.Set(float64(len(r.sessions)))
	}
}

func (r *Registry) Lookup(sessionID string) (Handle, bool) {
	if r == nil {
		return Handle{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return Handle{}, false
	}
	return e.handle, true
}

// ForEach calls visit for a snapshot of the registered sessions taken under
// the lock. visit runs without the lock held, so it may block or unregister.
func (r *Registry) ForEach(visit func(Handle)) int {
	if r == nil || visit == nil {
		return 0
	}
	handles := r.snapshot()
	for _, h := range handles {
		visit(h)
	}
	return len(handles)
}

func (r *Registry) snapshot() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.handle)
	}
	return out
}

// Count is exposed for observability only.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) CancelAll() (canceled int) {
	if r == nil {
		return 0
	}
	for _, h := range r.snapshot() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered entry has been released or ctx is done.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
