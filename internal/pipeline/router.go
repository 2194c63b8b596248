package pipeline

import (
	"sync"

	"murmur/internal/domain"
	"murmur/internal/ports"
)

// FragmentRouter forwards wire fragments to the active session's processor.
// The connection outlives individual sessions, so the connection layer holds
// the router while sessions swap the target in and out.
type FragmentRouter struct {
	mu     sync.RWMutex
	target ports.FragmentSink
}

func NewFragmentRouter() *FragmentRouter {
	return &FragmentRouter{}
}

// SetTarget installs the sink fragments should flow to; nil detaches.
func (r *FragmentRouter) SetTarget(target ports.FragmentSink) {
	r.mu.Lock()
	r.target = target
	r.mu.Unlock()
}

// Push forwards to the current target. Fragments arriving with no session
// attached are dropped.
func (r *FragmentRouter) Push(fragment domain.TranscriptFragment) {
	r.mu.RLock()
	target := r.target
	r.mu.RUnlock()
	if target != nil {
		target.Push(fragment)
	}
}
