package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Registry tracks the live controllers keyed by session id. Each controller
// is owned exclusively by its connection handler; the registry exists for
// lookup, counting and forced teardown at shutdown, not for sharing.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Controller
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Controller)}
}

// NewID returns a fresh session identifier.
func NewID() string {
	return "sess-" + uuid.NewString()
}

// Add registers c under its session id. Registering a duplicate id is a
// programming error and is rejected.
func (r *Registry) Add(c *Controller) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := c.Session().ID
	if _, ok := r.sessions[id]; ok {
		return fmt.Errorf("session: id %q already registered", id)
	}
	r.sessions[id] = c
	return nil
}

// Get returns the controller for id, if registered.
func (r *Registry) Get(id string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[id]
	return c, ok
}

// Remove unregisters id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll closes every registered controller and empties the registry.
// Used at server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	controllers := make([]*Controller, 0, len(r.sessions))
	for _, c := range r.sessions {
		controllers = append(controllers, c)
	}
	r.sessions = make(map[string]*Controller)
	r.mu.Unlock()

	for _, c := range controllers {
		c.Close()
	}
}
