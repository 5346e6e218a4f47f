package saga

import (
	"sync"
)

// Registry is the in-memory index of live instances keyed by transaction
// id. It holds the mailbox owner for each non-terminal instance and is
// rebuilt from the durable store on startup. It is a cache: the store
// remains authoritative.
type Registry struct {
	mu     sync.RWMutex
	actors map[string]*instanceActor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		actors: make(map[string]*instanceActor),
	}
}

// Get returns the live actor for id, if any.
func (r *Registry) Get(id string) (*instanceActor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actor, ok := r.actors[id]
	return actor, ok
}

// GetOrCreate returns the live actor for id, spawning one with create
// when none exists. The second return value reports whether the actor
// already existed. Creation is atomic: two concurrent callers for the
// same id observe the same actor.
func (r *Registry) GetOrCreate(id string, create func() *instanceActor) (*instanceActor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if actor, ok := r.actors[id]; ok {
		return actor, true
	}
	actor := create()
	r.actors[id] = actor
	return actor, false
}

// Remove drops the actor for id once its instance is terminal.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.actors, id)
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}

// Actors returns the current set of live actors.
func (r *Registry) Actors() []*instanceActor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	actors := make([]*instanceActor, 0, len(r.actors))
	for _, actor := range r.actors {
		actors = append(actors, actor)
	}
	return actors
}

// IDs returns the ids of live instances.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.actors))
	for id := range r.actors {
		ids = append(ids, id)
	}
	return ids
}
