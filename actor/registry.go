package actor

import (
	"slices"
	"sync"
)

// Registry tracks actors by id and by name. It holds strong references but
// never hands out a dead actor: lookups check liveness and drop stale entries.
type Registry struct {
	mu        sync.RWMutex
	actors    map[uint64]*Actor
	names     map[string]uint64
	namesByID map[uint64][]string
}

func NewRegistry() *Registry {
	return &Registry{
		actors:    make(map[uint64]*Actor),
		names:     make(map[string]uint64),
		namesByID: make(map[uint64][]string),
	}
}

// Insert records a.
func (r *Registry) Insert(a *Actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actors[a.ref.id] = a
}

// Remove forgets ref and every name registered for it.
func (r *Registry) Remove(ref Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(ref.id)
}

func (r *Registry) removeLocked(id uint64) {
	delete(r.actors, id)
	for _, name := range r.namesByID[id] {
		delete(r.names, name)
	}
	delete(r.namesByID, id)
}

// Register binds name to ref. Registering the same pair twice is a no-op.
func (r *Registry) Register(name string, ref Ref) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.actors[ref.id]
	if !ok || !a.Alive() {
		return ErrUnknownActor
	}
	if id, taken := r.names[name]; taken {
		if id == ref.id {
			return nil
		}
		return ErrNameTaken
	}
	r.names[name] = ref.id
	r.namesByID[ref.id] = append(r.namesByID[ref.id], name)
	return nil
}

// Unregister removes a name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.names[name]
	if !ok {
		return ErrUnknownName
	}
	delete(r.names, name)
	names := slices.DeleteFunc(r.namesByID[id], func(n string) bool { return n == name })
	if len(names) == 0 {
		delete(r.namesByID, id)
	} else {
		r.namesByID[id] = names
	}
	return nil
}

// ByID returns the live actor behind ref.
func (r *Registry) ByID(ref Ref) (*Actor, error) {
	r.mu.RLock()
	a, ok := r.actors[ref.id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownActor
	}
	if !a.Alive() {
		r.Remove(ref)
		return nil, ErrUnknownActor
	}
	return a, nil
}

// ByName returns the live actor registered under name.
func (r *Registry) ByName(name string) (*Actor, error) {
	r.mu.RLock()
	id, ok := r.names[name]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownName
	}
	return r.ByID(Ref{id: id})
}

// Contains reports whether ref names a live actor.
func (r *Registry) Contains(ref Ref) bool {
	_, err := r.ByID(ref)
	return err == nil
}

// ContainsName reports whether name is registered.
func (r *Registry) ContainsName(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.names[name]
	return ok
}

// Names returns the names registered for ref, sorted.
func (r *Registry) Names(ref Ref) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := slices.Clone(r.namesByID[ref.id])
	slices.Sort(names)
	return names
}

// Registered returns every registered name, sorted.
func (r *Registry) Registered() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.names))
	for name := range r.names {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Prune drops every dead actor and returns how many were removed.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, a := range r.actors {
		if !a.Alive() {
			r.removeLocked(id)
			n++
		}
	}
	return n
}

// Len returns the number of recorded actors, dead ones included until pruned.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}
