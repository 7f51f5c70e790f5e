package router

import "sync"

// SupervisorRegistry tracks subsystem supervisors by name so the status
// command can walk them. Handlers, the dispatch loop and config reload all
// touch it concurrently, hence the lock.
type SupervisorRegistry struct {
	mu   sync.RWMutex
	subs map[string]*Supervisor
}

func NewSupervisorRegistry() *SupervisorRegistry {
	return &SupervisorRegistry{subs: map[string]*Supervisor{}}
}

// Set registers sup under name, replacing any previous entry. A nil sup
// unregisters the name.
func (r *SupervisorRegistry) Set(name string, sup *Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if sup == nil {
		delete(r.subs, name)
	} else {
		r.subs[name] = sup
	}
	r.mu.Unlock()
}

func (r *SupervisorRegistry) Delete(name string) { r.Set(name, nil) }

// Snapshot copies the current name-to-supervisor mapping.
func (r *SupervisorRegistry) Snapshot() map[string]*Supervisor {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Supervisor, len(r.subs))
	for name, sup := range r.subs {
		out[name] = sup
	}
	return out
}
