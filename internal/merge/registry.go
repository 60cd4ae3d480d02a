package merge

import (
	"strconv"
	"sync"
)

// Registry is the bidirectional mapping between stable structural node ids
// and the short references handed to callers. References are assigned
// monotonically and a node keeps its reference for the registry's lifetime;
// a reference is never reassigned to a different node before Clear.
//
// One registry serves one page. Callers that want small references across
// repeated reads clear it before a fresh full-tree build.
type Registry struct {
	mu     sync.RWMutex
	next   int
	byNode map[int64]string
	byRef  map[string]int64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byNode: make(map[int64]string),
		byRef:  make(map[string]int64),
	}
}

// Assign returns the reference for backendID, allocating the next sequential
// one on first sight.
func (r *Registry) Assign(backendID int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref, ok := r.byNode[backendID]; ok {
		return ref
	}
	r.next++
	ref := "ref_" + strconv.Itoa(r.next)
	r.byNode[backendID] = ref
	r.byRef[ref] = backendID
	return ref
}

// Lookup resolves a reference to its structural node id.
func (r *Registry) Lookup(ref string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byRef[ref]
	return id, ok
}

// RefFor returns the reference already assigned to backendID, if any.
func (r *Registry) RefFor(backendID int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.byNode[backendID]
	return ref, ok
}

// Clear empties the registry and resets the sequence, so the next Assign
// hands out the first reference again.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = 0
	r.byNode = make(map[int64]string)
	r.byRef = make(map[string]int64)
}

// Len returns the number of assigned references.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byNode)
}
