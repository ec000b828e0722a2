package ledger

import "sync"

// Registry is the externally supplied set of live node ids. The ledger uses
// it for exactly one thing: the denominator of the consensus ratio.
// Membership management (joins, failure detection) is the embedding
// application's problem.
type Registry interface {
	NodeIDs() []string
	Size() int
}

// StaticRegistry is a mutable in-memory Registry. It is constructed
// explicitly and injected, so a single test process can run several
// simulated nodes against the same membership view.
type StaticRegistry struct {
	mu    sync.RWMutex
	nodes map[string]struct{}
	order []string
}

// NewStaticRegistry creates a registry seeded with the given node ids.
func NewStaticRegistry(ids ...string) *StaticRegistry {
	r := &StaticRegistry{nodes: make(map[string]struct{})}
	for _, id := range ids {
		r.add(id)
	}
	return r
}

// Add registers a node id. Adding an existing id is a no-op.
func (r *StaticRegistry) Add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(id)
}

func (r *StaticRegistry) add(id string) {
	if _, ok := r.nodes[id]; ok {
		return
	}
	r.nodes[id] = struct{}{}
	r.order = append(r.order, id)
}

// Remove deregisters a node id.
func (r *StaticRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return
	}
	delete(r.nodes, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// NodeIDs returns the registered ids in registration order.
func (r *StaticRegistry) NodeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Size returns the number of registered nodes.
func (r *StaticRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

var _ Registry = (*StaticRegistry)(nil)
