package chunkproc

import "sync"

// pendingSet tracks queued-but-not-started work items for one
// ProcessorKey, keyed by version. It exists so a newer request can pop
// and supersede older queued items before they cost a snapshot or a
// processor invocation.
//
// Sets retire themselves (dead=true) when they empty out; a retired set
// rejects registration and its holder retries against the table, which
// by then has either dropped it or replaced it.
type pendingSet struct {
	mu        sync.Mutex
	byVersion map[int64]*workItem
	dead      bool
}

func newPendingSet() *pendingSet {
	return &pendingSet{byVersion: make(map[int64]*workItem)}
}

// register adds wi and removes every item with a strictly older
// version, returning them for supersession. ok is false if the set was
// retired concurrently and the caller must retry.
func (ps *pendingSet) register(wi *workItem) (older []*workItem, ok bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.dead {
		return nil, false
	}
	for v, old := range ps.byVersion {
		if v < wi.version {
			delete(ps.byVersion, v)
			older = append(older, old)
		}
	}
	ps.byVersion[wi.version] = wi
	return older, true
}

// remove deletes wi if it is still the registered item for its version.
// It reports whether the set emptied out and was retired; the caller
// then removes it from the table.
func (ps *pendingSet) remove(wi *workItem) (retired bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.dead {
		return false
	}
	if cur, ok := ps.byVersion[wi.version]; ok && cur == wi {
		delete(ps.byVersion, wi.version)
	}
	if len(ps.byVersion) == 0 {
		ps.dead = true
		return true
	}
	return false
}

func (ps *pendingSet) len() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.byVersion)
}
