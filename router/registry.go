package router

import (
	"fmt"
	"sync"

	"github.com/latticehttp/lattice/scheme"
)

// DuplicateMappingError is returned by Register when a mapping collides
// with an existing one under the spec §3 duplicate-endpoint invariant.
type DuplicateMappingError struct {
	Template string
}

func (e *DuplicateMappingError) Error() string {
	return fmt.Sprintf("router: duplicate mapping for pattern %q", e.Template)
}

// Registry is the Route Registry (C7): insertion-ordered storage of endpoint
// mappings, partitioned by scheme family, with a reverse index keyed by
// HandlerRef for bulk unregistration (spec §3, §4.7).
type Registry struct {
	mu sync.RWMutex

	byFamily map[string][]*Mapping      // family.String() -> mappings in insertion order
	byRef    map[any]map[*Mapping]bool  // HandlerRef -> owned mappings
	seq      uint64
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byFamily: make(map[string][]*Mapping),
		byRef:    make(map[any]map[*Mapping]bool),
	}
}

// Register adds m to the registry, rejecting it if an existing mapping in
// the same family is its duplicate (spec §3). On success m.insertionOrder
// is assigned and m becomes visible to Candidates immediately.
func (r *Registry) Register(m *Mapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := m.Family.String()
	for _, existing := range r.byFamily[key] {
		if m.isDuplicateOf(existing) {
			return &DuplicateMappingError{Template: m.Pattern.Template}
		}
	}

	r.seq++
	m.insertionOrder = r.seq
	r.byFamily[key] = append(r.byFamily[key], m)

	if m.HandlerRef != nil {
		set, ok := r.byRef[m.HandlerRef]
		if !ok {
			set = make(map[*Mapping]bool)
			r.byRef[m.HandlerRef] = set
		}
		set[m] = true
	}
	return nil
}

// Unregister removes every mapping registered under handlerRef (spec §3:
// "Two mappings sharing a HandlerRef are removed together by Unregister").
// It reports how many mappings were removed.
func (r *Registry) Unregister(handlerRef any) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byRef[handlerRef]
	if !ok {
		return 0
	}
	delete(r.byRef, handlerRef)

	removed := 0
	for key, mappings := range r.byFamily {
		kept := mappings[:0:0]
		for _, m := range mappings {
			if set[m] {
				removed++
				continue
			}
			kept = append(kept, m)
		}
		r.byFamily[key] = kept
	}
	return removed
}

// Candidates returns a snapshot slice of every mapping registered for
// family, in insertion order, for the Dispatcher to match/filter/rank over
// without holding the registry's lock during dispatch (spec §4.8).
func (r *Registry) Candidates(family scheme.Family) []*Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src := r.byFamily[family.String()]
	out := make([]*Mapping, len(src))
	copy(out, src)
	return out
}

// Count returns the total number of registered mappings across all
// families, mainly for diagnostics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, mappings := range r.byFamily {
		total += len(mappings)
	}
	return total
}
