// Package scheduler keeps the registry of systems and computes the deterministic order they run in
// each tick. The order honors every after edge, breaks ties by ascending identifier, and is only
// accepted if every pair of systems touching the same table in a conflicting way is ordered.
package scheduler

import (
	"slices"
	"sync"

	"github.com/kelindar/bitmap"
	"github.com/openpower/engine/pkg/assert"
	"github.com/rotisserie/eris"
)

// System describes an update routine: its identifier, the tables it reads and writes, and the
// systems that must run before it. The returned values must not change after registration.
type System interface {
	ID() string
	Reads() []string
	Writes() []string
	After() []string
}

// Descriptor is the immutable copy of a System's declarations taken at registration.
type Descriptor struct {
	ID     string
	Reads  []string
	Writes []string
	After  []string
}

func describe(s System) Descriptor {
	return Descriptor{
		ID:     s.ID(),
		Reads:  dedupe(s.Reads()),
		Writes: dedupe(s.Writes()),
		After:  dedupe(s.After()),
	}
}

// Tables returns the union of read and write tables in ascending order.
func (d Descriptor) Tables() []string {
	return dedupe(append(slices.Clone(d.Reads), d.Writes...))
}

func dedupe(s []string) []string {
	out := slices.Clone(s)
	slices.Sort(out)
	return slices.Compact(out)
}

// Registry holds registered systems and the cached scheduled order.
type Registry struct {
	mu          sync.Mutex
	systems     map[string]System
	descriptors map[string]Descriptor
	order       []string // Order handed out by Order
	pending     []string // Order computed by the last Register, adopted by the next Order call
	dirty       bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		systems:     make(map[string]System),
		descriptors: make(map[string]Descriptor),
	}
}

// Register adds a batch of systems. The whole registry including the batch is validated first and
// nothing is registered if any check fails.
func (r *Registry) Register(systems ...System) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := make(map[string]Descriptor, len(r.descriptors)+len(systems))
	for id, d := range r.descriptors {
		candidates[id] = d
	}
	for _, s := range systems {
		if s == nil {
			return eris.New("system cannot be nil")
		}
		d := describe(s)
		if d.ID == "" {
			return eris.New("system id cannot be empty")
		}
		if _, exists := candidates[d.ID]; exists {
			return eris.Wrapf(ErrDuplicateSystem, "system %s", d.ID)
		}
		candidates[d.ID] = d
	}

	order, err := ComputeOrder(candidates)
	if err != nil {
		return err
	}

	for _, s := range systems {
		r.systems[s.ID()] = s
		r.descriptors[s.ID()] = candidates[s.ID()]
	}
	r.pending = order
	r.dirty = true
	return nil
}

// Order returns the scheduled order. The order is recomputed only after a registration, so callers
// that hold on to the result see a stable order until they call Order again.
func (r *Registry) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dirty {
		r.order = r.pending
		r.pending = nil
		r.dirty = false
	}
	return slices.Clone(r.order)
}

// Dirty reports whether a registration happened since the last call to Order.
func (r *Registry) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

// Get returns a registered system.
func (r *Registry) Get(id string) (System, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.systems[id]
	return s, ok
}

// Descriptor returns the declarations a system was registered with.
func (r *Registry) Descriptor(id string) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descriptors[id]
	return d, ok
}

// Len returns the number of registered systems.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.systems)
}

// ComputeOrder returns the topological order of the descriptors, breaking ties by ascending
// identifier. It fails if an after edge names an unknown system, if the edges form a cycle, or if
// two systems access a table in a conflicting way without an ordering path between them.
func ComputeOrder(descriptors map[string]Descriptor) ([]string, error) {
	ids := make([]string, 0, len(descriptors))
	for id := range descriptors {
		ids = append(ids, id)
	}
	slices.Sort(ids) // Index order is identifier order, so the smallest ready index wins ties

	index := make(map[string]uint32, len(ids))
	for i, id := range ids {
		index[id] = uint32(i) //nolint:gosec // Won't overflow
	}

	// preds[i] holds the direct predecessors of i, succs[i] its direct successors.
	preds := make([][]uint32, len(ids))
	succs := make([][]uint32, len(ids))
	for i, id := range ids {
		for _, dep := range descriptors[id].After {
			j, ok := index[dep]
			if !ok {
				return nil, eris.Wrapf(ErrUnknownDependency, "system %s runs after unregistered system %s", id, dep)
			}
			if j == uint32(i) { //nolint:gosec // Won't overflow
				return nil, &CycleError{Members: []string{id}}
			}
			preds[i] = append(preds[i], j)
			succs[j] = append(succs[j], uint32(i)) //nolint:gosec // Won't overflow
		}
	}

	order, ok := kahn(preds, succs)
	if !ok {
		return nil, &CycleError{Members: findCycle(ids, succs, order)}
	}

	// ancestors[i] is the set of systems that always run before i.
	ancestors := make([]bitmap.Bitmap, len(ids))
	for _, i := range order {
		for _, p := range preds[i] {
			// Bitmap.Or can't take an empty operand, so the union is built bit by bit.
			ancestors[p].Range(func(x uint32) {
				ancestors[i].Set(x)
			})
			ancestors[i].Set(p)
		}
	}
	ordered := func(a, b uint32) bool {
		return ancestors[a].Contains(b) || ancestors[b].Contains(a)
	}

	if err := checkAccess(ids, index, descriptors, ordered); err != nil {
		return nil, err
	}

	result := make([]string, len(order))
	for i, idx := range order {
		result[i] = ids[idx]
	}
	return result, nil
}

// kahn sorts the graph, always picking the smallest ready index. The boolean is false if not every
// node could be ordered because of a cycle.
func kahn(preds, succs [][]uint32) ([]uint32, bool) {
	indegree := make([]int, len(preds))
	var ready bitmap.Bitmap
	for i := range preds {
		indegree[i] = len(preds[i])
		if indegree[i] == 0 {
			ready.Set(uint32(i)) //nolint:gosec // Won't overflow
		}
	}

	order := make([]uint32, 0, len(preds))
	for {
		next, ok := ready.Min()
		if !ok {
			break
		}
		ready.Remove(next)
		order = append(order, next)
		for _, s := range succs[next] {
			indegree[s]--
			if indegree[s] == 0 {
				ready.Set(s)
			}
		}
	}
	return order, len(order) == len(preds)
}

// findCycle returns the members of one cycle among the nodes kahn couldn't order. The walk starts at
// the smallest unordered identifier and always follows the smallest unordered successor, so the
// result is deterministic.
func findCycle(ids []string, succs [][]uint32, ordered []uint32) []string {
	var done bitmap.Bitmap
	for _, i := range ordered {
		done.Set(i)
	}

	// Keep the unordered nodes that lie on a cycle by repeatedly dropping the ones without an
	// unordered successor.
	alive := make(map[uint32]bool)
	for i := range ids {
		if !done.Contains(uint32(i)) { //nolint:gosec // Won't overflow
			alive[uint32(i)] = true //nolint:gosec // Won't overflow
		}
	}
	for changed := true; changed; {
		changed = false
		for n := range alive {
			if !slices.ContainsFunc(succs[n], func(s uint32) bool { return alive[s] }) {
				delete(alive, n)
				changed = true
			}
		}
	}
	assert.That(len(alive) > 0, "kahn failed but no cycle was found")

	start := uint32(0)
	for i := range ids {
		if alive[uint32(i)] { //nolint:gosec // Won't overflow
			start = uint32(i) //nolint:gosec // Won't overflow
			break
		}
	}

	position := make(map[uint32]int)
	var path []uint32
	for n := start; ; {
		if at, seen := position[n]; seen {
			path = path[at:]
			break
		}
		position[n] = len(path)
		path = append(path, n)

		next, found := uint32(0), false
		for _, s := range succs[n] {
			if alive[s] && (!found || s < next) {
				next, found = s, true
			}
		}
		assert.That(found, "cycle walk reached a dead end")
		n = next
	}

	// Rotate so the cycle starts at its smallest identifier.
	smallest := 0
	for i := range path {
		if path[i] < path[smallest] {
			smallest = i
		}
	}
	members := make([]string, len(path))
	for i := range path {
		members[i] = ids[path[(smallest+i)%len(path)]]
	}
	return members
}

// checkAccess verifies that writers of a table are totally ordered among themselves and that every
// reader of a table is ordered relative to each of its writers.
func checkAccess(
	ids []string,
	index map[string]uint32,
	descriptors map[string]Descriptor,
	ordered func(a, b uint32) bool,
) error {
	writers := make(map[string][]uint32)
	readers := make(map[string][]uint32)
	for _, id := range ids {
		d := descriptors[id]
		for _, t := range d.Writes {
			writers[t] = append(writers[t], index[id])
		}
		for _, t := range d.Reads {
			if !slices.Contains(d.Writes, t) {
				readers[t] = append(readers[t], index[id])
			}
		}
	}

	tables := make([]string, 0, len(writers))
	for t := range writers {
		tables = append(tables, t)
	}
	slices.Sort(tables)

	for _, t := range tables {
		ws := writers[t]
		for a := range ws {
			for b := a + 1; b < len(ws); b++ {
				if !ordered(ws[a], ws[b]) {
					return &WriteConflictError{Table: t, Systems: [2]string{ids[ws[a]], ids[ws[b]]}}
				}
			}
		}
	}
	for _, t := range tables {
		for _, w := range writers[t] {
			for _, rd := range readers[t] {
				if !ordered(w, rd) {
					return &ReadWriteError{Table: t, Writer: ids[w], Reader: ids[rd]}
				}
			}
		}
	}
	return nil
}
