// Package resource implements the central resource registry (§4.2): the
// sole owner of every resource object produced by a node's Compile/Execute
// hooks, addressed by identity rather than by value.
package resource

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/rendergraph/core/slot"
)

// Ref is an opaque, comparable reference to a resource owned by a Registry.
// Nodes hold Refs, never the resource object itself — mutation is only ever
// performed by the owning node, through the registry.
type Ref uint64

// NodeRef identifies the producing node instance (opaque to this package;
// defined by the node package, but threaded through here as a plain
// integer to avoid an import cycle).
type NodeRef uint64

// Strategy selects the memory pool a resource is allocated from.
type Strategy uint8

const (
	// StrategyDeviceLocal requests fast device-local memory (eligible for
	// aliasing).
	StrategyDeviceLocal Strategy = iota
	// StrategyHostVisible requests memory the host can map directly
	// (never aliased, per §4.8 "only device-local resources are considered").
	StrategyHostVisible
)

// Lifetime classifies how long a resource is expected to live, independent
// of the lifetime analyser's derived birth/death span — this tag is a hint
// supplied at creation time. The registry stores it; the lifetime analyser
// does not consult it, so resources of every tag are analysed alike.
type Lifetime uint8

const (
	LifetimeTransient Lifetime = iota
	LifetimeSubpass
	LifetimePass
	LifetimeFrame
	LifetimePersistent
)

// Metadata is returned by Registry.Metadata: the allocation-time facts
// about a resource.
type Metadata struct {
	Strategy  Strategy
	Size      uint64
	Category  slot.Category
	DeviceID  uint32
	Allocated bool // true when the recorded size is non-zero; a non-zero estimate from Create sets it before any UpdateSize
}

// resourceEntry is the registry's internal bookkeeping for one Ref.
type resourceEntry struct {
	typeID     slot.TypeID
	descriptor slot.Descriptor
	producer   NodeRef
	lifetime   Lifetime
	strategy   Strategy
	deviceID   uint32
	size       uint64
	valid      bool
	released   bool
	temporary  bool
}

// Registry owns all resource objects by identity (§4.2). One Registry
// belongs to exactly one Graph; it is never a package-level singleton
// (Design Notes, "global singletons").
type Registry struct {
	mu       sync.Mutex
	reg      *slot.Registry
	entries  map[Ref]*resourceEntry
	next     Ref
	pools    map[uint64]*Pool // aliasing pools, keyed by pool id
	nextPool uint64
}

// NewRegistry constructs a resource registry bound to the given slot type
// registry, used to resolve category tags for budgeting.
func NewRegistry(reg *slot.Registry) *Registry {
	return &Registry{
		reg:     reg,
		entries: make(map[Ref]*resourceEntry),
		pools:   make(map[uint64]*Pool),
	}
}

// Create computes an estimated size from the descriptor, records the
// resource under a fresh Ref, and returns it. Budget accounting is left to
// the caller — the registry only tracks facts. The compiler package
// charges budgets by slot category; strategy plays no part in it.
func (r *Registry) Create(producer NodeRef, descriptor slot.Descriptor, strategy Strategy, lifetime Lifetime, deviceID uint32) (Ref, error) {
	if descriptor == nil {
		return 0, fmt.Errorf("resource: registry: descriptor must not be nil")
	}
	typeID := descriptor.ResourceType()
	if !r.reg.IsRegistered(typeID) {
		return 0, fmt.Errorf("resource: registry: descriptor names unregistered type %d", typeID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	ref := r.next
	r.entries[ref] = &resourceEntry{
		typeID:     typeID,
		descriptor: descriptor,
		producer:   producer,
		lifetime:   lifetime,
		strategy:   strategy,
		deviceID:   deviceID,
		size:       descriptor.EstimatedSize(),
		valid:      true,
	}
	return ref, nil
}

// MarkTemporary flags a resource (created via Create) as scoped to a
// node/bundle's internal work. The flag is recorded and reported by
// IsTemporary; the registry does not release flagged resources when a
// scope exits, and no other package does either.
func (r *Registry) MarkTemporary(ref Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[ref]; ok {
		e.temporary = true
	}
}

// Metadata returns {strategy, size, category, device, allocated} for ref.
func (r *Registry) Metadata(ref Ref) (Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ref]
	if !ok {
		return Metadata{}, fmt.Errorf("resource: registry: unknown ref %d", ref)
	}
	info, _ := r.reg.Lookup(e.typeID)
	return Metadata{
		Strategy:  e.strategy,
		Size:      e.size,
		Category:  info.Category,
		DeviceID:  e.deviceID,
		Allocated: e.size > 0,
	}, nil
}

// UpdateSize reconciles the estimated size with the actual backend
// allocation size, discovered only after the external device allocates
// real memory.
func (r *Registry) UpdateSize(ref Ref, newSize uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ref]
	if !ok {
		return fmt.Errorf("resource: registry: unknown ref %d", ref)
	}
	e.size = newSize
	return nil
}

// Release records a deallocation and detaches ref from any aliasing pool,
// but does not destroy the underlying descriptor — actual teardown happens
// when the owning node's cleanup hook runs (§4.2).
func (r *Registry) Release(ref Ref) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ref]
	if !ok {
		return fmt.Errorf("resource: registry: unknown ref %d", ref)
	}
	e.released = true
	e.valid = false
	for _, p := range r.pools {
		for i, m := range p.Members {
			if m == ref {
				p.Members = append(p.Members[:i], p.Members[i+1:]...)
				break
			}
		}
	}
	return nil
}

// Producer returns the node that produced ref.
func (r *Registry) Producer(ref Ref) (NodeRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ref]
	if !ok {
		return 0, fmt.Errorf("resource: registry: unknown ref %d", ref)
	}
	return e.producer, nil
}

// Descriptor returns the descriptor for ref, as produced by Create.
func (r *Registry) Descriptor(ref Ref) (slot.Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ref]
	if !ok {
		return nil, fmt.Errorf("resource: registry: unknown ref %d", ref)
	}
	return e.descriptor, nil
}

// IsTemporary reports whether ref was flagged via MarkTemporary.
func (r *Registry) IsTemporary(ref Ref) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ref]
	return ok && e.temporary
}

// Pool is an aliasing pool: a group of resources with disjoint lifetimes
// sharing one backend allocation. The aliasing engine (package alias)
// writes these; Registry only stores and serves them.
type Pool struct {
	ID      uint64
	Members []Ref
	Size    uint64
}

// CreatePool registers a new aliasing pool and returns its id.
func (r *Registry) CreatePool(members []Ref, size uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextPool++
	id := r.nextPool
	r.pools[id] = &Pool{ID: id, Members: append([]Ref(nil), members...), Size: size}
	return id
}

// GetPool returns the aliasing pool with the given id.
func (r *Registry) GetPool(id uint64) (*Pool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[id]
	return p, ok
}

// ScopeHash combines an instance id and bundle index into the 64-bit scope
// identifier described in §4.2, using an FNV-1a-equivalent combine rule.
// Resources requested internally by a node during Compile/Execute are keyed
// by scope hash plus a name hash (FullHash).
func ScopeHash(instanceID uint64, bundleIndex int) uint64 {
	h := fnv.New64a()
	var buf [16]byte
	putUint64(buf[0:8], instanceID)
	putUint64(buf[8:16], uint64(bundleIndex))
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// FullHash combines a scope hash with a name string, per §4.2.
func FullHash(scopeHash uint64, name string) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	putUint64(buf[:], scopeHash)
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(name))
	return h.Sum64()
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
