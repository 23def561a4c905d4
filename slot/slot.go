// Package slot implements the resource type registry and typed-slot system
// described for render-graph nodes: a compile-time mapping from a resource
// handle type to its descriptor type, its container semantics, and the
// slot metadata a node schema is built from.
package slot

import "fmt"

// Category is the coarse resource classification used for compatibility
// checks that don't require exact handle-type equality (rule (c) of the
// compatibility rule).
type Category uint8

const (
	// CategoryImage is a 2D/3D image resource (render target, sampled texture).
	CategoryImage Category = iota
	// CategoryBuffer is a linear memory resource (vertex, index, uniform, storage).
	CategoryBuffer
	// CategoryAccelStructure is an opaque ray-tracing acceleration structure.
	CategoryAccelStructure
	// CategoryOpaqueHandle is any backend handle with no engine-visible shape.
	CategoryOpaqueHandle
)

func (c Category) String() string {
	switch c {
	case CategoryImage:
		return "image"
	case CategoryBuffer:
		return "buffer"
	case CategoryAccelStructure:
		return "accel-structure"
	case CategoryOpaqueHandle:
		return "opaque-handle"
	default:
		return "unknown-category"
	}
}

// Role is a bitflag describing why a slot references a resource. Roles are
// combinable: a slot may be both a Dependency and CleanupOnly, for instance.
type Role uint8

const (
	// RoleDependency participates in topological ordering and lifetime analysis.
	RoleDependency Role = 1 << iota
	// RoleExecuteOnly is read during Execute but does not gate compile-time
	// validation of "required" inputs.
	RoleExecuteOnly
	// RoleCleanupOnly is only consulted during cleanup dependency resolution.
	RoleCleanupOnly
)

func (r Role) Has(o Role) bool { return r&o == o }

// Scope distinguishes slots that are shared across all of a node's task
// bundles (node-level) from slots parameterised per task (task-level).
type Scope uint8

const (
	ScopeNode Scope = iota
	ScopeTask
)

// Mutability describes whether a slot's bound resource may be written by
// consumers beyond the declaring node's own hooks.
type Mutability uint8

const (
	Immutable Mutability = iota
	Mutable
)

// TypeID identifies a registered resource handle type. Zero is never issued
// by Registry.Register and is reserved as the invalid/unset value.
type TypeID uint32

// Descriptor is the type-specific metadata carried by a resource: image
// dimensions/format, buffer size/usage, or an opaque marker. Implementations
// are owned by the registry by identity; Clone is used only at schema-copy
// time (e.g. when a node type is instanced multiple times).
type Descriptor interface {
	// ResourceType returns the TypeID this descriptor describes.
	ResourceType() TypeID
	// Clone returns an independent copy of the descriptor.
	Clone() Descriptor
	// EstimatedSize returns a conservative byte estimate used by the budget
	// manager and aliasing engine before a backend allocation exists.
	EstimatedSize() uint64
}

// TypeInfo is the registry's entry for one handle type: its name and
// category. It holds no descriptor; the real descriptor always comes from
// the producing node.
type TypeInfo struct {
	Name     string
	Category Category
}

// Registry is the single source of truth mapping handle types to their
// name and category. It is not a global: the graph owns one
// instance, injected at construction (Design Notes, "global singletons").
type Registry struct {
	types map[TypeID]TypeInfo
	names map[string]TypeID
	next  TypeID
}

// NewRegistry constructs an empty registry. TypeIDs are assigned in
// Register call order, starting from 1.
func NewRegistry() *Registry {
	return &Registry{
		types: make(map[TypeID]TypeInfo),
		names: make(map[string]TypeID),
	}
}

// Register enrolls a new handle type under a unique name and category,
// returning its TypeID. Registering the same name twice is an error: the
// registry is the single source of truth and silent redefinition would
// violate that.
func (r *Registry) Register(name string, category Category) (TypeID, error) {
	if name == "" {
		return 0, fmt.Errorf("slot: registry: type name must not be empty")
	}
	if _, exists := r.names[name]; exists {
		return 0, fmt.Errorf("slot: registry: type %q already registered", name)
	}
	r.next++
	id := r.next
	r.types[id] = TypeInfo{Name: name, Category: category}
	r.names[name] = id
	return id, nil
}

// Lookup returns the TypeInfo for id, and whether it is registered.
func (r *Registry) Lookup(id TypeID) (TypeInfo, bool) {
	info, ok := r.types[id]
	return info, ok
}

// LookupByName returns the TypeID registered under name.
func (r *Registry) LookupByName(name string) (TypeID, bool) {
	id, ok := r.names[name]
	return id, ok
}

// IsRegistered reports whether id names a known handle type. The registry
// rejects unregistered handle types at type-check time (§4.1); callers
// building schemas must check this before accepting a slot descriptor.
func (r *Registry) IsRegistered(id TypeID) bool {
	_, ok := r.types[id]
	return ok
}

// Compatible implements the slot compatibility rule (§4.1): two slots
// connect if their types are identical, or one converts to the other
// (convertible is supplied by the caller as a precomputed set — the core
// does not hardcode handle conversions, those are a node-type plug-in
// concern), or both map to the same category.
func (r *Registry) Compatible(a, b TypeID, convertible func(from, to TypeID) bool) bool {
	if a == b {
		return true
	}
	if convertible != nil && (convertible(a, b) || convertible(b, a)) {
		return true
	}
	ai, aok := r.types[a]
	bi, bok := r.types[b]
	return aok && bok && ai.Category == bi.Category
}

// Descriptor for a slot is fully described at compile time by this tuple
// (§4.1). Container forms (sequence<T>, fixed-array<T,N>, sum types) wrap a
// base Descriptor and are expressed at the node-schema layer, not here;
// the registry only ever knows about scalar handle types.
type Slot struct {
	Name       string
	Type       TypeID
	Index      int
	Nullable   bool
	Role       Role
	Scope      Scope
	Mutability Mutability
}

// Validate checks the slot is internally consistent and registered.
func (s Slot) Validate(reg *Registry) error {
	if s.Name == "" {
		return fmt.Errorf("slot: slot at index %d has empty name", s.Index)
	}
	if !reg.IsRegistered(s.Type) {
		return fmt.Errorf("slot: slot %q references unregistered type %d", s.Name, s.Type)
	}
	return nil
}

// Container describes how multiple resources of a single handle type are
// carried by one slot: as a single scalar, a variable-length sequence, a
// fixed-size array, or a closed sum type over several registered members.
type Container struct {
	Kind    ContainerKind
	Members []TypeID // populated for Sum; len==1 implies the element type for Array/Sequence
	Length  int       // populated for Array
}

type ContainerKind uint8

const (
	ContainerScalar ContainerKind = iota
	ContainerSequence
	ContainerArray
	ContainerSum
)

// Accepts reports whether the registry accepts this container shape: every
// member type it references must be registered, and Sum requires at least
// one member.
func (c Container) Accepts(reg *Registry) error {
	switch c.Kind {
	case ContainerScalar:
		if len(c.Members) != 1 {
			return fmt.Errorf("slot: scalar container must name exactly one type")
		}
	case ContainerSequence, ContainerArray:
		if len(c.Members) != 1 {
			return fmt.Errorf("slot: sequence/array container must name exactly one element type")
		}
	case ContainerSum:
		if len(c.Members) == 0 {
			return fmt.Errorf("slot: sum container must name at least one member type")
		}
	default:
		return fmt.Errorf("slot: unknown container kind %d", c.Kind)
	}
	for _, m := range c.Members {
		if !reg.IsRegistered(m) {
			return fmt.Errorf("slot: container references unregistered type %d", m)
		}
	}
	return nil
}
