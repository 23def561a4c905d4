// Package lifetime implements the lifetime analyser (§4.7): given an
// execution order and the edge set, it derives per-resource birth/death
// indices, classifies lifetime scope, and exposes aliasing queries.
package lifetime

import (
	"fmt"
	"sort"

	"github.com/rendergraph/core/node"
	"github.com/rendergraph/core/resource"
	"github.com/rendergraph/core/topology"
)

// Scope classifies a resource's lifetime span (§3): transient <=4,
// subpass <=10, pass <=20, frame <= whole-frame span, persistent
// otherwise.
type Scope uint8

const (
	ScopeTransient Scope = iota
	ScopeSubpass
	ScopePass
	ScopeFrame
	ScopePersistent
)

func (s Scope) String() string {
	switch s {
	case ScopeTransient:
		return "transient"
	case ScopeSubpass:
		return "subpass"
	case ScopePass:
		return "pass"
	case ScopeFrame:
		return "frame"
	default:
		return "persistent"
	}
}

// classify maps a [birth, death] span to a Scope per the thresholds in §3.
func classify(birth, death, frameSpan int) Scope {
	span := death - birth
	switch {
	case span <= 4:
		return ScopeTransient
	case span <= 10:
		return ScopeSubpass
	case span <= 20:
		return ScopePass
	case span <= frameSpan:
		return ScopeFrame
	default:
		return ScopePersistent
	}
}

// Timeline is the per-resource record described in §3.
type Timeline struct {
	Resource     resource.Ref
	Producer     node.Ref
	Consumers    []node.Ref
	Birth        int
	Death        int
	Scope        Scope
	AliasGroupID int // -1 when not yet aliased
	// ExecutionWave is reserved for future parallel execution (§4.7); the
	// analyser always sets it to 0 today.
	ExecutionWave int
	Category      uint8 // slot.Category value, carried opaquely to avoid an import cycle
}

// InvariantViolation reports a resource whose producer is absent from the
// execution order, indicating a corrupted topology (§4.7).
type InvariantViolation struct {
	Resource resource.Ref
	Reason   string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("lifetime: resource %d: %s", e.Resource, e.Reason)
}

// ResourceInfo is the minimal per-resource input the analyser needs: which
// node produced it and its category. Consumers are not part of it; New
// takes them through its consumersOf function.
type ResourceInfo struct {
	Ref      resource.Ref
	Producer node.Ref
	Category uint8
}

// Analyser computes timelines for a fixed execution order and consumer
// edge set.
type Analyser struct {
	order     []node.Ref
	orderIdx  map[node.Ref]int
	timelines map[resource.Ref]*Timeline
}

// New builds an analyser from the compiled execution order, the resources
// produced (with producer info), and a function resolving, for a given
// resource, the node refs that consume it (derived from topology edges
// targeting the producer's output slot).
func New(order []node.Ref, resources []ResourceInfo, consumersOf func(resource.Ref) []node.Ref) (*Analyser, error) {
	a := &Analyser{
		order:     order,
		orderIdx:  make(map[node.Ref]int, len(order)),
		timelines: make(map[resource.Ref]*Timeline, len(resources)),
	}
	for i, ref := range order {
		a.orderIdx[ref] = i
	}

	frameSpan := len(order)

	for _, ri := range resources {
		birth, ok := a.orderIdx[ri.Producer]
		if !ok {
			return nil, &InvariantViolation{Resource: ri.Ref, Reason: "producer not present in execution order"}
		}
		consumers := consumersOf(ri.Ref)
		death := birth
		for _, c := range consumers {
			idx, ok := a.orderIdx[c]
			if !ok {
				return nil, &InvariantViolation{Resource: ri.Ref, Reason: "consumer not present in execution order"}
			}
			if idx > death {
				death = idx
			}
		}
		if birth > death {
			return nil, &InvariantViolation{Resource: ri.Ref, Reason: "birth index exceeds death index"}
		}
		a.timelines[ri.Ref] = &Timeline{
			Resource:     ri.Ref,
			Producer:     ri.Producer,
			Consumers:    consumers,
			Birth:        birth,
			Death:        death,
			Scope:        classify(birth, death, frameSpan),
			AliasGroupID: -1,
			Category:     ri.Category,
		}
	}
	return a, nil
}

// Timeline returns the computed timeline for ref.
func (a *Analyser) Timeline(ref resource.Ref) (Timeline, error) {
	tl, ok := a.timelines[ref]
	if !ok {
		return Timeline{}, fmt.Errorf("lifetime: no timeline for resource %d", ref)
	}
	return *tl, nil
}

// All returns every computed timeline, ordered by birth index (ties broken
// by resource ref) for determinism.
func (a *Analyser) All() []Timeline {
	out := make([]Timeline, 0, len(a.timelines))
	for _, tl := range a.timelines {
		out = append(out, *tl)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Birth != out[j].Birth {
			return out[i].Birth < out[j].Birth
		}
		return out[i].Resource < out[j].Resource
	})
	return out
}

// FindAliasCandidates returns every resource with a disjoint interval from
// ref and a matching category.
func (a *Analyser) FindAliasCandidates(ref resource.Ref) ([]resource.Ref, error) {
	target, ok := a.timelines[ref]
	if !ok {
		return nil, fmt.Errorf("lifetime: no timeline for resource %d", ref)
	}
	var out []resource.Ref
	for other, tl := range a.timelines {
		if other == ref {
			continue
		}
		if tl.Category != target.Category {
			continue
		}
		if disjoint(target.Birth, target.Death, tl.Birth, tl.Death) {
			out = append(out, other)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func disjoint(aBirth, aDeath, bBirth, bDeath int) bool {
	return aDeath < bBirth || bDeath < aBirth
}

// Group is one greedy-interval-scheduling aliasing group (§4.7).
type Group struct {
	Members []resource.Ref
}

// ComputeAliasingGroups runs the greedy interval-scheduling algorithm: sort
// resources by birth, and for each place it into the first group whose
// last death is less than this resource's birth; otherwise open a new
// group. Category must match within a group, since the budget/memory
// requirement compatibility is itself gated on category at this layer
// (finer-grained size/alignment/memory-type compatibility is the
// aliasing engine's job, package alias).
func (a *Analyser) ComputeAliasingGroups() []Group {
	all := a.All() // already sorted by birth
	type openGroup struct {
		lastDeath int
		category  uint8
		members   []resource.Ref
	}
	var groups []*openGroup
	for _, tl := range all {
		placed := false
		for _, g := range groups {
			if g.category == tl.Category && g.lastDeath < tl.Birth {
				g.members = append(g.members, tl.Resource)
				g.lastDeath = tl.Death
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, &openGroup{lastDeath: tl.Death, category: tl.Category, members: []resource.Ref{tl.Resource}})
		}
	}
	out := make([]Group, len(groups))
	for i, g := range groups {
		out[i] = Group{Members: g.members}
	}
	return out
}

// ComputeAliasingEfficiency returns the fraction of total resource bytes
// saved by aliasing, given a size lookup function. A group of N resources
// whose largest member has size S "costs" S bytes instead of the sum of
// all members' sizes; savings is (sum - S) summed across groups, divided
// by the unaliased total.
func (a *Analyser) ComputeAliasingEfficiency(groups []Group, sizeOf func(resource.Ref) uint64) float64 {
	var total, saved uint64
	for _, g := range groups {
		var groupTotal, groupMax uint64
		for _, ref := range g.Members {
			s := sizeOf(ref)
			groupTotal += s
			if s > groupMax {
				groupMax = s
			}
		}
		total += groupTotal
		if groupTotal > groupMax {
			saved += groupTotal - groupMax
		}
	}
	if total == 0 {
		return 0
	}
	return float64(saved) / float64(total)
}

// AssignAliasGroup records which group id a resource was placed into,
// updating its stored timeline (used after the aliasing engine applies
// pools).
func (a *Analyser) AssignAliasGroup(ref resource.Ref, groupID int) error {
	tl, ok := a.timelines[ref]
	if !ok {
		return fmt.Errorf("lifetime: no timeline for resource %d", ref)
	}
	tl.AliasGroupID = groupID
	return nil
}

// ExecutionOrderIndex exposes the derived index of a node in the compiled
// order, for checking the `order(producer) < order(consumer)` invariant
// against the live topology. The compiler package does not call it.
func (a *Analyser) ExecutionOrderIndex(ref node.Ref) (int, bool) {
	idx, ok := a.orderIdx[ref]
	return idx, ok
}

// EdgeConsumers is a convenience adaptor turning a topology's edge set
// into a consumersOf function keyed by (producer node, output slot)
// encoded as a resource ref lookup — the caller supplies the actual
// ref->edges mapping through refOfSlot. The compiler package builds its
// own consumer lookup and does not use this adaptor.
func EdgeConsumers(edges []topology.Edge, refOfSlot func(topology.Edge) (resource.Ref, bool)) func(resource.Ref) []node.Ref {
	byRef := make(map[resource.Ref][]node.Ref)
	for _, e := range edges {
		if ref, ok := refOfSlot(e); ok {
			byRef[ref] = append(byRef[ref], e.TargetNode)
		}
	}
	return func(ref resource.Ref) []node.Ref { return byRef[ref] }
}
