// Package cleanup implements the cleanup stack and dependency tracker
// (§4.10): a teardown ordering consistent with data-flow dependencies,
// with support for partial cleanup by node, tag, type, or root.
package cleanup

import (
	"fmt"

	"github.com/rendergraph/core/node"
)

// Entry is one node's registered cleanup: its own ref and the producer
// nodes its compile-time inputs depend on.
type Entry struct {
	Node         node.Ref
	Name         string
	Type         string
	Tags         []string
	Dependencies []node.Ref // producers of this node's compile-time inputs
}

// Stack is the dependency-aware cleanup registry. It is built once per
// compile from the cleanup-registration step (§4.6 step 9) and consumed by
// CleanupAll/CleanupSubgraph/CleanupByTag/CleanupByType.
type Stack struct {
	entries   map[node.Ref]*Entry
	order     []node.Ref // registration order, used for deterministic dry-runs
	dependents map[node.Ref][]node.Ref // producer -> nodes depending on it
	cleaned   map[node.Ref]bool
}

// New constructs an empty cleanup stack.
func New() *Stack {
	return &Stack{
		entries:    make(map[node.Ref]*Entry),
		dependents: make(map[node.Ref][]node.Ref),
		cleaned:    make(map[node.Ref]bool),
	}
}

// Register adds a node's cleanup entry with its input-derived dependencies
// (§4.6 step 9). Re-registering the same node replaces its entry (used
// when deferred recompile re-runs compile for a node).
func (s *Stack) Register(e Entry) {
	if _, exists := s.entries[e.Node]; !exists {
		s.order = append(s.order, e.Node)
	}
	s.entries[e.Node] = &e
	delete(s.cleaned, e.Node)
	for _, dep := range e.Dependencies {
		s.dependents[dep] = append(s.dependents[dep], e.Node)
	}
}

// Destroyer is called once per node, in teardown order, to actually
// release its resources; the cleanup package only computes ordering.
type Destroyer func(ref node.Ref) error

// CleanupAll tears down every registered node in reverse-topological order
// restricted to the nodes present (§3 invariant, §5 "reverse of the
// topological order restricted to the set being cleaned"). Cleanup is
// idempotent: nodes already cleaned are skipped without invoking destroy.
func (s *Stack) CleanupAll(destroy Destroyer) ([]node.Ref, error) {
	return s.cleanupReverseOrder(s.order, destroy)
}

// CleanupSubgraph cleans root and any producer whose remaining dependent
// count (after removing root) falls to zero, recursing upward (§4.10).
func (s *Stack) CleanupSubgraph(root node.Ref, destroy Destroyer) ([]node.Ref, error) {
	scope := s.subgraphScope(root)
	return s.cleanupReverseOrder(scope, destroy)
}

// GetCleanupScope is a dry-run: it reports what CleanupSubgraph(root)
// would clean without performing any side effects (§4.10).
func (s *Stack) GetCleanupScope(root node.Ref) []node.Ref {
	return s.subgraphScope(root)
}

// subgraphScope computes, without mutating cleaned state, the set of
// nodes cleaning roots would tear down: the registered roots themselves,
// plus any producer whose dependents (excluding those already in the
// scope) would all be cleaned.
func (s *Stack) subgraphScope(roots ...node.Ref) []node.Ref {
	inScope := make(map[node.Ref]bool)
	var queue []node.Ref
	for _, root := range roots {
		if _, ok := s.entries[root]; ok && !inScope[root] {
			inScope[root] = true
			queue = append(queue, root)
		}
	}
	if len(queue) == 0 {
		return nil
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		e, ok := s.entries[cur]
		if !ok {
			continue
		}
		for _, producer := range e.Dependencies {
			if inScope[producer] || s.cleaned[producer] {
				continue
			}
			if s.allDependentsWouldBeCleaned(producer, inScope) {
				inScope[producer] = true
				queue = append(queue, producer)
			}
		}
	}
	return s.orderedScope(inScope)
}

// allDependentsWouldBeCleaned reports whether every not-yet-cleaned
// dependent of ref is already inScope.
func (s *Stack) allDependentsWouldBeCleaned(ref node.Ref, inScope map[node.Ref]bool) bool {
	for _, d := range s.dependents[ref] {
		if s.cleaned[d] {
			continue
		}
		if !inScope[d] {
			return false
		}
	}
	return true
}

// orderedScope returns the members of scope in registration order, for
// determinism.
func (s *Stack) orderedScope(scope map[node.Ref]bool) []node.Ref {
	out := make([]node.Ref, 0, len(scope))
	for _, ref := range s.order {
		if scope[ref] {
			out = append(out, ref)
		}
	}
	return out
}

// CleanupByTag cleans every node whose tag set contains tag, and any newly
// orphaned producers (§4.10). Tags are read from each registered Entry's
// Tags, as captured at Register time.
func (s *Stack) CleanupByTag(tag string, destroy Destroyer) ([]node.Ref, error) {
	var roots []node.Ref
	for _, ref := range s.order {
		e := s.entries[ref]
		for _, t := range e.Tags {
			if t == tag {
				roots = append(roots, ref)
				break
			}
		}
	}
	return s.cleanupRoots(roots, destroy)
}

// CleanupByType cleans every node whose Type equals typeName, and any
// newly orphaned producers.
func (s *Stack) CleanupByType(typeName string, destroy Destroyer) ([]node.Ref, error) {
	var roots []node.Ref
	for _, ref := range s.order {
		if s.entries[ref].Type == typeName {
			roots = append(roots, ref)
		}
	}
	return s.cleanupRoots(roots, destroy)
}

// cleanupRoots computes one scope seeded with every root and tears it down
// in one reverse-topological pass — equivalent to repeatedly calling
// CleanupSubgraph on each root (§8 round-trip property): a producer whose
// dependents are all in the scope is swept along, and a shared producer is
// destroyed only once.
func (s *Stack) cleanupRoots(roots []node.Ref, destroy Destroyer) ([]node.Ref, error) {
	return s.cleanupReverseOrder(s.subgraphScope(roots...), destroy)
}

// cleanupReverseOrder tears down scope (already in forward registration/
// topological order) in reverse, skipping already-cleaned nodes, and
// returns the refs of nodes actually destroyed in this call.
func (s *Stack) cleanupReverseOrder(scope []node.Ref, destroy Destroyer) ([]node.Ref, error) {
	var cleaned []node.Ref
	for i := len(scope) - 1; i >= 0; i-- {
		ref := scope[i]
		if s.cleaned[ref] {
			continue
		}
		if destroy != nil {
			if err := destroy(ref); err != nil {
				return cleaned, fmt.Errorf("cleanup: destroying node %d: %w", ref, err)
			}
		}
		s.cleaned[ref] = true
		cleaned = append(cleaned, ref)
	}
	return cleaned, nil
}

// IsCleaned reports whether ref has already been torn down.
func (s *Stack) IsCleaned(ref node.Ref) bool {
	return s.cleaned[ref]
}
