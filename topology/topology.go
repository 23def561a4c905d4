// Package topology maintains the graph's node/edge set and provides cycle
// detection, topological sort, and reachability queries (§4.4). Recursion
// is avoided in favour of an explicit stack, per Design Notes ("Cycle
// detection / topo sort recursion").
package topology

import (
	"fmt"
	"sort"

	"github.com/rendergraph/core/node"
)

// Edge is a typed connection from one slot to another (§3). ArrayIndex is
// -1 when the edge does not target an array element.
type Edge struct {
	SourceNode Ref
	SourceSlot int
	TargetNode Ref
	TargetSlot int
	ArrayIndex int
}

// Ref aliases the node package's stable instance identifier.
type Ref = node.Ref

// Topology holds the node/edge set of a single graph.
type Topology struct {
	order    []Ref // insertion order, used to break sort ties deterministically
	present  map[Ref]bool
	edges    []Edge
	outgoing map[Ref][]int // node -> indices into edges
	incoming map[Ref][]int
}

// New constructs an empty topology.
func New() *Topology {
	return &Topology{
		present:  make(map[Ref]bool),
		outgoing: make(map[Ref][]int),
		incoming: make(map[Ref][]int),
	}
}

// AddNode registers ref in insertion order. Re-adding an existing ref is a
// no-op.
func (t *Topology) AddNode(ref Ref) {
	if t.present[ref] {
		return
	}
	t.present[ref] = true
	t.order = append(t.order, ref)
}

// RemoveNode drops ref and every edge touching it. Removing a node that
// still has dependents is allowed here; callers enforcing "no removal
// while depended upon" (§4.4 TopologyError) must check dependents first.
func (t *Topology) RemoveNode(ref Ref) {
	if !t.present[ref] {
		return
	}
	delete(t.present, ref)
	for i, o := range t.order {
		if o == ref {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	kept := t.edges[:0]
	for _, e := range t.edges {
		if e.SourceNode == ref || e.TargetNode == ref {
			continue
		}
		kept = append(kept, e)
	}
	t.edges = kept
	t.rebuildAdjacency()
}

// AddEdge appends a new edge. Both endpoints must already be present.
func (t *Topology) AddEdge(e Edge) error {
	if !t.present[e.SourceNode] {
		return fmt.Errorf("topology: source node %d not present", e.SourceNode)
	}
	if !t.present[e.TargetNode] {
		return fmt.Errorf("topology: target node %d not present", e.TargetNode)
	}
	idx := len(t.edges)
	t.edges = append(t.edges, e)
	t.outgoing[e.SourceNode] = append(t.outgoing[e.SourceNode], idx)
	t.incoming[e.TargetNode] = append(t.incoming[e.TargetNode], idx)
	return nil
}

func (t *Topology) rebuildAdjacency() {
	t.outgoing = make(map[Ref][]int)
	t.incoming = make(map[Ref][]int)
	for i, e := range t.edges {
		t.outgoing[e.SourceNode] = append(t.outgoing[e.SourceNode], i)
		t.incoming[e.TargetNode] = append(t.incoming[e.TargetNode], i)
	}
}

// Nodes returns all node refs in insertion order.
func (t *Topology) Nodes() []Ref {
	out := make([]Ref, len(t.order))
	copy(out, t.order)
	return out
}

// Edges returns all edges.
func (t *Topology) Edges() []Edge {
	out := make([]Edge, len(t.edges))
	copy(out, t.edges)
	return out
}

// OutgoingEdges returns the edges whose SourceNode is ref.
func (t *Topology) OutgoingEdges(ref Ref) []Edge {
	idxs := t.outgoing[ref]
	out := make([]Edge, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, t.edges[i])
	}
	return out
}

// IncomingEdges returns the edges whose TargetNode is ref.
func (t *Topology) IncomingEdges(ref Ref) []Edge {
	idxs := t.incoming[ref]
	out := make([]Edge, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, t.edges[i])
	}
	return out
}

// Roots returns nodes with no incoming edges.
func (t *Topology) Roots() []Ref {
	var out []Ref
	for _, ref := range t.order {
		if len(t.incoming[ref]) == 0 {
			out = append(out, ref)
		}
	}
	return out
}

// Leaves returns nodes with no outgoing edges.
func (t *Topology) Leaves() []Ref {
	var out []Ref
	for _, ref := range t.order {
		if len(t.outgoing[ref]) == 0 {
			out = append(out, ref)
		}
	}
	return out
}

// DirectDependencies returns the immediate producers of ref (nodes with an
// edge targeting it).
func (t *Topology) DirectDependencies(ref Ref) []Ref {
	seen := make(map[Ref]bool)
	var out []Ref
	for _, i := range t.incoming[ref] {
		src := t.edges[i].SourceNode
		if !seen[src] {
			seen[src] = true
			out = append(out, src)
		}
	}
	return out
}

// DirectDependents returns the immediate consumers of ref.
func (t *Topology) DirectDependents(ref Ref) []Ref {
	seen := make(map[Ref]bool)
	var out []Ref
	for _, i := range t.outgoing[ref] {
		dst := t.edges[i].TargetNode
		if !seen[dst] {
			seen[dst] = true
			out = append(out, dst)
		}
	}
	return out
}

// TransitiveDependencies returns every node reachable from ref by
// following edges backward (producers of producers, ...), ref excluded.
func (t *Topology) TransitiveDependencies(ref Ref) []Ref {
	return t.reachable(ref, t.DirectDependencies)
}

// TransitiveDependents returns every node reachable from ref by following
// edges forward, ref excluded.
func (t *Topology) TransitiveDependents(ref Ref) []Ref {
	return t.reachable(ref, t.DirectDependents)
}

func (t *Topology) reachable(start Ref, step func(Ref) []Ref) []Ref {
	visited := map[Ref]bool{start: true}
	stack := []Ref{start}
	var out []Ref
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range step(cur) {
			if !visited[next] {
				visited[next] = true
				out = append(out, next)
				stack = append(stack, next)
			}
		}
	}
	return out
}

// dfsColor tracks iterative DFS node state: white (unvisited), grey (on
// the current recursion stack), black (finished).
type dfsColor uint8

const (
	white dfsColor = iota
	grey
	black
)

// HasCycles runs an iterative DFS with an explicit stack and a recursion-
// stack set, returning true on a back edge (§4.4).
func (t *Topology) HasCycles() bool {
	color := make(map[Ref]dfsColor, len(t.order))
	for _, start := range t.order {
		if color[start] != white {
			continue
		}
		if t.dfsHasCycleFrom(start, color) {
			return true
		}
	}
	return false
}

// frame is one level of the explicit DFS stack: the node being visited and
// the index of the next outgoing edge to examine.
type frame struct {
	node    Ref
	edgeIdx int
}

func (t *Topology) dfsHasCycleFrom(start Ref, color map[Ref]dfsColor) bool {
	stack := []frame{{node: start}}
	color[start] = grey
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		edges := t.outgoing[top.node]
		advanced := false
		for top.edgeIdx < len(edges) {
			e := t.edges[edges[top.edgeIdx]]
			top.edgeIdx++
			switch color[e.TargetNode] {
			case white:
				color[e.TargetNode] = grey
				stack = append(stack, frame{node: e.TargetNode})
				advanced = true
			case grey:
				return true
			case black:
				// already fully explored, nothing to do
			}
			if advanced {
				break
			}
		}
		if !advanced && top.edgeIdx >= len(edges) {
			color[top.node] = black
			stack = stack[:len(stack)-1]
		}
	}
	return false
}

// TopologicalSort returns a deterministic topological ordering of all
// nodes, breaking ties by insertion order (§4.4). It is DFS-based: nodes
// are emitted in post-order and the result reversed. Returns an error if
// the topology is cyclic.
func (t *Topology) TopologicalSort() ([]Ref, error) {
	if t.HasCycles() {
		return nil, fmt.Errorf("topology: cannot sort: graph contains a cycle")
	}

	visited := make(map[Ref]bool, len(t.order))
	var postOrder []Ref

	for _, start := range t.order {
		if visited[start] {
			continue
		}
		stack := []frame{{node: start}}
		visited[start] = true
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			edges := sortedOutgoing(t, top.node)
			advanced := false
			for top.edgeIdx < len(edges) {
				next := edges[top.edgeIdx]
				top.edgeIdx++
				if !visited[next] {
					visited[next] = true
					stack = append(stack, frame{node: next})
					advanced = true
					break
				}
			}
			if !advanced {
				postOrder = append(postOrder, top.node)
				stack = stack[:len(stack)-1]
			}
		}
	}

	// Reverse post-order to get a valid topological order.
	out := make([]Ref, len(postOrder))
	for i, v := range postOrder {
		out[len(postOrder)-1-i] = v
	}
	return out, nil
}

// sortedOutgoing returns the distinct targets of ref's outgoing edges,
// ordered by each target's position in insertion order — this is what
// makes TopologicalSort's tie-breaking deterministic and stable across
// runs for a fixed node/edge set (§8 "Round-trip / idempotence").
func sortedOutgoing(t *Topology, ref Ref) []Ref {
	seen := make(map[Ref]bool)
	var targets []Ref
	for _, i := range t.outgoing[ref] {
		dst := t.edges[i].TargetNode
		if !seen[dst] {
			seen[dst] = true
			targets = append(targets, dst)
		}
	}
	pos := make(map[Ref]int, len(t.order))
	for i, r := range t.order {
		pos[r] = i
	}
	sort.Slice(targets, func(i, j int) bool { return pos[targets[i]] < pos[targets[j]] })
	return targets
}

// ValidationError reports a problem found by Validate.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "topology: " + e.Reason }

// Validate checks all edges reference existing nodes and that the graph
// has no cycles (§4.4). Required-input connectivity is a node-schema
// concern checked by the compiler, not here.
func (t *Topology) Validate() error {
	for _, e := range t.edges {
		if !t.present[e.SourceNode] {
			return &ValidationError{Reason: fmt.Sprintf("edge references missing source node %d", e.SourceNode)}
		}
		if !t.present[e.TargetNode] {
			return &ValidationError{Reason: fmt.Sprintf("edge references missing target node %d", e.TargetNode)}
		}
	}
	if t.HasCycles() {
		return &ValidationError{Reason: "graph contains a cycle"}
	}
	return nil
}
