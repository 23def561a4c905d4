package cleanup

import (
	"errors"
	"testing"

	"github.com/rendergraph/core/node"
	"github.com/stretchr/testify/require"
)

// linearChain registers A -> B -> C (C depends on B depends on A), matching
// the linear-chain scenario used across the render-graph test suite (§8).
func linearChain() *Stack {
	s := New()
	s.Register(Entry{Node: 1, Name: "A", Type: "source"})
	s.Register(Entry{Node: 2, Name: "B", Type: "transform", Dependencies: []node.Ref{1}})
	s.Register(Entry{Node: 3, Name: "C", Type: "sink", Dependencies: []node.Ref{2}})
	return s
}

func TestCleanupAllReverseOrder(t *testing.T) {
	s := linearChain()
	var order []node.Ref
	cleaned, err := s.CleanupAll(func(ref node.Ref) error {
		order = append(order, ref)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []node.Ref{3, 2, 1}, cleaned)
	require.Equal(t, []node.Ref{3, 2, 1}, order)
}

func TestCleanupAllIdempotent(t *testing.T) {
	s := linearChain()
	_, err := s.CleanupAll(func(node.Ref) error { return nil })
	require.NoError(t, err)

	cleaned, err := s.CleanupAll(func(node.Ref) error { return nil })
	require.NoError(t, err)
	require.Empty(t, cleaned, "re-cleaning an already-cleaned stack destroys nothing")
}

func TestCleanupSubgraphOrphansProducers(t *testing.T) {
	s := linearChain()
	// Cleaning C (the only dependent of B, which is the only dependent of
	// A) should cascade all the way down since each producer becomes
	// orphaned in turn.
	cleaned, err := s.CleanupSubgraph(3, func(node.Ref) error { return nil })
	require.NoError(t, err)
	require.Equal(t, []node.Ref{3, 2, 1}, cleaned)
}

func TestCleanupSubgraphStopsAtSharedProducer(t *testing.T) {
	s := New()
	// A feeds both B and C; cleaning B alone must not orphan A, since C
	// still depends on it.
	s.Register(Entry{Node: 1, Name: "A", Type: "source"})
	s.Register(Entry{Node: 2, Name: "B", Type: "sink", Dependencies: []node.Ref{1}})
	s.Register(Entry{Node: 3, Name: "C", Type: "sink", Dependencies: []node.Ref{1}})

	cleaned, err := s.CleanupSubgraph(2, func(node.Ref) error { return nil })
	require.NoError(t, err)
	require.Equal(t, []node.Ref{2}, cleaned)
	require.False(t, s.IsCleaned(1))
}

func TestGetCleanupScopeIsDryRun(t *testing.T) {
	s := linearChain()
	scope := s.GetCleanupScope(3)
	require.Equal(t, []node.Ref{1, 2, 3}, scope)
	// No node should actually be marked cleaned by a dry run.
	require.False(t, s.IsCleaned(1))
	require.False(t, s.IsCleaned(2))
	require.False(t, s.IsCleaned(3))
}

func TestCleanupByTagUnionsScopes(t *testing.T) {
	s := New()
	s.Register(Entry{Node: 1, Name: "A", Type: "source", Tags: []string{"debug"}})
	s.Register(Entry{Node: 2, Name: "B", Type: "sink", Dependencies: []node.Ref{1}, Tags: []string{"debug"}})
	s.Register(Entry{Node: 3, Name: "C", Type: "sink", Dependencies: []node.Ref{1}})

	cleaned, err := s.CleanupByTag("debug", func(node.Ref) error { return nil })
	require.NoError(t, err)
	// A and B carry the tag, so both are torn down even though the untagged
	// C still depends on A; C itself survives.
	require.ElementsMatch(t, []node.Ref{1, 2}, cleaned)
	require.True(t, s.IsCleaned(1))
	require.True(t, s.IsCleaned(2))
	require.False(t, s.IsCleaned(3))
}

func TestCleanupByTypeMatchesAll(t *testing.T) {
	s := New()
	s.Register(Entry{Node: 1, Name: "A", Type: "pass"})
	s.Register(Entry{Node: 2, Name: "B", Type: "pass"})
	s.Register(Entry{Node: 3, Name: "C", Type: "sink", Dependencies: []node.Ref{1, 2}})

	cleaned, err := s.CleanupByType("pass", func(node.Ref) error { return nil })
	require.NoError(t, err)
	require.ElementsMatch(t, []node.Ref{1, 2}, cleaned)
}

func TestCleanupAllPropagatesDestroyError(t *testing.T) {
	s := linearChain()
	boom := errors.New("boom")
	cleaned, err := s.CleanupAll(func(ref node.Ref) error {
		if ref == 2 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	// Node 3 (destroyed first, in reverse order) should have succeeded
	// before the failure on node 2 halted the pass.
	require.Equal(t, []node.Ref{3}, cleaned)
}

func TestReRegisterResetsCleanedState(t *testing.T) {
	s := linearChain()
	_, err := s.CleanupAll(func(node.Ref) error { return nil })
	require.NoError(t, err)
	require.True(t, s.IsCleaned(3))

	s.Register(Entry{Node: 3, Name: "C", Type: "sink", Dependencies: []node.Ref{2}})
	require.False(t, s.IsCleaned(3), "re-registration after a deferred recompile clears cleaned state")
}
