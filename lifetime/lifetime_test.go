package lifetime

import (
	"testing"

	"github.com/rendergraph/core/node"
	"github.com/rendergraph/core/resource"
	"github.com/stretchr/testify/require"
)

func TestLinearChainTimelines(t *testing.T) {
	order := []node.Ref{1, 2, 3} // A, B, C
	resources := []ResourceInfo{
		{Ref: 100, Producer: 1, Category: 0}, // X, produced by A
		{Ref: 101, Producer: 2, Category: 0}, // Y, produced by B
	}
	consumers := map[resource.Ref][]node.Ref{
		100: {2}, // X consumed by B
		101: {3}, // Y consumed by C
	}
	a, err := New(order, resources, func(r resource.Ref) []node.Ref { return consumers[r] })
	require.NoError(t, err)

	tlX, err := a.Timeline(100)
	require.NoError(t, err)
	require.Equal(t, 0, tlX.Birth)
	require.Equal(t, 1, tlX.Death)

	tlY, err := a.Timeline(101)
	require.NoError(t, err)
	require.Equal(t, 1, tlY.Birth)
	require.Equal(t, 2, tlY.Death)
}

func TestZeroConsumerResourceDeathEqualsBirth(t *testing.T) {
	order := []node.Ref{1}
	resources := []ResourceInfo{{Ref: 1, Producer: 1}}
	a, err := New(order, resources, func(resource.Ref) []node.Ref { return nil })
	require.NoError(t, err)
	tl, err := a.Timeline(1)
	require.NoError(t, err)
	require.Equal(t, tl.Birth, tl.Death)
	require.Equal(t, ScopeTransient, tl.Scope)
}

func TestProducerNotInOrderIsInvariantViolation(t *testing.T) {
	order := []node.Ref{1}
	resources := []ResourceInfo{{Ref: 1, Producer: 99}}
	_, err := New(order, resources, func(resource.Ref) []node.Ref { return nil })
	require.Error(t, err)
	var iv *InvariantViolation
	require.ErrorAs(t, err, &iv)
}

func TestComputeAliasingGroupsDisjointMerged(t *testing.T) {
	// X:[0,1], Y:[1,2] on same node order A,B,C — disjoint lifetimes, same
	// category, should land in one alias group (scenario 1 from spec §8).
	order := []node.Ref{1, 2, 3}
	resources := []ResourceInfo{
		{Ref: 100, Producer: 1, Category: 7},
		{Ref: 101, Producer: 2, Category: 7},
	}
	consumers := map[resource.Ref][]node.Ref{100: {2}, 101: {3}}
	a, err := New(order, resources, func(r resource.Ref) []node.Ref { return consumers[r] })
	require.NoError(t, err)

	groups := a.ComputeAliasingGroups()
	require.Len(t, groups, 1)
	require.ElementsMatch(t, []resource.Ref{100, 101}, groups[0].Members)
}

func TestComputeAliasingGroupsOverlappingSeparate(t *testing.T) {
	order := []node.Ref{1, 2, 3}
	resources := []ResourceInfo{
		{Ref: 100, Producer: 1, Category: 7},
		{Ref: 101, Producer: 1, Category: 7},
	}
	// both produced at node 1 and consumed at node 3: identical, overlapping spans.
	consumers := map[resource.Ref][]node.Ref{100: {3}, 101: {3}}
	a, err := New(order, resources, func(r resource.Ref) []node.Ref { return consumers[r] })
	require.NoError(t, err)

	groups := a.ComputeAliasingGroups()
	require.Len(t, groups, 2)
}

func TestFindAliasCandidatesRespectsCategory(t *testing.T) {
	order := []node.Ref{1, 2, 3}
	resources := []ResourceInfo{
		{Ref: 100, Producer: 1, Category: 1},
		{Ref: 101, Producer: 2, Category: 2},
	}
	consumers := map[resource.Ref][]node.Ref{100: {2}, 101: {3}}
	a, err := New(order, resources, func(r resource.Ref) []node.Ref { return consumers[r] })
	require.NoError(t, err)

	cands, err := a.FindAliasCandidates(100)
	require.NoError(t, err)
	require.Empty(t, cands) // different category
}

func TestComputeAliasingEfficiency(t *testing.T) {
	groups := []Group{{Members: []resource.Ref{1, 2}}}
	sizes := map[resource.Ref]uint64{1: 100, 2: 60}
	eff := (&Analyser{}).ComputeAliasingEfficiency(groups, func(r resource.Ref) uint64 { return sizes[r] })
	require.InDelta(t, 60.0/160.0, eff, 0.0001)
}
