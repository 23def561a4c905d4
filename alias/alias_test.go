package alias

import (
	"testing"

	"github.com/rendergraph/core/resource"
	"github.com/stretchr/testify/require"
)

func TestFindAliasRespectsThreshold(t *testing.T) {
	e := New()
	e.MarkReleased(1, Requirement{Size: 2 << 20, Alignment: 256, MemoryTypeBits: 0xF}, 0)

	_, ok := e.FindAlias(Requirement{Size: 1024, Alignment: 256, MemoryTypeBits: 0xF}, 0)
	require.False(t, ok, "below-threshold requests must never alias")
}

func TestFindAliasBestFit(t *testing.T) {
	e := New()
	e.MarkReleased(1, Requirement{Size: 4 << 20, Alignment: 256, MemoryTypeBits: 0xF}, 0)
	e.MarkReleased(2, Requirement{Size: 8 << 20, Alignment: 256, MemoryTypeBits: 0xF}, 0)

	ref, ok := e.FindAlias(Requirement{Size: 3 << 20, Alignment: 256, MemoryTypeBits: 0xF}, 0)
	require.True(t, ok)
	require.Equal(t, resource.Ref(1), ref, "smallest qualifying block should be chosen")
}

func TestFindAliasRejectsMismatchedAlignment(t *testing.T) {
	e := New()
	e.MarkReleased(1, Requirement{Size: 4 << 20, Alignment: 64, MemoryTypeBits: 0xF}, 0)
	_, ok := e.FindAlias(Requirement{Size: 2 << 20, Alignment: 256, MemoryTypeBits: 0xF}, 0)
	require.False(t, ok)
}

func TestFindAliasRejectsMismatchedMemoryType(t *testing.T) {
	e := New()
	e.MarkReleased(1, Requirement{Size: 4 << 20, Alignment: 256, MemoryTypeBits: 0x1}, 0)
	_, ok := e.FindAlias(Requirement{Size: 2 << 20, Alignment: 256, MemoryTypeBits: 0x2}, 0)
	require.False(t, ok)
}

func TestFindAliasRejectsCrossDevice(t *testing.T) {
	e := New()
	e.MarkReleased(1, Requirement{Size: 4 << 20, Alignment: 256, MemoryTypeBits: 0xF, DeviceID: 0}, 0)
	_, ok := e.FindAlias(Requirement{Size: 2 << 20, Alignment: 256, MemoryTypeBits: 0xF, DeviceID: 1}, 0)
	require.False(t, ok)
}

func TestClearReleasedPrunesOld(t *testing.T) {
	e := New()
	e.MarkReleased(1, Requirement{Size: 4 << 20, Alignment: 256, MemoryTypeBits: 0xF}, 1)
	e.ClearReleased(5)
	_, ok := e.FindAlias(Requirement{Size: 2 << 20, Alignment: 256, MemoryTypeBits: 0xF}, 0)
	require.False(t, ok)
}

func TestStatsSuccessRateAndSavings(t *testing.T) {
	e := New()
	e.MarkReleased(1, Requirement{Size: 4 << 20, Alignment: 256, MemoryTypeBits: 0xF}, 0)
	_, ok := e.FindAlias(Requirement{Size: 2 << 20, Alignment: 256, MemoryTypeBits: 0xF}, 0)
	require.True(t, ok)
	e.RecordAllocation(1 << 20)

	stats := e.Stats()
	require.Equal(t, 1, stats.Attempts)
	require.Equal(t, 1, stats.Successes)
	require.InDelta(t, 1.0, stats.SuccessRate(), 0.0001)
	require.Greater(t, stats.SavingsPercent(), 0.0)
}

func TestBuildPoolsSkipsSingletonGroups(t *testing.T) {
	e := New()
	reqs := map[resource.Ref]Requirement{
		1: {Size: 4 << 20, DeviceID: 0},
	}
	groups := []Group{{Members: []resource.Ref{1}}}
	pools := e.BuildPools(groups, func(r resource.Ref) Requirement { return reqs[r] }, func(resource.Ref) bool { return true })
	require.Empty(t, pools)
}

func TestBuildPoolsGroupsCompatibleMembers(t *testing.T) {
	e := New()
	reqs := map[resource.Ref]Requirement{
		1: {Size: 4 << 20, DeviceID: 0},
		2: {Size: 2 << 20, DeviceID: 0},
	}
	groups := []Group{{Members: []resource.Ref{1, 2}}}
	pools := e.BuildPools(groups, func(r resource.Ref) Requirement { return reqs[r] }, func(resource.Ref) bool { return true })
	require.Len(t, pools, 1)
	require.Equal(t, uint64(4<<20), pools[0].Size)
}

func TestBuildPoolsExcludesNonDeviceLocal(t *testing.T) {
	e := New()
	reqs := map[resource.Ref]Requirement{
		1: {Size: 4 << 20, DeviceID: 0},
		2: {Size: 2 << 20, DeviceID: 0},
	}
	groups := []Group{{Members: []resource.Ref{1, 2}}}
	pools := e.BuildPools(groups, func(r resource.Ref) Requirement { return reqs[r] }, func(r resource.Ref) bool { return r != 2 })
	require.Empty(t, pools) // only one device-local member remains
}
