package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTryAllocateWithinBudget(t *testing.T) {
	m := New(0, 0)
	m.SetBudget(CategoryDeviceMemory, Budget{Max: 1 << 30, Strict: true})

	ok := m.TryAllocate(CategoryDeviceMemory, 512<<20)
	require.True(t, ok)
	require.Equal(t, uint64(512<<20), m.Usage(CategoryDeviceMemory).Current)
}

func TestTryAllocateStrictOverflowRejected(t *testing.T) {
	m := New(0, 0)
	m.SetBudget(CategoryDeviceMemory, Budget{Max: 1 << 30, Strict: true})

	require.True(t, m.TryAllocate(CategoryDeviceMemory, 700<<20))
	ok := m.TryAllocate(CategoryDeviceMemory, 500<<20) // would exceed 1GiB
	require.False(t, ok)
	require.Equal(t, uint64(700<<20), m.Usage(CategoryDeviceMemory).Current)
}

func TestTryAllocateNonStrictAllowsOverflow(t *testing.T) {
	m := New(0, 0)
	m.SetBudget(CategoryHostMemory, Budget{Max: 100, Strict: false})
	require.True(t, m.TryAllocate(CategoryHostMemory, 150))
	require.True(t, m.IsOverBudget(CategoryHostMemory))
}

func TestPeakTracksMaximum(t *testing.T) {
	m := New(0, 0)
	m.SetBudget(CategoryHostMemory, Budget{Max: 1000})
	m.TryAllocate(CategoryHostMemory, 500)
	m.RecordDeallocation(CategoryHostMemory, 300)
	m.TryAllocate(CategoryHostMemory, 100)
	require.Equal(t, uint64(500), m.Usage(CategoryHostMemory).Peak)
	require.Equal(t, uint64(300), m.Usage(CategoryHostMemory).Current)
}

func TestAvailableBytes(t *testing.T) {
	m := New(0, 0)
	m.SetBudget(CategoryDeviceMemory, Budget{Max: 1000})
	m.TryAllocate(CategoryDeviceMemory, 400)
	require.Equal(t, uint64(600), m.AvailableBytes(CategoryDeviceMemory))
}

func TestWarningThresholdFires(t *testing.T) {
	m := New(0, 0)
	m.SetBudget(CategoryDeviceMemory, Budget{Max: 1000, Warning: 500})

	var events []WarningEvent
	m.Warning = func(e WarningEvent) { events = append(events, e) }

	m.TryAllocate(CategoryDeviceMemory, 400) // below warning
	require.Empty(t, events)

	m.TryAllocate(CategoryDeviceMemory, 200) // crosses 500
	require.Len(t, events, 1)
	require.Equal(t, CategoryDeviceMemory, events[0].Category)
}

func TestWarningThrottledByLimiter(t *testing.T) {
	m := New(time.Hour, 1)
	m.SetBudget(CategoryDeviceMemory, Budget{Max: 10000, Warning: 100})

	var events int
	m.Warning = func(WarningEvent) { events++ }

	// Cross the warning threshold, then dip and re-cross repeatedly;
	// the limiter should cap emissions within the window.
	m.TryAllocate(CategoryDeviceMemory, 50)
	m.TryAllocate(CategoryDeviceMemory, 60) // crosses 100 -> warn #1
	m.RecordDeallocation(CategoryDeviceMemory, 70)
	m.TryAllocate(CategoryDeviceMemory, 70) // crosses again -> should be throttled

	require.Equal(t, 1, events)
}

func TestIsNearWarningThreshold(t *testing.T) {
	m := New(0, 0)
	m.SetBudget(CategoryHostMemory, Budget{Max: 1000, Warning: 500})
	require.False(t, m.IsNearWarningThreshold(CategoryHostMemory))
	m.TryAllocate(CategoryHostMemory, 600)
	require.True(t, m.IsNearWarningThreshold(CategoryHostMemory))
}
