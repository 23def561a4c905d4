package loopmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVariableTimestepAlwaysExecutes(t *testing.T) {
	m := New()
	ref := m.Add(Options{Name: "variable"})
	m.Update(16*time.Millisecond, 1)
	require.True(t, ref.ShouldExecute)
	require.Equal(t, 16*time.Millisecond, ref.Delta)
	require.EqualValues(t, 1, ref.StepCount)
}

func TestFireAndForgetDrainsWholeAccumulator(t *testing.T) {
	m := New()
	ref := m.Add(Options{Name: "fixed", FixedTimestep: 10 * time.Millisecond, Mode: FireAndForget})

	m.Update(5*time.Millisecond, 1)
	require.False(t, ref.ShouldExecute, "below one fixed step, should not fire")

	m.Update(40*time.Millisecond, 2) // accumulator now 45ms
	require.True(t, ref.ShouldExecute)
	require.Equal(t, 45*time.Millisecond, ref.Delta, "fire-and-forget drains everything in one step")
	require.EqualValues(t, 1, ref.StepCount)
}

func TestSingleCorrectiveStepCapsAccumulatorAndAccruesDebt(t *testing.T) {
	m := New()
	ref := m.Add(Options{Name: "physics", FixedTimestep: 10 * time.Millisecond, Mode: SingleCorrectiveStep})

	// 35ms behind: one 10ms step consumes 10, leaving 25ms; overflow beyond
	// a second fixed step (10ms) is 15ms of debt, and the accumulator is
	// clamped back down to one fixed step (10ms).
	m.Update(35*time.Millisecond, 1)
	require.True(t, ref.ShouldExecute)
	require.Equal(t, 10*time.Millisecond, ref.Delta)
	require.EqualValues(t, 1, ref.StepCount)

	debt, err := m.CatchUpDebt(ref.ID)
	require.NoError(t, err)
	require.Equal(t, 15*time.Millisecond, debt)
}

func TestSingleCorrectiveStepNoDebtWhenCaughtUp(t *testing.T) {
	m := New()
	ref := m.Add(Options{Name: "physics", FixedTimestep: 10 * time.Millisecond, Mode: SingleCorrectiveStep})
	m.Update(10*time.Millisecond, 1)
	require.True(t, ref.ShouldExecute)
	debt, err := m.CatchUpDebt(ref.ID)
	require.NoError(t, err)
	require.Zero(t, debt)
}

func TestMultipleStepsEmitsOneStepPerFixedInterval(t *testing.T) {
	m := New()
	ref := m.Add(Options{Name: "sim", FixedTimestep: 10 * time.Millisecond, Mode: MultipleSteps})
	m.Update(35*time.Millisecond, 1)
	require.True(t, ref.ShouldExecute)
	require.EqualValues(t, 3, ref.StepCount, "35ms / 10ms fixed = 3 whole steps")
	require.Equal(t, 10*time.Millisecond, ref.Delta)
}

func TestMultipleStepsRespectsIterationCap(t *testing.T) {
	m := New()
	ref := m.Add(Options{
		Name: "sim", FixedTimestep: time.Millisecond, Mode: MultipleSteps,
		MaxCatchUp: time.Second, MaxIterations: 5,
	})
	m.Update(100*time.Millisecond, 1)
	require.EqualValues(t, 5, ref.StepCount, "iteration cap limits steps even though more time is available")
}

func TestMaxCatchUpClampsCreditedFrameTime(t *testing.T) {
	m := New()
	ref := m.Add(Options{
		Name: "fixed", FixedTimestep: 10 * time.Millisecond, Mode: FireAndForget,
		MaxCatchUp: 20 * time.Millisecond,
	})
	m.Update(500*time.Millisecond, 1) // would be 500ms without the cap
	require.Equal(t, 20*time.Millisecond, ref.Delta)
}

func TestRefPointerIsStableAcrossUpdates(t *testing.T) {
	m := New()
	ref := m.Add(Options{Name: "loop"})
	before := ref
	m.Update(time.Millisecond, 1)
	m.Update(time.Millisecond, 2)
	require.Same(t, before, ref)
}

func TestEffectiveExecuteIsOrOfLoops(t *testing.T) {
	m := New()
	a := m.Add(Options{Name: "a", FixedTimestep: 100 * time.Millisecond, Mode: FireAndForget})
	b := m.Add(Options{Name: "b"})
	m.Update(time.Millisecond, 1) // a: below threshold; b: variable, always fires
	require.True(t, EffectiveExecute(a, b))
	require.False(t, EffectiveExecute(a))
}

func TestRemoveStopsAdvancing(t *testing.T) {
	m := New()
	ref := m.Add(Options{Name: "loop"})
	m.Remove(ref.ID)
	_, ok := m.Get(ref.ID)
	require.False(t, ok)
	m.Update(time.Millisecond, 1) // must not panic touching a removed loop
}

func TestLastExecutedFrameTracksFrameIndex(t *testing.T) {
	m := New()
	ref := m.Add(Options{Name: "loop"})
	m.Update(time.Millisecond, 7)
	require.EqualValues(t, 7, ref.LastExecutedFrame)
}
