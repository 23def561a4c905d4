package node

import (
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"

	"github.com/rendergraph/core/resource"
	"github.com/rendergraph/core/slot"
)

func sampleType() *Type {
	return &Type{
		Name: "Blur",
		Inputs: []slot.Slot{
			{Name: "src", Type: 1, Index: 0},
		},
		Outputs: []slot.Slot{
			{Name: "dst", Type: 1, Index: 0},
		},
		Params: []Param{
			{Name: "radius", Required: true},
			{Name: "samples", Default: 4},
		},
	}
}

func TestTypeValidate(t *testing.T) {
	typ := sampleType()
	require.NoError(t, typ.Validate(nil))

	typ.Inputs = append(typ.Inputs, slot.Slot{Name: "dup", Type: 1, Index: 0})
	require.Error(t, typ.Validate(nil))
}

func TestInstanceLifecycleTransitions(t *testing.T) {
	inst := NewInstance(1, "blur0", sampleType())
	require.Equal(t, StateCreated, inst.State())

	require.NoError(t, inst.Transition(StateSetup))
	require.NoError(t, inst.Transition(StateCompiled))
	require.NoError(t, inst.Transition(StateReady))
	require.NoError(t, inst.Transition(StateExecuting))
	require.NoError(t, inst.Transition(StateReady))
	require.NoError(t, inst.Transition(StateCleaned))

	// Cleaned is terminal.
	require.Error(t, inst.Transition(StateSetup))
}

func TestInstanceIllegalTransition(t *testing.T) {
	inst := NewInstance(1, "blur0", sampleType())
	require.Error(t, inst.Transition(StateCompiled)) // must go through Setup first
}

func TestRequiredParamValidation(t *testing.T) {
	inst := NewInstance(1, "blur0", sampleType())
	require.Error(t, inst.ValidateParams()) // radius missing

	inst.SetParam("radius", 2.0)
	require.NoError(t, inst.ValidateParams())
}

func TestParamFallsBackToDefault(t *testing.T) {
	inst := NewInstance(1, "blur0", sampleType())
	v, ok := inst.Param("samples")
	require.True(t, ok)
	require.Equal(t, 4, v)

	inst.SetParam("samples", 8)
	v, ok = inst.Param("samples")
	require.True(t, ok)
	require.Equal(t, 8, v)
}

func TestTaskCountAndBundles(t *testing.T) {
	inst := NewInstance(1, "blur0", sampleType())
	inst.SetTaskCount(3)
	require.Equal(t, 3, inst.TaskCount())

	require.NoError(t, inst.BindInput(1, 0, resource.Ref(42), true))
	b, err := inst.Bundle(1)
	require.NoError(t, err)
	require.Equal(t, resource.Ref(42), b.Inputs[0])

	require.ElementsMatch(t, []int{0}, inst.CompileTimeInputs())
	inst.ResetCompileTracking()
	require.Empty(t, inst.CompileTimeInputs())
}

func TestBundleOutOfRange(t *testing.T) {
	inst := NewInstance(1, "blur0", sampleType())
	_, err := inst.Bundle(5)
	require.Error(t, err)
}

func TestMarkCleanedIsIdempotent(t *testing.T) {
	inst := NewInstance(1, "blur0", sampleType())
	require.True(t, inst.MarkCleaned())
	require.False(t, inst.MarkCleaned())
	require.True(t, inst.Cleaned())
}

func TestVariadicBindingLifecycle(t *testing.T) {
	inst := NewInstance(1, "gatherer", sampleType())
	inst.AddVariadicBinding(0, VariadicBinding{BindingIndex: 0, SourceNode: 7, SourceSlot: 0, State: VariadicTentative})

	bindings := inst.VariadicBindings(0)
	require.Len(t, bindings, 1)
	require.Equal(t, VariadicTentative, bindings[0].State)

	require.NoError(t, inst.SetVariadicState(0, 0, VariadicValidated))
	bindings = inst.VariadicBindings(0)
	require.Equal(t, VariadicValidated, bindings[0].State)

	require.Error(t, inst.SetVariadicState(0, 99, VariadicValidated))
}

func TestTaskContextAccessors(t *testing.T) {
	inst := NewInstance(1, "blur0", sampleType())
	inst.SetTaskCount(1)
	require.NoError(t, inst.BindInput(0, 0, resource.Ref(5), false))
	require.NoError(t, inst.BindOutput(0, 0, resource.Ref(6)))

	b, err := inst.Bundle(0)
	require.NoError(t, err)
	tc := &TaskContext{Instance: inst, TaskIndex: 0, Bundle: b}

	in, err := tc.InputSlot(0)
	require.NoError(t, err)
	require.Equal(t, resource.Ref(5), in)

	out, err := tc.OutputSlot(0)
	require.NoError(t, err)
	require.Equal(t, resource.Ref(6), out)

	_, err = tc.InputSlot(9)
	require.Error(t, err)
}

func TestTaskContextUnbound(t *testing.T) {
	var tc *TaskContext
	_, err := tc.InputSlot(0)
	require.Error(t, err)
}

func TestInstanceLoggerDefaultsToNil(t *testing.T) {
	inst := NewInstance(1, "Blur", sampleType())
	require.Nil(t, inst.Logger())

	wc := &WiringContext{Instance: inst}
	require.Nil(t, wc.Logger())
}

func TestInstanceLoggerIsReachableViaContexts(t *testing.T) {
	inst := NewInstance(1, "Blur", sampleType())
	logger := logiface.New[*stumpy.Event](stumpy.WithStumpy()).Logger()
	inst.SetLogger(logger)
	require.NotNil(t, inst.Logger())

	wc := &WiringContext{Instance: inst}
	require.Same(t, logger, wc.Logger())

	tc := &TaskContext{Instance: inst, TaskIndex: 0}
	require.Same(t, logger, tc.Logger())
}
