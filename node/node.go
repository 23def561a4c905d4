// Package node implements the node type / node instance data model and the
// lifecycle state machine described in §3 and §4.3: a node type is the
// immutable blueprint (schemas, parameters, capabilities); a node instance
// is the runtime entity carrying task-aligned bundles, parameters, and the
// compile/execute/cleanup state.
package node

import (
	"fmt"
	"sync"

	"github.com/joeycumines/logiface"

	"github.com/rendergraph/core/resource"
	"github.com/rendergraph/core/slot"
)

// Ref is a stable, process-lifetime-unique identifier for a node instance.
type Ref = resource.NodeRef

// DeviceID names the backend device a node instance is affined to. The
// zero value is the implicit default device; multi-device graphs opt in
// by assigning distinct DeviceIDs (see SPEC_FULL.md, Open Question 2).
type DeviceID uint32

// State is the node instance lifecycle (§4.3):
//
//	Created -> Setup -> Compiled -> Ready -> Executing -> Ready -> Cleaned
type State uint8

const (
	StateCreated State = iota
	StateSetup
	StateCompiled
	StateReady
	StateExecuting
	StateCleaned
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateSetup:
		return "Setup"
	case StateCompiled:
		return "Compiled"
	case StateReady:
		return "Ready"
	case StateExecuting:
		return "Executing"
	case StateCleaned:
		return "Cleaned"
	default:
		return "Unknown"
	}
}

// Param is one entry of a node type's parameter bundle: a name, its typed
// default, and whether a value must be supplied before compile succeeds.
type Param struct {
	Name     string
	Default  any
	Required bool
}

// InstancingPolicy describes whether a node type supports being instanced
// more than once in a single graph.
type InstancingPolicy struct {
	SupportsInstancing bool
	MaxInstances        int // 0 means unlimited when SupportsInstancing is true
}

// Hooks bundles the four user-overridable lifecycle points a node type
// implementation provides (§4.3, §6 "Node-type plug-in contract"). This
// mirrors the teacher's list.Hooks bundle of Synthesizer/Comparator/
// Loader/Presenter/Allocator — one struct naming every extension point a
// client must supply.
type Hooks struct {
	// Setup is graph-scope init; no input/output access.
	Setup func(ctx *WiringContext) error
	// Compile allocates resources and reads/writes slots. The compiler
	// registers the instance's cleanup entry automatically on success.
	Compile func(ctx *WiringContext) error
	// Execute runs once per bundle (task), called TaskCount times per frame.
	Execute func(ctx *TaskContext) error
	// Cleanup destroys resources; the wrapper guarantees at-most-once
	// invocation regardless of how many times it is called.
	Cleanup func(ctx *WiringContext) error
}

// Type is the immutable blueprint for a node: schemas, parameters,
// capability requirements, instancing policy and feature profile. Node
// types are registered once and instanced any number of times permitted by
// their InstancingPolicy.
type Type struct {
	Name                 string
	Inputs               []slot.Slot
	Outputs              []slot.Slot
	Params               []Param
	RequiredCapabilities []string
	PipelineKind         string
	FeatureProfile       []string
	Instancing           InstancingPolicy
	Hooks                Hooks
}

// Validate checks the type's schema for internal consistency: unique slot
// indices, and (when reg is non-nil) registered slot types.
func (t *Type) Validate(reg *slot.Registry) error {
	if t.Name == "" {
		return fmt.Errorf("node: type has empty name")
	}
	if err := validateSlots(t.Inputs, reg); err != nil {
		return fmt.Errorf("node: type %q inputs: %w", t.Name, err)
	}
	if err := validateSlots(t.Outputs, reg); err != nil {
		return fmt.Errorf("node: type %q outputs: %w", t.Name, err)
	}
	return nil
}

func validateSlots(slots []slot.Slot, reg *slot.Registry) error {
	seen := make(map[int]bool, len(slots))
	for _, s := range slots {
		if seen[s.Index] {
			return fmt.Errorf("duplicate slot index %d", s.Index)
		}
		seen[s.Index] = true
		if reg != nil {
			if err := s.Validate(reg); err != nil {
				return err
			}
		}
	}
	return nil
}

// Bundle is a per-task pair of input/output resource references, indexed
// by slot index (§3).
type Bundle struct {
	Inputs  []resource.Ref
	Outputs []resource.Ref
}

// VariadicState is the lifecycle of a tentative variadic slot (§4.5 mode 5,
// scenario 3).
type VariadicState uint8

const (
	VariadicTentative VariadicState = iota
	VariadicValidated
	VariadicCompiled
	VariadicInvalid
)

// VariadicBinding records one tentatively-bound variadic slot entry.
type VariadicBinding struct {
	BindingIndex   int
	SourceNode     Ref
	SourceSlot     int
	DescriptorType slot.TypeID
	Resource       resource.Ref
	State          VariadicState
}

// Instance is the runtime incarnation of a Type within a graph (§3).
type Instance struct {
	mu sync.Mutex

	ID       Ref
	Name     string
	TypeID   uint32
	Type     *Type
	Tags     map[string]bool
	Device   DeviceID
	LoopRefs []uint32 // loop ids this instance is gated by

	// logger is this instance's hierarchical child logger (§6 "optional
	// per-node hierarchical loggers"), a Logger.Clone() of the graph's
	// root logger keyed by node name. Nil when no root logger was
	// configured (ambient logging is opt-in).
	logger *logiface.Logger[logiface.Event]

	state               State
	needsRecompile      bool
	cleaned             bool
	taskCount           int
	bundles             []Bundle
	paramValues         map[string]any
	compileInputUse     map[int]bool // slot index -> used-at-compile-time
	variadicBindings    map[int][]VariadicBinding
	currentTask         int // thread-local-equivalent; set by the executor prologue
}

// NewInstance constructs a fresh node instance in StateCreated.
func NewInstance(id Ref, name string, typ *Type) *Instance {
	return &Instance{
		ID:              id,
		Name:            name,
		Type:            typ,
		Tags:            make(map[string]bool),
		state:           StateCreated,
		taskCount:       1,
		paramValues:     make(map[string]any),
		compileInputUse: make(map[int]bool),
		variadicBindings: make(map[int][]VariadicBinding),
	}
}

// SetLogger installs this instance's hierarchical child logger. Called
// once by the compiler package right after AddNode, before any hook runs.
func (n *Instance) SetLogger(logger *logiface.Logger[logiface.Event]) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.logger = logger
}

// Logger returns this instance's child logger, or nil if none was
// configured. Hooks read it via WiringContext.Logger/TaskContext.Logger
// rather than this method directly.
func (n *Instance) Logger() *logiface.Logger[logiface.Event] {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.logger
}

// State returns the instance's current lifecycle state.
func (n *Instance) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// AddTag attaches a string tag used by partial cleanup (§4.10) and by
// routing in the event bus.
func (n *Instance) AddTag(tag string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Tags[tag] = true
}

// HasTag reports whether tag was attached via AddTag.
func (n *Instance) HasTag(tag string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Tags[tag]
}

// SetParam assigns a value to one of the type's declared parameters.
func (n *Instance) SetParam(name string, value any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paramValues[name] = value
}

// Param returns the value bound to name, falling back to the type's
// default, and whether any value (explicit or default) is available.
func (n *Instance) Param(name string) (any, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if v, ok := n.paramValues[name]; ok {
		return v, true
	}
	for _, p := range n.Type.Params {
		if p.Name == name {
			return p.Default, p.Default != nil
		}
	}
	return nil, false
}

// ValidateParams checks every required parameter has a bound or default
// value (§4.6 step 5).
func (n *Instance) ValidateParams() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.Type.Params {
		if !p.Required {
			continue
		}
		if _, ok := n.paramValues[p.Name]; ok {
			continue
		}
		if p.Default != nil {
			continue
		}
		return fmt.Errorf("node: %q: required parameter %q has no value", n.Name, p.Name)
	}
	return nil
}

// RequestRecompile flags the instance as needing recompile; the graph
// moves it back to Setup between frames (§4.3).
func (n *Instance) RequestRecompile() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.needsRecompile = true
}

// ConsumeRecompileFlag reports and clears the recompile flag.
func (n *Instance) ConsumeRecompileFlag() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	v := n.needsRecompile
	n.needsRecompile = false
	return v
}

// Transition moves the instance to the target state, rejecting transitions
// not permitted by the lifecycle state machine.
func (n *Instance) Transition(target State) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !allowedTransition(n.state, target) {
		return fmt.Errorf("node: %q: illegal transition %s -> %s", n.Name, n.state, target)
	}
	n.state = target
	return nil
}

func allowedTransition(from, to State) bool {
	switch from {
	case StateCreated:
		return to == StateSetup
	case StateSetup:
		return to == StateCompiled || to == StateSetup
	case StateCompiled:
		return to == StateReady || to == StateSetup
	case StateReady:
		return to == StateExecuting || to == StateCleaned || to == StateSetup
	case StateExecuting:
		return to == StateReady
	case StateCleaned:
		return false
	default:
		return false
	}
}

// SetTaskCount establishes how many bundles this instance has for the
// current compile. The compiler package calls it with 1 when a node is
// added; no caller derives the count from task-level inputs or checks
// that their lengths agree.
func (n *Instance) SetTaskCount(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if count < 1 {
		count = 1
	}
	n.taskCount = count
	n.bundles = make([]Bundle, count)
	for i := range n.bundles {
		n.bundles[i] = Bundle{
			Inputs:  make([]resource.Ref, len(n.Type.Inputs)),
			Outputs: make([]resource.Ref, len(n.Type.Outputs)),
		}
	}
}

// TaskCount returns the number of bundles (§4.3).
func (n *Instance) TaskCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.taskCount
}

// Bundle returns the i-th task bundle.
func (n *Instance) Bundle(i int) (*Bundle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if i < 0 || i >= len(n.bundles) {
		return nil, fmt.Errorf("node: %q: bundle index %d out of range [0,%d)", n.Name, i, len(n.bundles))
	}
	return &n.bundles[i], nil
}

// BindInput sets an input resource ref for a given bundle/slot and marks
// the slot as compile-time-required if markUsed is true.
func (n *Instance) BindInput(bundleIdx, slotIdx int, ref resource.Ref, markUsed bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if bundleIdx < 0 || bundleIdx >= len(n.bundles) {
		return fmt.Errorf("node: %q: bundle index %d out of range", n.Name, bundleIdx)
	}
	if slotIdx < 0 || slotIdx >= len(n.bundles[bundleIdx].Inputs) {
		return fmt.Errorf("node: %q: input slot index %d out of range", n.Name, slotIdx)
	}
	n.bundles[bundleIdx].Inputs[slotIdx] = ref
	if markUsed {
		n.compileInputUse[slotIdx] = true
	}
	return nil
}

// BindOutput sets an output resource ref for a given bundle/slot.
func (n *Instance) BindOutput(bundleIdx, slotIdx int, ref resource.Ref) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if bundleIdx < 0 || bundleIdx >= len(n.bundles) {
		return fmt.Errorf("node: %q: bundle index %d out of range", n.Name, bundleIdx)
	}
	if slotIdx < 0 || slotIdx >= len(n.bundles[bundleIdx].Outputs) {
		return fmt.Errorf("node: %q: output slot index %d out of range", n.Name, slotIdx)
	}
	n.bundles[bundleIdx].Outputs[slotIdx] = ref
	return nil
}

// CompileTimeInputs returns the slot indices marked used during Compile.
// Cleanup dependency registration does not read it: the compiler derives
// teardown dependencies from every bound input (§4.10).
func (n *Instance) CompileTimeInputs() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]int, 0, len(n.compileInputUse))
	for idx, used := range n.compileInputUse {
		if used {
			out = append(out, idx)
		}
	}
	return out
}

// ResetCompileTracking clears the per-compile input-use tracker; the
// compiler wrapper calls this at the start of Setup (§4.3).
func (n *Instance) ResetCompileTracking() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.compileInputUse = make(map[int]bool)
}

// SetCurrentTask is called by the executor immediately before invoking a
// task body, rebinding the task-bound accessor context (§4.3, §9 "Thread-
// local current task index" -> explicit task context argument). TaskContext
// does not read the field; it carries its own TaskIndex.
func (n *Instance) SetCurrentTask(i int) { n.mu.Lock(); n.currentTask = i; n.mu.Unlock() }

// MarkCleaned flags the instance as cleaned and reports whether this call
// is the one that performed the transition (false if already cleaned,
// satisfying "double cleanup is swallowed, not reported" in §7).
func (n *Instance) MarkCleaned() (first bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cleaned {
		return false
	}
	n.cleaned = true
	return true
}

// Cleaned reports whether MarkCleaned has already run for this instance.
func (n *Instance) Cleaned() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cleaned
}

// AddVariadicBinding registers a tentative binding on a variadic slot
// (§4.5 mode 5).
func (n *Instance) AddVariadicBinding(slotName int, b VariadicBinding) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.variadicBindings[slotName] = append(n.variadicBindings[slotName], b)
}

// VariadicBindings returns the tentative/validated bindings for a variadic
// slot index.
func (n *Instance) VariadicBindings(slotName int) []VariadicBinding {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]VariadicBinding, len(n.variadicBindings[slotName]))
	copy(out, n.variadicBindings[slotName])
	return out
}

// SetVariadicState transitions one binding's state in place.
func (n *Instance) SetVariadicState(slotName, bindingIndex int, state VariadicState) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	bindings := n.variadicBindings[slotName]
	for i := range bindings {
		if bindings[i].BindingIndex == bindingIndex {
			bindings[i].State = state
			return nil
		}
	}
	return fmt.Errorf("node: %q: no variadic binding %d on slot %d", n.Name, bindingIndex, slotName)
}

// WiringContext is the capability interface injected into a node's Setup/
// Compile/Cleanup hooks — a narrow surface replacing "friend-class access
// to graph internals" (Design Notes). It is supplied by the compiler
// package, which is the only code that constructs one.
type WiringContext struct {
	Instance *Instance
	Bundle   *Bundle
}

// Logger returns the instance's hierarchical child logger, or nil if no
// root logger was configured on the owning graph.
func (c *WiringContext) Logger() *logiface.Logger[logiface.Event] { return c.Instance.Logger() }

// TaskContext is the capability interface injected into Execute; the only
// way to reach task-bound slots, eliminating the thread-local design the
// source used (Design Notes).
type TaskContext struct {
	Instance  *Instance
	TaskIndex int
	Bundle    *Bundle
}

// Logger returns the instance's hierarchical child logger, or nil if no
// root logger was configured on the owning graph.
func (c *TaskContext) Logger() *logiface.Logger[logiface.Event] { return c.Instance.Logger() }

// InputSlot looks up the resource bound to the input slot at index. Accessing a
// task-bound accessor from a context without a bound task index (i.e. a
// nil TaskContext) is a contract violation and returns an error rather
// than panicking, since Execute bodies commonly run in worker goroutines.
func (tc *TaskContext) InputSlot(index int) (resource.Ref, error) {
	if tc == nil || tc.Bundle == nil {
		return 0, fmt.Errorf("node: task context not bound to a bundle")
	}
	if index < 0 || index >= len(tc.Bundle.Inputs) {
		return 0, fmt.Errorf("node: input slot index %d out of range", index)
	}
	return tc.Bundle.Inputs[index], nil
}

// OutputSlot looks up the resource bound to the output slot at index.
func (tc *TaskContext) OutputSlot(index int) (resource.Ref, error) {
	if tc == nil || tc.Bundle == nil {
		return 0, fmt.Errorf("node: task context not bound to a bundle")
	}
	if index < 0 || index >= len(tc.Bundle.Outputs) {
		return 0, fmt.Errorf("node: output slot index %d out of range", index)
	}
	return tc.Bundle.Outputs[index], nil
}
