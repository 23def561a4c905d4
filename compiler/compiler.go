// Package compiler orchestrates the graph-compile pipeline (§4.6): it owns
// a graph's topology, resource registry, connection builder, lifetime
// analyser, aliasing engine, budget manager, cleanup stack, loop manager
// and event bus, wiring them together through the ten-step Compile
// pipeline and the RenderFrame execute loop.
package compiler

import (
	"fmt"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/rendergraph/core/alias"
	"github.com/rendergraph/core/budget"
	"github.com/rendergraph/core/cleanup"
	"github.com/rendergraph/core/connect"
	"github.com/rendergraph/core/eventbus"
	"github.com/rendergraph/core/lifetime"
	"github.com/rendergraph/core/loopmgr"
	"github.com/rendergraph/core/node"
	"github.com/rendergraph/core/resource"
	"github.com/rendergraph/core/slot"
	"github.com/rendergraph/core/topology"
)

// Kind classifies a compile error by the taxonomy in §7.
type Kind uint8

const (
	KindSchema Kind = iota
	KindTopology
	KindValidation
	KindBudget
	KindAlias
	KindLifecycle
	KindBackend
)

func (k Kind) String() string {
	switch k {
	case KindSchema:
		return "SchemaError"
	case KindTopology:
		return "TopologyError"
	case KindValidation:
		return "ValidationError"
	case KindBudget:
		return "BudgetError"
	case KindAlias:
		return "AliasError"
	case KindLifecycle:
		return "LifecycleError"
	case KindBackend:
		return "BackendError"
	default:
		return "UnknownError"
	}
}

// CompileError is one structured failure collected during Compile: the
// node it happened on, the offending slot/parameter, its Kind, and the
// underlying error (§7 "Propagation").
type CompileError struct {
	Kind   Kind
	Node   string
	Detail string
	Err    error
}

func (e *CompileError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("compiler: %s: %s: %s: %v", e.Kind, e.Node, e.Detail, e.Err)
	}
	return fmt.Sprintf("compiler: %s: %s: %v", e.Kind, e.Node, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// CompileReport summarises one Compile invocation: the structured errors
// collected (empty on success), the resolved execution order, and the
// lifetime/aliasing diagnostics.
type CompileReport struct {
	Errors      []*CompileError
	Order       []node.Ref
	Timelines   []lifetime.Timeline
	AliasGroups []lifetime.Group
	AliasStats  alias.Stats
}

// OK reports whether the compile succeeded (no collected errors).
func (r *CompileReport) OK() bool { return len(r.Errors) == 0 }

// Backend is the external device collaborator (§6): the only capability
// the compiler needs from it is reconciling a resource's actual allocated
// size once a real backend allocation exists, and the minimal present
// loop. A nil Backend is valid — RenderFrame then skips frame
// acquire/present, useful for headless compiles and unit tests.
type Backend interface {
	Allocate(ref resource.Ref, descriptor slot.Descriptor, strategy resource.Strategy, deviceID uint32) (actualSize uint64, err error)
	AcquireFrame() (Frame, error)
	Present(Frame) error
}

// Frame is an opaque per-frame handle returned by Backend.AcquireFrame; the
// core never inspects it.
type Frame any

// ConvertibleFunc resolves whether slot type `from` may bind to `to`
// without an exact match — a node-type plug-in concern (§4.1), supplied by
// the caller, in the shape slot.Registry.Compatible accepts.
type ConvertibleFunc func(from, to slot.TypeID) bool

// Option configures a Graph at construction time, following the
// functional-options shape used throughout the logging stack this engine
// is built on (logiface.Option[E]).
type Option func(*Graph)

// WithLogger installs the structured logger used for ambient diagnostics
// (compile errors, budget warnings, cleanup activity).
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(g *Graph) { g.logger = logger }
}

// WithBackend installs the external device collaborator.
func WithBackend(b Backend) Option {
	return func(g *Graph) { g.backend = b }
}

// WithConvertible stores a slot-type conversion predicate on the graph.
// No compile step reads it: Compile does not type-check edges, so source
// and target slot types are never compared.
func WithConvertible(fn ConvertibleFunc) Option {
	return func(g *Graph) { g.convertible = fn }
}

// WithAliasThreshold overrides the aliasing engine's minimum-size
// threshold (default alias.DefaultThreshold).
func WithAliasThreshold(bytes uint64) Option {
	return func(g *Graph) { g.aliasEngine.Threshold = bytes }
}

// WithBudgetWarningThrottle configures how often a single budget category
// may re-emit a warning event.
func WithBudgetWarningThrottle(window time.Duration, max int) Option {
	return func(g *Graph) { g.budgetWindow, g.budgetMax = window, max }
}

// Graph is the compile-time and run-time home for one render graph: it
// implements connect.Graph directly, so the connection builder can be
// constructed against it without an adaptor type.
type Graph struct {
	slots     *slot.Registry
	resources *resource.Registry
	topo      *topology.Topology
	instances map[node.Ref]*node.Instance
	nextRef   node.Ref

	connectBuilder *connect.Builder
	budgetMgr      *budget.Manager
	budgetWindow   time.Duration
	budgetMax      int
	cleanupStack   *cleanup.Stack
	aliasEngine    *alias.Engine
	bus            *eventbus.Bus
	loops          *loopmgr.Manager

	convertible ConvertibleFunc
	logger      *logiface.Logger[logiface.Event]
	backend     Backend

	order            []node.Ref
	analyser         *lifetime.Analyser
	frameIndex       uint64
	fieldCallbacks   map[node.Ref][]connect.PostCompileCallback
	pendingRecompile map[node.Ref]bool
}

// New constructs a graph bound to a slot type registry.
func New(slots *slot.Registry, opts ...Option) *Graph {
	g := &Graph{
		slots:            slots,
		resources:        resource.NewRegistry(slots),
		topo:             topology.New(),
		instances:        make(map[node.Ref]*node.Instance),
		cleanupStack:     cleanup.New(),
		aliasEngine:      alias.New(),
		bus:              eventbus.New(),
		loops:            loopmgr.New(),
		fieldCallbacks:   make(map[node.Ref][]connect.PostCompileCallback),
		pendingRecompile: make(map[node.Ref]bool),
	}
	for _, o := range opts {
		o(g)
	}
	g.budgetMgr = budget.New(g.budgetWindow, g.budgetMax)
	g.budgetMgr.Warning = g.onBudgetWarning
	g.connectBuilder = connect.New(g)
	return g
}

// Bus returns the event bus, exposed for external subscribers and for
// nodes that need to publish/subscribe from within their hooks.
func (g *Graph) Bus() *eventbus.Bus { return g.bus }

// Loops returns the loop manager, exposed so callers can register loops
// before Compile.
func (g *Graph) Loops() *loopmgr.Manager { return g.loops }

// Budget returns the budget manager, exposed for pre-compile configuration
// (SetBudget) and post-compile diagnostics.
func (g *Graph) Budget() *budget.Manager { return g.budgetMgr }

// Connect returns the connection builder, used to accumulate edges before
// Compile.
func (g *Graph) Connect() *connect.Builder { return g.connectBuilder }

// Resources returns the resource registry, exposed for diagnostics and for
// node hooks that need to query metadata.
func (g *Graph) Resources() *resource.Registry { return g.resources }

func (g *Graph) onBudgetWarning(e budget.WarningEvent) {
	g.bus.Publish(eventbus.Message{
		Type:     eventbus.TypeCleanupRequested, // budget pressure is routed through the cleanup-requested channel in lieu of a dedicated budget-warning type code (§6's taxonomy is closed)
		Category: eventbus.CategoryResource,
		Payload:  e,
	})
	if g.logger != nil {
		g.logger.Warning().Str("category", string(e.Category)).
			Interface("current", e.Current).Interface("max", e.Max).
			Log("budget: category crossed warning threshold")
	}
}

// AddNode instances typ, registers it with the topology, and returns its
// stable Ref.
func (g *Graph) AddNode(typ *node.Type) (node.Ref, error) {
	if err := typ.Validate(g.slots); err != nil {
		return 0, &CompileError{Kind: KindSchema, Node: typ.Name, Err: err}
	}
	g.nextRef++
	ref := g.nextRef
	inst := node.NewInstance(ref, typ.Name, typ)
	inst.SetTaskCount(1)
	if child := g.logger.Clone(); child != nil {
		inst.SetLogger(child.Str("node", typ.Name).Logger())
	}
	g.instances[ref] = inst
	g.topo.AddNode(ref)
	return ref, nil
}

// Instance returns the node instance for ref (implements connect.Graph).
func (g *Graph) Instance(ref node.Ref) (*node.Instance, error) {
	inst, ok := g.instances[ref]
	if !ok {
		return nil, fmt.Errorf("compiler: no such node %d", ref)
	}
	return inst, nil
}

// AddEdge adds a topology edge (implements connect.Graph).
func (g *Graph) AddEdge(e topology.Edge) error { return g.topo.AddEdge(e) }

// CreateConstant builds a resource carrying a constant descriptor
// (implements connect.Graph).
func (g *Graph) CreateConstant(producer node.Ref, descriptor slot.Descriptor) (resource.Ref, error) {
	return g.resources.Create(resource.NodeRef(producer), descriptor, resource.StrategyHostVisible, resource.LifetimeFrame, 0)
}

// Descriptor resolves a resource ref's descriptor (implements the
// connect package's descriptorSource capability interface).
func (g *Graph) Descriptor(ref resource.Ref) (slot.Descriptor, error) {
	return g.resources.Descriptor(ref)
}

// SetTag attaches a tag to a node instance, used by partial cleanup
// (cleanup_by_tag) and event-bus routing.
func (g *Graph) SetTag(ref node.Ref, tag string) error {
	inst, err := g.Instance(ref)
	if err != nil {
		return err
	}
	inst.AddTag(tag)
	return nil
}

// Compile runs the ten-step pipeline described in §4.6. On any fatal
// error every node that is neither Created nor Cleaned is moved back to
// StateSetup (see resetToSetup); budget charges and backend allocations
// already made by step 8 are not rolled back.
func (g *Graph) Compile() (*CompileReport, error) {
	report := &CompileReport{}

	// Step 1: topological sort.
	order, err := g.topo.TopologicalSort()
	if err != nil {
		report.Errors = append(report.Errors, &CompileError{Kind: KindTopology, Node: "<graph>", Err: err})
		return report, g.resetToSetup(report)
	}
	g.order = order
	report.Order = order

	// Step 2: graph-compile setup hook, per node, in topological order.
	for _, ref := range order {
		inst := g.instances[ref]
		inst.ResetCompileTracking()
		if err := inst.Transition(node.StateSetup); err != nil {
			report.Errors = append(report.Errors, &CompileError{Kind: KindLifecycle, Node: inst.Name, Err: err})
			continue
		}
		if inst.Type.Hooks.Setup != nil {
			if err := inst.Type.Hooks.Setup(&node.WiringContext{Instance: inst}); err != nil {
				report.Errors = append(report.Errors, &CompileError{Kind: KindSchema, Node: inst.Name, Detail: "Setup", Err: err})
			}
		}
	}
	if !report.OK() {
		return report, g.resetToSetup(report)
	}

	// Step 3: register accumulated connections (direct/array/constant/
	// variadic immediately; field-extraction callbacks are stashed, keyed
	// by producer, and run in step 4 the instant their producer compiles).
	callbacks, err := g.connectBuilder.RegisterAll()
	if err != nil {
		report.Errors = append(report.Errors, &CompileError{Kind: KindSchema, Node: "<graph>", Detail: "connection builder", Err: err})
		return report, g.resetToSetup(report)
	}
	g.indexFieldCallbacks(callbacks)

	// Step 4: per-node compile, in topological order. A field-extraction
	// destination may read its bound input from its own Compile hook
	// (Bundle.Inputs is a plain exported field), so the producer's field
	// callbacks must run before the loop moves past that producer — not
	// after the whole pass, which would leave every such destination
	// observing an unresolved input 100% of the time.
	for _, ref := range order {
		inst := g.instances[ref]
		if err := g.compileNode(inst); err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		if err := inst.Transition(node.StateCompiled); err != nil {
			report.Errors = append(report.Errors, &CompileError{Kind: KindLifecycle, Node: inst.Name, Err: err})
		}
		g.propagateDirectEdges(ref)
		for _, cb := range g.fieldCallbacks[ref] {
			if err := cb(g); err != nil {
				report.Errors = append(report.Errors, &CompileError{Kind: KindSchema, Node: inst.Name, Detail: "field extraction", Err: err})
			}
		}
	}
	if !report.OK() {
		return report, g.resetToSetup(report)
	}

	// Step 5: validate.
	for _, ref := range order {
		inst := g.instances[ref]
		if err := g.validateNode(inst); err != nil {
			report.Errors = append(report.Errors, err)
		}
	}
	if !report.OK() {
		return report, g.resetToSetup(report)
	}

	// Step 6: lifetime analysis.
	analyser, resourceInfos, err := g.runLifetimeAnalysis(order)
	if err != nil {
		report.Errors = append(report.Errors, &CompileError{Kind: KindAlias, Node: "<graph>", Err: err})
		return report, g.resetToSetup(report)
	}
	g.analyser = analyser
	report.Timelines = analyser.All()

	// Step 7: aliasing.
	groups := analyser.ComputeAliasingGroups()
	report.AliasGroups = groups
	if err := g.applyAliasing(groups, resourceInfos); err != nil {
		report.Errors = append(report.Errors, &CompileError{Kind: KindAlias, Node: "<graph>", Err: err})
		return report, g.resetToSetup(report)
	}
	report.AliasStats = g.aliasEngine.Stats()

	// Step 8: budget enforcement.
	if err := g.enforceBudget(resourceInfos); err != nil {
		report.Errors = append(report.Errors, err)
		return report, g.resetToSetup(report)
	}

	// Step 9: cleanup registration.
	g.registerCleanup(order)

	// Transition every node to Ready now that compile fully succeeded.
	for _, ref := range order {
		inst := g.instances[ref]
		if err := inst.Transition(node.StateReady); err != nil {
			report.Errors = append(report.Errors, &CompileError{Kind: KindLifecycle, Node: inst.Name, Err: err})
		}
	}

	// Step 10: publish compile-completed.
	g.bus.PublishRecompileCompleted(0, namesOf(g.instances, order))

	return report, nil
}

// compileNode invokes a node's compile hook with bundle 0 bound (§4.6 step
// 4). It does not create output resources or mark inputs as
// compile-time-required itself: the hook creates and binds its own
// outputs, and input-use marks come only from BindInput calls with
// markUsed set.
func (g *Graph) compileNode(inst *node.Instance) *CompileError {
	if inst.Type.Hooks.Compile == nil {
		return nil
	}
	ctx := &node.WiringContext{Instance: inst}
	bundle, err := inst.Bundle(0)
	if err == nil {
		ctx.Bundle = bundle
	}
	if err := inst.Type.Hooks.Compile(ctx); err != nil {
		return &CompileError{Kind: KindSchema, Node: inst.Name, Detail: "Compile", Err: err}
	}
	return nil
}

// validateNode checks required (non-nullable, dependency-role) inputs are
// bound and that declared parameters are present (§4.6 step 5).
func (g *Graph) validateNode(inst *node.Instance) *CompileError {
	if err := inst.ValidateParams(); err != nil {
		return &CompileError{Kind: KindValidation, Node: inst.Name, Detail: "parameters", Err: err}
	}
	bundle, err := inst.Bundle(0)
	if err != nil {
		return &CompileError{Kind: KindValidation, Node: inst.Name, Err: err}
	}
	for _, s := range inst.Type.Inputs {
		if s.Nullable || !s.Role.Has(slot.RoleDependency) {
			continue
		}
		if bundle.Inputs[s.Index] == 0 {
			return &CompileError{Kind: KindValidation, Node: inst.Name, Detail: s.Name, Err: fmt.Errorf("required input not connected")}
		}
	}
	return nil
}

// propagateDirectEdges binds every direct/array-fan-out edge (§4.5 modes
// 1-2) leaving a just-compiled producer onto its consumers' input bundles.
// Variadic edges (TargetSlot -1) are skipped. Field-extraction edges are
// bound here too, with the producer's raw output; the field callback that
// runs right after in Compile's step 4 overwrites that binding.
func (g *Graph) propagateDirectEdges(producer node.Ref) {
	inst := g.instances[producer]
	bundle, err := inst.Bundle(0)
	if err != nil {
		return
	}
	for _, e := range g.topo.OutgoingEdges(producer) {
		if e.TargetSlot < 0 || e.SourceSlot < 0 || e.SourceSlot >= len(bundle.Outputs) {
			continue
		}
		outRef := bundle.Outputs[e.SourceSlot]
		if outRef == 0 {
			continue
		}
		dst, ok := g.instances[e.TargetNode]
		if !ok {
			continue
		}
		_ = dst.BindInput(0, e.TargetSlot, outRef, false)
	}
}

// indexFieldCallbacks buckets the connect builder's field-extraction
// callbacks by producer ref, so step 4 can run each one the instant that
// producer finishes compiling.
func (g *Graph) indexFieldCallbacks(callbacks []connect.FieldCallback) {
	for _, fc := range callbacks {
		g.fieldCallbacks[fc.Producer] = append(g.fieldCallbacks[fc.Producer], fc.Run)
	}
}

// runLifetimeAnalysis assembles lifetime.ResourceInfo for every resource
// created by compile and derives timelines via the lifetime package.
func (g *Graph) runLifetimeAnalysis(order []node.Ref) (*lifetime.Analyser, map[resource.Ref]lifetime.ResourceInfo, error) {
	infos := g.collectResourceInfos(order)

	list := make([]lifetime.ResourceInfo, 0, len(infos))
	for _, ri := range infos {
		list = append(list, ri)
	}

	consumersOf := func(ref resource.Ref) []node.Ref {
		var out []node.Ref
		seen := make(map[node.Ref]bool)
		for _, ref2 := range g.resourceConsumers(ref) {
			if !seen[ref2] {
				seen[ref2] = true
				out = append(out, ref2)
			}
		}
		return out
	}

	analyser, err := lifetime.New(order, list, consumersOf)
	if err != nil {
		return nil, nil, err
	}
	return analyser, infos, nil
}

// collectResourceInfos scans every node's bound bundle outputs, since the
// resource registry itself does not enumerate by producer.
func (g *Graph) collectResourceInfos(order []node.Ref) map[resource.Ref]lifetime.ResourceInfo {
	out := make(map[resource.Ref]lifetime.ResourceInfo)
	for _, ref := range order {
		inst := g.instances[ref]
		bundle, err := inst.Bundle(0)
		if err != nil {
			continue
		}
		for _, out_ref := range bundle.Outputs {
			if out_ref == 0 {
				continue
			}
			meta, err := g.resources.Metadata(out_ref)
			if err != nil {
				continue
			}
			out[out_ref] = lifetime.ResourceInfo{Ref: out_ref, Producer: ref, Category: uint8(meta.Category)}
		}
	}
	return out
}

// resourceConsumers finds which nodes consume ref by scanning every node's
// bound inputs for a match — O(nodes*slots), acceptable at the scale this
// engine targets (frame graphs with tens to low hundreds of nodes).
func (g *Graph) resourceConsumers(ref resource.Ref) []node.Ref {
	var out []node.Ref
	for nref, inst := range g.instances {
		bundle, err := inst.Bundle(0)
		if err != nil {
			continue
		}
		for _, in := range bundle.Inputs {
			if in == ref {
				out = append(out, nref)
				break
			}
		}
	}
	return out
}

// requirementOf builds the aliasing engine's compatibility requirement for
// a resource from its registry metadata, shared by the batch (BuildPools)
// and incremental (FindAlias/MarkReleased) aliasing paths.
func (g *Graph) requirementOf(ref resource.Ref) alias.Requirement {
	meta, _ := g.resources.Metadata(ref)
	return alias.Requirement{Size: meta.Size, Alignment: 256, MemoryTypeBits: 0xFFFFFFFF, DeviceID: meta.DeviceID}
}

// applyAliasing builds pools from the lifetime analyser's groups and
// records each resource's assigned pool id.
func (g *Graph) applyAliasing(groups []lifetime.Group, infos map[resource.Ref]lifetime.ResourceInfo) error {
	reqOf := g.requirementOf
	isDeviceLocal := func(ref resource.Ref) bool {
		meta, err := g.resources.Metadata(ref)
		return err == nil && meta.Strategy == resource.StrategyDeviceLocal
	}

	aliasGroups := make([]alias.Group, len(groups))
	for i, grp := range groups {
		aliasGroups[i] = alias.Group{Members: grp.Members}
	}

	pools := g.aliasEngine.BuildPools(aliasGroups, reqOf, isDeviceLocal)
	for _, p := range pools {
		id := g.resources.CreatePool(p.Members, p.Size)
		for groupIdx, grp := range groups {
			for _, m := range grp.Members {
				for _, pm := range p.Members {
					if m == pm {
						_ = g.analyserAssign(groupIdx, m, int(id))
					}
				}
			}
		}
	}
	return nil
}

func (g *Graph) analyserAssign(groupID int, ref resource.Ref, poolID int) error {
	if g.analyser == nil {
		return nil
	}
	return g.analyser.AssignAliasGroup(ref, poolID)
}

// enforceBudget charges every resource's estimated size against its
// category's budget, reconciling against the backend's actual size when a
// Backend is configured (§4.6 step 8). A resource the batch aliasing pass
// (step 7) didn't already place in a pool is first offered to the
// incremental aliasing API (§4.8 "available multimap"): if a compatible
// resource released by an earlier cleanup is found, the backend
// allocation is skipped entirely and the existing allocation is reused
// across frames, not just within one compile's own lifetime groups.
func (g *Graph) enforceBudget(infos map[resource.Ref]lifetime.ResourceInfo) *CompileError {
	for ref := range infos {
		meta, err := g.resources.Metadata(ref)
		if err != nil {
			continue
		}
		category := budgetCategoryOf(meta.Category)
		if !g.budgetMgr.TryAllocate(category, meta.Size) {
			return &CompileError{
				Kind: KindBudget, Node: "<graph>",
				Detail: string(category),
				Err: &budget.OverBudgetError{Category: category, Requested: meta.Size, Available: g.budgetMgr.AvailableBytes(category)},
			}
		}

		if g.reusesReleasedAlias(ref) {
			continue
		}

		if g.backend != nil {
			desc, err := g.resources.Descriptor(ref)
			if err == nil {
				actual, err := g.backend.Allocate(ref, desc, meta.Strategy, meta.DeviceID)
				if err != nil {
					return &CompileError{Kind: KindBackend, Node: "<graph>", Err: err}
				}
				_ = g.resources.UpdateSize(ref, actual)
			}
		}
		g.aliasEngine.RecordAllocation(meta.Size)
	}
	return nil
}

// reusesReleasedAlias consults the incremental aliasing pool for ref: a
// resource already placed in a batch pool this compile (AliasGroupID != -1)
// is skipped, since applyAliasing already accounted for it. Otherwise, a
// compatible resource released by an earlier cleanup (destroyNode's
// MarkReleased) lets this allocation reuse that backing memory instead of
// requesting a fresh one from the backend.
func (g *Graph) reusesReleasedAlias(ref resource.Ref) bool {
	if g.analyser != nil {
		if tl, err := g.analyser.Timeline(ref); err == nil && tl.AliasGroupID != -1 {
			return false
		}
	}
	req := g.requirementOf(ref)
	_, ok := g.aliasEngine.FindAlias(req, req.Size)
	return ok
}

// budgetCategoryOf maps a slot.Category to a budget.Category: image,
// buffer and acceleration-structure resources are charged to device
// memory, every other category to host memory. A resource's Strategy is
// not consulted.
func budgetCategoryOf(c slot.Category) budget.Category {
	switch c {
	case slot.CategoryImage, slot.CategoryBuffer:
		return budget.CategoryDeviceMemory
	case slot.CategoryAccelStructure:
		return budget.CategoryDeviceMemory
	default:
		return budget.CategoryHostMemory
	}
}

// registerCleanup records every node's cleanup entry keyed by the producer
// nodes of all its bound inputs (§4.6 step 9, §4.10): teardown order must
// be consistent with every data-flow edge a node participates in, not just
// the ones its Compile hook happened to read.
func (g *Graph) registerCleanup(order []node.Ref) {
	for _, ref := range order {
		inst := g.instances[ref]
		bundle, err := inst.Bundle(0)
		if err != nil {
			continue
		}
		var deps []node.Ref
		seen := make(map[node.Ref]bool)
		for _, inRef := range bundle.Inputs {
			if inRef == 0 {
				continue
			}
			producer, err := g.resources.Producer(inRef)
			if err != nil {
				continue
			}
			pref := node.Ref(producer)
			if !seen[pref] {
				seen[pref] = true
				deps = append(deps, pref)
			}
		}
		var tags []string
		for tag := range inst.Tags {
			tags = append(tags, tag)
		}
		g.cleanupStack.Register(cleanup.Entry{Node: ref, Name: inst.Name, Type: inst.Type.Name, Tags: tags, Dependencies: deps})
	}
}

// resetToSetup transitions every node that is neither Created nor Cleaned
// back to StateSetup after a failed compile. It changes node states only:
// resources, budget charges and backend allocations are left as they are.
func (g *Graph) resetToSetup(report *CompileReport) error {
	for _, inst := range g.instances {
		switch inst.State() {
		case node.StateCreated, node.StateCleaned:
			continue
		default:
			_ = inst.Transition(node.StateSetup)
		}
	}
	return fmt.Errorf("compiler: compile failed with %d error(s)", len(report.Errors))
}

// Execute runs every node's Execute hook once per bundle, in compiled
// topological order, gated by the OR of the node's loop references (§3
// "effective execute predicate", §4.6 "Execute"). A node with no loop
// references runs unconditionally every frame (variable timestep default).
func (g *Graph) Execute() error {
	for _, ref := range g.order {
		inst := g.instances[ref]
		if !g.shouldExecute(inst) {
			continue
		}
		if err := inst.Transition(node.StateExecuting); err != nil {
			return &CompileError{Kind: KindLifecycle, Node: inst.Name, Err: err}
		}
		for i := 0; i < inst.TaskCount(); i++ {
			bundle, err := inst.Bundle(i)
			if err != nil {
				return &CompileError{Kind: KindLifecycle, Node: inst.Name, Err: err}
			}
			inst.SetCurrentTask(i)
			if inst.Type.Hooks.Execute != nil {
				if err := inst.Type.Hooks.Execute(&node.TaskContext{Instance: inst, TaskIndex: i, Bundle: bundle}); err != nil {
					return &CompileError{Kind: KindBackend, Node: inst.Name, Err: err}
				}
			}
		}
		if err := inst.Transition(node.StateReady); err != nil {
			return &CompileError{Kind: KindLifecycle, Node: inst.Name, Err: err}
		}
	}
	return nil
}

// shouldExecute reports whether inst fires this frame: the OR of its bound
// loop references' should-execute flags, or unconditionally true if it
// isn't gated by any loop.
func (g *Graph) shouldExecute(inst *node.Instance) bool {
	if len(inst.LoopRefs) == 0 {
		return true
	}
	refs := make([]*loopmgr.Ref, 0, len(inst.LoopRefs))
	for _, id := range inst.LoopRefs {
		if r, ok := g.loops.Get(loopmgr.ID(id)); ok {
			refs = append(refs, r)
		}
	}
	return loopmgr.EffectiveExecute(refs...)
}

// RenderFrame advances the loop manager, acquires a backend frame (if a
// Backend is configured), executes the graph, presents the frame, and
// finally applies any deferred recompile requests queued during the frame
// (§4.6 "RenderFrame composes").
func (g *Graph) RenderFrame(frameTime time.Duration) error {
	g.frameIndex++
	g.loops.Update(frameTime, g.frameIndex)

	var frame Frame
	if g.backend != nil {
		var err error
		frame, err = g.backend.AcquireFrame()
		if err != nil {
			return &CompileError{Kind: KindBackend, Node: "<graph>", Err: err}
		}
	}

	if err := g.Execute(); err != nil {
		return err
	}

	if g.backend != nil {
		if err := g.backend.Present(frame); err != nil {
			return &CompileError{Kind: KindBackend, Node: "<graph>", Err: err}
		}
	}

	// Prune the incremental aliasing pool of entries released further
	// back than the retention window, so a resource freed once and never
	// reused doesn't sit in the available pool forever (§4.8).
	g.aliasEngine.ClearReleased(int(g.frameIndex) - aliasRetentionFrames)

	return g.applyDeferredRecompile()
}

// aliasRetentionFrames bounds how long a released resource stays eligible
// for incremental reuse via FindAlias before ClearReleased drops it.
const aliasRetentionFrames = 4

// RequestRecompile flags ref for recompile at the start of the next frame
// (§5 "the deferred-recompile flag set during frame N causes recompile at
// the start of frame N+1").
func (g *Graph) RequestRecompile(ref node.Ref, reason string) error {
	inst, err := g.Instance(ref)
	if err != nil {
		return err
	}
	inst.RequestRecompile()
	g.pendingRecompile[ref] = true
	g.bus.PublishRecompileRequested(0, eventbus.RecompileRequestedPayload{Nodes: []string{inst.Name}, Reason: reason})
	return nil
}

// applyDeferredRecompile moves every node flagged via RequestRecompile
// back to StateSetup and re-runs Compile if any were pending.
func (g *Graph) applyDeferredRecompile() error {
	if len(g.pendingRecompile) == 0 {
		return nil
	}
	for ref := range g.pendingRecompile {
		if inst, ok := g.instances[ref]; ok {
			_ = inst.Transition(node.StateSetup)
			inst.ConsumeRecompileFlag()
		}
	}
	g.pendingRecompile = make(map[node.Ref]bool)
	_, err := g.Compile()
	return err
}

// CleanupAll tears down every node via the cleanup stack, invoking each
// node's Cleanup hook exactly once (§4.10 idempotence) and publishing
// cleanup-completed on success.
func (g *Graph) CleanupAll() ([]node.Ref, error) {
	cleaned, err := g.cleanupStack.CleanupAll(g.destroyNode)
	g.publishCleanupCompleted(cleaned)
	return cleaned, err
}

// CleanupSubgraph tears down root and any producer orphaned by its
// removal (§4.10).
func (g *Graph) CleanupSubgraph(root node.Ref) ([]node.Ref, error) {
	cleaned, err := g.cleanupStack.CleanupSubgraph(root, g.destroyNode)
	g.publishCleanupCompleted(cleaned)
	return cleaned, err
}

// CleanupByTag tears down every tagged node and newly orphaned producers.
func (g *Graph) CleanupByTag(tag string) ([]node.Ref, error) {
	cleaned, err := g.cleanupStack.CleanupByTag(tag, g.destroyNode)
	g.publishCleanupCompleted(cleaned)
	return cleaned, err
}

// CleanupByType tears down every node of the given type and newly orphaned
// producers.
func (g *Graph) CleanupByType(typeName string) ([]node.Ref, error) {
	cleaned, err := g.cleanupStack.CleanupByType(typeName, g.destroyNode)
	g.publishCleanupCompleted(cleaned)
	return cleaned, err
}

// GetCleanupScope is a dry run reporting what CleanupSubgraph(root) would
// tear down.
func (g *Graph) GetCleanupScope(root node.Ref) []node.Ref {
	return g.cleanupStack.GetCleanupScope(root)
}

func (g *Graph) destroyNode(ref node.Ref) error {
	inst, ok := g.instances[ref]
	if !ok {
		return nil
	}
	if !inst.MarkCleaned() {
		return nil // double cleanup swallowed, not reported (§7 LifecycleError)
	}
	g.bus.UnsubscribeAll(eventbus.SenderID(ref))
	g.releaseOutputsForAliasing(inst)
	if inst.Type.Hooks.Cleanup != nil {
		if err := inst.Type.Hooks.Cleanup(&node.WiringContext{Instance: inst}); err != nil {
			logger := inst.Logger()
			if logger == nil {
				logger = g.logger
			}
			if logger != nil {
				logger.Err().Str("node", inst.Name).Err(err).Log("cleanup: backend reported failure") // suppressed, not propagated (§7 "Cleanup suppresses errors from external backends but logs them")
			}
		}
	}
	_ = inst.Transition(node.StateCleaned)
	return nil
}

// releaseOutputsForAliasing feeds a cleaned node's device-local outputs
// into the aliasing engine's available pool (§4.8 "available multimap"),
// so a later recompile's enforceBudget pass can reuse the backing
// allocation via FindAlias instead of requesting a fresh one from the
// backend. Host-visible and below-threshold resources are left out,
// matching BuildPools' own eligibility filter.
func (g *Graph) releaseOutputsForAliasing(inst *node.Instance) {
	for i := 0; i < inst.TaskCount(); i++ {
		bundle, err := inst.Bundle(i)
		if err != nil {
			continue
		}
		for _, outRef := range bundle.Outputs {
			if outRef == 0 {
				continue
			}
			meta, err := g.resources.Metadata(outRef)
			if err != nil || meta.Strategy != resource.StrategyDeviceLocal || meta.Size < g.aliasEngine.Threshold {
				continue
			}
			g.aliasEngine.MarkReleased(outRef, g.requirementOf(outRef), int(g.frameIndex))
		}
	}
}

func (g *Graph) publishCleanupCompleted(cleaned []node.Ref) {
	if len(cleaned) == 0 {
		return
	}
	g.bus.PublishCleanupCompleted(0, eventbus.CleanupCompletedPayload{Cleaned: namesOf(g.instances, cleaned)})
}

func namesOf(instances map[node.Ref]*node.Instance, refs []node.Ref) []string {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		if inst, ok := instances[ref]; ok {
			out = append(out, inst.Name)
		}
	}
	return out
}
